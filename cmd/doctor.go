package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/adhocore/gronx"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/clawgate/internal/config"
	"github.com/nextlevelbuilder/clawgate/internal/routing"
	"github.com/nextlevelbuilder/clawgate/internal/store"
	"github.com/nextlevelbuilder/clawgate/internal/store/pg"
	"github.com/nextlevelbuilder/clawgate/internal/store/sqlite"
	"github.com/nextlevelbuilder/clawgate/internal/upgrade"
	"github.com/nextlevelbuilder/clawgate/pkg/protocol"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration, credentials and the binding store",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("clawgate doctor")
	fmt.Printf("  Version:  %s (protocol %s)\n", Version, protocol.ProtocolVersion)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	// Config
	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, using defaults)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	// Gateway
	fmt.Println()
	fmt.Println("  Gateway:")
	fmt.Printf("    %-12s %s:%d\n", "Listen:", cfg.Gateway.Host, cfg.Gateway.Port)
	checkSecret("Token:", cfg.Gateway.Token)
	if len(cfg.Gateway.Whitelist) == 0 {
		fmt.Printf("    %-12s all platforms\n", "Whitelist:")
	} else {
		fmt.Printf("    %-12s %s\n", "Whitelist:", strings.Join(cfg.Gateway.Whitelist, ", "))
	}
	schedule := cfg.Maintenance.AckCleanupSchedule
	if schedule != "" && !gronx.New().IsValid(schedule) {
		fmt.Printf("    %-12s %q INVALID (default used)\n", "Janitor:", schedule)
	} else {
		fmt.Printf("    %-12s %q\n", "Janitor:", schedule)
	}

	// Routing
	fmt.Println()
	fmt.Println("  Routing:")
	fmt.Printf("    %-12s %v\n", "Enabled:", cfg.Routing.Enabled)
	fmt.Printf("    %-12s %s\n", "Default:", cfg.Routing.DefaultAgent)
	valid := 0
	for _, bc := range cfg.Routing.Bindings {
		if _, err := routing.BindingFromConfig(bc); err != nil {
			fmt.Printf("    %-12s %s INVALID (%s)\n", "Binding:", bindingLabel(bc), err)
			continue
		}
		valid++
	}
	fmt.Printf("    %-12s %d valid of %d\n", "Bindings:", valid, len(cfg.Routing.Bindings))

	// Database
	fmt.Println()
	fmt.Println("  Database:")
	checkDatabase(cfg)

	// Channels
	fmt.Println()
	fmt.Println("  Channels:")
	checkChannel("Discord", cfg.Channels.Discord.Enabled, cfg.Channels.Discord.Token)
	checkChannel("Telegram", cfg.Channels.Telegram.Enabled, cfg.Channels.Telegram.Token)
	checkChannel("Slack", cfg.Channels.Slack.Enabled, cfg.Channels.Slack.BotToken)
	if cfg.Channels.Slack.Enabled && cfg.Channels.Slack.SigningSecret == "" {
		fmt.Printf("    %-12s no signing secret, /slack/events disabled\n", "")
	}

	// Telemetry
	fmt.Println()
	if cfg.Telemetry.Enabled {
		fmt.Printf("  Telemetry: %s (%s)\n", cfg.Telemetry.Endpoint, cfg.Telemetry.Protocol)
	} else {
		fmt.Println("  Telemetry: disabled")
	}

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func checkDatabase(cfg *config.Config) {
	var db *sql.DB
	var err error
	if cfg.Database.Mode == "managed" {
		fmt.Printf("    %-12s managed\n", "Mode:")
		if cfg.Database.PostgresDSN == "" {
			fmt.Printf("    %-12s CLAWGATE_POSTGRES_DSN not set\n", "Status:")
			return
		}
		db, err = pg.OpenDB(cfg.Database.PostgresDSN)
	} else {
		path := cfg.SQLitePath()
		fmt.Printf("    %-12s standalone (%s)\n", "Mode:", path)
		if _, statErr := os.Stat(path); statErr != nil {
			fmt.Printf("    %-12s not created yet (first gateway start creates it)\n", "Status:")
			return
		}
		db, err = sqlite.OpenDB(path)
	}
	if err != nil {
		fmt.Printf("    %-12s CONNECT FAILED (%s)\n", "Status:", err)
		return
	}
	defer db.Close()

	s, err := upgrade.CheckSchema(db)
	switch {
	case err != nil:
		fmt.Printf("    %-12s CHECK FAILED (%s)\n", "Schema:", err)
		return
	case s.Dirty:
		fmt.Printf("    %-12s v%d (DIRTY, run: clawgate migrate force %d)\n", "Schema:", s.CurrentVersion, s.CurrentVersion-1)
		return
	case s.Compatible:
		fmt.Printf("    %-12s v%d (up to date)\n", "Schema:", s.CurrentVersion)
	case s.CurrentVersion > s.RequiredVersion:
		fmt.Printf("    %-12s v%d (binary too old, requires v%d)\n", "Schema:", s.CurrentVersion, s.RequiredVersion)
		return
	default:
		fmt.Printf("    %-12s v%d (migration needed, run: clawgate migrate up)\n", "Schema:", s.CurrentVersion)
		return
	}

	var st store.BindingStore
	if cfg.Database.Mode == "managed" {
		st = pg.NewPGBindingStore(db)
	} else {
		st = sqlite.NewBindingStore(db)
	}
	rows, err := st.ListBindings(context.Background(), store.BindingFilter{})
	if err != nil {
		fmt.Printf("    %-12s (could not list: %s)\n", "Bindings:", err)
		return
	}
	enabled := 0
	for _, r := range rows {
		if r.Enabled {
			enabled++
		}
	}
	fmt.Printf("    %-12s %d stored, %d enabled\n", "Bindings:", len(rows), enabled)
}

func bindingLabel(bc config.BindingConfig) string {
	if bc.ID != "" {
		return bc.ID
	}
	return bc.Type + "→" + bc.AgentID
}

func checkSecret(label, secret string) {
	if secret == "" {
		fmt.Printf("    %-12s (not set)\n", label)
		return
	}
	fmt.Printf("    %-12s %s\n", label, mask(secret))
}

func checkChannel(name string, enabled bool, token string) {
	status := "disabled"
	if enabled && token != "" {
		status = "enabled, token " + mask(token)
	} else if enabled {
		status = "enabled (missing credentials)"
	}
	fmt.Printf("    %-12s %s\n", name+":", status)
}

func mask(s string) string {
	if len(s) <= 8 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + strings.Repeat("*", len(s)-8) + s[len(s)-4:]
}
