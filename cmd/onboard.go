package cmd

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/clawgate/internal/config"
)

func onboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "onboard",
		Short: "Interactive setup wizard: writes config.json and .env.local",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnboard()
		},
	}
}

// onboardAnswers collects the wizard's inputs before anything is written.
type onboardAnswers struct {
	host         string
	port         string
	platforms    []string
	discordToken string
	telegramTok  string
	slackToken   string
	slackSecret  string
	defaultAgent string
	mode         string
	genToken     bool
}

func runOnboard() error {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	a := onboardAnswers{
		host:         cfg.Gateway.Host,
		port:         strconv.Itoa(cfg.Gateway.Port),
		defaultAgent: cfg.Routing.DefaultAgent,
		mode:         "standalone",
		genToken:     cfg.Gateway.Token == "",
	}
	if cfg.Database.Mode != "" {
		a.mode = cfg.Database.Mode
	}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Listen host").
				Value(&a.host),
			huh.NewInput().
				Title("Listen port (HTTP + WebSocket)").
				Value(&a.port).
				Validate(validatePort),
			huh.NewMultiSelect[string]().
				Title("Platforms").
				Options(
					huh.NewOption("Discord", "discord"),
					huh.NewOption("Telegram", "telegram"),
					huh.NewOption("Slack", "slack"),
				).
				Value(&a.platforms),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Discord bot token").
				EchoMode(huh.EchoModePassword).
				Value(&a.discordToken),
		).WithHideFunc(func() bool { return !slices.Contains(a.platforms, "discord") }),
		huh.NewGroup(
			huh.NewInput().
				Title("Telegram bot token").
				EchoMode(huh.EchoModePassword).
				Value(&a.telegramTok),
		).WithHideFunc(func() bool { return !slices.Contains(a.platforms, "telegram") }),
		huh.NewGroup(
			huh.NewInput().
				Title("Slack bot token (xoxb-...)").
				EchoMode(huh.EchoModePassword).
				Value(&a.slackToken),
			huh.NewInput().
				Title("Slack signing secret").
				EchoMode(huh.EchoModePassword).
				Value(&a.slackSecret),
		).WithHideFunc(func() bool { return !slices.Contains(a.platforms, "slack") }),
		huh.NewGroup(
			huh.NewInput().
				Title("Default agent").
				Description("Receives every message no binding matches").
				Value(&a.defaultAgent).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return errors.New("required")
					}
					return nil
				}),
			huh.NewSelect[string]().
				Title("Binding store").
				Options(
					huh.NewOption("SQLite file (standalone)", "standalone"),
					huh.NewOption("Postgres (managed, DSN from CLAWGATE_POSTGRES_DSN)", "managed"),
				).
				Value(&a.mode),
			huh.NewConfirm().
				Title("Generate a gateway token for WebSocket clients?").
				Value(&a.genToken),
		),
	)
	if err := form.Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			fmt.Println("Setup cancelled.")
			return nil
		}
		return err
	}

	secrets := applyOnboardAnswers(cfg, a)
	if err := config.Save(cfgPath, cfg); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	envPath := filepath.Join(filepath.Dir(cfgPath), ".env.local")
	if err := writeEnvFile(envPath, secrets); err != nil {
		return fmt.Errorf("write %s: %w", envPath, err)
	}

	fmt.Println()
	fmt.Printf("Config written to %s\n", cfgPath)
	if len(secrets) > 0 {
		fmt.Printf("Secrets written to %s\n", envPath)
	}
	fmt.Println()
	fmt.Println("Next steps:")
	if a.mode == "managed" {
		fmt.Println("  export CLAWGATE_POSTGRES_DSN=...")
		fmt.Println("  ./clawgate migrate up")
	}
	fmt.Printf("  source %s && ./clawgate\n", envPath)
	return nil
}

// applyOnboardAnswers updates cfg in place and returns the secrets that
// belong in the env file, in a stable order.
func applyOnboardAnswers(cfg *config.Config, a onboardAnswers) [][2]string {
	cfg.Gateway.Host = strings.TrimSpace(a.host)
	if p, err := strconv.Atoi(a.port); err == nil {
		cfg.Gateway.Port = p
		cfg.Gateway.WSPort = p
	}
	cfg.Routing.Enabled = true
	cfg.Routing.DefaultAgent = strings.TrimSpace(a.defaultAgent)
	cfg.Database.Mode = a.mode

	cfg.Channels.Discord.Enabled = slices.Contains(a.platforms, "discord")
	cfg.Channels.Telegram.Enabled = slices.Contains(a.platforms, "telegram")
	cfg.Channels.Slack.Enabled = slices.Contains(a.platforms, "slack")

	var secrets [][2]string
	add := func(key, value string) {
		if v := strings.TrimSpace(value); v != "" {
			secrets = append(secrets, [2]string{key, v})
		}
	}
	if a.genToken {
		add("CLAWGATE_GATEWAY_TOKEN", randomToken())
	}
	add("CLAWGATE_DISCORD_TOKEN", a.discordToken)
	add("CLAWGATE_TELEGRAM_TOKEN", a.telegramTok)
	add("CLAWGATE_SLACK_BOT_TOKEN", a.slackToken)
	add("CLAWGATE_SLACK_SIGNING_SECRET", a.slackSecret)
	return secrets
}

func writeEnvFile(path string, secrets [][2]string) error {
	if len(secrets) == 0 {
		return nil
	}
	var b strings.Builder
	b.WriteString("# clawgate secrets; never commit this file\n")
	for _, kv := range secrets {
		fmt.Fprintf(&b, "export %s=%q\n", kv[0], kv[1])
	}
	return os.WriteFile(path, []byte(b.String()), 0600)
}

func validatePort(s string) error {
	p, err := strconv.Atoi(s)
	if err != nil || p < 1 || p > 65535 {
		return errors.New("port must be 1-65535")
	}
	return nil
}

func randomToken() string {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return hex.EncodeToString(buf)
}
