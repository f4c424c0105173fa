package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/clawgate/internal/config"
	"github.com/nextlevelbuilder/clawgate/internal/routing"
	"github.com/nextlevelbuilder/clawgate/internal/store"
)

func bindingsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bindings",
		Short: "Manage persisted routing bindings",
		Long: "Bindings stored here are merged over the config.json rules when the gateway starts " +
			"or reloads its config. Live changes on a running gateway go through routing.bindings.* RPCs.",
	}
	cmd.AddCommand(bindingsListCmd())
	cmd.AddCommand(bindingsAddCmd())
	cmd.AddCommand(bindingsRemoveCmd())
	return cmd
}

// withBindingStore loads config, opens the store and runs fn against it.
func withBindingStore(fn func(ctx context.Context, st store.BindingStore) error) error {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	stores, err := openStores(cfg)
	if err != nil {
		return err
	}
	defer stores.Close()
	return fn(context.Background(), stores.Bindings)
}

func bindingsListCmd() *cobra.Command {
	var agent, platform string
	var enabledOnly bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List persisted bindings, highest priority first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBindingStore(func(ctx context.Context, st store.BindingStore) error {
				rows, err := st.ListBindings(ctx, store.BindingFilter{
					AgentID:     agent,
					Platform:    platform,
					EnabledOnly: enabledOnly,
				})
				if err != nil {
					return err
				}
				if len(rows) == 0 {
					fmt.Println("no bindings")
					return nil
				}
				printBindings(os.Stdout, rows)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&agent, "agent", "", "only bindings for this agent")
	cmd.Flags().StringVar(&platform, "platform", "", "only bindings for this platform")
	cmd.Flags().BoolVar(&enabledOnly, "enabled", false, "hide disabled bindings")
	return cmd
}

func bindingsAddCmd() *cobra.Command {
	var bc config.BindingConfig
	var disabled bool
	cmd := &cobra.Command{
		Use:   "add <type> <agent>",
		Short: "Add a binding (types: peer, peer_parent, guild, team, account, channel, default)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			bc.Type, bc.AgentID = args[0], args[1]
			if disabled {
				off := false
				bc.Enabled = &off
			}
			b, err := routing.BindingFromConfig(bc)
			if err != nil {
				return err
			}
			return withBindingStore(func(ctx context.Context, st store.BindingStore) error {
				svc := routing.NewService()
				svc.SetStore(st)
				added, err := svc.AddBinding(ctx, b)
				if err != nil {
					return err
				}
				fmt.Printf("binding %s added (%s → %s, priority %d)\n", added.ID, added.Type, added.AgentID, added.Priority)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&bc.ID, "id", "", "binding id (default: generated)")
	cmd.Flags().StringVar(&bc.Platform, "platform", "", "platform filter (discord, telegram, slack)")
	cmd.Flags().StringVar(&bc.AccountID, "account", "", "account filter")
	cmd.Flags().StringVar(&bc.PeerKind, "peer-kind", "", "peer kind filter (dm, group, channel, guild, thread, ...)")
	cmd.Flags().StringVar(&bc.PeerPattern, "peer", "", "peer id pattern: exact, prefix*, *suffix or *")
	cmd.Flags().StringVar(&bc.Description, "description", "", "free-form note")
	cmd.Flags().BoolVar(&disabled, "disabled", false, "store the binding disabled")
	return cmd
}

func bindingsRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "remove <id>",
		Aliases: []string{"rm"},
		Short:   "Remove a binding",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBindingStore(func(ctx context.Context, st store.BindingStore) error {
				if err := st.DeleteBinding(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("binding %s removed\n", args[0])
				return nil
			})
		},
	}
}

// printBindings writes an aligned table. Widths are measured in terminal
// cells so descriptions with emoji or CJK text stay aligned.
func printBindings(w io.Writer, rows []store.BindingData) {
	header := []string{"ID", "TYPE", "PRIO", "AGENT", "PLATFORM", "ACCOUNT", "PEER", "ON", "DESCRIPTION"}
	table := [][]string{header}
	for _, r := range rows {
		peer := deref(r.PeerPattern)
		if r.PeerKind != nil {
			peer = *r.PeerKind + ":" + peer
		}
		on := "yes"
		if !r.Enabled {
			on = "no"
		}
		table = append(table, []string{
			r.ID, r.Type, fmt.Sprint(r.Priority), r.AgentID,
			deref(r.Platform), deref(r.AccountID), peer, on, r.Description,
		})
	}

	widths := make([]int, len(header))
	for _, row := range table {
		for i, cell := range row {
			if n := runewidth.StringWidth(cell); n > widths[i] {
				widths[i] = n
			}
		}
	}
	for _, row := range table {
		var b strings.Builder
		for i, cell := range row {
			if i == len(row)-1 {
				b.WriteString(cell)
				break
			}
			b.WriteString(runewidth.FillRight(cell, widths[i]+2))
		}
		fmt.Fprintln(w, strings.TrimRight(b.String(), " "))
	}
}

func deref(s *string) string {
	if s == nil || *s == "" {
		return "*"
	}
	return *s
}
