package cmd

import (
	"errors"
	"fmt"
	"io"

	"xmppwebhook/pkg/config"
	"xmppwebhook/pkg/route"
	"xmppwebhook/pkg/template"

	"github.com/spf13/cobra"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the configuration",
	Long:  "Loads the configuration, builds the routing table and compiles every message template without connecting anywhere.",
	RunE: func(cmd *cobra.Command, args []string) error {
		_ = args

		cfg, err := config.LoadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		return checkConfig(cmd.OutOrStdout(), cfg, defaultTheme())
	},
}

func init() {
	rootCmd.AddCommand(checkCmd)
}

var errInvalidConfig = errors.New("configuration is invalid")

// checkConfig reports routing and template problems to out. Warnings do not
// fail the check.
func checkConfig(out io.Writer, cfg *config.Config, th theme) error {
	var problems []string

	tbl, err := route.New(cfg)
	if err != nil {
		var cfgErr *route.ConfigError
		if errors.As(err, &cfgErr) {
			problems = append(problems, cfgErr.Problems...)
		} else {
			problems = append(problems, err.Error())
		}
	}

	for _, hook := range cfg.IncomingWebhooks {
		if route.ParseAction(hook.Action) != route.ActionSendTemplate {
			continue
		}
		if err := template.Compile(hook.Template); err != nil {
			problems = append(problems, fmt.Sprintf("incoming webhook %q: %v", hook.Path, err))
		}
	}

	if len(cfg.Listener.Users) == 0 {
		fmt.Fprintln(out, th.muted.Render("warning: no listener users configured, every webhook request will be rejected"))
	}

	if len(problems) > 0 {
		for _, problem := range problems {
			fmt.Fprintln(out, th.problem.Render("✗ ")+problem)
		}
		return fmt.Errorf("%w: %d problem(s)", errInvalidConfig, len(problems))
	}

	snap := tbl.Snapshot()
	fmt.Fprintln(out, th.ok.Render("✓ ")+fmt.Sprintf("configuration OK: %d incoming webhook(s), %d outgoing webhook(s), %d chat trigger(s)",
		len(snap.Webhooks), len(snap.Outgoing), len(snap.Triggers)))
	return nil
}
