package cmd

import (
	"fmt"
	"strings"

	"xmppwebhook/pkg/config"
	"xmppwebhook/pkg/route"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"
)

var routesCmd = &cobra.Command{
	Use:   "routes",
	Short: "Print the routing table",
	Long:  "Loads the configuration, builds the routing table and prints incoming webhooks, outgoing webhooks and chat triggers.",
	RunE: func(cmd *cobra.Command, args []string) error {
		_ = args

		cfg, err := config.LoadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		tbl, err := route.New(cfg)
		if err != nil {
			return err
		}

		fmt.Fprintln(cmd.OutOrStdout(), renderRoutes(tbl.Snapshot(), defaultTheme()))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(routesCmd)
}

func renderRoutes(snap route.Snapshot, th theme) string {
	webhookRows := make([][]string, 0, len(snap.Webhooks))
	for _, entry := range snap.Webhooks {
		target := "-"
		if entry.Action == route.ActionSendTemplate {
			target = entry.Destination + " (" + string(entry.Kind) + ")"
		}
		webhookRows = append(webhookRows, []string{entry.Path, entry.Action.String(), target})
	}

	outgoingRows := make([][]string, 0, len(snap.Outgoing))
	for _, hook := range snap.Outgoing {
		outgoingRows = append(outgoingRows, []string{
			hook.Code,
			hook.URL,
			hook.AuthMethod.String(),
			hook.ContentType.String(),
			hook.Timeout.String(),
			fmt.Sprintf("%t", hook.StrictTLS),
		})
	}

	triggerRows := make([][]string, 0, len(snap.Triggers))
	for _, trigger := range snap.Triggers {
		code := trigger.OutgoingCode
		if code == "" {
			code = "-"
		}
		triggerRows = append(triggerRows, []string{trigger.Identity, trigger.Action.String(), code})
	}

	sections := []string{
		renderSection(th, "Incoming webhooks", []string{"PATH", "ACTION", "DESTINATION"}, webhookRows),
		renderSection(th, "Outgoing webhooks", []string{"CODE", "URL", "AUTH", "CONTENT TYPE", "TIMEOUT", "STRICT TLS"}, outgoingRows),
		renderSection(th, "Chat triggers", []string{"IDENTITY", "ACTION", "OUTGOING"}, triggerRows),
	}
	return strings.Join(sections, "\n\n")
}

func renderSection(th theme, title string, headers []string, rows [][]string) string {
	heading := th.title.Render(title)
	if len(rows) == 0 {
		return lipgloss.JoinVertical(lipgloss.Left, heading, th.muted.Render("  (none)"))
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(th.border).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return th.header
			}
			return th.cell
		})

	return lipgloss.JoinVertical(lipgloss.Left, heading, t.Render())
}
