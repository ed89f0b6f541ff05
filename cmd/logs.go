package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/aegis/internal/audit"
	"github.com/nextlevelbuilder/aegis/internal/config"
	"github.com/nextlevelbuilder/aegis/internal/session"
)

func logsCmd() *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show recent audit events",
		Run: func(cmd *cobra.Command, args []string) {
			path := config.AuditLogPath()
			events, err := audit.Tail(path, count)
			if err != nil {
				if errors.Is(err, os.ErrNotExist) {
					fmt.Println("No audit log yet.")
					return
				}
				fmt.Fprintf(os.Stderr, "audit log error: %s\n", err)
				os.Exit(session.ExitError)
			}
			if len(events) == 0 {
				fmt.Println("Audit log is empty.")
				return
			}
			for _, e := range events {
				line := fmt.Sprintf("%s  %-24s", e.TS, e.EventType)
				if e.PromptID != nil {
					line += fmt.Sprintf("  prompt=%.12s", *e.PromptID)
				} else if e.SessionID != nil {
					line += fmt.Sprintf("  session=%.12s", *e.SessionID)
				}
				if e.DataJSON != "" && e.DataJSON != "{}" {
					line += "  " + e.DataJSON
				}
				fmt.Println(line)
			}
		},
	}
	cmd.Flags().IntVarP(&count, "number", "n", 20, "number of events to show")
	return cmd
}
