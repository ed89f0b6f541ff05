package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/aegis/internal/session"
	"github.com/nextlevelbuilder/aegis/internal/store"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show active sessions and their prompts",
		Run: func(cmd *cobra.Command, args []string) {
			cfg, err := loadConfig()
			if err != nil {
				fmt.Fprintf(os.Stderr, "config error: %s\n", err)
				os.Exit(session.ExitConfig)
			}
			st, err := store.Open(cfg.DatabasePath())
			if err != nil {
				fmt.Fprintf(os.Stderr, "database error: %s\n", err)
				os.Exit(session.ExitEnvironment)
			}
			defer st.Close()
			if err := printStatus(st); err != nil {
				fmt.Fprintf(os.Stderr, "status error: %s\n", err)
				os.Exit(session.ExitError)
			}
		},
	}
}

func printStatus(st *store.Store) error {
	sessions, err := st.Sessions.ListActive()
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Println("No active sessions.")
		return nil
	}

	for _, s := range sessions {
		fmt.Printf("session %s\n", s.ID)
		fmt.Printf("  tool:    %s\n", s.Tool)
		fmt.Printf("  cwd:     %s\n", s.CWD)
		if s.PID != 0 {
			fmt.Printf("  pid:     %d\n", s.PID)
		}
		fmt.Printf("  started: %s\n", s.StartedAt.Local().Format("2006-01-02 15:04:05"))
		fmt.Printf("  prompts: %d\n", s.PromptCount)

		prompts, err := st.Prompts.BySession(s.ID)
		if err != nil {
			return err
		}
		for _, p := range prompts {
			line := fmt.Sprintf("    [%s] %s (%.2f)", p.Status, p.InputType, p.Confidence)
			if p.Status == store.PromptAwaitingResponse {
				line += fmt.Sprintf(" — expires %s", p.ExpiresAt.Local().Format("15:04:05"))
			}
			fmt.Println(line)
		}
		fmt.Println()
	}
	return nil
}
