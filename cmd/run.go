package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/aegis/internal/session"
)

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run -- <tool> [args...]",
		Short: "Supervise an interactive CLI tool",
		Long: "Runs the tool inside a PTY, mirrors its terminal locally, and routes " +
			"interactive prompts to the configured Telegram operators. Exits with the " +
			"tool's own exit code.",
		Args: cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			cfg, err := loadConfig()
			if err != nil {
				fmt.Fprintf(os.Stderr, "config error: %s\n", err)
				os.Exit(session.ExitConfig)
			}
			o := session.New(cfg)
			os.Exit(o.Run(context.Background(), args[0], args[1:]))
		},
	}
}
