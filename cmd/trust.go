package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/aegis/internal/session"
	"github.com/nextlevelbuilder/aegis/internal/store"
)

func trustCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trust",
		Short: "Manage trusted workspaces",
		Long: "Workspaces on the trust list get their \"do you trust this folder?\" " +
			"dialogs answered automatically instead of being routed to the operator.",
	}
	cmd.AddCommand(trustListCmd())
	cmd.AddCommand(trustRevokeCmd())
	return cmd
}

func openTrustStore() *store.Store {
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
	return st
}

func trustListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List trusted workspaces",
		Run: func(cmd *cobra.Command, args []string) {
			st := openTrustStore()
			defer st.Close()
			grants, err := st.Trust.List()
			if err != nil {
				fmt.Fprintf(os.Stderr, "trust list: %s\n", err)
				os.Exit(session.ExitError)
			}
			if len(grants) == 0 {
				fmt.Println("No trusted workspaces.")
				return
			}
			for _, g := range grants {
				fmt.Printf("%s  (granted %s by %s)\n",
					g.Path, g.GrantedAt.Local().Format("2006-01-02 15:04"), g.GrantedBy)
			}
		},
	}
}

func trustRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <path>",
		Short: "Remove a workspace from the trust list",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			st := openTrustStore()
			defer st.Close()
			if err := st.Trust.Revoke(args[0]); err != nil {
				fmt.Fprintf(os.Stderr, "trust revoke: %s\n", err)
				os.Exit(session.ExitError)
			}
			fmt.Printf("Revoked trust for %s\n", args[0])
		},
	}
}
