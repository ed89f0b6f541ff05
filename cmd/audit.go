package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/aegis/internal/audit"
	"github.com/nextlevelbuilder/aegis/internal/config"
	"github.com/nextlevelbuilder/aegis/internal/session"
)

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Audit log operations",
	}
	cmd.AddCommand(auditVerifyCmd())
	return cmd
}

func auditVerifyCmd() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify the audit log's hash chain end to end",
		Run: func(cmd *cobra.Command, args []string) {
			if path == "" {
				path = config.AuditLogPath()
			}
			if code := runAuditVerify(path); code != 0 {
				os.Exit(code)
			}
		},
	}
	cmd.Flags().StringVar(&path, "file", "", "audit log to verify (default: ~/.aegis/audit.log)")
	return cmd
}

// runAuditVerify walks the chain and returns the process exit code:
// 0 when intact, 1 when unreadable or broken.
func runAuditVerify(path string) int {
	res, err := audit.Verify(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "audit verify: %s\n", err)
		return session.ExitError
	}
	if !res.OK {
		fmt.Printf("FAIL: %s\n", res.FirstError)
		fmt.Printf("%d entries verified before the break.\n", res.Count)
		return session.ExitError
	}
	fmt.Printf("OK: %d entries, chain intact.\n", res.Count)
	return 0
}
