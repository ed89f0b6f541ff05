package cmd

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/aegis/internal/audit"
	"github.com/nextlevelbuilder/aegis/internal/config"
	"github.com/nextlevelbuilder/aegis/internal/session"
	"github.com/nextlevelbuilder/aegis/internal/store"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			if !runDoctor() {
				os.Exit(session.ExitError)
			}
		},
	}
}

func runDoctor() bool {
	healthy := true
	fail := func(format string, args ...any) {
		healthy = false
		fmt.Printf("  ✗ "+format+"\n", args...)
	}
	ok := func(format string, args ...any) {
		fmt.Printf("  ✓ "+format+"\n", args...)
	}

	fmt.Println("aegis doctor")
	fmt.Printf("  Version: %s\n", Version)
	fmt.Printf("  OS:      %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:      %s\n", runtime.Version())
	fmt.Println()

	// Config
	cfgPath := config.ResolvePath(cfgFile)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Printf("  - config %s not found (defaults + env apply)\n", cfgPath)
	} else {
		ok("config %s", cfgPath)
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fail("config invalid: %s", err)
		return false
	}
	if cfg.Telegram.BotToken == "" {
		fail("telegram.bot_token not set")
	} else {
		ok("telegram bot token present")
	}
	if len(cfg.Telegram.AllowedUsers) == 0 {
		fail("telegram.allowed_users empty — nobody can answer prompts")
	} else {
		ok("%d allowed operator(s)", len(cfg.Telegram.AllowedUsers))
	}

	// Data dir and permissions
	dataDir := config.DataDir()
	if info, err := os.Stat(dataDir); err != nil {
		fmt.Printf("  - data dir %s missing (created on first run)\n", dataDir)
	} else if info.Mode().Perm() != 0o700 {
		fail("data dir %s has permissions %o, want 700", dataDir, info.Mode().Perm())
	} else {
		ok("data dir %s (0700)", dataDir)
	}

	// Database
	if _, err := os.Stat(cfg.DatabasePath()); err == nil {
		st, err := store.Open(cfg.DatabasePath())
		if err != nil {
			fail("database: %s", err)
		} else {
			v, verr := store.SchemaVersion(st.DB())
			st.Close()
			if verr != nil {
				fail("database schema: %s", verr)
			} else {
				ok("database schema v%d", v)
			}
		}
	} else {
		fmt.Printf("  - database %s missing (created on first run)\n", cfg.DatabasePath())
	}

	// Audit chain
	if _, err := os.Stat(config.AuditLogPath()); err == nil {
		res, err := audit.Verify(config.AuditLogPath())
		if err != nil {
			fail("audit log: %s", err)
		} else if !res.OK {
			fail("audit chain broken: %s", res.FirstError)
		} else {
			ok("audit chain intact (%d entries)", res.Count)
		}
	} else {
		fmt.Println("  - audit log missing (created on first run)")
	}

	fmt.Println()
	if healthy {
		fmt.Println("All checks passed.")
	} else {
		fmt.Println("Problems found.")
	}
	return healthy
}
