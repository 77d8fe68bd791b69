package main

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"wabridge/internal/config"
	"wabridge/internal/whatsapp"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your wabridge installation",
		Long: `Verifies that the configuration, session store and reasoning service
are correctly set up. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("wabridge doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			passed := 0
			failed := 0
			warned := 0

			// 1. Config file exists
			if _, err := os.Stat(cfgPath); err != nil {
				printFail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				fmt.Printf("\nRun 'wabridge init' to create a default configuration.\n")
				return fmt.Errorf("config file missing")
			}
			printPass("Config file", cfgPath)
			passed++

			// 2. Config loads and validates
			cfg, err := config.Load(cfgPath)
			if err != nil {
				printFail("Config validation", err.Error())
				fmt.Printf("\n%d passed, 1 failed\n", passed)
				return fmt.Errorf("config invalid")
			}
			printPass("Config validation", "valid")
			passed++

			// 3. Session store opens and migrates
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			paired, err := checkSessionStore(ctx, cfg.Session.StorePath)
			switch {
			case err != nil:
				printFail("Session store", err.Error())
				failed++
			case !paired:
				printWarn("Session store", "no paired device yet; 'wabridge run' will show a QR code")
				warned++
			default:
				printPass("Session store", cfg.Session.StorePath+" (paired)")
				passed++
			}

			// 4. Reasoning service reachable
			if err := checkReachable(cfg.Reasoner.URL, 5*time.Second); err != nil {
				printWarn("Reasoning service", fmt.Sprintf("unreachable: %v", err))
				warned++
			} else {
				printPass("Reasoning service", config.Sanitize(cfg).Reasoner.URL)
				passed++
			}

			// 5. Operator endpoint address free
			if cfg.Metrics.Enabled {
				if err := checkAddr(cfg.Metrics.Addr); err != nil {
					printWarn("Metrics address", fmt.Sprintf("%s may be in use: %v", cfg.Metrics.Addr, err))
					warned++
				} else {
					printPass("Metrics address", cfg.Metrics.Addr+" available")
					passed++
				}
			}

			// 6. Log file writable
			if cfg.General.LogFile != "" {
				if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
					printWarn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
					warned++
				} else {
					printPass("Log file", cfg.General.LogFile)
					passed++
				}
			}

			// Summary
			fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
			fmt.Printf("Results: %d passed, %d warnings, %d failed\n", passed, warned, failed)
			if failed > 0 {
				fmt.Printf("\nPlease fix the failed checks before running wabridge.\n")
				return fmt.Errorf("%d check(s) failed", failed)
			}
			if warned > 0 {
				fmt.Printf("\nwabridge should work but consider fixing the warnings.\n")
			} else {
				fmt.Printf("\nAll checks passed! wabridge is ready to run.\n")
			}
			return nil
		},
	}
}

// checkSessionStore opens the store the same way the bridge does and
// reports whether it holds a paired device.
func checkSessionStore(ctx context.Context, storePath string) (bool, error) {
	s, err := whatsapp.OpenSessionStore(ctx, storePath, logger)
	if err != nil {
		return false, err
	}
	defer s.Close()
	return s.Paired(), nil
}

// checkReachable dials the reasoning service host. It does not send a
// request, so the service sees no traffic.
func checkReachable(rawURL string, timeout time.Duration) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return err
	}
	port := u.Port()
	if port == "" {
		port = "80"
		if u.Scheme == "https" {
			port = "443"
		}
	}
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(u.Hostname(), port), timeout)
	if err != nil {
		return err
	}
	return conn.Close()
}

func checkAddr(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	ln.Close()
	return nil
}

func printPass(check, detail string) {
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
}

func printFail(check, detail string) {
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
}

func printWarn(check, detail string) {
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
}
