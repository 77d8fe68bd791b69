package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"wabridge/internal/whatsapp"
)

func logoutCmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "logout",
		Short: "Unlink this device and delete the session store",
		Long: `Unlinks the device from the WhatsApp account (best effort) and deletes the
session store so the next 'wabridge run' shows a fresh QR code.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfigOrDefaults(resolveConfigPath())
			storePath := cfg.Session.StorePath

			if _, err := os.Stat(storePath); err != nil {
				fmt.Printf("No session store at %s, nothing to do.\n", storePath)
				return nil
			}

			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			sessionStore, err := whatsapp.OpenSessionStore(ctx, storePath, logger)
			if err != nil {
				return fmt.Errorf("session store: %w", err)
			}

			transport := whatsapp.NewTransport(whatsapp.TransportConfig{Store: sessionStore, Logger: logger})
			if err := transport.Logout(ctx); err != nil && !errors.Is(err, whatsapp.ErrNotPaired) {
				logger.Warn("logout incomplete", "err", err)
			}
			transport.Close()
			sessionStore.Close()

			removed, err := removeStoreFiles(storePath)
			if err != nil {
				return err
			}
			fmt.Printf("Session removed (%d file(s)). Run 'wabridge run' to pair again.\n", removed)
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "how long to wait for the server to confirm the logout")
	return cmd
}

// removeStoreFiles deletes the sqlite file and its WAL companions.
func removeStoreFiles(storePath string) (int, error) {
	removed := 0
	for _, p := range []string{storePath, storePath + "-wal", storePath + "-shm"} {
		err := os.Remove(p)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return removed, fmt.Errorf("remove %s: %w", p, err)
		}
		removed++
	}
	return removed, nil
}
