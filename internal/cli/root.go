// Package cli is the chatbridge command line: the server and the operator
// commands that work directly on its store.
package cli

import (
	"context"
	"fmt"
	"log"

	"github.com/pliu/chatbridge/internal/blob"
	"github.com/pliu/chatbridge/internal/config"
	"github.com/pliu/chatbridge/internal/store/sqlstore"
	"github.com/spf13/cobra"
)

var cfg *config.Config

func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "chatbridge",
		Short:         "Encrypted message store with an external network relay",
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.Load()
			return err
		},
	}
	root.AddCommand(serveCmd(), backupCmd(), restoreCmd(), approvalsCmd())
	return root
}

// openStore opens the database with media going to MinIO when an endpoint is
// configured and to MediaDir otherwise.
func openStore(ctx context.Context, cfg *config.Config) (*sqlstore.SQLStore, error) {
	var blobs blob.Store
	if cfg.MinioEndpoint != "" {
		m, err := blob.NewMinioStore(ctx, blob.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			return nil, err
		}
		log.Printf("Media stored in MinIO bucket %s at %s", cfg.MinioBucket, cfg.MinioEndpoint)
		blobs = m
	} else {
		fs, err := blob.NewFSStore(cfg.MediaDir)
		if err != nil {
			return nil, err
		}
		blobs = fs
	}

	st, err := sqlstore.New(cfg.DBDriver, cfg.DatabaseURL, []byte(cfg.ServerSecret), sqlstore.WithBlobStore(blobs))
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", cfg.DBDriver, err)
	}
	return st, nil
}
