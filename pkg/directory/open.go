package directory

import (
	"context"
	"fmt"

	"github.com/MrCodeEU/examguard/pkg/config"
)

// Open builds the Store selected by cfg.Backend.
func Open(ctx context.Context, cfg config.DirectoryConfig) (Store, error) {
	switch cfg.Backend {
	case "file", "":
		return NewFileDirectory(cfg.DataDir, cfg.EncryptionEnabled)
	case "postgres":
		return NewPostgresDirectory(ctx, PostgresOptions{
			DSN:           cfg.PostgresDSN,
			MaxConns:      cfg.MaxConns,
			RunMigrations: cfg.RunMigrations,
		})
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown directory backend: %s", cfg.Backend)
	}
}
