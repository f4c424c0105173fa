package cmd

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/nextlevelbuilder/clawgate/internal/config"
	"github.com/nextlevelbuilder/clawgate/internal/store"
	"github.com/nextlevelbuilder/clawgate/internal/store/pg"
	"github.com/nextlevelbuilder/clawgate/internal/store/sqlite"
	"github.com/nextlevelbuilder/clawgate/internal/upgrade"
)

// openStores opens the binding store for the configured mode. Standalone
// mode migrates its SQLite file on open; managed mode refuses to start on a
// schema this binary does not match.
func openStores(cfg *config.Config) (*store.Stores, error) {
	if cfg.Database.Mode == "managed" && cfg.Database.PostgresDSN == "" {
		return nil, errors.New("managed mode requires CLAWGATE_POSTGRES_DSN")
	}
	if !cfg.IsManagedMode() {
		path := cfg.SQLitePath()
		slog.Info("opening binding store", "mode", "standalone", "path", path)
		return sqlite.NewStores(store.StoreConfig{Mode: "standalone", SQLitePath: path})
	}

	db, err := pg.OpenDB(cfg.Database.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	s, err := upgrade.CheckSchema(db)
	db.Close()
	if err != nil {
		return nil, fmt.Errorf("check schema: %w", err)
	}
	if err := s.Err(); err != nil {
		fmt.Print(upgrade.FormatError(s))
		return nil, err
	}

	slog.Info("opening binding store", "mode", "managed", "schema", s.CurrentVersion)
	return pg.NewPGStores(store.StoreConfig{Mode: "managed", PostgresDSN: cfg.Database.PostgresDSN})
}
