package pg

import (
	"fmt"

	"github.com/nextlevelbuilder/clawgate/internal/store"
)

// NewPGStores creates all stores backed by Postgres (managed mode).
// The schema must already be migrated (clawgate migrate up).
func NewPGStores(cfg store.StoreConfig) (*store.Stores, error) {
	db, err := OpenDB(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return &store.Stores{
		Bindings: NewPGBindingStore(db),
	}, nil
}
