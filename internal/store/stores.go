package store

// Stores is the top-level container for all storage backends.
type Stores struct {
	Bindings BindingStore
}

// StoreConfig selects and configures a backend.
type StoreConfig struct {
	Mode        string // "standalone" (sqlite) or "managed" (postgres)
	SQLitePath  string
	PostgresDSN string
}

// Close releases every backend.
func (s *Stores) Close() error {
	if s == nil || s.Bindings == nil {
		return nil
	}
	return s.Bindings.Close()
}
