package testsupport

import (
	"testing"

	"tstriage/internal/config"
	"tstriage/internal/store"
)

// MustOpenStore opens the job store under the config's recorded folder.
func MustOpenStore(t testing.TB, cfg *config.Config) *store.Store {
	t.Helper()

	st, err := store.Open(cfg.StoreDir())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	return st
}

// PutItem creates a marker for the item at the given stage.
func PutItem(t testing.TB, st *store.Store, item store.Item, stage store.Stage) store.Marker {
	t.Helper()

	marker, err := st.Put(item, stage)
	if err != nil {
		t.Fatalf("store.Put: %v", err)
	}
	return marker
}
