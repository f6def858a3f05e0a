package testsupport

import (
	"testing"

	"std2bids/internal/runstate"
)

// MustOpenStore opens a runstate.Store in dir for tests and registers cleanup.
func MustOpenStore(t testing.TB, dir string) *runstate.Store {
	t.Helper()

	store, err := runstate.Open(dir)
	if err != nil {
		t.Fatalf("runstate.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}
