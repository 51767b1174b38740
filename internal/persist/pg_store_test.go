package persist

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"
)

// These tests need a disposable Postgres database, named by
// ORBITER_TEST_PG_DSN.
func openTestPGStore(t *testing.T, keep int) *PGStore {
	t.Helper()
	dsn := os.Getenv("ORBITER_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("ORBITER_TEST_PG_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store, err := OpenPGStore(ctx, DatabaseConfig{DSN: dsn, Keep: keep}, nil)
	if err != nil {
		t.Fatalf("OpenPGStore: %v", err)
	}
	t.Cleanup(store.Close)
	if _, err := store.pool.Exec(ctx, `TRUNCATE snapshots`); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return store
}

func TestPGStoreSaveLoadAndPrune(t *testing.T) {
	store := openTestPGStore(t, 2)
	ctx := context.Background()

	if _, err := store.Load(ctx); !errors.Is(err, ErrNoSnapshot) {
		t.Fatalf("Load on empty table err = %v, want ErrNoSnapshot", err)
	}

	docs := []string{
		`{"simTime":1,"bodies":[{"name":"sun"}]}`,
		`{"simTime":2,"bodies":[{"name":"sun"},null]}`,
		`{"simTime":3,"bodies":[{"name":"sun"},{"name":"earth"}]}`,
	}
	for _, doc := range docs {
		if err := store.Save(ctx, []byte(doc)); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}

	history, err := store.History(ctx, 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("history length = %d, want 2 after pruning", len(history))
	}
	if history[0].SimTime != 3 || history[0].BodyCount != 2 {
		t.Fatalf("latest = %+v, want simTime 3 with 2 bodies", history[0])
	}
	if history[1].BodyCount != 1 {
		t.Fatalf("null slots counted: %+v", history[1])
	}

	got, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got) == 0 {
		t.Fatalf("Load returned an empty document")
	}
}

func TestPGStoreRejectsNonJSON(t *testing.T) {
	store := openTestPGStore(t, 0)
	if err := store.Save(context.Background(), []byte("nope")); err == nil {
		t.Fatalf("Save of non-JSON succeeded")
	}
}
