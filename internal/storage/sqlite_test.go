package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestSQLiteConcurrentWriteSafety(t *testing.T) {
	store, err := NewSQLite(SQLiteConfig{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("failed to create SQLite storage: %v", err)
	}
	defer store.Close()

	db := store.SQLiteDB()

	// Two tables written concurrently, as the outcome log and its cleanup loop do.
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS test_outcomes (id TEXT PRIMARY KEY, data TEXT)`)
	if err != nil {
		t.Fatalf("failed to create test_outcomes table: %v", err)
	}
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS test_probes (id TEXT PRIMARY KEY, data TEXT)`)
	if err != nil {
		t.Fatalf("failed to create test_probes table: %v", err)
	}

	const goroutines = 10
	const insertsPerGoroutine = 50

	var wg sync.WaitGroup
	errs := make(chan error, goroutines*insertsPerGoroutine*2)

	// Half the goroutines write to each table.
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			table := "test_outcomes"
			if id%2 == 1 {
				table = "test_probes"
			}
			for j := 0; j < insertsPerGoroutine; j++ {
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				_, err := db.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s (id, data) VALUES (?, ?)`, table),
					fmt.Sprintf("%d-%d", id, j), "payload")
				cancel()
				if err != nil {
					errs <- fmt.Errorf("goroutine %d insert %d into %s: %w", id, j, table, err)
				}
			}
		}(i)
	}

	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("concurrent write error: %v", err)
	}

	// Verify all rows were inserted.
	var outcomeCount, probeCount int
	if err := db.QueryRow("SELECT COUNT(*) FROM test_outcomes").Scan(&outcomeCount); err != nil {
		t.Fatalf("failed to count outcome rows: %v", err)
	}
	if err := db.QueryRow("SELECT COUNT(*) FROM test_probes").Scan(&probeCount); err != nil {
		t.Fatalf("failed to count probe rows: %v", err)
	}

	expectedPerTable := (goroutines / 2) * insertsPerGoroutine
	if outcomeCount != expectedPerTable {
		t.Errorf("test_outcomes: got %d rows, want %d", outcomeCount, expectedPerTable)
	}
	if probeCount != expectedPerTable {
		t.Errorf("test_probes: got %d rows, want %d", probeCount, expectedPerTable)
	}
}

func TestSQLiteInMemoryAndPing(t *testing.T) {
	store, err := New(context.Background(), Config{Type: TypeSQLite, SQLite: SQLiteConfig{Path: ":memory:"}})
	if err != nil {
		t.Fatalf("failed to open in-memory SQLite: %v", err)
	}
	defer store.Close()

	if store.Type() != TypeSQLite {
		t.Errorf("Type() = %q, want %q", store.Type(), TypeSQLite)
	}
	if store.PostgreSQLPool() != nil || store.MongoDatabase() != nil {
		t.Error("non-SQLite accessors must return nil")
	}
	if err := store.Ping(context.Background()); err != nil {
		t.Errorf("Ping() error = %v", err)
	}
}

func TestNewUnknownType(t *testing.T) {
	if _, err := New(context.Background(), Config{Type: "cassandra"}); err == nil {
		t.Fatal("expected error for unknown storage type")
	}
}

func TestNewRequiresURL(t *testing.T) {
	for _, typ := range []string{TypePostgreSQL, TypeMongoDB} {
		if _, err := New(context.Background(), Config{Type: typ}); err == nil {
			t.Errorf("%s: expected error without URL", typ)
		}
	}
}
