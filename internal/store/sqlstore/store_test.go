package sqlstore

import (
	"context"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pliu/chatbridge/internal/blob"
)

var (
	testStore *SQLStore
	testClock *stepClock
	ctx       = context.Background()
)

// stepClock advances by one second on every reading so rows get distinct,
// ordered timestamps.
type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

func SetupTestDB(t *testing.T) {
	blobs, err := blob.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create blob dir: %v", err)
	}
	testClock = &stepClock{t: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	testStore, err = New("sqlite3", ":memory:", []byte("test-server-secret"), WithBlobStore(blobs), WithClock(testClock.Now))
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
}

func TeardownTestDB() {
	testStore.Close()
}

func TestNewRequiresSecret(t *testing.T) {
	if _, err := New("sqlite3", ":memory:", nil); err == nil {
		t.Error("Expected error for empty server secret")
	}
}

func TestRebind(t *testing.T) {
	s := &SQLStore{driverName: "pgx"}
	got := s.rebind("SELECT * FROM t WHERE a = ? AND b IN (?, ?)")
	want := "SELECT * FROM t WHERE a = $1 AND b IN ($2, $3)"
	if got != want {
		t.Errorf("rebind = %q, want %q", got, want)
	}

	s.driverName = "sqlite3"
	if got := s.rebind("a = ?"); got != "a = ?" {
		t.Errorf("sqlite rebind changed query: %q", got)
	}
}
