package user

import (
	"context"
	"database/sql"
	"os"
	"testing"

	"github.com/google/uuid"

	"github.com/whisper/securechat/internal/store"
)

func newTestStore(t *testing.T) (*Store, *sql.DB) {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	if err := store.Migrate(url); err != nil {
		t.Skipf("postgres not available: %v", err)
	}
	db, err := store.Open(store.DefaultDBConfig(url))
	if err != nil {
		t.Skipf("postgres not available: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewStore(db), db
}

func TestCreateAndGet(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	created, err := s.Create(ctx, "test_"+uuid.NewString())
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if !created.Keys.Complete() {
		t.Fatal("expected key pair on created user")
	}

	got, err := s.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.Keys != created.Keys {
		t.Errorf("stored keys differ from created keys")
	}
}

func TestGet_NotFound(t *testing.T) {
	s, _ := newTestStore(t)

	for _, id := range []string{uuid.NewString(), "not-a-uuid", ""} {
		if _, err := s.Get(context.Background(), id); err != ErrNotFound {
			t.Errorf("Get(%q): expected ErrNotFound, got %v", id, err)
		}
	}
}

func TestGet_BackfillsMissingKeys(t *testing.T) {
	s, db := newTestStore(t)
	ctx := context.Background()

	id := uuid.NewString()
	if _, err := db.Exec(`INSERT INTO users (id, username) VALUES ($1, $2)`, id, "test_"+id); err != nil {
		t.Fatalf("insert: %v", err)
	}

	first, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if !first.Keys.Complete() {
		t.Fatal("expected keys to be backfilled")
	}

	second, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if second.Keys != first.Keys {
		t.Error("backfilled keys changed between lookups")
	}
}

func TestBackfillKeys(t *testing.T) {
	s, db := newTestStore(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		id := uuid.NewString()
		if _, err := db.Exec(`INSERT INTO users (id, username) VALUES ($1, $2)`, id, "test_"+id); err != nil {
			t.Fatalf("insert: %v", err)
		}
		ids = append(ids, id)
	}
	complete, err := s.Create(ctx, "test_"+uuid.NewString())
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	n, err := s.BackfillKeys(ctx)
	if err != nil {
		t.Fatalf("BackfillKeys() error: %v", err)
	}
	if n < len(ids) {
		t.Errorf("BackfillKeys() = %d, want at least %d", n, len(ids))
	}

	for _, id := range ids {
		var pub, priv string
		if err := db.QueryRow(`SELECT public_key, private_key FROM users WHERE id = $1`, id).Scan(&pub, &priv); err != nil {
			t.Fatalf("select: %v", err)
		}
		if pub == "" || priv == "" {
			t.Errorf("user %s still missing keys", id)
		}
	}

	got, err := s.Get(ctx, complete.ID)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.Keys != complete.Keys {
		t.Error("backfill replaced an existing key pair")
	}

	// A second run leaves the pairs it generated alone.
	before, err := s.Get(ctx, ids[0])
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if _, err := s.BackfillKeys(ctx); err != nil {
		t.Fatalf("second BackfillKeys() error: %v", err)
	}
	after, err := s.Get(ctx, ids[0])
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if after.Keys != before.Keys {
		t.Error("second backfill changed keys")
	}
}
