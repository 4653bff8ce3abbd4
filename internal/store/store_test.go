package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
)

// newTestStore connects to the database named by TEST_DATABASE_URL, applies
// migrations and returns a Store. Tests are skipped when the variable is not
// set or the database is unreachable.
func newTestStore(t *testing.T) (*Store, *sql.DB) {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	if err := Migrate(url); err != nil {
		t.Skipf("postgres not available: %v", err)
	}
	db, err := Open(DefaultDBConfig(url))
	if err != nil {
		t.Skipf("postgres not available: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewStore(db), db
}

// createUser inserts a bare user row and returns its ID.
func createUser(t *testing.T, db *sql.DB) string {
	t.Helper()
	id := uuid.NewString()
	_, err := db.Exec(`INSERT INTO users (id, username) VALUES ($1, $2)`, id, "test_"+id)
	if err != nil {
		t.Fatalf("insert user: %v", err)
	}
	return id
}

func TestFindOrCreateConversation_OrderIndependent(t *testing.T) {
	s, db := newTestStore(t)
	ctx := context.Background()
	a, b := createUser(t, db), createUser(t, db)

	c1, err := s.FindOrCreateConversation(ctx, a, b)
	if err != nil {
		t.Fatalf("FindOrCreateConversation(a,b): %v", err)
	}
	c2, err := s.FindOrCreateConversation(ctx, b, a)
	if err != nil {
		t.Fatalf("FindOrCreateConversation(b,a): %v", err)
	}
	if c1.ID != c2.ID {
		t.Fatalf("expected one conversation, got %s and %s", c1.ID, c2.ID)
	}
	if !c1.IsParticipant(a) || !c1.IsParticipant(b) {
		t.Errorf("participants %v do not include both users", c1.Participants())
	}
	if c1.UserLow > c1.UserHigh {
		t.Errorf("participants not stored sorted: %s > %s", c1.UserLow, c1.UserHigh)
	}
}

func TestFindOrCreateConversation_Concurrent(t *testing.T) {
	s, db := newTestStore(t)
	ctx := context.Background()
	a, b := createUser(t, db), createUser(t, db)

	const workers = 16
	ids := make([]string, workers)
	errs := make([]error, workers)

	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func(i int) {
			defer wg.Done()
			x, y := a, b
			if i%2 == 1 {
				x, y = b, a
			}
			c, err := s.FindOrCreateConversation(ctx, x, y)
			ids[i], errs[i] = c.ID, err
		}(i)
	}
	wg.Wait()

	for i := 0; i < workers; i++ {
		if errs[i] != nil {
			t.Fatalf("worker %d: %v", i, errs[i])
		}
		if ids[i] != ids[0] {
			t.Fatalf("worker %d saw conversation %s, worker 0 saw %s", i, ids[i], ids[0])
		}
	}

	var count int
	low, high := orderPair(a, b)
	err := db.QueryRow(`SELECT COUNT(*) FROM conversations WHERE user_low = $1 AND user_high = $2`, low, high).Scan(&count)
	if err != nil {
		t.Fatalf("count conversations: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected exactly 1 conversation row, got %d", count)
	}
}

func TestFindOrCreateConversation_SameUser(t *testing.T) {
	s, db := newTestStore(t)
	a := createUser(t, db)

	if _, err := s.FindOrCreateConversation(context.Background(), a, a); err != ErrSameParticipant {
		t.Fatalf("expected ErrSameParticipant, got %v", err)
	}
}

func TestFindConversation_Absent(t *testing.T) {
	s, db := newTestStore(t)
	a, b := createUser(t, db), createUser(t, db)

	c, err := s.FindConversation(context.Background(), a, b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c != nil {
		t.Fatalf("expected nil conversation, got %+v", c)
	}
}

func TestAppendAndListMessages(t *testing.T) {
	s, db := newTestStore(t)
	ctx := context.Background()
	a, b := createUser(t, db), createUser(t, db)

	conv, err := s.FindOrCreateConversation(ctx, a, b)
	if err != nil {
		t.Fatalf("FindOrCreateConversation: %v", err)
	}

	for i := 1; i <= 5; i++ {
		sender, receiver := a, b
		if i%2 == 0 {
			sender, receiver = b, a
		}
		m, err := s.AppendMessage(ctx, conv.ID, Message{
			SenderID:   sender,
			ReceiverID: receiver,
			Ciphertext: fmt.Sprintf("ct-%d", i),
		})
		if err != nil {
			t.Fatalf("AppendMessage %d: %v", i, err)
		}
		if m.ID == "" || m.Seq == 0 || m.CreatedAt.IsZero() {
			t.Fatalf("message %d missing assigned fields: %+v", i, m)
		}
		if !m.IsEncrypted {
			t.Errorf("message %d: expected IsEncrypted=true", i)
		}
	}

	msgs, err := s.ListMessages(ctx, conv.ID)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 5 {
		t.Fatalf("expected 5 messages, got %d", len(msgs))
	}
	for i, m := range msgs {
		if want := fmt.Sprintf("ct-%d", i+1); m.Ciphertext != want {
			t.Errorf("index %d: expected %q, got %q", i, want, m.Ciphertext)
		}
		if i > 0 && m.Seq <= msgs[i-1].Seq {
			t.Errorf("index %d: seq %d not after %d", i, m.Seq, msgs[i-1].Seq)
		}
	}
}

func TestListMessages_UnknownConversation(t *testing.T) {
	s, _ := newTestStore(t)

	msgs, err := s.ListMessages(context.Background(), uuid.NewString())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgs == nil || len(msgs) != 0 {
		t.Fatalf("expected empty non-nil slice, got %v", msgs)
	}
}

func TestOrderPair(t *testing.T) {
	cases := []struct{ a, b, low, high string }{
		{"a", "b", "a", "b"},
		{"b", "a", "a", "b"},
		{"x", "x", "x", "x"},
	}
	for _, tc := range cases {
		low, high := orderPair(tc.a, tc.b)
		if low != tc.low || high != tc.high {
			t.Errorf("orderPair(%q,%q) = (%q,%q), want (%q,%q)", tc.a, tc.b, low, high, tc.low, tc.high)
		}
	}
}

func TestCanonicalPair(t *testing.T) {
	a := uuid.NewString()
	b := uuid.NewString()

	low1, high1, ok := canonicalPair(a, b)
	if !ok {
		t.Fatal("expected valid pair")
	}
	low2, high2, _ := canonicalPair(strings.ToUpper(b), a)
	if low1 != low2 || high1 != high2 {
		t.Fatalf("pair not canonical: (%s,%s) vs (%s,%s)", low1, high1, low2, high2)
	}

	if _, _, ok := canonicalPair("not-a-uuid", b); ok {
		t.Fatal("expected invalid pair")
	}
}

// Malformed IDs never reach the database, so these run without one.
func TestInvalidIDsShortCircuit(t *testing.T) {
	s := NewStore(nil)
	ctx := context.Background()

	c, err := s.FindConversation(ctx, "undefined", uuid.NewString())
	if err != nil || c != nil {
		t.Fatalf("expected (nil, nil), got (%v, %v)", c, err)
	}

	msgs, err := s.ListMessages(ctx, "nope")
	if err != nil || msgs == nil || len(msgs) != 0 {
		t.Fatalf("expected empty slice, got (%v, %v)", msgs, err)
	}

	if _, err := s.FindOrCreateConversation(ctx, "x", uuid.NewString()); err == nil {
		t.Fatal("expected error for malformed participant")
	}

	id := uuid.NewString()
	if _, err := s.FindOrCreateConversation(ctx, id, strings.ToUpper(id)); err != ErrSameParticipant {
		t.Fatalf("expected ErrSameParticipant, got %v", err)
	}
}
