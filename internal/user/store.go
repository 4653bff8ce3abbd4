// Package user is the directory of chat participants: identity plus the key
// pair used to derive conversation secrets. Registration and password
// handling live elsewhere; this package only guarantees that every user it
// returns has complete key material.
package user

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/whisper/securechat/internal/cipher"
)

var log = logrus.WithField("component", "user")

// ErrNotFound is returned when no user exists for the given identity.
var ErrNotFound = errors.New("user: not found")

// User is a chat participant.
type User struct {
	ID        string
	Username  string
	Keys      cipher.KeyPair
	CreatedAt time.Time
}

// Store manages users in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a new user store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create inserts a new user with a freshly generated key pair.
func (s *Store) Create(ctx context.Context, username string) (*User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, fmt.Errorf("user: username is required")
	}

	keys, err := cipher.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("user: create: %w", err)
	}

	u := &User{ID: uuid.NewString(), Username: username, Keys: keys}

	const query = `
		INSERT INTO users (id, username, public_key, private_key)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at`

	err = s.db.QueryRowContext(ctx, query, u.ID, u.Username, keys.PublicKey, keys.PrivateKey).Scan(&u.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("user: insert: %w", err)
	}
	return u, nil
}

// Get returns the user with the given ID. Users created before key material
// existed get a key pair generated and stored on first lookup.
func (s *Store) Get(ctx context.Context, id string) (*User, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}

	u, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !u.Keys.Complete() {
		if err := s.EnsureKeyPair(ctx, u); err != nil {
			return nil, err
		}
	}
	return u, nil
}

func (s *Store) get(ctx context.Context, id string) (*User, error) {
	const query = `
		SELECT id, username, public_key, private_key, created_at
		FROM users
		WHERE id = $1`

	var u User
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&u.ID, &u.Username, &u.Keys.PublicKey, &u.Keys.PrivateKey, &u.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("user: get: %w", err)
	}
	return &u, nil
}

// EnsureKeyPair backfills missing key material for u. The update only applies
// while a key field is still empty, so concurrent backfills converge on a
// single stored pair, which is read back into u.
func (s *Store) EnsureKeyPair(ctx context.Context, u *User) error {
	if u.Keys.Complete() {
		return nil
	}

	keys, err := cipher.GenerateKeyPair()
	if err != nil {
		return fmt.Errorf("user: backfill keys: %w", err)
	}

	const update = `
		UPDATE users
		SET public_key = $2, private_key = $3, updated_at = NOW()
		WHERE id = $1 AND (public_key = '' OR private_key = '')`

	res, err := s.db.ExecContext(ctx, update, u.ID, keys.PublicKey, keys.PrivateKey)
	if err != nil {
		return fmt.Errorf("user: backfill keys: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		log.WithField("user_id", u.ID).Info("generated key pair for existing user")
	}

	stored, err := s.get(ctx, u.ID)
	if err != nil {
		return err
	}
	u.Keys = stored.Keys
	return nil
}

// BackfillKeys generates key pairs for every user still missing one and
// returns how many were completed. Users are processed one at a time through
// EnsureKeyPair, so it is safe to run while the server is serving lookups.
func (s *Store) BackfillKeys(ctx context.Context) (int, error) {
	const query = `
		SELECT id FROM users
		WHERE public_key = '' OR private_key = ''
		ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("user: list users without keys: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("user: scan id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("user: list users without keys: %w", err)
	}

	done := 0
	for _, id := range ids {
		u, err := s.get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return done, err
		}
		if err := s.EnsureKeyPair(ctx, u); err != nil {
			return done, fmt.Errorf("user %s: %w", id, err)
		}
		done++
	}
	log.WithFields(logrus.Fields{"found": len(ids), "completed": done}).Info("key backfill finished")
	return done, nil
}
