// Package secrets stores named, versioned secret blobs sealed with
// nacl/secretbox under a process-wide key.
package secrets

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/nacl/secretbox"
	"gorm.io/gorm"

	"github.com/suPer8Hu/eventshim/internal/clock"
	"github.com/suPer8Hu/eventshim/internal/common"
	"github.com/suPer8Hu/eventshim/internal/record"
)

var errOpen = errors.New("secrets: cannot open sealed value")

type secretRow struct {
	Name      string `gorm:"primaryKey;size:191"`
	Version   int64  `gorm:"not null"`
	Sealed    []byte `gorm:"not null"`
	UpdatedAt time.Time
}

func (secretRow) TableName() string { return "secrets" }

// Models lists the tables owned by this package.
func Models() []any { return []any{&secretRow{}} }

type Secret struct {
	Name    string
	Version int64
	Value   []byte
}

type Store struct {
	rows  *record.Store[secretRow]
	clock clock.Clock
	key   [32]byte
}

// NewStore fails with a *common.ConfigError unless key is 32 bytes.
func NewStore(db *gorm.DB, clk clock.Clock, key []byte) (*Store, error) {
	if len(key) != 32 {
		return nil, &common.ConfigError{Component: "secrets", Message: fmt.Sprintf("key must be 32 bytes, got %d", len(key))}
	}
	if clk == nil {
		clk = clock.Real()
	}
	s := &Store{rows: record.New[secretRow](db, clk), clock: clk}
	copy(s.key[:], key)
	return s, nil
}

func (s *Store) seal(value []byte) ([]byte, error) {
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, err
	}
	return secretbox.Seal(nonce[:], value, &nonce, &s.key), nil
}

func (s *Store) open(sealed []byte) ([]byte, error) {
	if len(sealed) < 24+secretbox.Overhead {
		return nil, errOpen
	}
	var nonce [24]byte
	copy(nonce[:], sealed[:24])
	out, ok := secretbox.Open(nil, sealed[24:], &nonce, &s.key)
	if !ok {
		return nil, errOpen
	}
	return out, nil
}

func (s *Store) Get(ctx context.Context, name string) (Secret, error) {
	row, err := s.rows.Find(ctx, record.Keys{"name": name})
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return Secret{}, common.NotFoundf("secret %s", name)
		}
		return Secret{}, err
	}
	value, err := s.open(row.Sealed)
	if err != nil {
		return Secret{}, fmt.Errorf("secret %s: %w", name, err)
	}
	return Secret{Name: name, Version: row.Version, Value: value}, nil
}

// GetJSON decodes a JSON secret into v.
func (s *Store) GetJSON(ctx context.Context, name string, v any) error {
	sec, err := s.Get(ctx, name)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(sec.Value, v); err != nil {
		return fmt.Errorf("secret %s: %w", name, err)
	}
	return nil
}

// Create stores a new secret at version 1. An existing name is
// common.ErrAlreadyExists.
func (s *Store) Create(ctx context.Context, name string, value []byte) error {
	sealed, err := s.seal(value)
	if err != nil {
		return err
	}
	created, err := s.rows.Create(ctx, &secretRow{Name: name, Version: 1, Sealed: sealed, UpdatedAt: s.clock.Now()})
	if err != nil {
		return err
	}
	if !created {
		return fmt.Errorf("secret %s: %w", name, common.ErrAlreadyExists)
	}
	return nil
}

// Rotate replaces the value if the stored version is still expected and
// returns the new version.
func (s *Store) Rotate(ctx context.Context, name string, value []byte, expected int64) (int64, error) {
	sealed, err := s.seal(value)
	if err != nil {
		return 0, err
	}
	ok, err := s.rows.PatchWithCondition(ctx, record.Keys{"name": name}, "version", expected, map[string]any{
		"sealed":     sealed,
		"version":    expected + 1,
		"updated_at": s.clock.Now(),
	})
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("secret %s at version %d: %w", name, expected, common.ErrOptimisticLock)
	}
	return expected + 1, nil
}

func (s *Store) Delete(ctx context.Context, name string) error {
	_, err := s.rows.Delete(ctx, record.Keys{"name": name})
	return err
}
