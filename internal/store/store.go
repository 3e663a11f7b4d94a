package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"viralflow/internal/types"
)

var (
	analysesBucket = []byte("analyses")
	usersBucket    = []byte("users")
)

// ErrDuplicateAnalysis is returned when a StoredAnalysis id is reused.
// The analyses bucket is insert-only: records are never updated in place.
var ErrDuplicateAnalysis = errors.New("analysis id already exists")

// ErrUserExists is returned when registering an email that is taken.
var ErrUserExists = errors.New("a user with this email already exists")

// Store persists completed runs and user records in an embedded
// key-value database.
type Store struct {
	db *bolt.DB
}

// Open opens (or creates) the database file and ensures both buckets
// exist. Safe to call against an existing database.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(analysesBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(usersBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init store buckets: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database file.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveAnalysis inserts one completed run. Insert-only by contract.
func (s *Store) SaveAnalysis(a *types.StoredAnalysis) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal analysis: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(analysesBucket)
		if b.Get([]byte(a.ID)) != nil {
			return ErrDuplicateAnalysis
		}
		return b.Put([]byte(a.ID), data)
	})
}

// GetAnalysis loads one stored run by id. Returns nil, nil when absent.
func (s *Store) GetAnalysis(id string) (*types.StoredAnalysis, error) {
	var result *types.StoredAnalysis
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(analysesBucket).Get([]byte(id))
		if data == nil {
			return nil
		}
		var a types.StoredAnalysis
		if err := json.Unmarshal(data, &a); err != nil {
			return fmt.Errorf("unmarshal analysis %s: %w", id, err)
		}
		result = &a
		return nil
	})
	return result, err
}

// ListByOwner returns the owner's stored runs, newest first.
func (s *Store) ListByOwner(ownerID string) ([]types.StoredAnalysis, error) {
	var results []types.StoredAnalysis
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(analysesBucket).ForEach(func(_, v []byte) error {
			var a types.StoredAnalysis
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			if a.UserID == ownerID {
				results = append(results, a)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].CreatedAt.After(results[j].CreatedAt)
	})
	return results, nil
}

// RegisterUser inserts a user record keyed by email. Duplicate emails
// are a fatal error, never an overwrite.
func (s *Store) RegisterUser(u *types.User) error {
	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("marshal user: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(usersBucket)
		if b.Get([]byte(u.Email)) != nil {
			return ErrUserExists
		}
		return b.Put([]byte(u.Email), data)
	})
}

// GetUser looks up a user by email. Returns nil, nil when absent.
func (s *Store) GetUser(email string) (*types.User, error) {
	var result *types.User
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(usersBucket).Get([]byte(email))
		if data == nil {
			return nil
		}
		var u types.User
		if err := json.Unmarshal(data, &u); err != nil {
			return fmt.Errorf("unmarshal user %s: %w", email, err)
		}
		result = &u
		return nil
	})
	return result, err
}
