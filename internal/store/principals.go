package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
	"golang.org/x/crypto/bcrypt"

	"github.com/edge-retail/gateway/internal/auth"
)

var (
	principalsBucket = []byte("principals")

	ErrPrincipalNotFound = errors.New("principal not found")
	ErrSecretMismatch    = errors.New("secret does not match")
)

type principalEntry struct {
	Role       auth.Role `json:"role"`
	SecretHash []byte    `json:"secretHash"`
	UpdatedAt  int64     `json:"updatedAt"` // Unix seconds
}

// Seed is a principal to install at startup.
type Seed struct {
	Subject string
	Secret  string
	Role    auth.Role
}

// PrincipalStore is a bbolt-backed lookup table of subjects, their bcrypt
// secret hashes and roles. It implements auth.PrincipalStore.
type PrincipalStore struct {
	db   *bolt.DB
	cost int

	// dummyHash is compared against when the subject is unknown.
	dummyHash []byte
}

// Option configures a PrincipalStore.
type Option func(*PrincipalStore)

// WithHashCost sets the bcrypt cost for stored secrets. The default is
// bcrypt.DefaultCost.
func WithHashCost(cost int) Option {
	return func(ps *PrincipalStore) {
		ps.cost = cost
	}
}

// NewPrincipalStore creates or opens the principals bucket in db.
func NewPrincipalStore(db *bolt.DB, opts ...Option) (*PrincipalStore, error) {
	ps := &PrincipalStore{db: db, cost: bcrypt.DefaultCost}
	for _, opt := range opts {
		opt(ps)
	}

	dummy, err := bcrypt.GenerateFromPassword([]byte("unused"), ps.cost)
	if err != nil {
		return nil, fmt.Errorf("computing dummy hash: %w", err)
	}
	ps.dummyHash = dummy

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(principalsBucket)
		return err
	})
	if err != nil {
		return nil, err
	}
	return ps, nil
}

func (ps *PrincipalStore) newEntry(secret string, role auth.Role) ([]byte, error) {
	if _, err := auth.ParseRole(string(role)); err != nil {
		return nil, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), ps.cost)
	if err != nil {
		return nil, fmt.Errorf("hashing secret: %w", err)
	}
	return json.Marshal(principalEntry{
		Role:       role,
		SecretHash: hash,
		UpdatedAt:  time.Now().Unix(),
	})
}

// Put creates or replaces the principal for subject.
func (ps *PrincipalStore) Put(subject, secret string, role auth.Role) error {
	if subject == "" {
		return errors.New("subject is required")
	}
	data, err := ps.newEntry(secret, role)
	if err != nil {
		return err
	}
	return ps.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(principalsBucket).Put([]byte(subject), data)
	})
}

// Seed upserts every seed in a single transaction.
func (ps *PrincipalStore) Seed(seeds []Seed) error {
	encoded := make(map[string][]byte, len(seeds))
	for _, s := range seeds {
		if s.Subject == "" {
			return errors.New("seed subject is required")
		}
		data, err := ps.newEntry(s.Secret, s.Role)
		if err != nil {
			return fmt.Errorf("seed %q: %w", s.Subject, err)
		}
		encoded[s.Subject] = data
	}
	return ps.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(principalsBucket)
		for subject, data := range encoded {
			if err := b.Put([]byte(subject), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// Delete removes subject. Deleting an unknown subject is not an error.
func (ps *PrincipalStore) Delete(subject string) error {
	return ps.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(principalsBucket).Delete([]byte(subject))
	})
}

// Count returns the number of stored principals.
func (ps *PrincipalStore) Count() (int, error) {
	var n int
	err := ps.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(principalsBucket).Stats().KeyN
		return nil
	})
	return n, err
}

// Authenticate returns subject's role if secret matches its stored hash.
// Unknown subjects still pay for one bcrypt comparison.
func (ps *PrincipalStore) Authenticate(ctx context.Context, subject, secret string) (auth.Role, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	var entry principalEntry
	var found bool
	err := ps.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(principalsBucket).Get([]byte(subject))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &entry)
	})
	if err != nil {
		return "", err
	}

	if !found {
		_ = bcrypt.CompareHashAndPassword(ps.dummyHash, []byte(secret))
		return "", ErrPrincipalNotFound
	}
	if err := bcrypt.CompareHashAndPassword(entry.SecretHash, []byte(secret)); err != nil {
		return "", ErrSecretMismatch
	}
	return entry.Role, nil
}
