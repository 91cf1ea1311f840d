package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"pfw.app/cloud/models"
)

var (
	ErrKeyExists     = errors.New("license key already exists")
	ErrAlreadyLinked = errors.New("payment already linked to a license")
)

// Store holds license records by key, with secondary indexes by payment
// intent and subscription id. Lookups return (nil, nil) when nothing matches.
type Store interface {
	// StoreLicense inserts or overwrites the record at rec.Key and points the
	// payment intent and subscription indexes at it.
	StoreLicense(ctx context.Context, rec *models.LicenseRecord) error
	// InsertLicense is StoreLicense that refuses to overwrite: it returns
	// ErrKeyExists or ErrAlreadyLinked and leaves the store untouched.
	InsertLicense(ctx context.Context, rec *models.LicenseRecord) error

	GetByKey(ctx context.Context, key string) (*models.LicenseRecord, error)
	GetByPaymentIntent(ctx context.Context, id string) (*models.LicenseRecord, error)
	GetBySubscription(ctx context.Context, id string) (*models.LicenseRecord, error)

	// UpdateLicense replaces token and payload of an existing record. It is a
	// no-op when key is unknown.
	UpdateLicense(ctx context.Context, key, token string, license models.LicensePayload) error
	// RevokeLicense is UpdateLicense that also marks the record revoked at
	// the given time.
	RevokeLicense(ctx context.Context, key, token string, license models.LicensePayload, at time.Time) error

	Close() error
}

// Open picks a Store implementation from a URL:
//
//	memory://
//	sqlite://path/to/licenses.db
//	redis://host:6379/0
func Open(ctx context.Context, url string) (Store, error) {
	switch {
	case url == "" || strings.HasPrefix(url, "memory:"):
		return NewMemoryStorage(), nil
	case strings.HasPrefix(url, "sqlite://"):
		return NewSQLiteStorage(strings.TrimPrefix(url, "sqlite://"))
	case strings.HasPrefix(url, "file:"):
		return NewSQLiteStorage(url)
	case strings.HasPrefix(url, "redis://"), strings.HasPrefix(url, "rediss://"):
		return NewRedisStorage(ctx, url)
	default:
		return nil, fmt.Errorf("unsupported storage url %q", url)
	}
}

type MemoryStorage struct {
	mu              sync.RWMutex
	licenses        map[string]models.LicenseRecord
	byPaymentIntent map[string]string
	bySubscription  map[string]string
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		licenses:        make(map[string]models.LicenseRecord),
		byPaymentIntent: make(map[string]string),
		bySubscription:  make(map[string]string),
	}
}

func (m *MemoryStorage) StoreLicense(ctx context.Context, rec *models.LicenseRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.put(rec)
	return nil
}

func (m *MemoryStorage) InsertLicense(ctx context.Context, rec *models.LicenseRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.licenses[rec.Key]; exists {
		return ErrKeyExists
	}
	if id := rec.Metadata.PaymentIntentID; id != "" {
		if _, exists := m.byPaymentIntent[id]; exists {
			return ErrAlreadyLinked
		}
	}
	if id := rec.Metadata.SubscriptionID; id != "" {
		if _, exists := m.bySubscription[id]; exists {
			return ErrAlreadyLinked
		}
	}

	m.put(rec)
	return nil
}

// put must be called with mu held.
func (m *MemoryStorage) put(rec *models.LicenseRecord) {
	now := time.Now()
	stored := *rec
	stored.License = detach(rec.License)
	stored.Metadata.RevokedAt = copyTime(rec.Metadata.RevokedAt)
	if existing, ok := m.licenses[rec.Key]; ok {
		stored.CreatedAt = existing.CreatedAt
	} else if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now

	m.licenses[rec.Key] = stored
	if id := rec.Metadata.PaymentIntentID; id != "" {
		m.byPaymentIntent[id] = rec.Key
	}
	if id := rec.Metadata.SubscriptionID; id != "" {
		m.bySubscription[id] = rec.Key
	}
}

func (m *MemoryStorage) GetByKey(ctx context.Context, key string) (*models.LicenseRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.get(key), nil
}

func (m *MemoryStorage) GetByPaymentIntent(ctx context.Context, id string) (*models.LicenseRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	key, ok := m.byPaymentIntent[id]
	if !ok {
		return nil, nil
	}
	return m.get(key), nil
}

func (m *MemoryStorage) GetBySubscription(ctx context.Context, id string) (*models.LicenseRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	key, ok := m.bySubscription[id]
	if !ok {
		return nil, nil
	}
	return m.get(key), nil
}

func (m *MemoryStorage) get(key string) *models.LicenseRecord {
	rec, ok := m.licenses[key]
	if !ok {
		return nil
	}
	rec.License = detach(rec.License)
	rec.Metadata.RevokedAt = copyTime(rec.Metadata.RevokedAt)
	return &rec
}

func (m *MemoryStorage) UpdateLicense(ctx context.Context, key, token string, license models.LicensePayload) error {
	return m.update(key, token, license, nil)
}

func (m *MemoryStorage) RevokeLicense(ctx context.Context, key, token string, license models.LicensePayload, at time.Time) error {
	return m.update(key, token, license, &at)
}

func (m *MemoryStorage) update(key, token string, license models.LicensePayload, revokedAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.licenses[key]
	if !ok {
		return nil
	}
	rec.FullToken = token
	rec.License = detach(license)
	if revokedAt != nil {
		rec.Metadata.RevokedAt = copyTime(revokedAt)
	}
	rec.UpdatedAt = time.Now()
	m.licenses[key] = rec
	return nil
}

// detach copies ExpiresAt so stored records never alias caller memory.
func detach(p models.LicensePayload) models.LicensePayload {
	p.ExpiresAt = copyTime(p.ExpiresAt)
	return p
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func (m *MemoryStorage) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.licenses)
}

func (m *MemoryStorage) Close() error {
	return nil
}
