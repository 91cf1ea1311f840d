package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	sqlitemigrate "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/mattn/go-sqlite3"

	"pfw.app/cloud/internal/logger"
	"pfw.app/cloud/models"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type SQLiteStorage struct {
	db   *sql.DB
	path string
}

func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection serializes writers, which is what makes the
	// check-then-insert in InsertLicense atomic.
	db.SetMaxOpenConns(1)

	storage := &SQLiteStorage{
		db:   db,
		path: path,
	}

	if err := storage.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return storage, nil
}

func (s *SQLiteStorage) migrate() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return err
	}
	driver, err := sqlitemigrate.WithInstance(s.db, &sqlitemigrate.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}

	version, _, _ := m.Version()
	logger.Debug("SQLite schema ready", map[string]interface{}{
		"path":    s.path,
		"version": version,
	})
	return nil
}

const licenseColumns = `key, full_token, name, email, plan, purchased_at, expires_at,
	payment_intent_id, subscription_id, is_development, revoked_at, created_at, updated_at`

func (s *SQLiteStorage) StoreLicense(ctx context.Context, rec *models.LicenseRecord) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if id := rec.Metadata.PaymentIntentID; id != "" {
			if _, err := tx.ExecContext(ctx,
				`UPDATE licenses SET payment_intent_id = NULL WHERE payment_intent_id = ? AND key <> ?`,
				id, rec.Key); err != nil {
				return fmt.Errorf("failed to release payment intent index: %w", err)
			}
		}
		if id := rec.Metadata.SubscriptionID; id != "" {
			if _, err := tx.ExecContext(ctx,
				`UPDATE licenses SET subscription_id = NULL WHERE subscription_id = ? AND key <> ?`,
				id, rec.Key); err != nil {
				return fmt.Errorf("failed to release subscription index: %w", err)
			}
		}

		query := `INSERT INTO licenses (` + licenseColumns + `)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET
				full_token = excluded.full_token,
				name = excluded.name,
				email = excluded.email,
				plan = excluded.plan,
				purchased_at = excluded.purchased_at,
				expires_at = excluded.expires_at,
				payment_intent_id = excluded.payment_intent_id,
				subscription_id = excluded.subscription_id,
				is_development = excluded.is_development,
				revoked_at = excluded.revoked_at,
				updated_at = excluded.updated_at`
		if _, err := tx.ExecContext(ctx, query, recordArgs(rec)...); err != nil {
			return fmt.Errorf("failed to save license: %w", err)
		}
		return nil
	})
}

func (s *SQLiteStorage) InsertLicense(ctx context.Context, rec *models.LicenseRecord) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if taken, err := exists(ctx, tx, `SELECT 1 FROM licenses WHERE key = ?`, rec.Key); err != nil {
			return err
		} else if taken {
			return ErrKeyExists
		}
		if id := rec.Metadata.PaymentIntentID; id != "" {
			if taken, err := exists(ctx, tx, `SELECT 1 FROM licenses WHERE payment_intent_id = ?`, id); err != nil {
				return err
			} else if taken {
				return ErrAlreadyLinked
			}
		}
		if id := rec.Metadata.SubscriptionID; id != "" {
			if taken, err := exists(ctx, tx, `SELECT 1 FROM licenses WHERE subscription_id = ?`, id); err != nil {
				return err
			} else if taken {
				return ErrAlreadyLinked
			}
		}

		query := `INSERT INTO licenses (` + licenseColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
		if _, err := tx.ExecContext(ctx, query, recordArgs(rec)...); err != nil {
			return classifyConstraint(err)
		}
		return nil
	})
}

func (s *SQLiteStorage) GetByKey(ctx context.Context, key string) (*models.LicenseRecord, error) {
	return s.getOne(ctx, `SELECT `+licenseColumns+` FROM licenses WHERE key = ?`, key)
}

func (s *SQLiteStorage) GetByPaymentIntent(ctx context.Context, id string) (*models.LicenseRecord, error) {
	return s.getOne(ctx, `SELECT `+licenseColumns+` FROM licenses WHERE payment_intent_id = ?`, id)
}

func (s *SQLiteStorage) GetBySubscription(ctx context.Context, id string) (*models.LicenseRecord, error) {
	return s.getOne(ctx, `SELECT `+licenseColumns+` FROM licenses WHERE subscription_id = ?`, id)
}

func (s *SQLiteStorage) UpdateLicense(ctx context.Context, key, token string, license models.LicensePayload) error {
	return s.update(ctx, key, token, license, nil)
}

func (s *SQLiteStorage) RevokeLicense(ctx context.Context, key, token string, license models.LicensePayload, at time.Time) error {
	return s.update(ctx, key, token, license, &at)
}

// update leaves revoked_at untouched when revokedAt is nil.
func (s *SQLiteStorage) update(ctx context.Context, key, token string, license models.LicensePayload, revokedAt *time.Time) error {
	query := `UPDATE licenses SET full_token = ?, name = ?, email = ?, plan = ?, purchased_at = ?, expires_at = ?,
		revoked_at = COALESCE(?, revoked_at), updated_at = ?
		WHERE key = ?`

	_, err := s.db.ExecContext(ctx, query,
		token,
		license.Name,
		license.Email,
		string(license.Plan),
		license.PurchasedAt.UTC(),
		nullTime(license.ExpiresAt),
		nullTime(revokedAt),
		time.Now().UTC(),
		key,
	)
	if err != nil {
		return fmt.Errorf("failed to update license: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

func (s *SQLiteStorage) getOne(ctx context.Context, query string, arg string) (*models.LicenseRecord, error) {
	var (
		rec       models.LicenseRecord
		plan      string
		expiresAt sql.NullTime
		revokedAt sql.NullTime
		pi, sub   sql.NullString
	)
	err := s.db.QueryRowContext(ctx, query, arg).Scan(
		&rec.Key,
		&rec.FullToken,
		&rec.License.Name,
		&rec.License.Email,
		&plan,
		&rec.License.PurchasedAt,
		&expiresAt,
		&pi,
		&sub,
		&rec.Metadata.IsDevelopment,
		&revokedAt,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load license: %w", err)
	}

	rec.License.Plan = models.Plan(plan)
	if expiresAt.Valid {
		t := expiresAt.Time
		rec.License.ExpiresAt = &t
	}
	if revokedAt.Valid {
		t := revokedAt.Time
		rec.Metadata.RevokedAt = &t
	}
	rec.Metadata.PaymentIntentID = pi.String
	rec.Metadata.SubscriptionID = sub.String
	return &rec, nil
}

func (s *SQLiteStorage) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			logger.Warn("Failed to roll back transaction", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func recordArgs(rec *models.LicenseRecord) []interface{} {
	now := time.Now().UTC()
	created := rec.CreatedAt
	if created.IsZero() {
		created = now
	}
	return []interface{}{
		rec.Key,
		rec.FullToken,
		rec.License.Name,
		rec.License.Email,
		string(rec.License.Plan),
		rec.License.PurchasedAt.UTC(),
		nullTime(rec.License.ExpiresAt),
		nullString(rec.Metadata.PaymentIntentID),
		nullString(rec.Metadata.SubscriptionID),
		rec.Metadata.IsDevelopment,
		nullTime(rec.Metadata.RevokedAt),
		created.UTC(),
		now,
	}
}

func exists(ctx context.Context, tx *sql.Tx, query string, arg string) (bool, error) {
	var one int
	err := tx.QueryRowContext(ctx, query, arg).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check license: %w", err)
	}
	return true, nil
}

func classifyConstraint(err error) error {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
		if strings.Contains(sqliteErr.Error(), "licenses.key") {
			return ErrKeyExists
		}
		return ErrAlreadyLinked
	}
	return fmt.Errorf("failed to insert license: %w", err)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
