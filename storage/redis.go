package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"pfw.app/cloud/models"
)

const (
	redisKeyPrefix           = "license:key:"
	redisPaymentIntentPrefix = "license:pi:"
	redisSubscriptionPrefix  = "license:sub:"
)

// insertScript writes a record and its indexes only if neither the key nor
// any supplied index is taken. Returns 0 on success, 1 when the key exists,
// 2 when an index is already linked.
//
// KEYS: record, payment intent index, subscription index
// ARGV: record json, license key, has payment intent, has subscription
var insertScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 1
end
if ARGV[3] == '1' and redis.call('EXISTS', KEYS[2]) == 1 then
	return 2
end
if ARGV[4] == '1' and redis.call('EXISTS', KEYS[3]) == 1 then
	return 2
end
redis.call('SET', KEYS[1], ARGV[1])
if ARGV[3] == '1' then
	redis.call('SET', KEYS[2], ARGV[2])
end
if ARGV[4] == '1' then
	redis.call('SET', KEYS[3], ARGV[2])
end
return 0
`)

type RedisStorage struct {
	client *redis.Client
}

func NewRedisStorage(ctx context.Context, url string) (*RedisStorage, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisStorage{client: client}, nil
}

// NewRedisStorageWithClient wraps an existing client.
func NewRedisStorageWithClient(client *redis.Client) *RedisStorage {
	return &RedisStorage{client: client}
}

func (r *RedisStorage) StoreLicense(ctx context.Context, rec *models.LicenseRecord) error {
	stored := stamp(rec)
	existing, err := r.GetByKey(ctx, rec.Key)
	if err != nil {
		return err
	}
	if existing != nil {
		stored.CreatedAt = existing.CreatedAt
	}

	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to encode license: %w", err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, redisKeyPrefix+rec.Key, data, 0)
		if id := rec.Metadata.PaymentIntentID; id != "" {
			pipe.Set(ctx, redisPaymentIntentPrefix+id, rec.Key, 0)
		}
		if id := rec.Metadata.SubscriptionID; id != "" {
			pipe.Set(ctx, redisSubscriptionPrefix+id, rec.Key, 0)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save license: %w", err)
	}
	return nil
}

func (r *RedisStorage) InsertLicense(ctx context.Context, rec *models.LicenseRecord) error {
	data, err := json.Marshal(stamp(rec))
	if err != nil {
		return fmt.Errorf("failed to encode license: %w", err)
	}

	keys := []string{
		redisKeyPrefix + rec.Key,
		redisPaymentIntentPrefix + rec.Metadata.PaymentIntentID,
		redisSubscriptionPrefix + rec.Metadata.SubscriptionID,
	}
	res, err := insertScript.Run(ctx, r.client, keys,
		data,
		rec.Key,
		flag(rec.Metadata.PaymentIntentID != ""),
		flag(rec.Metadata.SubscriptionID != ""),
	).Int()
	if err != nil {
		return fmt.Errorf("failed to insert license: %w", err)
	}

	switch res {
	case 0:
		return nil
	case 1:
		return ErrKeyExists
	default:
		return ErrAlreadyLinked
	}
}

func (r *RedisStorage) GetByKey(ctx context.Context, key string) (*models.LicenseRecord, error) {
	data, err := r.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load license: %w", err)
	}

	var rec models.LicenseRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode license: %w", err)
	}
	return &rec, nil
}

func (r *RedisStorage) GetByPaymentIntent(ctx context.Context, id string) (*models.LicenseRecord, error) {
	return r.follow(ctx, redisPaymentIntentPrefix+id)
}

func (r *RedisStorage) GetBySubscription(ctx context.Context, id string) (*models.LicenseRecord, error) {
	return r.follow(ctx, redisSubscriptionPrefix+id)
}

func (r *RedisStorage) follow(ctx context.Context, indexKey string) (*models.LicenseRecord, error) {
	key, err := r.client.Get(ctx, indexKey).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read index: %w", err)
	}
	return r.GetByKey(ctx, key)
}

func (r *RedisStorage) UpdateLicense(ctx context.Context, key, token string, license models.LicensePayload) error {
	return r.update(ctx, key, token, license, nil)
}

func (r *RedisStorage) RevokeLicense(ctx context.Context, key, token string, license models.LicensePayload, at time.Time) error {
	return r.update(ctx, key, token, license, &at)
}

func (r *RedisStorage) update(ctx context.Context, key, token string, license models.LicensePayload, revokedAt *time.Time) error {
	recordKey := redisKeyPrefix + key

	update := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, recordKey).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}

		var rec models.LicenseRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("failed to decode license: %w", err)
		}
		rec.FullToken = token
		rec.License = license
		if revokedAt != nil {
			at := revokedAt.UTC()
			rec.Metadata.RevokedAt = &at
		}
		rec.UpdatedAt = time.Now().UTC()

		updated, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to encode license: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, recordKey, updated, 0)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < 5; attempt++ {
		err := r.client.Watch(ctx, update, recordKey)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to update license: %w", err)
		}
		return nil
	}
	return fmt.Errorf("failed to update license %s: too much contention", key)
}

func (r *RedisStorage) Close() error {
	return r.client.Close()
}

// stamp fills in timestamps for a record about to be written.
func stamp(rec *models.LicenseRecord) models.LicenseRecord {
	t := time.Now().UTC()
	stored := *rec
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = t
	}
	stored.UpdatedAt = t
	return stored
}

func flag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
