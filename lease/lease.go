// Package lease provides the single-writer lock that keeps two instances on one
// device from draining the outbox at the same time.
package lease

import (
	"context"
	"fmt"
	"time"

	"pickedge/config"
	"pickedge/store"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Lease is a renewable, expiring lock. Acquire both takes and renews it.
type Lease interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
	Holder() string
}

// New builds the lease selected by cfg. It returns nil when no lease is configured.
func New(cfg *config.LeaseConfig, db *store.DB, name string) (Lease, error) {
	switch cfg.Backend {
	case "":
		return nil, nil
	case "store":
		return NewStoreLease(db, name, cfg.TTL), nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		return NewRedisLease(client, name, cfg.TTL), nil
	default:
		return nil, fmt.Errorf("unknown lease backend: %s", cfg.Backend)
	}
}

func newHolder() string { return uuid.NewString() }

func ttlOrDefault(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return 30 * time.Second
	}
	return ttl
}

// lockRecord is the value kept in the leases partition.
type lockRecord struct {
	Holder    string    `json:"holder"`
	ExpiresAt time.Time `json:"expires_at"`
}

// StoreLease keeps the lock as a record in the store's leases partition, so
// every instance sharing the database sees it.
type StoreLease struct {
	db     *store.DB
	key    string
	holder string
	ttl    time.Duration
	now    func() time.Time
}

// NewStoreLease creates a store-backed lease with a fresh holder id.
func NewStoreLease(db *store.DB, name string, ttl time.Duration) *StoreLease {
	return &StoreLease{
		db:     db,
		key:    name,
		holder: newHolder(),
		ttl:    ttlOrDefault(ttl),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (l *StoreLease) Holder() string { return l.holder }

// Acquire takes the lock if it is free, expired or already ours, and pushes
// its expiry out by the TTL.
func (l *StoreLease) Acquire(ctx context.Context) (bool, error) {
	var acquired bool
	err := l.db.Update(ctx, func(tx *store.Tx) error {
		var cur lockRecord
		held, err := l.read(tx, &cur)
		if err != nil {
			return err
		}
		if held && cur.Holder != l.holder && cur.ExpiresAt.After(l.now()) {
			return nil
		}
		acquired = true
		return tx.PutJSON(store.PartitionLeases, l.key, lockRecord{Holder: l.holder, ExpiresAt: l.now().Add(l.ttl)}, nil)
	})
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", l.key, err)
	}
	return acquired, nil
}

// Release drops the lock if this holder owns it.
func (l *StoreLease) Release(ctx context.Context) error {
	return l.db.Update(ctx, func(tx *store.Tx) error {
		var cur lockRecord
		ok, err := l.read(tx, &cur)
		if err != nil || !ok || cur.Holder != l.holder {
			return err
		}
		return tx.Delete(store.PartitionLeases, l.key)
	})
}

func (l *StoreLease) read(tx *store.Tx, dst *lockRecord) (bool, error) {
	return tx.GetJSON(store.PartitionLeases, l.key, dst)
}

var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// RedisLease keeps the lock in Redis for instances that do not share a database file.
type RedisLease struct {
	client *redis.Client
	key    string
	holder string
	ttl    time.Duration
}

// NewRedisLease creates a Redis-backed lease with a fresh holder id.
func NewRedisLease(client *redis.Client, name string, ttl time.Duration) *RedisLease {
	return &RedisLease{
		client: client,
		key:    "pickedge:lease:" + name,
		holder: newHolder(),
		ttl:    ttlOrDefault(ttl),
	}
}

func (l *RedisLease) Holder() string { return l.holder }

func (l *RedisLease) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.holder, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire %s: %w", l.key, err)
	}
	if ok {
		return true, nil
	}
	n, err := renewScript.Run(ctx, l.client, []string{l.key}, l.holder, l.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("renew %s: %w", l.key, err)
	}
	return n == 1, nil
}

func (l *RedisLease) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.holder).Err(); err != nil {
		return fmt.Errorf("release %s: %w", l.key, err)
	}
	return nil
}
