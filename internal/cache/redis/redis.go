// Package redis stores cache entries as Redis hashes. Expiry is delegated to
// Redis key TTLs, so DeleteExpired has nothing to do.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/site-insight-crawler/internal/cache"
	"github.com/JakeFAU/site-insight-crawler/internal/ledger"
)

const (
	defaultPrefix     = "siteinsight:cache:"
	connectionTimeout = 5 * time.Second
	scanCount         = 256
)

// Config holds connection settings.
type Config struct {
	Address  string
	Password string
	DB       int
	Prefix   string
}

// Store is a cache.Store on go-redis.
type Store struct {
	client *redis.Client
	prefix string
}

var _ cache.Store = (*Store)(nil)

// Open connects and verifies the server responds.
func Open(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, errors.New("cache.redis.address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), connectionTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return NewWithClient(client, cfg.Prefix), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Store{client: client, prefix: prefix}
}

func (s *Store) key(ns ledger.Namespace, key string) string {
	return s.prefix + string(ns) + ":" + key
}

func (s *Store) namespaceOf(redisKey string) ledger.Namespace {
	rest := strings.TrimPrefix(redisKey, s.prefix)
	ns, _, _ := strings.Cut(rest, ":")
	return ledger.Namespace(ns)
}

// Get implements cache.Store.
func (s *Store) Get(ctx context.Context, ns ledger.Namespace, key string) (cache.Entry, error) {
	fields, err := s.client.HGetAll(ctx, s.key(ns, key)).Result()
	if err != nil {
		return cache.Entry{}, fmt.Errorf("hgetall: %w", err)
	}
	if len(fields) == 0 {
		return cache.Entry{}, cache.ErrNotFound
	}
	entry := cache.Entry{Namespace: ns, Key: key, Payload: []byte(fields["payload"])}
	storedAt, err := strconv.ParseInt(fields["stored_at"], 10, 64)
	if err != nil {
		return cache.Entry{}, fmt.Errorf("parse stored_at: %w", err)
	}
	expiresAt, err := strconv.ParseInt(fields["expires_at"], 10, 64)
	if err != nil {
		return cache.Entry{}, fmt.Errorf("parse expires_at: %w", err)
	}
	entry.StoredAt = time.UnixMilli(storedAt).UTC()
	entry.ExpiresAt = time.UnixMilli(expiresAt).UTC()
	entry.AccessCount, _ = strconv.ParseInt(fields["access_count"], 10, 64)
	entry.Tokens, _ = strconv.ParseInt(fields["tokens"], 10, 64)
	entry.Cost, _ = strconv.ParseFloat(fields["cost"], 64)
	return entry, nil
}

// Put implements cache.Store.
func (s *Store) Put(ctx context.Context, entry cache.Entry) error {
	k := s.key(entry.Namespace, entry.Key)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, k,
			"payload", entry.Payload,
			"stored_at", entry.StoredAt.UnixMilli(),
			"expires_at", entry.ExpiresAt.UnixMilli(),
			"tokens", entry.Tokens,
			"cost", strconv.FormatFloat(entry.Cost, 'f', -1, 64),
		)
		pipe.ExpireAt(ctx, k, entry.ExpiresAt)
		return nil
	})
	if err != nil {
		return fmt.Errorf("store entry: %w", err)
	}
	return nil
}

// Touch implements cache.Store.
func (s *Store) Touch(ctx context.Context, ns ledger.Namespace, key string) error {
	k := s.key(ns, key)
	n, err := s.client.Exists(ctx, k).Result()
	if err != nil {
		return fmt.Errorf("exists: %w", err)
	}
	if n == 0 {
		return nil
	}
	if err := s.client.HIncrBy(ctx, k, "access_count", 1).Err(); err != nil {
		return fmt.Errorf("hincrby: %w", err)
	}
	return nil
}

// DeleteExpired implements cache.Store.
func (s *Store) DeleteExpired(context.Context, time.Time) (int64, error) {
	return 0, nil
}

// Clear implements cache.Store.
func (s *Store) Clear(ctx context.Context) error {
	return s.scan(ctx, func(keys []string) error {
		return s.client.Del(ctx, keys...).Err()
	})
}

// Summarize implements cache.Store.
func (s *Store) Summarize(ctx context.Context, _ time.Time) (cache.Summary, error) {
	var sum cache.Summary
	err := s.scan(ctx, func(keys []string) error {
		for _, k := range keys {
			raw, err := s.client.HGet(ctx, k, "access_count").Result()
			if errors.Is(err, redis.Nil) {
				raw = "0"
			} else if err != nil {
				return err
			}
			switch s.namespaceOf(k) {
			case ledger.NamespacePage:
				sum.Pages++
			case ledger.NamespaceAnalysis:
				sum.Analyses++
			}
			count, _ := strconv.ParseInt(raw, 10, 64)
			sum.Accesses += count
		}
		return nil
	})
	if err != nil {
		return cache.Summary{}, fmt.Errorf("summarize entries: %w", err)
	}
	return sum, nil
}

func (s *Store) scan(ctx context.Context, fn func(keys []string) error) error {
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.prefix+"*", scanCount).Result()
		if err != nil {
			return fmt.Errorf("scan: %w", err)
		}
		if len(keys) > 0 {
			if err := fn(keys); err != nil {
				return err
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

// Close implements cache.Store.
func (s *Store) Close() error {
	return s.client.Close()
}
