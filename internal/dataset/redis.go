package dataset

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-faster/errors"
	"github.com/redis/go-redis/v9"

	"github.com/JonMunkholm/pendampingan/internal/config"
	"github.com/JonMunkholm/pendampingan/internal/core"
)

// RedisStore keeps datasets in Redis with a key TTL, so handles survive
// restarts and are shared between instances.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

// NewRedisClient connects and pings the configured Redis.
func NewRedisClient(ctx context.Context, cfg config.DatasetConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        cfg.RedisAddr,
		Password:    cfg.RedisPassword,
		DB:          cfg.RedisDB,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errors.Wrap(err, "redis ping")
	}
	return rdb, nil
}

// NewRedisStore creates a store on rdb. Keys are prefix + dataset id.
func NewRedisStore(rdb *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{rdb: rdb, prefix: prefix, ttl: ttl, now: time.Now}
}

func (s *RedisStore) key(id string) string { return s.prefix + id }

func (s *RedisStore) Put(ctx context.Context, name string, records []core.Record) (Info, error) {
	ds := newDataset(name, records, s.now(), s.ttl)

	raw, err := json.Marshal(ds)
	if err != nil {
		return Info{}, errors.Wrap(err, "encode dataset")
	}
	if err := s.rdb.Set(ctx, s.key(ds.ID), raw, s.ttl).Err(); err != nil {
		return Info{}, errors.Wrap(err, "store dataset")
	}
	return ds.Info, nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*Dataset, error) {
	raw, err := s.rdb.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, core.ErrDatasetNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "load dataset")
	}
	return decodeStored(raw)
}

func (s *RedisStore) Records(ctx context.Context, id string) ([]core.Record, error) {
	ds, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return ds.Data, nil
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	n, err := s.rdb.Del(ctx, s.key(id)).Result()
	if err != nil {
		return errors.Wrap(err, "delete dataset")
	}
	if n == 0 {
		return core.ErrDatasetNotFound
	}
	return nil
}

// decodeStored restores a dataset with json.Number values, as Decode does.
func decodeStored(raw []byte) (*Dataset, error) {
	var stored struct {
		Info
		Data []json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil, errors.Wrap(err, "decode dataset")
	}

	data, err := json.Marshal(stored.Data)
	if err != nil {
		return nil, errors.Wrap(err, "decode dataset")
	}
	records, err := DecodeBytes(data)
	if err != nil {
		return nil, errors.Wrap(err, "decode dataset")
	}
	return &Dataset{Info: stored.Info, Data: records}, nil
}
