// Package redisstore implements the storage contract on Redis. Documents
// are stored as JSON values under "doc:<collection>:<id>" with a per-
// collection id set, so listing a collection is one SMEMBERS plus an MGET.
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/promohive/promohive/internal/errs"
	"github.com/promohive/promohive/internal/storage"
)

// Config holds Redis connection settings.
type Config struct {
	URL      string // redis://host:port
	Password string
	DB       int
}

// Redis is the durable Store backend.
type Redis struct {
	client *redis.Client
}

// Connect opens and pings a Redis connection.
func Connect(ctx context.Context, cfg Config) (*Redis, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	opts.DB = cfg.DB
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.MaxRetries = 3

	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, errs.Newf(errs.KindTransient, "redis connect: %v", err)
	}
	log.Println("[Storage] ✅ Redis connected")
	return &Redis{client: client}, nil
}

func docKey(collection, id string) string {
	return "doc:" + collection + ":" + id
}

func setKey(collection string) string {
	return "col:" + collection
}

func (r *Redis) Store(ctx context.Context, collection string, doc map[string]any) (string, error) {
	id := uuid.NewString()
	doc["_id"] = id
	data, err := json.Marshal(doc)
	if err != nil {
		return "", errs.Newf(errs.KindInternal, "marshal document: %v", err)
	}
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, docKey(collection, id), data, 0)
	pipe.SAdd(ctx, setKey(collection), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", errs.Newf(errs.KindTransient, "redis store: %v", err)
	}
	return id, nil
}

func (r *Redis) load(ctx context.Context, collection string, filter map[string]any) ([]map[string]any, error) {
	ids, err := r.client.SMembers(ctx, setKey(collection)).Result()
	if err != nil {
		return nil, errs.Newf(errs.KindTransient, "redis smembers: %v", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = docKey(collection, id)
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, errs.Newf(errs.KindTransient, "redis mget: %v", err)
	}
	var out []map[string]any
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var doc map[string]any
		if err := json.Unmarshal([]byte(s), &doc); err != nil {
			continue
		}
		if storage.Matches(doc, filter) {
			out = append(out, doc)
		}
	}
	return out, nil
}

func (r *Redis) Find(ctx context.Context, collection string, filter map[string]any, opts *storage.FindOptions) ([]map[string]any, error) {
	docs, err := r.load(ctx, collection, filter)
	if err != nil {
		return nil, err
	}
	if opts != nil && opts.SortBy != "" {
		field, desc := opts.SortBy, opts.Desc
		sort.SliceStable(docs, func(i, j int) bool {
			a, _ := docs[i][field].(string)
			b, _ := docs[j][field].(string)
			if desc {
				return a > b
			}
			return a < b
		})
	}
	if opts != nil && opts.Limit > 0 && len(docs) > opts.Limit {
		docs = docs[:opts.Limit]
	}
	return docs, nil
}

func (r *Redis) FindOne(ctx context.Context, collection string, filter map[string]any) (map[string]any, error) {
	docs, err := r.load(ctx, collection, filter)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, errs.Newf(errs.KindNotFound, "no document in %q matches filter", collection)
	}
	return docs[0], nil
}

func (r *Redis) Update(ctx context.Context, collection string, filter, patch map[string]any) (map[string]any, error) {
	doc, err := r.FindOne(ctx, collection, filter)
	if err != nil {
		return nil, err
	}
	for k, v := range patch {
		doc[k] = v
	}
	id, _ := doc["_id"].(string)
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, errs.Newf(errs.KindInternal, "marshal document: %v", err)
	}
	if err := r.client.Set(ctx, docKey(collection, id), data, 0).Err(); err != nil {
		return nil, errs.Newf(errs.KindTransient, "redis update: %v", err)
	}
	return doc, nil
}

func (r *Redis) Delete(ctx context.Context, collection string, filter map[string]any) (int, error) {
	docs, err := r.load(ctx, collection, filter)
	if err != nil {
		return 0, err
	}
	if len(docs) == 0 {
		return 0, nil
	}
	pipe := r.client.TxPipeline()
	for _, doc := range docs {
		id, _ := doc["_id"].(string)
		pipe.Del(ctx, docKey(collection, id))
		pipe.SRem(ctx, setKey(collection), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, errs.Newf(errs.KindTransient, "redis delete: %v", err)
	}
	return len(docs), nil
}

func (r *Redis) Incr(ctx context.Context, counter string, delta int64) (int64, error) {
	n, err := r.client.IncrBy(ctx, "counter:"+counter, delta).Result()
	if err != nil {
		return 0, errs.Newf(errs.KindTransient, "redis incr: %v", err)
	}
	return n, nil
}

// Transact runs fn against the live store. Redis pipelines cover the
// multi-key writes issued by Store and Delete; cross-document rollback is
// not provided by the backend, so fn must keep its writes independent.
func (r *Redis) Transact(ctx context.Context, fn func(tx storage.Store) error) error {
	return fn(r)
}

func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return errs.Newf(errs.KindTransient, "redis ping: %v", err)
	}
	return nil
}

// Close releases the connection.
func (r *Redis) Close() error {
	return r.client.Close()
}
