package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultWorkingTTL = 24 * time.Hour

	keyPrefix   = "memory:"
	notifPrefix = "memory:update:"
	maxRetries  = 5
	scanCount   = 100
	searchLimit = 10
)

var _ Store = (*RedisStore)(nil)

// RedisStore keeps each entry in a hash at memory:<kind>:<id> holding the
// JSON data, a version and the store time.
type RedisStore struct {
	client     *redis.Client
	logger     *slog.Logger
	workingTTL time.Duration
	now        func() time.Time
}

// Option configures a RedisStore.
type Option func(*RedisStore)

// WithWorkingTTL sets the expiry of working entries; zero disables it.
func WithWorkingTTL(d time.Duration) Option { return func(s *RedisStore) { s.workingTTL = d } }

// WithClock replaces time.Now for stored_at stamps.
func WithClock(now func() time.Time) Option { return func(s *RedisStore) { s.now = now } }

// NewRedisStore returns a store over a new client for opts.
func NewRedisStore(opts *redis.Options, logger *slog.Logger, options ...Option) *RedisStore {
	if logger == nil {
		logger = slog.Default()
	}
	s := &RedisStore{
		client:     redis.NewClient(opts),
		logger:     logger.With("component", "memory"),
		workingTTL: DefaultWorkingTTL,
		now:        time.Now,
	}
	for _, o := range options {
		o(s)
	}
	return s
}

// Open parses a redis:// URL, connects and pings.
func Open(ctx context.Context, url string, logger *slog.Logger, options ...Option) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("memory url: %w", err)
	}
	s := NewRedisStore(opts, logger, options...)
	if err := s.client.Ping(ctx).Err(); err != nil {
		s.client.Close()
		return nil, fmt.Errorf("memory store %s: %w", opts.Addr, err)
	}
	return s, nil
}

func key(kind Kind, id string) string { return keyPrefix + string(kind) + ":" + id }

// Put stores data and returns the entry's new version. Concurrent writers to
// the same entry are serialized by optimistic locking on the key.
func (s *RedisStore) Put(ctx context.Context, kind Kind, id string, data map[string]any) (int64, error) {
	if err := checkKind(kind); err != nil {
		return 0, err
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return 0, fmt.Errorf("encode memory %s/%s: %w", kind, id, err)
	}
	k := key(kind, id)
	var ver int64
	txf := func(tx *redis.Tx) error {
		cur, err := tx.HGet(ctx, k, "version").Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		ver = cur + 1
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, k, "data", raw, "version", ver, "stored_at", s.stamp())
			if kind == Working && s.workingTTL > 0 {
				pipe.Expire(ctx, k, s.workingTTL)
			}
			return nil
		})
		return err
	}
	for i := 0; i < maxRetries; i++ {
		err = s.client.Watch(ctx, txf, k)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if err != nil {
		return 0, fmt.Errorf("put memory %s/%s: %w", kind, id, err)
	}
	s.notify(ctx, Update{Kind: kind, ID: id, Version: ver})
	s.logger.Debug("memory stored", "kind", kind, "id", id, "version", ver)
	return ver, nil
}

// PutMany writes a batch of entries of one kind atomically.
func (s *RedisStore) PutMany(ctx context.Context, kind Kind, entries map[string]map[string]any) error {
	if err := checkKind(kind); err != nil {
		return err
	}
	stamp := s.stamp()
	pipe := s.client.TxPipeline()
	for id, data := range entries {
		raw, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("encode memory %s/%s: %w", kind, id, err)
		}
		k := key(kind, id)
		pipe.HIncrBy(ctx, k, "version", 1)
		pipe.HSet(ctx, k, "data", raw, "stored_at", stamp)
		if kind == Working && s.workingTTL > 0 {
			pipe.Expire(ctx, k, s.workingTTL)
		}
		payload, _ := json.Marshal(Update{Kind: kind, ID: id})
		pipe.Publish(ctx, notifPrefix+string(kind)+":"+id, payload)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("put memory batch %s: %w", kind, err)
	}
	return nil
}

// Get returns one entry or ErrNotFound. Expired working entries are gone.
func (s *RedisStore) Get(ctx context.Context, kind Kind, id string) (Entry, error) {
	if err := checkKind(kind); err != nil {
		return Entry{}, err
	}
	k := key(kind, id)
	fields, err := s.client.HGetAll(ctx, k).Result()
	if err != nil {
		return Entry{}, fmt.Errorf("get memory %s/%s: %w", kind, id, err)
	}
	if len(fields) == 0 {
		return Entry{}, fmt.Errorf("%w: %s/%s", ErrNotFound, kind, id)
	}
	e, err := decodeEntry(kind, id, fields)
	if err != nil {
		return Entry{}, err
	}
	if kind == Working {
		if ttl, err := s.client.PTTL(ctx, k).Result(); err == nil && ttl > 0 {
			exp := s.now().Add(ttl).UTC()
			e.ExpiresAt = &exp
		}
	}
	return e, nil
}

// Search scans every entry of kind. A non-positive limit means 10.
func (s *RedisStore) Search(ctx context.Context, kind Kind, query map[string]any, limit int) ([]Entry, error) {
	if err := checkKind(kind); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = searchLimit
	}
	q := normalizeQuery(query)
	prefix := keyPrefix + string(kind) + ":"
	var out []Entry
	iter := s.client.Scan(ctx, 0, prefix+"*", scanCount).Iterator()
	for iter.Next(ctx) {
		k := iter.Val()
		fields, err := s.client.HGetAll(ctx, k).Result()
		if err != nil {
			return nil, fmt.Errorf("search memory %s: %w", kind, err)
		}
		if len(fields) == 0 {
			continue
		}
		e, err := decodeEntry(kind, strings.TrimPrefix(k, prefix), fields)
		if err != nil {
			s.logger.Warn("skipping unreadable memory", "key", k, "error", err)
			continue
		}
		if matches(e, q) {
			out = append(out, e)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("search memory %s: %w", kind, err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StoredAt.After(out[j].StoredAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Delete removes one entry; a missing entry is ErrNotFound.
func (s *RedisStore) Delete(ctx context.Context, kind Kind, id string) error {
	if err := checkKind(kind); err != nil {
		return err
	}
	n, err := s.client.Del(ctx, key(kind, id)).Result()
	if err != nil {
		return fmt.Errorf("delete memory %s/%s: %w", kind, id, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, kind, id)
	}
	s.notify(ctx, Update{Kind: kind, ID: id, Deleted: true})
	return nil
}

// Watch streams updates for kind, or for every kind when kind is empty.
// The channel closes when ctx is done or the store is closed.
func (s *RedisStore) Watch(ctx context.Context, kind Kind) (<-chan Update, error) {
	pattern := notifPrefix + "*"
	if kind != "" {
		if err := checkKind(kind); err != nil {
			return nil, err
		}
		pattern = notifPrefix + string(kind) + ":*"
	}
	pubsub := s.client.PSubscribe(ctx, pattern)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("watch memory: %w", err)
	}
	ch := make(chan Update)
	go func() {
		defer close(ch)
		defer pubsub.Close()
		for {
			msg, err := pubsub.ReceiveMessage(ctx)
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, redis.ErrClosed) {
					return
				}
				s.logger.Warn("memory watch error", "error", err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Second):
				}
				continue
			}
			var upd Update
			if err := json.Unmarshal([]byte(msg.Payload), &upd); err != nil {
				continue
			}
			select {
			case ch <- upd:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// Stats counts entries per kind.
func (s *RedisStore) Stats(ctx context.Context) (Stats, error) {
	st := Stats{Counts: make(map[Kind]int, len(Kinds())), GeneratedAt: s.now().UTC()}
	for _, kind := range Kinds() {
		iter := s.client.Scan(ctx, 0, keyPrefix+string(kind)+":*", scanCount).Iterator()
		n := 0
		for iter.Next(ctx) {
			n++
		}
		if err := iter.Err(); err != nil {
			return Stats{}, fmt.Errorf("memory stats: %w", err)
		}
		st.Counts[kind] = n
		st.Total += n
	}
	return st, nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) stamp() string { return s.now().UTC().Format(time.RFC3339Nano) }

func (s *RedisStore) notify(ctx context.Context, upd Update) {
	payload, _ := json.Marshal(upd)
	if err := s.client.Publish(ctx, notifPrefix+string(upd.Kind)+":"+upd.ID, payload).Err(); err != nil {
		s.logger.Warn("memory notify failed", "kind", upd.Kind, "id", upd.ID, "error", err)
	}
}

func decodeEntry(kind Kind, id string, fields map[string]string) (Entry, error) {
	e := Entry{ID: id, Kind: kind}
	if raw := fields["data"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &e.Data); err != nil {
			return Entry{}, fmt.Errorf("decode memory %s/%s: %w", kind, id, err)
		}
	}
	if v := fields["version"]; v != "" {
		ver, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return Entry{}, fmt.Errorf("decode memory %s/%s version: %w", kind, id, err)
		}
		e.Version = ver
	}
	if ts := fields["stored_at"]; ts != "" {
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return Entry{}, fmt.Errorf("decode memory %s/%s stored_at: %w", kind, id, err)
		}
		e.StoredAt = t
	}
	return e, nil
}
