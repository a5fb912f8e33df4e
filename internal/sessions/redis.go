package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ensemble-run/ensemble/pkg/models"
)

// DefaultKeyPrefix is the key namespace when none is configured.
// Layout: "<prefix><id>" holds the context JSON,
// "<prefix><id>:metadata" the metadata JSON, and
// "<prefix>owner:<uid>" / "<prefix>tag:<t>" / "<prefix>status:<s>" are
// index sets of session ids.
const DefaultKeyPrefix = "agent:session:"

// maxTxRetries bounds optimistic-concurrency retries on conflicting
// session updates.
const maxTxRetries = 5

// RedisStore is the Redis-backed Store. Every write that touches both
// keys and the indices happens in one MULTI/EXEC pipeline; in-place
// mutations (message append, metadata merge) run under WATCH with
// retry so concurrent turns on one session serialize cleanly.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger *slog.Logger
}

// RedisOptions configures NewRedisStore.
type RedisOptions struct {
	URL           string
	Prefix        string
	TTL           time.Duration
	MaxConns      int
	SocketTimeout time.Duration
}

// NewRedisStore connects and pings the server so a misconfigured URL
// fails at startup, not on the first turn.
func NewRedisStore(ctx context.Context, opts RedisOptions, logger *slog.Logger) (*RedisStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	redisOpts, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if opts.MaxConns > 0 {
		redisOpts.PoolSize = opts.MaxConns
	}
	if opts.SocketTimeout > 0 {
		redisOpts.ReadTimeout = opts.SocketTimeout
		redisOpts.WriteTimeout = opts.SocketTimeout
	}
	client := redis.NewClient(redisOpts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	prefix := opts.Prefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
		ttl:    opts.TTL,
		logger: logger,
	}, nil
}

// Close releases the connection pool.
func (s *RedisStore) Close() error { return s.client.Close() }

func (s *RedisStore) ctxKey(id string) string  { return s.prefix + id }
func (s *RedisStore) metaKey(id string) string { return s.prefix + id + ":metadata" }
func (s *RedisStore) ownerKey(uid string) string {
	return s.prefix + "owner:" + uid
}
func (s *RedisStore) tagKey(tag string) string {
	return s.prefix + "tag:" + tag
}
func (s *RedisStore) statusKey(status models.SessionStatus) string {
	return s.prefix + "status:" + string(status)
}

func (s *RedisStore) Create(ctx context.Context, session *models.Session) error {
	return s.writeSession(ctx, session)
}

func (s *RedisStore) Save(ctx context.Context, session *models.Session) error {
	// A save may move the session between status/tag indices; drop the
	// old index entries first when the stored metadata differs.
	old, err := s.loadMetadata(ctx, session.ID)
	if err == nil {
		s.removeIndexEntries(ctx, session.ID, old)
	}
	return s.writeSession(ctx, session)
}

// writeSession sets both keys, their expirations, and the index
// memberships in one transaction.
func (s *RedisStore) writeSession(ctx context.Context, session *models.Session) error {
	if session == nil || session.ID == "" {
		return ErrNotFound
	}
	ctxData, err := json.Marshal(session.Context)
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}
	metaData, err := json.Marshal(session.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.ctxKey(session.ID), ctxData, s.ttl)
		pipe.Set(ctx, s.metaKey(session.ID), metaData, s.ttl)
		pipe.SAdd(ctx, s.ownerKey(session.Metadata.OwnerID), session.ID)
		pipe.SAdd(ctx, s.statusKey(session.Metadata.Status), session.ID)
		for _, tag := range session.Metadata.Tags {
			pipe.SAdd(ctx, s.tagKey(tag), session.ID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("write session: %w", err)
	}
	return nil
}

func (s *RedisStore) Load(ctx context.Context, id string) (*models.Session, error) {
	pipe := s.client.Pipeline()
	ctxCmd := pipe.Get(ctx, s.ctxKey(id))
	metaCmd := pipe.Get(ctx, s.metaKey(id))
	_, err := pipe.Exec(ctx)
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}

	var sctx models.Context
	if err := json.Unmarshal([]byte(ctxCmd.Val()), &sctx); err != nil {
		return nil, fmt.Errorf("decode context: %w", err)
	}
	var meta models.SessionMetadata
	if err := json.Unmarshal([]byte(metaCmd.Val()), &meta); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return &models.Session{ID: id, Context: &sctx, Metadata: meta}, nil
}

func (s *RedisStore) loadMetadata(ctx context.Context, id string) (*models.SessionMetadata, error) {
	data, err := s.client.Get(ctx, s.metaKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var meta models.SessionMetadata
	if err := json.Unmarshal([]byte(data), &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

func (s *RedisStore) removeIndexEntries(ctx context.Context, id string, md *models.SessionMetadata) {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, s.ownerKey(md.OwnerID), id)
		pipe.SRem(ctx, s.statusKey(md.Status), id)
		for _, tag := range md.Tags {
			pipe.SRem(ctx, s.tagKey(tag), id)
		}
		return nil
	})
	if err != nil {
		s.logger.Warn("index cleanup failed", "session", id, "error", err)
	}
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	md, err := s.loadMetadata(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("delete session: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.ctxKey(id), s.metaKey(id))
		pipe.SRem(ctx, s.ownerKey(md.OwnerID), id)
		pipe.SRem(ctx, s.statusKey(md.Status), id)
		for _, tag := range md.Tags {
			pipe.SRem(ctx, s.tagKey(tag), id)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// List answers membership queries from the index sets without scanning
// keys: one set is read directly, several are intersected server-side.
func (s *RedisStore) List(ctx context.Context, filter ListFilter) ([]string, error) {
	var keys []string
	if filter.OwnerID != "" {
		keys = append(keys, s.ownerKey(filter.OwnerID))
	}
	if filter.Tag != "" {
		keys = append(keys, s.tagKey(filter.Tag))
	}
	if filter.Status != "" {
		keys = append(keys, s.statusKey(filter.Status))
	}

	var ids []string
	var err error
	switch len(keys) {
	case 0:
		// Union of the status indices covers every live session.
		ids, err = s.client.SUnion(ctx,
			s.statusKey(models.SessionActive),
			s.statusKey(models.SessionPaused),
			s.statusKey(models.SessionEnded),
		).Result()
	case 1:
		ids, err = s.client.SMembers(ctx, keys[0]).Result()
	default:
		ids, err = s.client.SInter(ctx, keys...).Result()
	}
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	// Index sets can briefly outlive their expired keys; filter by
	// liveness before returning.
	live := ids[:0]
	for _, id := range ids {
		exists, err := s.client.Exists(ctx, s.ctxKey(id)).Result()
		if err != nil {
			return nil, fmt.Errorf("list sessions: %w", err)
		}
		if exists > 0 {
			live = append(live, id)
			if filter.Limit > 0 && len(live) >= filter.Limit {
				break
			}
			continue
		}
		for _, key := range keys {
			s.client.SRem(ctx, key, id)
		}
	}
	return live, nil
}

// mutate applies fn to the stored session under WATCH, retrying on
// concurrent modification.
func (s *RedisStore) mutate(ctx context.Context, id string, fn func(*models.Session)) error {
	for attempt := 0; attempt < maxTxRetries; attempt++ {
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			ctxData, err := tx.Get(ctx, s.ctxKey(id)).Result()
			if errors.Is(err, redis.Nil) {
				return ErrNotFound
			}
			if err != nil {
				return err
			}
			metaData, err := tx.Get(ctx, s.metaKey(id)).Result()
			if errors.Is(err, redis.Nil) {
				return ErrNotFound
			}
			if err != nil {
				return err
			}

			var sctx models.Context
			if err := json.Unmarshal([]byte(ctxData), &sctx); err != nil {
				return fmt.Errorf("decode context: %w", err)
			}
			var meta models.SessionMetadata
			if err := json.Unmarshal([]byte(metaData), &meta); err != nil {
				return fmt.Errorf("decode metadata: %w", err)
			}
			session := &models.Session{ID: id, Context: &sctx, Metadata: meta}

			fn(session)
			session.Metadata.LastAccessedAt = time.Now()
			if s.ttl > 0 {
				session.Metadata.ExpiresAt = time.Now().Add(s.ttl)
			}

			newCtx, err := json.Marshal(session.Context)
			if err != nil {
				return err
			}
			newMeta, err := json.Marshal(session.Metadata)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, s.ctxKey(id), newCtx, s.ttl)
				pipe.Set(ctx, s.metaKey(id), newMeta, s.ttl)
				return nil
			})
			return err
		}, s.ctxKey(id), s.metaKey(id))

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("session %s: too many concurrent updates", id)
}

func (s *RedisStore) AppendMessage(ctx context.Context, id string, msg models.Message) error {
	return s.mutate(ctx, id, func(session *models.Session) {
		session.Context.AppendMessage(msg)
		session.Metadata.MessageCount = len(session.Context.Messages)
	})
}

func (s *RedisStore) UpdateMetadata(ctx context.Context, id string, values map[string]any) error {
	return s.mutate(ctx, id, func(session *models.Session) {
		if session.Context.Metadata == nil {
			session.Context.Metadata = map[string]any{}
		}
		for k, v := range values {
			session.Context.Metadata[k] = v
		}
	})
}

// ReplaceMessages is one WATCH-guarded transaction: both keys are
// rewritten in a single MULTI/EXEC, so concurrent readers see either
// the old conversation or the new one, never a partial rebuild.
func (s *RedisStore) ReplaceMessages(ctx context.Context, id string, msgs []models.Message) error {
	return s.mutate(ctx, id, func(session *models.Session) {
		session.Context.Messages = nil
		for _, msg := range msgs {
			session.Context.AppendMessage(msg)
		}
		session.Metadata.MessageCount = len(session.Context.Messages)
	})
}

func (s *RedisStore) ClearMessages(ctx context.Context, id string) error {
	return s.mutate(ctx, id, func(session *models.Session) {
		session.Context.Messages = nil
		session.Metadata.MessageCount = 0
	})
}

func (s *RedisStore) Touch(ctx context.Context, id string) error {
	exists, err := s.client.Exists(ctx, s.ctxKey(id)).Result()
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	if exists == 0 {
		return ErrNotFound
	}
	// mutate stamps LastAccessedAt and ExpiresAt and re-sets both keys
	// with the store TTL.
	if err := s.mutate(ctx, id, func(*models.Session) {}); err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

func (s *RedisStore) Statistics(ctx context.Context) (*Statistics, error) {
	stats := &Statistics{Backend: "redis"}
	for _, status := range []models.SessionStatus{models.SessionActive, models.SessionPaused, models.SessionEnded} {
		n, err := s.client.SCard(ctx, s.statusKey(status)).Result()
		if err != nil {
			return nil, fmt.Errorf("statistics: %w", err)
		}
		stats.TotalSessions += int(n)
		if status == models.SessionActive {
			stats.ActiveSessions = int(n)
		}
	}
	return stats, nil
}
