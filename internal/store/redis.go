package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/nhle/mailrelay/internal/model"
)

// maxNotifications caps the per-account delivery log kept in Redis.
const maxNotifications = 1000

// setWatermarkScript raises the watermark monotonically and prunes the
// decision and failure hashes it covers.
//
// KEYS: account hash, decisions hash, failures hash
// ARGV: uid, updated_at
var setWatermarkScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return redis.error_reply('unknown account')
end
local cur = tonumber(redis.call('HGET', KEYS[1], 'last_checked_uid') or '0')
local uid = tonumber(ARGV[1])
if uid > cur then
	redis.call('HSET', KEYS[1], 'last_checked_uid', ARGV[1], 'updated_at', ARGV[2])
	cur = uid
end
for _, key in ipairs({KEYS[2], KEYS[3]}) do
	for _, field in ipairs(redis.call('HKEYS', key)) do
		if tonumber(field) <= cur then
			redis.call('HDEL', key, field)
		end
	end
end
return cur
`)

// RedisStore implements the Store interface on a Redis server. Every key
// lives under a configurable prefix.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to addr and verifies the server responds.
func NewRedisStore(ctx context.Context, addr string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", addr, err)
	}

	return &RedisStore{client: client, prefix: "mailrelay"}, nil
}

// Close closes the Redis connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) accountsKey() string { return s.prefix + ":accounts" }

func (s *RedisStore) accountKey(id string) string {
	return s.prefix + ":account:" + id
}

func (s *RedisStore) decisionsKey(id string) string {
	return s.prefix + ":decisions:" + id
}

func (s *RedisStore) failuresKey(id string) string {
	return s.prefix + ":failures:" + id
}

func (s *RedisStore) notificationsKey(id string) string {
	return s.prefix + ":notifications:" + id
}

// EnsureAccount registers the account and returns its watermark.
func (s *RedisStore) EnsureAccount(
	ctx context.Context,
	id, name string,
	initial uint32,
) (uint32, error) {
	key := s.accountKey(id)
	now := time.Now().UTC().Format(time.RFC3339Nano)

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSetNX(ctx, key, "last_checked_uid", initial)
		pipe.HSetNX(ctx, key, "updated_at", now)
		pipe.HSet(ctx, key, "name", name)
		pipe.SAdd(ctx, s.accountsKey(), id)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("ensuring account %s: %w", id, err)
	}

	return s.Watermark(ctx, id)
}

// Watermark returns the last checked UID of the account.
func (s *RedisStore) Watermark(ctx context.Context, id string) (uint32, error) {
	raw, err := s.client.HGet(ctx, s.accountKey(id), "last_checked_uid").Result()
	if errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("reading watermark of %s: %w", id, ErrUnknownAccount)
	}
	if err != nil {
		return 0, fmt.Errorf("reading watermark of %s: %w", id, err)
	}
	return parseUID(raw)
}

// SetWatermark raises the watermark atomically through a Lua script.
func (s *RedisStore) SetWatermark(ctx context.Context, id string, uid uint32) error {
	keys := []string{s.accountKey(id), s.decisionsKey(id), s.failuresKey(id)}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	err := setWatermarkScript.Run(ctx, s.client, keys, uid, now).Err()
	if err != nil {
		if err.Error() == "unknown account" {
			return fmt.Errorf("updating watermark of %s: %w", id, ErrUnknownAccount)
		}
		return fmt.Errorf("updating watermark of %s: %w", id, err)
	}
	return nil
}

// GetAccountStates lists every known account ordered by ID.
func (s *RedisStore) GetAccountStates(ctx context.Context) ([]model.AccountState, error) {
	ids, err := s.client.SMembers(ctx, s.accountsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("listing accounts: %w", err)
	}
	sort.Strings(ids)

	states := make([]model.AccountState, 0, len(ids))
	for _, id := range ids {
		fields, err := s.client.HGetAll(ctx, s.accountKey(id)).Result()
		if err != nil {
			return nil, fmt.Errorf("reading account %s: %w", id, err)
		}
		if len(fields) == 0 {
			continue
		}

		st := model.AccountState{ID: id, Name: fields["name"]}
		if st.LastCheckedUID, err = parseUID(fields["last_checked_uid"]); err != nil {
			return nil, fmt.Errorf("reading account %s: %w", id, err)
		}
		if ts, err := time.Parse(time.RFC3339Nano, fields["updated_at"]); err == nil {
			st.UpdatedAt = ts
		}
		states = append(states, st)
	}

	return states, nil
}

// MarkDecided records the decision for uid. The first decision wins.
func (s *RedisStore) MarkDecided(
	ctx context.Context,
	id string,
	uid uint32,
	d model.Decision,
) error {
	field := strconv.FormatUint(uint64(uid), 10)
	if err := s.client.HSetNX(ctx, s.decisionsKey(id), field, string(d)).Err(); err != nil {
		return fmt.Errorf("recording decision for %s uid %d: %w", id, uid, err)
	}
	return nil
}

// DecidedAbove returns the decisions recorded for UIDs above watermark.
func (s *RedisStore) DecidedAbove(
	ctx context.Context,
	id string,
	watermark uint32,
) (map[uint32]model.Decision, error) {
	fields, err := s.client.HGetAll(ctx, s.decisionsKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("querying decisions of %s: %w", id, err)
	}

	decided := make(map[uint32]model.Decision, len(fields))
	for field, value := range fields {
		uid, err := parseUID(field)
		if err != nil {
			return nil, fmt.Errorf("querying decisions of %s: %w", id, err)
		}
		if uid > watermark {
			decided[uid] = model.Decision(value)
		}
	}
	return decided, nil
}

// RecordFetchFailure bumps the attempt counter of uid.
func (s *RedisStore) RecordFetchFailure(
	ctx context.Context,
	id string,
	uid uint32,
	reason string,
) (int, error) {
	field := strconv.FormatUint(uint64(uid), 10)
	attempts, err := s.client.HIncrBy(ctx, s.failuresKey(id), field, 1).Result()
	if err != nil {
		return 0, fmt.Errorf("recording fetch failure for %s uid %d: %w", id, uid, err)
	}
	return int(attempts), nil
}

// ClearFetchFailure forgets the failure history of uid.
func (s *RedisStore) ClearFetchFailure(ctx context.Context, id string, uid uint32) error {
	field := strconv.FormatUint(uint64(uid), 10)
	if err := s.client.HDel(ctx, s.failuresKey(id), field).Err(); err != nil {
		return fmt.Errorf("clearing fetch failure for %s uid %d: %w", id, uid, err)
	}
	return nil
}

// CreateNotification prepends the entry to the account's capped log.
func (s *RedisStore) CreateNotification(
	ctx context.Context,
	n model.Notification,
) error {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	n.CreatedAt = n.CreatedAt.UTC()

	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshaling notification: %w", err)
	}

	key := s.notificationsKey(n.AccountID)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, key, payload)
		pipe.LTrim(ctx, key, 0, maxNotifications-1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("creating notification: %w", err)
	}
	return nil
}

// GetNotifications retrieves delivery log entries, newest first.
func (s *RedisStore) GetNotifications(
	ctx context.Context,
	filter NotificationFilter,
) ([]model.Notification, error) {
	ids := []string{filter.AccountID}
	if filter.AccountID == "" {
		var err error
		if ids, err = s.client.SMembers(ctx, s.accountsKey()).Result(); err != nil {
			return nil, fmt.Errorf("listing accounts: %w", err)
		}
	}

	var notifications []model.Notification
	for _, id := range ids {
		items, err := s.client.LRange(ctx, s.notificationsKey(id), 0, -1).Result()
		if err != nil {
			return nil, fmt.Errorf("querying notifications of %s: %w", id, err)
		}
		for _, item := range items {
			var n model.Notification
			if err := json.Unmarshal([]byte(item), &n); err != nil {
				return nil, fmt.Errorf("unmarshaling notification: %w", err)
			}
			notifications = append(notifications, n)
		}
	}

	sort.SliceStable(notifications, func(i, j int) bool {
		return notifications[i].CreatedAt.After(notifications[j].CreatedAt)
	})
	if filter.Limit > 0 && len(notifications) > filter.Limit {
		notifications = notifications[:filter.Limit]
	}

	return notifications, nil
}

func parseUID(raw string) (uint32, error) {
	v, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("parsing uid %q: %w", raw, err)
	}
	return uint32(v), nil
}
