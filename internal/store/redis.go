package store

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v7"

	"pixelcanvas/internal/apperr"
)

// ownerDirectoryScript performs the account->id get-or-create as one atomic
// step: if account already has an id it is returned unchanged; otherwise the
// counter is incremented and both directions of the mapping are written.
// This is the "small two-write transaction using a scripted/atomic
// primitive" called for by the owner-directory design note.
const ownerDirectoryScript = `
local existing = redis.call('HGET', KEYS[1], ARGV[1])
if existing then
  return {tonumber(existing), 0}
end
local newid = redis.call('INCR', KEYS[3])
redis.call('HSET', KEYS[1], ARGV[1], newid)
redis.call('HSET', KEYS[2], tostring(newid), ARGV[1])
return {newid, 1}
`

// RedisStore implements KS against a Redis server via go-redis/v7, whose
// list/sorted-set/hash/set/pub-sub primitives map directly onto KS's data
// model.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore dials url (e.g. "redis://host:6379/0") and verifies
// connectivity with a PING.
func NewRedisStore(url string) (*RedisStore, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, apperr.New(apperr.KindQueueTransient, "store.NewRedisStore", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping().Err(); err != nil {
		return nil, apperr.New(apperr.KindQueueTransient, "store.NewRedisStore", err)
	}
	return &RedisStore{client: client}, nil
}

func (s *RedisStore) Close() error { return s.client.Close() }

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := s.client.WithContext(ctx).Get(key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.New(apperr.KindQueueTransient, "store.Get", err)
	}
	return b, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, val []byte) error {
	if err := s.client.WithContext(ctx).Set(key, val, 0).Err(); err != nil {
		return apperr.New(apperr.KindQueueTransient, "store.Set", err)
	}
	return nil
}

func (s *RedisStore) LPush(ctx context.Context, key string, val []byte) error {
	if err := s.client.WithContext(ctx).LPush(key, val).Err(); err != nil {
		return apperr.New(apperr.KindQueueTransient, "store.LPush", err)
	}
	return nil
}

func (s *RedisStore) BRPopLPush(ctx context.Context, src, dst string, timeout time.Duration) ([]byte, error) {
	b, err := s.client.WithContext(ctx).BRPopLPush(src, dst, timeout).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.New(apperr.KindQueueTransient, "store.BRPopLPush", err)
	}
	return b, nil
}

func (s *RedisStore) LRem(ctx context.Context, key string, count int, val []byte) error {
	if err := s.client.WithContext(ctx).LRem(key, int64(count), val).Err(); err != nil {
		return apperr.New(apperr.KindQueueTransient, "store.LRem", err)
	}
	return nil
}

func (s *RedisStore) LRange(ctx context.Context, key string, start, stop int64) ([][]byte, error) {
	vals, err := s.client.WithContext(ctx).LRange(key, start, stop).Result()
	if err != nil {
		return nil, apperr.New(apperr.KindQueueTransient, "store.LRange", err)
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out, nil
}

func (s *RedisStore) Len(ctx context.Context, key string) (int64, error) {
	n, err := s.client.WithContext(ctx).LLen(key).Result()
	if err != nil {
		return 0, apperr.New(apperr.KindQueueTransient, "store.Len", err)
	}
	return n, nil
}

func (s *RedisStore) HGet(ctx context.Context, key, field string) ([]byte, bool, error) {
	b, err := s.client.WithContext(ctx).HGet(key, field).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, apperr.New(apperr.KindQueueTransient, "store.HGet", err)
	}
	return b, true, nil
}

func (s *RedisStore) HSet(ctx context.Context, key, field string, val []byte) error {
	if err := s.client.WithContext(ctx).HSet(key, field, val).Err(); err != nil {
		return apperr.New(apperr.KindQueueTransient, "store.HSet", err)
	}
	return nil
}

func (s *RedisStore) ZAdd(ctx context.Context, key string, member string, score float64) error {
	z := &redis.Z{Score: score, Member: member}
	if err := s.client.WithContext(ctx).ZAdd(key, z).Err(); err != nil {
		return apperr.New(apperr.KindQueueTransient, "store.ZAdd", err)
	}
	return nil
}

func (s *RedisStore) ZScore(ctx context.Context, key, member string) (float64, bool, error) {
	score, err := s.client.WithContext(ctx).ZScore(key, member).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, apperr.New(apperr.KindQueueTransient, "store.ZScore", err)
	}
	return score, true, nil
}

func (s *RedisStore) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]ScoredMember, error) {
	res, err := s.client.WithContext(ctx).ZRangeByScoreWithScores(key, &redis.ZRangeBy{
		Min: formatScore(min),
		Max: formatScore(max),
	}).Result()
	if err != nil {
		return nil, apperr.New(apperr.KindQueueTransient, "store.ZRangeByScore", err)
	}
	out := make([]ScoredMember, 0, len(res))
	for _, z := range res {
		member, _ := z.Member.(string)
		out = append(out, ScoredMember{Member: member, Score: z.Score})
	}
	return out, nil
}

func (s *RedisStore) ZRemRangeByScore(ctx context.Context, key string, min, max float64) error {
	if err := s.client.WithContext(ctx).ZRemRangeByScore(key, formatScore(min), formatScore(max)).Err(); err != nil {
		return apperr.New(apperr.KindQueueTransient, "store.ZRemRangeByScore", err)
	}
	return nil
}

func (s *RedisStore) SAdd(ctx context.Context, key string, member string) (bool, error) {
	n, err := s.client.WithContext(ctx).SAdd(key, member).Result()
	if err != nil {
		return false, apperr.New(apperr.KindQueueTransient, "store.SAdd", err)
	}
	return n > 0, nil
}

func (s *RedisStore) SMembers(ctx context.Context, key string) ([]string, error) {
	vals, err := s.client.WithContext(ctx).SMembers(key).Result()
	if err != nil {
		return nil, apperr.New(apperr.KindQueueTransient, "store.SMembers", err)
	}
	return vals, nil
}

func (s *RedisStore) SIsMember(ctx context.Context, key string, member string) (bool, error) {
	ok, err := s.client.WithContext(ctx).SIsMember(key, member).Result()
	if err != nil {
		return false, apperr.New(apperr.KindQueueTransient, "store.SIsMember", err)
	}
	return ok, nil
}

func (s *RedisStore) OwnerDirectory(ctx context.Context, account string) (uint32, bool, error) {
	res, err := s.client.WithContext(ctx).Eval(ownerDirectoryScript,
		[]string{KeyAccountToID, KeyIDToAccount, KeyNextOwnerID}, account).Result()
	if err != nil {
		return 0, false, apperr.New(apperr.KindQueueTransient, "store.OwnerDirectory", err)
	}
	pair, ok := res.([]interface{})
	if !ok || len(pair) != 2 {
		return 0, false, apperr.New(apperr.KindStateInconsistent, "store.OwnerDirectory",
			fmt.Errorf("unexpected script result: %#v", res))
	}
	id, ok1 := pair[0].(int64)
	created, ok2 := pair[1].(int64)
	if !ok1 || !ok2 {
		return 0, false, apperr.New(apperr.KindStateInconsistent, "store.OwnerDirectory",
			fmt.Errorf("unexpected script result types: %#v", res))
	}
	return uint32(id), created != 0, nil
}

func (s *RedisStore) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := s.client.WithContext(ctx).Publish(channel, payload).Err(); err != nil {
		return apperr.New(apperr.KindQueueTransient, "store.Publish", err)
	}
	return nil
}

func (s *RedisStore) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	pubsub := s.client.WithContext(ctx).Subscribe(channel)
	if _, err := pubsub.Receive(); err != nil {
		return nil, apperr.New(apperr.KindQueueTransient, "store.Subscribe", err)
	}
	out := make(chan []byte, 64)
	go func() {
		defer close(out)
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func formatScore(f float64) string {
	return fmt.Sprintf("%f", f)
}
