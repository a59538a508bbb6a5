// Package trace implements the expiring, size-bounded, per-owner record of
// script executions. Each owner (script, schedule, trigger, webhook) has a
// capped list of traces in Redis; entries evicted from the hot list keep a
// short residual TTL before disappearing entirely.
package trace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Syncano/scriptbox/internal/model"
)

// ErrNotFound is returned when a trace does not exist or has expired.
var ErrNotFound = errors.New("trace not found")

// DeferResult names the heavy result field omitted from cheap list views.
const DeferResult = "result"

// ListOptions controls cursor-based trace listing.
type ListOptions struct {
	// Cursor is the id to page from, exclusive. Zero starts from the edge.
	Cursor int64
	Limit  int
	// Desc pages from newest to oldest.
	Desc bool
	// Defer lists fields omitted from each entry (currently "result").
	Defer []string
}

// Store defines trace persistence. Create assigns ids; Update is optimistic
// and a no-op when the trace is no longer in the expected status.
type Store interface {
	Create(ctx context.Context, owner string, tr *model.Trace) error
	Update(ctx context.Context, owner string, id int64, expectedStatus string, mutate func(*model.Trace)) (bool, error)
	Get(ctx context.Context, owner string, id int64) (*model.Trace, error)
	List(ctx context.Context, owner string, opts ListOptions) ([]*model.Trace, error)
}

// Options configures trace retention.
type Options struct {
	// Cap bounds each owner's hot list.
	Cap int
	// TTL is the full lifetime of a trace body.
	TTL time.Duration
	// TrimmedTTL is the residual lifetime of entries evicted from the hot list.
	TrimmedTTL time.Duration
}

// Compile-time interface satisfaction check.
var _ Store = (*RedisStore)(nil)

// RedisStore implements Store on Redis.
type RedisStore struct {
	client *redis.Client
	opts   Options
}

// NewRedisStore creates a trace store with the given retention options.
func NewRedisStore(client *redis.Client, opts Options) *RedisStore {
	return &RedisStore{client: client, opts: opts}
}

// casScript updates a trace body only if its current status matches the
// expected value, keeping the key's TTL. Returns 1 on update, 0 on mismatch
// or missing key.
var casScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then
  return 0
end
local t = cjson.decode(raw)
if t.status ~= ARGV[1] then
  return 0
end
redis.call('SET', KEYS[1], ARGV[2], 'KEEPTTL')
return 1
`)

func bodyKey(owner string, id int64) string {
	return fmt.Sprintf("trace:%s:%d", owner, id)
}

func listKey(owner string) string {
	return "trace:list:" + owner
}

func seqKey(owner string) string {
	return "trace:seq:" + owner
}

// Create assigns the next per-owner id, stores the trace body with the full
// TTL and indexes it in the owner's hot list, evicting entries beyond the
// cap onto the residual TTL.
func (s *RedisStore) Create(ctx context.Context, owner string, tr *model.Trace) error {
	id, err := s.client.Incr(ctx, seqKey(owner)).Result()
	if err != nil {
		return fmt.Errorf("next trace id: %w", err)
	}
	tr.ID = id

	raw, err := json.Marshal(tr)
	if err != nil {
		return fmt.Errorf("marshal trace: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, bodyKey(owner, id), raw, s.opts.TTL)
	pipe.ZAdd(ctx, listKey(owner), redis.Z{Score: float64(id), Member: strconv.FormatInt(id, 10)})
	pipe.Expire(ctx, listKey(owner), s.opts.TTL)
	pipe.Expire(ctx, seqKey(owner), s.opts.TTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store trace: %w", err)
	}

	return s.trim(ctx, owner)
}

// trim evicts the oldest entries beyond the cap from the hot list, leaving
// their bodies retrievable by id for the residual TTL.
func (s *RedisStore) trim(ctx context.Context, owner string) error {
	count, err := s.client.ZCard(ctx, listKey(owner)).Result()
	if err != nil {
		return fmt.Errorf("trace list size: %w", err)
	}
	excess := count - int64(s.opts.Cap)
	if excess <= 0 {
		return nil
	}

	oldest, err := s.client.ZRange(ctx, listKey(owner), 0, excess-1).Result()
	if err != nil {
		return fmt.Errorf("oldest traces: %w", err)
	}

	pipe := s.client.Pipeline()
	for _, member := range oldest {
		id, err := strconv.ParseInt(member, 10, 64)
		if err != nil {
			continue
		}
		pipe.ZRem(ctx, listKey(owner), member)
		pipe.Expire(ctx, bodyKey(owner, id), s.opts.TrimmedTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("trim trace list: %w", err)
	}
	return nil
}

// Update applies mutate to the trace and writes it back only if the trace is
// still in expectedStatus, reporting whether the write happened. A stale
// worker observing a later state becomes a no-op instead of overwriting it.
func (s *RedisStore) Update(ctx context.Context, owner string, id int64, expectedStatus string, mutate func(*model.Trace)) (bool, error) {
	tr, err := s.Get(ctx, owner, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if tr.Status != expectedStatus {
		return false, nil
	}

	mutate(tr)
	if tr.Status != expectedStatus && !model.ValidTransition(expectedStatus, tr.Status) {
		return false, fmt.Errorf("invalid status transition %s -> %s", expectedStatus, tr.Status)
	}

	raw, err := json.Marshal(tr)
	if err != nil {
		return false, fmt.Errorf("marshal trace: %w", err)
	}

	n, err := casScript.Run(ctx, s.client, []string{bodyKey(owner, id)}, expectedStatus, raw).Int()
	if err != nil {
		return false, fmt.Errorf("cas trace: %w", err)
	}
	return n == 1, nil
}

// Get retrieves one trace by owner and id, including entries trimmed from
// the hot list that are still within their residual TTL.
func (s *RedisStore) Get(ctx context.Context, owner string, id int64) (*model.Trace, error) {
	raw, err := s.client.Get(ctx, bodyKey(owner, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get trace: %w", err)
	}

	tr := &model.Trace{}
	if err := json.Unmarshal(raw, tr); err != nil {
		return nil, fmt.Errorf("unmarshal trace: %w", err)
	}
	return tr, nil
}

// List pages the owner's hot list by id in either direction. Entries whose
// bodies expired mid-listing are skipped.
func (s *RedisStore) List(ctx context.Context, owner string, opts ListOptions) ([]*model.Trace, error) {
	if opts.Limit <= 0 {
		opts.Limit = 20
	}

	rangeBy := &redis.ZRangeBy{Count: int64(opts.Limit)}
	if opts.Desc {
		rangeBy.Min = "-inf"
		rangeBy.Max = "+inf"
		if opts.Cursor > 0 {
			rangeBy.Max = "(" + strconv.FormatInt(opts.Cursor, 10)
		}
	} else {
		rangeBy.Max = "+inf"
		rangeBy.Min = "(" + strconv.FormatInt(opts.Cursor, 10)
	}

	var members []string
	var err error
	if opts.Desc {
		members, err = s.client.ZRevRangeByScore(ctx, listKey(owner), rangeBy).Result()
	} else {
		members, err = s.client.ZRangeByScore(ctx, listKey(owner), rangeBy).Result()
	}
	if err != nil {
		return nil, fmt.Errorf("range trace list: %w", err)
	}
	if len(members) == 0 {
		return []*model.Trace{}, nil
	}

	keys := make([]string, len(members))
	for i, member := range members {
		id, err := strconv.ParseInt(member, 10, 64)
		if err != nil {
			continue
		}
		keys[i] = bodyKey(owner, id)
	}

	raws, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("fetch trace bodies: %w", err)
	}

	deferResult := false
	for _, f := range opts.Defer {
		if f == DeferResult {
			deferResult = true
		}
	}

	traces := make([]*model.Trace, 0, len(raws))
	for _, raw := range raws {
		str, ok := raw.(string)
		if !ok {
			continue
		}
		tr := &model.Trace{}
		if err := json.Unmarshal([]byte(str), tr); err != nil {
			continue
		}
		if deferResult {
			tr.Result = nil
		}
		traces = append(traces, tr)
	}
	return traces, nil
}
