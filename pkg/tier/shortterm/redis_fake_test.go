package shortterm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

var errFakeRedisDown = errors.New("fake redis unavailable")

type fakeZMember struct {
	member string
	score  float64
}

// fakeRedis implements the subset of redis.Cmdable the adapter uses. Keys
// never expire; TTLs are recorded for inspection.
type fakeRedis struct {
	redis.Cmdable

	mu     sync.Mutex
	values map[string]string
	ttls   map[string]time.Duration
	hashes map[string]map[string]string
	zsets  map[string][]fakeZMember
	down   atomic.Bool
}

func newFakeRedis(t *testing.T) *fakeRedis {
	t.Helper()
	return &fakeRedis{
		values: make(map[string]string),
		ttls:   make(map[string]time.Duration),
		hashes: make(map[string]map[string]string),
		zsets:  make(map[string][]fakeZMember),
	}
}

func (f *fakeRedis) SetDown(down bool) {
	f.down.Store(down)
}

func (f *fakeRedis) RecordedTTL(key string) time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ttls[key]
}

func (f *fakeRedis) Ping(_ context.Context) *redis.StatusCmd {
	if f.down.Load() {
		return redis.NewStatusResult("", errFakeRedisDown)
	}
	return redis.NewStatusResult("PONG", nil)
}

func (f *fakeRedis) Get(_ context.Context, key string) *redis.StringCmd {
	if f.down.Load() {
		return redis.NewStringResult("", errFakeRedisDown)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.values[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeRedis) Set(_ context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	if f.down.Load() {
		return redis.NewStatusResult("", errFakeRedisDown)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[key] = normalize(value)
	if expiration != redis.KeepTTL {
		f.ttls[key] = expiration
	}
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Del(_ context.Context, keys ...string) *redis.IntCmd {
	if f.down.Load() {
		return redis.NewIntResult(0, errFakeRedisDown)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, key := range keys {
		if _, ok := f.values[key]; ok {
			delete(f.values, key)
			delete(f.ttls, key)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func (f *fakeRedis) HGet(_ context.Context, key, field string) *redis.StringCmd {
	if f.down.Load() {
		return redis.NewStringResult("", errFakeRedisDown)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.hashes[key][field]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeRedis) HSet(_ context.Context, key string, values ...interface{}) *redis.IntCmd {
	if f.down.Load() {
		return redis.NewIntResult(0, errFakeRedisDown)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.hashes[key]
	if !ok {
		h = make(map[string]string)
		f.hashes[key] = h
	}
	var added int64
	for i := 0; i+1 < len(values); i += 2 {
		field := normalize(values[i])
		if _, exists := h[field]; !exists {
			added++
		}
		h[field] = normalize(values[i+1])
	}
	return redis.NewIntResult(added, nil)
}

func (f *fakeRedis) HDel(_ context.Context, key string, fields ...string) *redis.IntCmd {
	if f.down.Load() {
		return redis.NewIntResult(0, errFakeRedisDown)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, field := range fields {
		if _, ok := f.hashes[key][field]; ok {
			delete(f.hashes[key], field)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func (f *fakeRedis) HGetAll(_ context.Context, key string) *redis.MapStringStringCmd {
	if f.down.Load() {
		return redis.NewMapStringStringResult(nil, errFakeRedisDown)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]string, len(f.hashes[key]))
	for k, v := range f.hashes[key] {
		out[k] = v
	}
	return redis.NewMapStringStringResult(out, nil)
}

func (f *fakeRedis) ZAdd(_ context.Context, key string, members ...redis.Z) *redis.IntCmd {
	if f.down.Load() {
		return redis.NewIntResult(0, errFakeRedisDown)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	set := f.zsets[key]
	var added int64
	for _, m := range members {
		name := normalize(m.Member)
		found := false
		for i := range set {
			if set[i].member == name {
				set[i].score = m.Score
				found = true
				break
			}
		}
		if !found {
			set = append(set, fakeZMember{member: name, score: m.Score})
			added++
		}
	}
	f.zsets[key] = set
	return redis.NewIntResult(added, nil)
}

func (f *fakeRedis) ZRem(_ context.Context, key string, members ...interface{}) *redis.IntCmd {
	if f.down.Load() {
		return redis.NewIntResult(0, errFakeRedisDown)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	drop := make(map[string]bool, len(members))
	for _, m := range members {
		drop[normalize(m)] = true
	}
	set := f.zsets[key]
	kept := set[:0]
	var n int64
	for _, m := range set {
		if drop[m.member] {
			n++
			continue
		}
		kept = append(kept, m)
	}
	f.zsets[key] = kept
	return redis.NewIntResult(n, nil)
}

func (f *fakeRedis) ZCard(_ context.Context, key string) *redis.IntCmd {
	if f.down.Load() {
		return redis.NewIntResult(0, errFakeRedisDown)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return redis.NewIntResult(int64(len(f.zsets[key])), nil)
}

func (f *fakeRedis) ZPopMin(_ context.Context, key string, count ...int64) *redis.ZSliceCmd {
	if f.down.Load() {
		return redis.NewZSliceCmdResult(nil, errFakeRedisDown)
	}
	n := int64(1)
	if len(count) > 0 && count[0] > 0 {
		n = count[0]
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	set := f.zsets[key]
	sort.Slice(set, func(i, j int) bool {
		if set[i].score == set[j].score {
			return set[i].member < set[j].member
		}
		return set[i].score < set[j].score
	})
	if int64(len(set)) < n {
		n = int64(len(set))
	}
	out := make([]redis.Z, 0, n)
	for _, m := range set[:n] {
		out = append(out, redis.Z{Member: m.member, Score: m.score})
	}
	f.zsets[key] = set[n:]
	return redis.NewZSliceCmdResult(out, nil)
}

func normalize(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case []byte:
		return string(val)
	default:
		return fmt.Sprint(val)
	}
}
