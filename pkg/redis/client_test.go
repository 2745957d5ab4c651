package redis

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestFixedWindowAllow(t *testing.T) {
	ctx := context.Background()
	mock := newMockCmdable()
	client := &Client{store: mock}

	allowed, count, err := client.FixedWindowAllow(ctx, "test-scope", 2, time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !allowed {
		t.Fatalf("expected allowed on first request")
	}
	if count != 1 {
		t.Fatalf("expected counter 1 got %d", count)
	}
	if len(mock.expireCalls) != 1 {
		t.Fatalf("expected expire for first increment")
	}

	allowed, count, err = client.FixedWindowAllow(ctx, "test-scope", 2, time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !allowed || count != 2 {
		t.Fatalf("unexpected second call state allowed=%v count=%d", allowed, count)
	}
	if len(mock.expireCalls) != 1 {
		t.Fatalf("expire should not be set again")
	}

	allowed, _, err = client.FixedWindowAllow(ctx, "test-scope", 2, time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if allowed {
		t.Fatalf("expected limit reached")
	}
}

func TestHashCounters(t *testing.T) {
	ctx := context.Background()
	mock := newMockCmdable()
	client := &Client{store: mock}

	if err := client.HSet(ctx, "bulk:batch:status:b1", "status", "IN_PROGRESS", "processed", "0"); err != nil {
		t.Fatalf("hset failed: %v", err)
	}
	if _, err := client.HIncrBy(ctx, "bulk:batch:status:b1", "processed", 2); err != nil {
		t.Fatalf("hincrby failed: %v", err)
	}
	fields, err := client.HGetAll(ctx, "bulk:batch:status:b1")
	if err != nil {
		t.Fatalf("hgetall failed: %v", err)
	}
	if fields["status"] != "IN_PROGRESS" {
		t.Fatalf("unexpected status %q", fields["status"])
	}
	if fields["processed"] != "2" {
		t.Fatalf("expected processed 2, got %q", fields["processed"])
	}

	created, err := client.HSetNX(ctx, "bulk:batch:status:b1", "status", "ACCEPTED")
	if err != nil {
		t.Fatalf("hsetnx failed: %v", err)
	}
	if created {
		t.Fatalf("hsetnx must not overwrite an existing field")
	}
}

func TestSetAndListCommands(t *testing.T) {
	ctx := context.Background()
	mock := newMockCmdable()
	client := &Client{store: mock}

	added, err := client.SAdd(ctx, "bulk:active-batches", "b1", "b2")
	if err != nil {
		t.Fatalf("sadd failed: %v", err)
	}
	if added != 2 {
		t.Fatalf("expected 2 new members, got %d", added)
	}
	added, err = client.SAdd(ctx, "bulk:active-batches", "b1")
	if err != nil {
		t.Fatalf("sadd failed: %v", err)
	}
	if added != 0 {
		t.Fatalf("duplicate member must not count as new")
	}
	card, err := client.SCard(ctx, "bulk:active-batches")
	if err != nil || card != 2 {
		t.Fatalf("expected cardinality 2, got %d err=%v", card, err)
	}
	if err := client.SRem(ctx, "bulk:active-batches", "b2"); err != nil {
		t.Fatalf("srem failed: %v", err)
	}
	members, err := client.SMembers(ctx, "bulk:active-batches")
	if err != nil || len(members) != 1 || members[0] != "b1" {
		t.Fatalf("unexpected members %v err=%v", members, err)
	}

	if err := client.RPush(ctx, "bulk:batch:failures:b1", `{"line":4}`, `{"line":9}`); err != nil {
		t.Fatalf("rpush failed: %v", err)
	}
	n, err := client.LLen(ctx, "bulk:batch:failures:b1")
	if err != nil || n != 2 {
		t.Fatalf("expected list length 2, got %d err=%v", n, err)
	}
	page, err := client.LRange(ctx, "bulk:batch:failures:b1", 0, 0)
	if err != nil || len(page) != 1 || page[0] != `{"line":4}` {
		t.Fatalf("unexpected page %v err=%v", page, err)
	}
}

func TestKeyBuilders(t *testing.T) {
	client := &Client{}
	if got := client.IdempotencyKey("scope", "id"); got != "opsdesk:idempotency:scope:id" {
		t.Fatalf("unexpected idempotency key %s", got)
	}
	if got := client.RateLimitKey("scope"); got != "opsdesk:rate_limit:scope" {
		t.Fatalf("unexpected rate limit key %s", got)
	}
	if got := client.CounterKey("hits"); got != "opsdesk:counter:hits" {
		t.Fatalf("unexpected counter key %s", got)
	}
}

type mockCmdable struct {
	data        map[string]string
	hashes      map[string]map[string]string
	sets        map[string]map[string]struct{}
	lists       map[string][]string
	incr        map[string]int64
	expireCalls []expireCall
}

type expireCall struct {
	key string
	ttl time.Duration
}

func newMockCmdable() *mockCmdable {
	return &mockCmdable{
		data:   make(map[string]string),
		hashes: make(map[string]map[string]string),
		sets:   make(map[string]map[string]struct{}),
		lists:  make(map[string][]string),
		incr:   make(map[string]int64),
	}
}

func (m *mockCmdable) Ping(context.Context) *redis.StatusCmd {
	return redis.NewStatusResult("PONG", nil)
}

func (m *mockCmdable) Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd {
	m.data[key] = fmt.Sprint(value)
	return redis.NewStatusResult("OK", nil)
}

func (m *mockCmdable) Get(ctx context.Context, key string) *redis.StringCmd {
	v, ok := m.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (m *mockCmdable) SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd {
	if _, exists := m.data[key]; exists {
		return redis.NewBoolResult(false, nil)
	}
	m.data[key] = fmt.Sprint(value)
	return redis.NewBoolResult(true, nil)
}

func (m *mockCmdable) Incr(ctx context.Context, key string) *redis.IntCmd {
	m.incr[key]++
	return redis.NewIntResult(m.incr[key], nil)
}

func (m *mockCmdable) Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd {
	m.expireCalls = append(m.expireCalls, expireCall{key: key, ttl: expiration})
	return redis.NewBoolResult(true, nil)
}

func (m *mockCmdable) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	for _, key := range keys {
		delete(m.data, key)
		delete(m.hashes, key)
		delete(m.sets, key)
		delete(m.lists, key)
	}
	return redis.NewIntResult(int64(len(keys)), nil)
}

func (m *mockCmdable) hash(key string) map[string]string {
	if m.hashes[key] == nil {
		m.hashes[key] = make(map[string]string)
	}
	return m.hashes[key]
}

func (m *mockCmdable) HSet(ctx context.Context, key string, values ...any) *redis.IntCmd {
	h := m.hash(key)
	var written int64
	for i := 0; i+1 < len(values); i += 2 {
		field := fmt.Sprint(values[i])
		if _, exists := h[field]; !exists {
			written++
		}
		h[field] = fmt.Sprint(values[i+1])
	}
	return redis.NewIntResult(written, nil)
}

func (m *mockCmdable) HSetNX(ctx context.Context, key, field string, value any) *redis.BoolCmd {
	h := m.hash(key)
	if _, exists := h[field]; exists {
		return redis.NewBoolResult(false, nil)
	}
	h[field] = fmt.Sprint(value)
	return redis.NewBoolResult(true, nil)
}

func (m *mockCmdable) HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd {
	out := make(map[string]string, len(m.hashes[key]))
	for k, v := range m.hashes[key] {
		out[k] = v
	}
	return redis.NewMapStringStringResult(out, nil)
}

func (m *mockCmdable) HIncrBy(ctx context.Context, key, field string, delta int64) *redis.IntCmd {
	h := m.hash(key)
	var current int64
	fmt.Sscan(h[field], &current)
	current += delta
	h[field] = fmt.Sprint(current)
	return redis.NewIntResult(current, nil)
}

func (m *mockCmdable) set(key string) map[string]struct{} {
	if m.sets[key] == nil {
		m.sets[key] = make(map[string]struct{})
	}
	return m.sets[key]
}

func (m *mockCmdable) SAdd(ctx context.Context, key string, members ...any) *redis.IntCmd {
	s := m.set(key)
	var added int64
	for _, member := range members {
		str := fmt.Sprint(member)
		if _, exists := s[str]; !exists {
			s[str] = struct{}{}
			added++
		}
	}
	return redis.NewIntResult(added, nil)
}

func (m *mockCmdable) SRem(ctx context.Context, key string, members ...any) *redis.IntCmd {
	s := m.set(key)
	var removed int64
	for _, member := range members {
		str := fmt.Sprint(member)
		if _, exists := s[str]; exists {
			delete(s, str)
			removed++
		}
	}
	return redis.NewIntResult(removed, nil)
}

func (m *mockCmdable) SMembers(ctx context.Context, key string) *redis.StringSliceCmd {
	members := make([]string, 0, len(m.sets[key]))
	for member := range m.sets[key] {
		members = append(members, member)
	}
	return redis.NewStringSliceResult(members, nil)
}

func (m *mockCmdable) SCard(ctx context.Context, key string) *redis.IntCmd {
	return redis.NewIntResult(int64(len(m.sets[key])), nil)
}

func (m *mockCmdable) RPush(ctx context.Context, key string, values ...any) *redis.IntCmd {
	for _, value := range values {
		m.lists[key] = append(m.lists[key], fmt.Sprint(value))
	}
	return redis.NewIntResult(int64(len(m.lists[key])), nil)
}

func (m *mockCmdable) LRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd {
	list := m.lists[key]
	n := int64(len(list))
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || start >= n {
		return redis.NewStringSliceResult(nil, nil)
	}
	out := make([]string, 0, stop-start+1)
	out = append(out, list[start:stop+1]...)
	return redis.NewStringSliceResult(out, nil)
}

func (m *mockCmdable) LLen(ctx context.Context, key string) *redis.IntCmd {
	return redis.NewIntResult(int64(len(m.lists[key])), nil)
}

func (m *mockCmdable) Eval(ctx context.Context, script string, keys []string, args ...any) *redis.Cmd {
	return redis.NewCmdResult(nil, nil)
}
