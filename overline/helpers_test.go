package overline

import (
	"context"
	"errors"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"
)

// memStore is a minimal DurableStore for package tests.
type memStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{data: make(map[string][]byte)}
}

func (s *memStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	return slices.Clone(v), ok, nil
}

func (s *memStore) Set(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = slices.Clone(value)
	return nil
}

func (s *memStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func (s *memStore) Keys(_ context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

var errInjected = errors.New("injected storage failure")

// faultStore wraps a store and fails writes chosen by the test, simulating a crash or a
// full disk at a precise step.
type faultStore struct {
	*memStore
	mu       sync.Mutex
	failSet  func(key string) bool
	failDel  func(key string) bool
	setCalls []string
}

func newFaultStore() *faultStore {
	return &faultStore{memStore: newMemStore()}
}

func (s *faultStore) Set(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	s.setCalls = append(s.setCalls, key)
	fail := s.failSet != nil && s.failSet(key)
	s.mu.Unlock()
	if fail {
		return errInjected
	}
	return s.memStore.Set(ctx, key, value)
}

func (s *faultStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	fail := s.failDel != nil && s.failDel(key)
	s.mu.Unlock()
	if fail {
		return errInjected
	}
	return s.memStore.Delete(ctx, key)
}

func (s *faultStore) setFailSet(f func(key string) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failSet = f
}

// fakeTransport records requests and answers from a per-entity script.
type fakeTransport struct {
	mu      sync.Mutex
	sent    []MutationRequest
	respond func(req MutationRequest) (MutationResult, error)
	block   chan struct{} // when set, Send waits for it (or ctx) before answering
	started chan string   // receives idempotency keys as sends start
}

func (f *fakeTransport) Send(ctx context.Context, req MutationRequest) (MutationResult, error) {
	f.mu.Lock()
	f.sent = append(f.sent, req)
	respond, block, started := f.respond, f.block, f.started
	f.mu.Unlock()

	if started != nil {
		started <- req.IdempotencyKey
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return MutationResult{}, ctx.Err()
		}
	}
	if respond != nil {
		return respond(req)
	}
	return MutationResult{TargetEntity: req.TargetEntity, Data: req.Payload}, nil
}

func (f *fakeTransport) requests() []MutationRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.sent)
}

func (f *fakeTransport) entities() []string {
	var out []string
	for _, r := range f.requests() {
		out = append(out, r.TargetEntity)
	}
	return out
}

// manualClock is a settable time source.
type manualClock struct {
	mu sync.Mutex
	t  time.Time
}

func newManualClock(t time.Time) *manualClock {
	return &manualClock{t: t}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}
