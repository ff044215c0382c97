// Package testutil provides in-memory fakes for unit tests that need
// JetStream KV semantics without a running NATS server.
package testutil

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// FakeKeyValue is a stateful in-memory implementation of jetstream.KeyValue.
// It tracks revisions, honors Create/Update CAS semantics, and feeds
// watchers created through Watch/WatchAll. Not a full emulation: history
// depth is 1 and per-bucket TTL is not applied automatically (use
// ExpireKey to simulate server-side expiry).
type FakeKeyValue struct {
	mu       sync.RWMutex
	name     string
	revision uint64
	data     map[string]*fakeEntry
	watchers []*fakeWatcher

	// FailNext, when set, makes the next Get or mutating operation return
	// the error, then clears itself
	FailNext error
}

type fakeEntry struct {
	key      string
	value    []byte
	revision uint64
	created  time.Time
	op       jetstream.KeyValueOp
}

// NewFakeKeyValue creates an empty fake bucket with the given name
func NewFakeKeyValue(name string) *FakeKeyValue {
	return &FakeKeyValue{
		name: name,
		data: make(map[string]*fakeEntry),
	}
}

func (f *FakeKeyValue) takeFailure() error {
	err := f.FailNext
	f.FailNext = nil
	return err
}

func (f *FakeKeyValue) nextRevision() uint64 {
	f.revision++
	return f.revision
}

func (f *FakeKeyValue) notify(e *fakeEntry) {
	for _, w := range f.watchers {
		w.send(f.entryView(e))
	}
}

func (f *FakeKeyValue) entryView(e *fakeEntry) jetstream.KeyValueEntry {
	return &fakeKVEntry{
		bucket:   f.name,
		key:      e.key,
		value:    append([]byte(nil), e.value...),
		revision: e.revision,
		created:  e.created,
		op:       e.op,
	}
}

// Get returns the latest live entry for key
func (f *FakeKeyValue) Get(_ context.Context, key string) (jetstream.KeyValueEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.takeFailure(); err != nil {
		return nil, err
	}

	e, ok := f.data[key]
	if !ok || e.op != jetstream.KeyValuePut {
		return nil, jetstream.ErrKeyNotFound
	}
	return f.entryView(e), nil
}

// GetRevision returns the entry only if its revision matches
func (f *FakeKeyValue) GetRevision(_ context.Context, key string, revision uint64) (jetstream.KeyValueEntry, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	e, ok := f.data[key]
	if !ok || e.op != jetstream.KeyValuePut || e.revision != revision {
		return nil, jetstream.ErrKeyNotFound
	}
	return f.entryView(e), nil
}

// Put writes value under key, assigning a new revision
func (f *FakeKeyValue) Put(_ context.Context, key string, value []byte) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.takeFailure(); err != nil {
		return 0, err
	}

	e := &fakeEntry{
		key:      key,
		value:    append([]byte(nil), value...),
		revision: f.nextRevision(),
		created:  time.Now(),
		op:       jetstream.KeyValuePut,
	}
	f.data[key] = e
	f.notify(e)
	return e.revision, nil
}

// PutString writes a string value under key
func (f *FakeKeyValue) PutString(ctx context.Context, key string, value string) (uint64, error) {
	return f.Put(ctx, key, []byte(value))
}

// Create writes only if the key does not exist (or was deleted)
func (f *FakeKeyValue) Create(ctx context.Context, key string, value []byte, _ ...jetstream.KVCreateOpt) (uint64, error) {
	f.mu.Lock()
	if err := f.takeFailure(); err != nil {
		f.mu.Unlock()
		return 0, err
	}
	if e, ok := f.data[key]; ok && e.op == jetstream.KeyValuePut {
		f.mu.Unlock()
		return 0, jetstream.ErrKeyExists
	}
	f.mu.Unlock()
	return f.Put(ctx, key, value)
}

// Update performs a CAS write against the expected revision
func (f *FakeKeyValue) Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error) {
	f.mu.Lock()
	if err := f.takeFailure(); err != nil {
		f.mu.Unlock()
		return 0, err
	}
	e, ok := f.data[key]
	if !ok || e.op != jetstream.KeyValuePut || e.revision != revision {
		f.mu.Unlock()
		return 0, jetstream.ErrKeyExists
	}
	f.mu.Unlock()
	return f.Put(ctx, key, value)
}

// Delete marks the key as deleted
func (f *FakeKeyValue) Delete(_ context.Context, key string, _ ...jetstream.KVDeleteOpt) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.takeFailure(); err != nil {
		return err
	}

	e, ok := f.data[key]
	if !ok || e.op != jetstream.KeyValuePut {
		return jetstream.ErrKeyNotFound
	}

	del := &fakeEntry{
		key:      key,
		revision: f.nextRevision(),
		created:  time.Now(),
		op:       jetstream.KeyValueDelete,
	}
	f.data[key] = del
	f.notify(del)
	return nil
}

// Purge removes the key entirely
func (f *FakeKeyValue) Purge(_ context.Context, key string, _ ...jetstream.KVDeleteOpt) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	purge := &fakeEntry{
		key:      key,
		revision: f.nextRevision(),
		created:  time.Now(),
		op:       jetstream.KeyValuePurge,
	}
	delete(f.data, key)
	f.notify(purge)
	return nil
}

// ExpireKey simulates server-side TTL expiry: the key vanishes without a
// delete marker being observed by new reads
func (f *FakeKeyValue) ExpireKey(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.data, key)
}

// Keys lists all live keys
func (f *FakeKeyValue) Keys(_ context.Context, _ ...jetstream.WatchOpt) ([]string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	keys := []string{}
	for k, e := range f.data {
		if e.op == jetstream.KeyValuePut {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return nil, jetstream.ErrNoKeysFound
	}
	return keys, nil
}

// ListKeys streams all live keys through a KeyLister
func (f *FakeKeyValue) ListKeys(ctx context.Context, opts ...jetstream.WatchOpt) (jetstream.KeyLister, error) {
	keys, err := f.Keys(ctx, opts...)
	if err != nil && err != jetstream.ErrNoKeysFound {
		return nil, err
	}

	ch := make(chan string, len(keys))
	for _, k := range keys {
		ch <- k
	}
	close(ch)
	return &fakeKeyLister{ch: ch}, nil
}

// ListKeysFiltered streams live keys matching any of the given prefixes
func (f *FakeKeyValue) ListKeysFiltered(ctx context.Context, filters ...string) (jetstream.KeyLister, error) {
	keys, err := f.Keys(ctx)
	if err != nil && err != jetstream.ErrNoKeysFound {
		return nil, err
	}

	ch := make(chan string, len(keys))
	for _, k := range keys {
		for _, filter := range filters {
			if matchSubject(filter, k) {
				ch <- k
				break
			}
		}
	}
	close(ch)
	return &fakeKeyLister{ch: ch}, nil
}

// History returns the latest entry only (history depth 1)
func (f *FakeKeyValue) History(_ context.Context, key string, _ ...jetstream.WatchOpt) ([]jetstream.KeyValueEntry, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	e, ok := f.data[key]
	if !ok {
		return nil, jetstream.ErrKeyNotFound
	}
	return []jetstream.KeyValueEntry{f.entryView(e)}, nil
}

// Watch returns a watcher for keys matching pattern. Current values are
// replayed first, followed by a nil marker, then live updates.
func (f *FakeKeyValue) Watch(_ context.Context, pattern string, _ ...jetstream.WatchOpt) (jetstream.KeyWatcher, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	w := &fakeWatcher{
		pattern: pattern,
		ch:      make(chan jetstream.KeyValueEntry, 256),
		fkv:     f,
	}

	for _, e := range f.data {
		if e.op == jetstream.KeyValuePut && matchSubject(pattern, e.key) {
			w.ch <- f.entryView(e)
		}
	}
	// nil marks the end of the initial replay, matching JetStream behavior
	w.ch <- nil

	f.watchers = append(f.watchers, w)
	return w, nil
}

// WatchAll watches every key in the bucket
func (f *FakeKeyValue) WatchAll(ctx context.Context, opts ...jetstream.WatchOpt) (jetstream.KeyWatcher, error) {
	return f.Watch(ctx, ">", opts...)
}

// WatchFiltered watches keys matching any of the given patterns
func (f *FakeKeyValue) WatchFiltered(ctx context.Context, keys []string, opts ...jetstream.WatchOpt) (jetstream.KeyWatcher, error) {
	if len(keys) == 1 {
		return f.Watch(ctx, keys[0], opts...)
	}
	return f.Watch(ctx, ">", opts...)
}

// PurgeDeletes removes all delete markers
func (f *FakeKeyValue) PurgeDeletes(_ context.Context, _ ...jetstream.KVPurgeOpt) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for k, e := range f.data {
		if e.op != jetstream.KeyValuePut {
			delete(f.data, k)
		}
	}
	return nil
}

// Status reports bucket statistics
func (f *FakeKeyValue) Status(_ context.Context) (jetstream.KeyValueStatus, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	live := 0
	for _, e := range f.data {
		if e.op == jetstream.KeyValuePut {
			live++
		}
	}
	return &fakeKVStatus{bucket: f.name, values: uint64(live)}, nil
}

// Bucket returns the bucket name
func (f *FakeKeyValue) Bucket() string {
	return f.name
}

// Len returns the number of live keys
func (f *FakeKeyValue) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()

	live := 0
	for _, e := range f.data {
		if e.op == jetstream.KeyValuePut {
			live++
		}
	}
	return live
}

// matchSubject implements NATS subject matching for KV key patterns
func matchSubject(pattern, key string) bool {
	if pattern == ">" {
		return true
	}
	pTokens := strings.Split(pattern, ".")
	kTokens := strings.Split(key, ".")

	for i, pt := range pTokens {
		if pt == ">" {
			return true
		}
		if i >= len(kTokens) {
			return false
		}
		if pt != "*" && pt != kTokens[i] {
			return false
		}
	}
	return len(pTokens) == len(kTokens)
}

type fakeKVEntry struct {
	bucket   string
	key      string
	value    []byte
	revision uint64
	created  time.Time
	op       jetstream.KeyValueOp
}

func (e *fakeKVEntry) Bucket() string                  { return e.bucket }
func (e *fakeKVEntry) Key() string                     { return e.key }
func (e *fakeKVEntry) Value() []byte                   { return e.value }
func (e *fakeKVEntry) Revision() uint64                { return e.revision }
func (e *fakeKVEntry) Created() time.Time              { return e.created }
func (e *fakeKVEntry) Delta() uint64                   { return 0 }
func (e *fakeKVEntry) Operation() jetstream.KeyValueOp { return e.op }

type fakeWatcher struct {
	pattern string
	ch      chan jetstream.KeyValueEntry
	stopped bool
	mu      sync.Mutex
	fkv     *FakeKeyValue
}

func (w *fakeWatcher) send(e jetstream.KeyValueEntry) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped || !matchSubject(w.pattern, e.Key()) {
		return
	}
	select {
	case w.ch <- e:
	default:
		// Watcher buffer full, drop. Tests should drain their watchers.
	}
}

func (w *fakeWatcher) Updates() <-chan jetstream.KeyValueEntry { return w.ch }

func (w *fakeWatcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.stopped {
		w.stopped = true
		close(w.ch)
	}
	return nil
}

type fakeKeyLister struct {
	ch chan string
}

func (l *fakeKeyLister) Keys() <-chan string { return l.ch }
func (l *fakeKeyLister) Stop() error         { return nil }

type fakeKVStatus struct {
	bucket string
	values uint64
}

func (s *fakeKVStatus) Bucket() string       { return s.bucket }
func (s *fakeKVStatus) Values() uint64       { return s.values }
func (s *fakeKVStatus) History() int64       { return 1 }
func (s *fakeKVStatus) TTL() time.Duration   { return 0 }
func (s *fakeKVStatus) BackingStore() string { return "Memory" }
func (s *fakeKVStatus) Bytes() uint64        { return 0 }
func (s *fakeKVStatus) IsCompressed() bool   { return false }

func (s *fakeKVStatus) LimitMarkerTTL() time.Duration { return 0 }
