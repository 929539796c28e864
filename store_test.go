package pathkv

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestStoreScenario(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		s := setup(t, b)

		ensure(s.SetDocument(bg, map[string]any{"data": "v"}))
		ensure(s.SetDocument(bg, map[string]any{"data": map[string]any{"cars": map[string]any{"2": "v2", "3": "v3"}}}))

		docEqual(t, must(s.GetDocument(bg, Path{"data", "cars"})), map[string]any{"2": "v2", "3": "v3"})
		docEqual(t, must(s.GetDocumentAt(bg, Path{"data", "cars"})), map[string]any{"2": "v2", "3": "v3"})

		_, ok, err := b.Get(bg, "data")
		deepEqual(t, err, nil)
		deepEqual(t, ok, false)
		deepEqual(t, must(b.IndexContains(bg, "data")), false)

		checkConsistent(t, s)
	})
}

func TestStoreSetOneConflicts(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		s := setup(t, b)

		ensure(s.SetOne(bg, Path{"data"}, "v"))
		ensure(s.SetOne(bg, Path{"data", "cars", "2"}, "v2"))
		ensure(s.SetOne(bg, Path{"data", "cars", "3"}, "v3"))
		deepEqual(t, must(s.Get(bg, Path{"data"})), tree("data/cars/2", "v2", "data/cars/3", "v3"))

		ensure(s.SetOne(bg, Path{"data"}, "v"))
		deepEqual(t, must(s.All(bg)), tree("data", "v"))
		checkConsistent(t, s)
	})
}

func TestStoreFindConflicts(t *testing.T) {
	s := setup(t, nil)
	ensure(s.Set(bg, tree("a/b/c", "1", "a/b/d", "2", "a/x", "3", "q", "4")))

	deepEqual(t, must(s.FindConflicts(bg, Path{"a", "b"})), []Path{{"a", "b", "c"}, {"a", "b", "d"}})
	deepEqual(t, must(s.FindConflicts(bg, Path{"q", "r"})), []Path{{"q"}})
	deepEqual(t, must(s.FindConflicts(bg, Path{"a", "x"})), []Path{{"a", "x"}})
	isempty(t, must(s.FindConflicts(bg, Path{"a", "y"})))
	isempty(t, must(s.FindConflicts(bg, Path{"a", "b", "cc"})))

	_, err := s.FindConflicts(bg, Path{})
	isValidation(t, err)
}

func TestStoreConflictDeletionPrecedesWrite(t *testing.T) {
	rec := &recordingBackend{Backend: NewMemoryBackend()}
	s := setup(t, rec)

	ensure(s.SetOne(bg, Path{"data"}, "v"))
	rec.reset()
	ensure(s.SetOne(bg, Path{"data", "cars", "2"}, "v2"))
	calls := rec.writes()
	deepEqual(t, calls, []string{
		"delete data",
		"index-remove data",
		"put data/cars/2",
		"index-add data/cars/2",
	})

	rec.reset()
	ensure(s.SetOne(bg, Path{"data"}, "v"))
	deepEqual(t, rec.writes(), []string{
		"delete data/cars/2",
		"index-remove data/cars/2",
		"put data",
		"index-add data",
	})
}

func TestStoreSetKeepsOrder(t *testing.T) {
	rec := &recordingBackend{Backend: NewMemoryBackend()}
	s := setup(t, rec)

	ensure(s.Set(bg, tree("b", "1", "a", "2", "c", "3")))
	deepEqual(t, rec.writes(), []string{
		"put b", "index-add b",
		"put a", "index-add a",
		"put c", "index-add c",
	})
}

func TestStoreSetRejectsInconsistentTree(t *testing.T) {
	rec := &recordingBackend{Backend: NewMemoryBackend()}
	s := setup(t, rec)

	isValidation(t, s.Set(bg, tree("a", "1", "a/b", "2")))
	isValidation(t, s.Set(bg, Tree{{Path{"a"}, "1"}, {Path{}, "2"}}))
	isempty(t, rec.calls)
}

func TestStoreSetSamePathTwice(t *testing.T) {
	s := setup(t, nil)
	ensure(s.Set(bg, tree("a", "1", "a", "2")))
	deepEqual(t, must(s.All(bg)), tree("a", "2"))
}

func TestStoreEmptyLeaf(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		s := setup(t, b)
		ensure(s.SetOne(bg, Path{"blank"}, ""))
		deepEqual(t, must(s.Get(bg, Path{"blank"})), tree("blank", ""))
		deepEqual(t, must(s.FindConflicts(bg, Path{"blank", "x"})), []Path{{"blank"}})
	})
}

func TestStoreGetEmpty(t *testing.T) {
	s := setup(t, nil)
	deepEqual(t, must(s.Get(bg)), Tree{})
	deepEqual(t, must(s.Get(bg, Path{"nothing"})), Tree{})
	docEqual(t, must(s.GetDocument(bg, Path{"nothing"})), map[string]any{})
	docEqual(t, must(s.GetDocumentAt(bg, Path{"nothing"})), map[string]any{})

	_, err := s.Get(bg, Path{"ok"}, Path{})
	isValidation(t, err)
}

func TestStoreGetMultiplePathsInRequestOrder(t *testing.T) {
	s := setup(t, nil)
	ensure(s.Set(bg, tree("a/1", "x", "b/1", "y", "b/2", "z")))

	deepEqual(t, must(s.Get(bg, Path{"b"}, Path{"a"})), tree("b/1", "y", "b/2", "z", "a/1", "x"))
	deepEqual(t, must(s.Get(bg, Path{"a"}, Path{"b", "2"})), tree("a/1", "x", "b/2", "z"))
}

func TestStoreGetDoesNotMatchSiblingsSharingText(t *testing.T) {
	s := setup(t, nil)
	ensure(s.Set(bg, tree("data", "1", "database/x", "2", "data-old", "3")))
	deepEqual(t, must(s.Get(bg, Path{"data"})), tree("data", "1"))
}

func TestStoreFanOutOrdering(t *testing.T) {
	s := New(&slowBackend{Backend: NewMemoryBackend(), delays: map[string]time.Duration{
		"p/1": 40 * time.Millisecond,
		"p/2": 20 * time.Millisecond,
		"q":   30 * time.Millisecond,
	}}, Options{})
	ensure(s.Set(bg, tree("p/1", "first", "p/2", "second", "p/3", "third", "q", "other")))

	deepEqual(t, must(s.Get(bg, Path{"q"}, Path{"p"})), tree("q", "other", "p/1", "first", "p/2", "second", "p/3", "third"))
}

func TestStoreMaxFanOut(t *testing.T) {
	slow := &slowBackend{Backend: NewMemoryBackend(), delays: map[string]time.Duration{}}
	s := New(slow, Options{MaxFanOut: 2})
	for i := 1; i <= 10; i++ {
		k := fmt.Sprintf("k/%d", i)
		slow.delays[k] = 5 * time.Millisecond
		ensure(s.SetOne(bg, pth(k), "v"))
	}
	deepEqual(t, len(must(s.Get(bg, Path{"k"}))), 10)
	if slow.maxActive.Load() > 2 {
		t.Errorf("** %d concurrent reads, wanted at most 2", slow.maxActive.Load())
	}
}

func TestStoreDelete(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		s := setup(t, b)
		ensure(s.Set(bg, tree("a/b/c", "1", "a/b/d", "2", "a/x", "3", "ab", "4")))

		ensure(s.Delete(bg, Path{"a", "b"}))
		deepEqual(t, must(s.All(bg)), tree("a/x", "3", "ab", "4"))
		deepEqual(t, must(b.IndexContains(bg, "a/b/c")), false)

		ensure(s.Delete(bg, Path{"nothing"}, Path{"a"}))
		deepEqual(t, must(s.All(bg)), tree("ab", "4"))

		isValidation(t, s.Delete(bg, Path{}))
		checkConsistent(t, s)
	})
}

func TestStoreBackendFailures(t *testing.T) {
	boom := errors.New("boom")

	t.Run("get", func(t *testing.T) {
		fb := &faultyBackend{Backend: NewMemoryBackend(), failOp: "get", failKey: "a/2", err: boom}
		s := setup(t, fb)
		ensure(s.Set(bg, tree("a/1", "x", "a/2", "y", "a/3", "z")))
		tr, err := s.Get(bg, Path{"a"})
		deepEqual(t, tr, nil)
		var be *BackendError
		if !errors.As(err, &be) || !errors.Is(err, boom) || be.Key != "a/2" {
			t.Errorf("** got %v, wanted BackendError for a/2", err)
		}
	})

	t.Run("set aborts remaining branches", func(t *testing.T) {
		fb := &faultyBackend{Backend: NewMemoryBackend(), failOp: "put", failKey: "b", err: boom}
		s := setup(t, fb)
		err := s.Set(bg, tree("a", "1", "b", "2", "c", "3"))
		if !errors.Is(err, boom) {
			t.Fatalf("** got %v, wanted boom", err)
		}
		deepEqual(t, must(s.All(bg)), tree("a", "1"))
	})

	t.Run("conflict removal", func(t *testing.T) {
		fb := &faultyBackend{Backend: NewMemoryBackend(), failOp: "delete", failKey: "x/1", err: boom}
		s := setup(t, fb)
		ensure(s.Set(bg, tree("x/1", "a", "x/2", "b")))
		err := s.SetOne(bg, Path{"x"}, "v")
		if !errors.Is(err, boom) {
			t.Fatalf("** got %v, wanted boom", err)
		}
		// the other removal settled; the write never happened
		deepEqual(t, must(s.All(bg)), tree("x/1", "a"))
	})

	t.Run("index lookup", func(t *testing.T) {
		fb := &faultyBackend{Backend: NewMemoryBackend(), failOp: "index-contains", failKey: "m", err: boom}
		s := setup(t, fb)
		_, err := s.FindConflicts(bg, Path{"m", "n"})
		if !errors.Is(err, boom) {
			t.Fatalf("** got %v, wanted boom", err)
		}
	})

	t.Run("delete", func(t *testing.T) {
		fb := &faultyBackend{Backend: NewMemoryBackend(), failOp: "index-remove", failKey: "d/1", err: boom}
		s := setup(t, fb)
		ensure(s.Set(bg, tree("d/1", "a")))
		if err := s.Delete(bg, Path{"d"}); !errors.Is(err, boom) {
			t.Fatalf("** got %v, wanted boom", err)
		}
		// value gone, index entry left behind
		r := must(s.Verify(bg))
		deepEqual(t, r.IndexOnly, []string{"d/1"})
	})
}

func TestStoreReplaceDocument(t *testing.T) {
	s := setup(t, nil)
	ensure(s.SetDocument(bg, map[string]any{"a": "1", "b": "2"}, "doc"))
	ensure(s.SetDocument(bg, map[string]any{"c": "3"}, "doc"))
	docEqual(t, must(s.GetDocumentAt(bg, Path{"doc"})), map[string]any{"a": "1", "b": "2", "c": "3"})

	ensure(s.ReplaceDocument(bg, []any{"x", "y"}, "doc"))
	docEqual(t, must(s.GetDocumentAt(bg, Path{"doc"})), []any{"x", "y"})

	isValidation(t, s.ReplaceDocument(bg, []any{"x"}, ""))
}

func TestStoreReplaceDocumentWithoutBase(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b Backend) {
		s := setup(t, b)
		ensure(s.Set(bg, tree("a/1", "x", "b/c", "y", "d", "z")))

		ensure(s.ReplaceDocument(bg, map[string]any{"e": "1", "f": []any{"2"}}))
		deepEqual(t, must(s.All(bg)), tree("e", "1", "f/1", "2"))
		checkConsistent(t, s)

		ensure(s.ReplaceDocument(bg, map[string]any{}))
		isempty(t, must(s.All(bg)))
		checkConsistent(t, s)
	})
}

func TestBoltSetLatency(t *testing.T) {
	b := setupBolt(t)
	t.Cleanup(func() { b.Close() })
	s := setup(t, b)
	const n = 50
	tr := make(Tree, n)
	for i := range tr {
		tr[i] = Branch{Path{"items", ArrayStep(i)}, fmt.Sprint(i)}
	}
	start := time.Now()
	ensure(s.Set(bg, tr))
	// each branch is two single-key write transactions; nothing waits for a
	// batch timer
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("** Set of %d branches took %v", n, elapsed)
	}
	deepEqual(t, len(must(s.All(bg))), n)
}

func BenchmarkBoltSet(b *testing.B) {
	bolt := setupBolt(b)
	b.Cleanup(func() { bolt.Close() })
	s := setup(b, bolt)
	tr := make(Tree, 50)
	for i := range tr {
		tr[i] = Branch{Path{"items", ArrayStep(i)}, fmt.Sprint(i)}
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ensure(s.Set(bg, tr))
	}
}

func TestStoreConsistencyAfterRandomWrites(t *testing.T) {
	s := setup(t, nil)
	steps := []string{"a", "b", "1", "2"}
	for i := 0; i < 200; i++ {
		n := 1 + i%3
		path := make(Path, n)
		for j := range path {
			path[j] = steps[(i*7+j*3+i/5)%len(steps)]
		}
		ensure(s.SetOne(bg, path, fmt.Sprint(i)))
		checkConsistent(t, s)
	}
}

func checkConsistent(t testing.TB, s *Store) {
	t.Helper()
	r := must(s.Verify(bg))
	if !r.OK() {
		t.Errorf("** store inconsistent:\n%s", r)
	}
}

type recordingBackend struct {
	Backend
	mu    sync.Mutex
	calls []string
}

func (b *recordingBackend) record(op, key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, op+" "+key)
}

func (b *recordingBackend) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = nil
}

func (b *recordingBackend) writes() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for _, c := range b.calls {
		if strings.HasPrefix(c, "put ") || strings.HasPrefix(c, "delete ") || strings.HasPrefix(c, "index-add ") || strings.HasPrefix(c, "index-remove ") {
			out = append(out, c)
		}
	}
	return out
}

func (b *recordingBackend) Put(ctx context.Context, key, value string) error {
	b.record("put", key)
	return b.Backend.Put(ctx, key, value)
}

func (b *recordingBackend) Get(ctx context.Context, key string) (string, bool, error) {
	b.record("get", key)
	return b.Backend.Get(ctx, key)
}

func (b *recordingBackend) Delete(ctx context.Context, key string) error {
	b.record("delete", key)
	return b.Backend.Delete(ctx, key)
}

func (b *recordingBackend) IndexAdd(ctx context.Context, key string) error {
	b.record("index-add", key)
	return b.Backend.IndexAdd(ctx, key)
}

func (b *recordingBackend) IndexRemove(ctx context.Context, key string) error {
	b.record("index-remove", key)
	return b.Backend.IndexRemove(ctx, key)
}

func (b *recordingBackend) IndexContains(ctx context.Context, key string) (bool, error) {
	b.record("index-contains", key)
	return b.Backend.IndexContains(ctx, key)
}

func (b *recordingBackend) KeysByPrefix(ctx context.Context, prefix string) ([]string, error) {
	b.record("keys", prefix)
	return b.Backend.KeysByPrefix(ctx, prefix)
}

type faultyBackend struct {
	Backend
	failOp  string
	failKey string
	err     error
}

func (b *faultyBackend) fail(op, key string) error {
	if op == b.failOp && key == b.failKey {
		return b.err
	}
	return nil
}

func (b *faultyBackend) IndexKeys(ctx context.Context) ([]string, error) {
	return b.Backend.(IndexLister).IndexKeys(ctx)
}

func (b *faultyBackend) Put(ctx context.Context, key, value string) error {
	if err := b.fail("put", key); err != nil {
		return err
	}
	return b.Backend.Put(ctx, key, value)
}

func (b *faultyBackend) Get(ctx context.Context, key string) (string, bool, error) {
	if err := b.fail("get", key); err != nil {
		return "", false, err
	}
	return b.Backend.Get(ctx, key)
}

func (b *faultyBackend) Delete(ctx context.Context, key string) error {
	if err := b.fail("delete", key); err != nil {
		return err
	}
	return b.Backend.Delete(ctx, key)
}

func (b *faultyBackend) IndexRemove(ctx context.Context, key string) error {
	if err := b.fail("index-remove", key); err != nil {
		return err
	}
	return b.Backend.IndexRemove(ctx, key)
}

func (b *faultyBackend) IndexContains(ctx context.Context, key string) (bool, error) {
	if err := b.fail("index-contains", key); err != nil {
		return false, err
	}
	return b.Backend.IndexContains(ctx, key)
}

// slowBackend delays Get replies per key so that they complete out of order.
type slowBackend struct {
	Backend
	delays    map[string]time.Duration
	active    atomic.Int64
	maxActive atomic.Int64
}

func (b *slowBackend) Get(ctx context.Context, key string) (string, bool, error) {
	n := b.active.Add(1)
	defer b.active.Add(-1)
	for {
		m := b.maxActive.Load()
		if n <= m || b.maxActive.CompareAndSwap(m, n) {
			break
		}
	}
	time.Sleep(b.delays[key])
	return b.Backend.Get(ctx, key)
}
