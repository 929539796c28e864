package pathkv

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"reflect"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/go-cmp/cmp"
	"github.com/redis/go-redis/v9"
)

func init() {
	slog.SetLogLoggerLevel(slog.LevelDebug)
}

type backendFactory struct {
	name string
	open func(t testing.TB) Backend
}

var backendFactories = []backendFactory{
	{"memory", func(t testing.TB) Backend { return NewMemoryBackend() }},
	{"bolt", setupBolt},
	{"redis", setupRedis},
}

func setupBolt(t testing.TB) Backend {
	t.Helper()
	dbFile := must(os.CreateTemp("", "pathkv_test_*.db"))
	t.Logf("DB: %s", dbFile.Name())
	dbFile.Close()
	t.Cleanup(func() { os.Remove(dbFile.Name()) })

	return must(OpenBolt(dbFile.Name(), BoltOptions{IsTesting: true}))
}

func setupRedis(t testing.TB) Backend {
	t.Helper()
	mr := miniredis.RunT(t)
	return NewRedisBackend(redis.NewClient(&redis.Options{Addr: mr.Addr()}), RedisOptions{Namespace: "test:"})
}

func forEachBackend(t *testing.T, f func(t *testing.T, b Backend)) {
	for _, bf := range backendFactories {
		t.Run(bf.name, func(t *testing.T) {
			b := bf.open(t)
			t.Cleanup(func() { b.Close() })
			f(t, b)
		})
	}
}

func setup(t testing.TB, b Backend) *Store {
	t.Helper()
	if b == nil {
		b = NewMemoryBackend()
		t.Cleanup(func() { b.Close() })
	}
	return New(b, Options{Verbose: true})
}

func deepEqual[T any](t testing.TB, a, e T) {
	if !reflect.DeepEqual(a, e) {
		t.Helper()
		t.Errorf("** got %v, wanted %v", a, e)
	}
}

func docEqual(t testing.TB, a, e any) {
	if diff := cmp.Diff(e, a); diff != "" {
		t.Helper()
		t.Errorf("** document mismatch (-wanted +got):\n%s", diff)
	}
}

func isempty[T any, S ~[]T](t testing.TB, a S) {
	if len(a) > 0 {
		t.Helper()
		t.Errorf("** got %v, wanted empty slice", a)
	}
}

func isValidation(t testing.TB, err error) {
	var ve *ValidationError
	if !errors.As(err, &ve) || !errors.Is(err, ErrInvalid) {
		t.Helper()
		t.Errorf("** got %v, wanted a ValidationError", err)
	}
}

func pth(key string) Path {
	return MustParsePath(key)
}

func tree(pairs ...string) Tree {
	if len(pairs)%2 != 0 {
		panic("odd number of arguments")
	}
	out := Tree{}
	for i := 0; i < len(pairs); i += 2 {
		out = append(out, Branch{pth(pairs[i]), pairs[i+1]})
	}
	return out
}

var bg = context.Background()
