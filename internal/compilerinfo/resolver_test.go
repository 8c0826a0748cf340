package compilerinfo

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveDeduplicatesConcurrentMisses(t *testing.T) {
	var probes int32
	probe := func(ctx context.Context, k Key, env []string) (Info, error) {
		atomic.AddInt32(&probes, 1)
		time.Sleep(20 * time.Millisecond)
		hasPoison := false
		for _, e := range env {
			if e == PoisonEnvVar {
				hasPoison = true
			}
		}
		assert.True(t, hasPoison, "probe must run under the poison env marker")
		return Info{Version: "clang-1"}, nil
	}
	r := New(time.Minute, probe)

	k := Key{GomaccPath: "/usr/bin/clang", Basename: "clang", Path: "/usr/bin"}
	var wg sync.WaitGroup
	results := make([]Info, 10)
	for i := 0; i < 10; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			info, err := r.Resolve(context.Background(), k, nil)
			require.NoError(t, err)
			results[i] = info
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&probes), "exactly one subprocess launched for a concurrent burst of misses")
	for _, info := range results {
		assert.Equal(t, "clang-1", info.Version)
	}
}

func TestResolveCacheHitSkipsProbe(t *testing.T) {
	var probes int32
	probe := func(ctx context.Context, k Key, env []string) (Info, error) {
		atomic.AddInt32(&probes, 1)
		return Info{Version: "gcc-1"}, nil
	}
	r := New(time.Minute, probe)
	k := Key{GomaccPath: "/usr/bin/gcc"}

	_, err := r.Resolve(context.Background(), k, nil)
	require.NoError(t, err)
	_, err = r.Resolve(context.Background(), k, nil)
	require.NoError(t, err)

	assert.Equal(t, int32(1), atomic.LoadInt32(&probes))
}

func TestDisableShortCircuits(t *testing.T) {
	var probes int32
	probe := func(ctx context.Context, k Key, env []string) (Info, error) {
		atomic.AddInt32(&probes, 1)
		return Info{}, nil
	}
	r := New(time.Minute, probe)
	k := Key{GomaccPath: "/usr/bin/weird"}
	r.Disable(k, "mismatched hermetic backend")

	info, err := r.Resolve(context.Background(), k, nil)
	require.NoError(t, err)
	assert.True(t, info.Disabled)
	assert.Equal(t, "mismatched hermetic backend", info.DisabledReason)
	assert.Equal(t, int32(0), atomic.LoadInt32(&probes))
}

func TestEvictIfHashChanged(t *testing.T) {
	probe := func(ctx context.Context, k Key, env []string) (Info, error) {
		return Info{BinaryHash: "abc"}, nil
	}
	r := New(time.Minute, probe)
	k := Key{GomaccPath: "/usr/bin/clang"}
	_, err := r.Resolve(context.Background(), k, nil)
	require.NoError(t, err)

	r.EvictIfHashChanged(k, "abc")
	_, ok := r.cache.Get(k.String())
	assert.True(t, ok, "unchanged hash must not evict")

	r.EvictIfHashChanged(k, "def")
	_, ok = r.cache.Get(k.String())
	assert.False(t, ok, "changed hash must evict")
}

func TestSnapshotRoundTrip(t *testing.T) {
	probe := func(ctx context.Context, k Key, env []string) (Info, error) {
		return Info{Version: "v1"}, nil
	}
	r := New(time.Minute, probe)
	k := Key{GomaccPath: "/usr/bin/clang"}
	_, err := r.Resolve(context.Background(), k, nil)
	require.NoError(t, err)

	snap := r.Snapshot()
	require.Len(t, snap, 1)

	r2 := New(time.Minute, probe)
	r2.LoadSnapshot(snap)
	info, ok := r2.cache.Get(k.String())
	require.True(t, ok)
	assert.Equal(t, "v1", info.(Info).Version)
}
