package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-logr/logr/testr"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"
)

// backend bundles a store with a way to move its notion of time forward.
type backend struct {
	store   Store
	advance func(time.Duration)
}

func backends(t *testing.T) map[string]func(t *testing.T) backend {
	return map[string]func(t *testing.T) backend{
		"memory": func(t *testing.T) backend {
			clk := testingclock.NewFakeClock(time.Unix(1_700_000_000, 0))
			return backend{store: NewMemoryStore(clk), advance: clk.Step}
		},
		"redis": func(t *testing.T) backend {
			mr := miniredis.RunT(t)
			s := NewRedisStoreFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
			t.Cleanup(func() { _ = s.Close() })
			return backend{store: s, advance: mr.FastForward}
		},
		"sqlite": func(t *testing.T) backend {
			clk := testingclock.NewFakeClock(time.Unix(1_700_000_000, 0))
			path := filepath.Join(t.TempDir(), "relay.db")
			s, err := NewSQLStore(context.Background(), path, clk, testr.New(t))
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return backend{store: s, advance: clk.Step}
		},
	}
}

func TestStoreContract(t *testing.T) {
	for name, newBackend := range backends(t) {
		t.Run(name, func(t *testing.T) {
			t.Run("SetNXExpires", func(t *testing.T) {
				b := newBackend(t)
				ctx := context.Background()

				ok, err := b.store.SetNX(ctx, "session:A", []byte("1"), time.Minute)
				require.NoError(t, err)
				require.True(t, ok)

				ok, err = b.store.SetNX(ctx, "session:A", []byte("2"), time.Minute)
				require.NoError(t, err)
				require.False(t, ok)

				got, err := b.store.Get(ctx, "session:A")
				require.NoError(t, err)
				assert.Equal(t, []byte("1"), got)

				b.advance(2 * time.Minute)

				exists, err := b.store.Exists(ctx, "session:A")
				require.NoError(t, err)
				assert.False(t, exists)

				ok, err = b.store.SetNX(ctx, "session:A", []byte("3"), time.Minute)
				require.NoError(t, err)
				assert.True(t, ok)
			})

			t.Run("SetGetDelete", func(t *testing.T) {
				b := newBackend(t)
				ctx := context.Background()

				_, err := b.store.Get(ctx, "missing")
				require.ErrorIs(t, err, ErrNotFound)

				require.NoError(t, b.store.Set(ctx, "k", []byte("v1"), time.Minute))
				require.NoError(t, b.store.Set(ctx, "k", []byte("v2"), time.Minute))
				got, err := b.store.Get(ctx, "k")
				require.NoError(t, err)
				assert.Equal(t, []byte("v2"), got)

				require.NoError(t, b.store.Delete(ctx, "k", "never-set"))
				_, err = b.store.Get(ctx, "k")
				require.ErrorIs(t, err, ErrNotFound)
			})

			t.Run("ListFIFO", func(t *testing.T) {
				b := newBackend(t)
				ctx := context.Background()

				_, err := b.store.Pop(ctx, "queue")
				require.ErrorIs(t, err, ErrNotFound)

				for i := 0; i < 3; i++ {
					require.NoError(t, b.store.Push(ctx, "queue", []byte(fmt.Sprintf("item-%d", i)), time.Minute))
				}
				n, err := b.store.Len(ctx, "queue")
				require.NoError(t, err)
				assert.Equal(t, 3, n)

				exists, err := b.store.Exists(ctx, "queue")
				require.NoError(t, err)
				assert.True(t, exists)

				for i := 0; i < 3; i++ {
					got, err := b.store.Pop(ctx, "queue")
					require.NoError(t, err)
					assert.Equal(t, fmt.Sprintf("item-%d", i), string(got))
				}
				_, err = b.store.Pop(ctx, "queue")
				require.ErrorIs(t, err, ErrNotFound)
			})

			t.Run("PushFrontRestoresHead", func(t *testing.T) {
				b := newBackend(t)
				ctx := context.Background()

				require.NoError(t, b.store.PushFront(ctx, "queue", [][]byte{[]byte("y")}, time.Minute))
				require.NoError(t, b.store.PushFront(ctx, "queue", [][]byte{[]byte("x")}, time.Minute))
				require.NoError(t, b.store.Push(ctx, "queue", []byte("c"), time.Minute))
				require.NoError(t, b.store.Push(ctx, "queue", []byte("d"), time.Minute))

				for _, want := range []string{"x", "y", "c"} {
					got, err := b.store.Pop(ctx, "queue")
					require.NoError(t, err)
					require.Equal(t, want, string(got))
				}

				require.NoError(t, b.store.PushFront(ctx, "queue", [][]byte{[]byte("a"), []byte("b"), []byte("c")}, time.Minute))
				require.NoError(t, b.store.Push(ctx, "queue", []byte("e"), time.Minute))

				var order []string
				for {
					got, err := b.store.Pop(ctx, "queue")
					if err != nil {
						require.ErrorIs(t, err, ErrNotFound)
						break
					}
					order = append(order, string(got))
				}
				assert.Equal(t, []string{"a", "b", "c", "d", "e"}, order)
			})

			t.Run("ListExpires", func(t *testing.T) {
				b := newBackend(t)
				ctx := context.Background()

				require.NoError(t, b.store.Push(ctx, "queue", []byte("stale"), time.Minute))
				b.advance(61 * time.Second)

				_, err := b.store.Pop(ctx, "queue")
				require.ErrorIs(t, err, ErrNotFound)
				n, err := b.store.Len(ctx, "queue")
				require.NoError(t, err)
				assert.Zero(t, n)
			})

			t.Run("ConcurrentPopDeliversEachItemOnce", func(t *testing.T) {
				b := newBackend(t)
				ctx := context.Background()

				const total = 60
				for i := 0; i < total; i++ {
					require.NoError(t, b.store.Push(ctx, "queue", []byte(fmt.Sprintf("%03d", i)), time.Minute))
				}

				var (
					mu   sync.Mutex
					seen []string
					wg   sync.WaitGroup
				)
				for w := 0; w < 4; w++ {
					wg.Add(1)
					go func() {
						defer wg.Done()
						for {
							got, err := b.store.Pop(ctx, "queue")
							if err != nil {
								return
							}
							mu.Lock()
							seen = append(seen, string(got))
							mu.Unlock()
						}
					}()
				}
				wg.Wait()

				require.Len(t, seen, total)
				sort.Strings(seen)
				for i, v := range seen {
					assert.Equal(t, fmt.Sprintf("%03d", i), v)
				}
			})
		})
	}
}

func TestOpenRejectsUnknownBackend(t *testing.T) {
	_, err := Open(context.Background(), Options{Backend: "etcd"})
	require.Error(t, err)
}

func TestOpenRedisRequiresURL(t *testing.T) {
	_, err := Open(context.Background(), Options{Backend: BackendRedis})
	require.Error(t, err)
}

func TestMemoryStoreSweep(t *testing.T) {
	clk := testingclock.NewFakeClock(time.Unix(1_700_000_000, 0))
	s := NewMemoryStore(clk)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "a", []byte("1"), time.Second))
	require.NoError(t, s.Set(ctx, "b", []byte("2"), time.Hour))
	clk.Step(2 * time.Second)
	s.sweep()

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.NotContains(t, s.entries, "a")
	assert.Contains(t, s.entries, "b")
}
