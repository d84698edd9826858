package revocation

import (
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func TestCacheExpiry(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	cache := NewCache(clock)

	key := Key{Issuer: "aa", Serial: "1"}
	cache.Put(&Record{Key: key, Serial: big.NewInt(1), Status: StatusGood, CacheExpiry: clock.Now().Add(time.Minute)})

	r, ok := cache.Get(key)
	require.True(t, ok)
	require.Equal(t, StatusGood, r.Status)

	clock.Advance(time.Minute)
	_, ok = cache.Get(key)
	require.False(t, ok, "records are never used at or past their expiry")

	require.Equal(t, 1, cache.Len())
	require.Equal(t, 1, cache.Purge())
	require.Equal(t, 0, cache.Len())
}

func TestCacheReturnsCopies(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cache := NewCache(clock)
	key := Key{Issuer: "aa", Serial: "2"}
	cache.Put(&Record{Key: key, Serial: big.NewInt(2), Status: StatusGood, CacheExpiry: clock.Now().Add(time.Hour)})

	r, ok := cache.Get(key)
	require.True(t, ok)
	r.Status = StatusRevoked
	r.Serial.SetInt64(99)

	again, ok := cache.Get(key)
	require.True(t, ok)
	require.Equal(t, StatusGood, again.Status)
	require.Equal(t, int64(2), again.Serial.Int64())
}

func TestCacheConcurrentWriters(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cache := NewCache(clock)
	key := Key{Issuer: "bb", Serial: "3"}

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			status := StatusGood
			if i%2 == 0 {
				status = StatusRevoked
			}
			cache.Put(&Record{Key: key, Status: status, CacheExpiry: clock.Now().Add(time.Hour)})
			_, _ = cache.Get(key)
		}(i)
	}
	wg.Wait()

	r, ok := cache.Get(key)
	require.True(t, ok)
	require.True(t, r.Definitive())
	require.Equal(t, 1, cache.Len())
}
