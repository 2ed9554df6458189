package msgstream

import (
	"testing"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/netkit/btcp2p/netwire"
	"github.com/stretchr/testify/require"
)

func txHeader(checksum byte, length uint64) *netwire.HeaderMsg {
	return &netwire.HeaderMsg{
		Magic:    wire.MainNet,
		Command:  wire.CmdTx,
		Length:   length,
		Checksum: [4]byte{checksum},
	}
}

// TestCacheExpiry checks that idle entries are dropped on lookup and by the
// purge.
func TestCacheExpiry(t *testing.T) {
	t.Parallel()

	start := time.Unix(1_700_000_000, 0)
	testClock := clock.NewTestClock(start)

	c := NewMessageCache(CacheConfig{
		Expiry: time.Minute,
		Clock:  testClock,
	})

	c.Put(txHeader(1, 100), testTx(1))
	c.Put(txHeader(2, 100), testTx(2))

	testClock.SetTime(start.Add(30 * time.Second))
	require.True(t, c.Get(txHeader(1, 100)).IsSome())

	// Entry 2 was never touched and is now idle for too long.
	testClock.SetTime(start.Add(61 * time.Second))
	require.Equal(t, 1, c.PurgeExpired())
	require.True(t, c.Get(txHeader(2, 100)).IsNone())
	require.True(t, c.Get(txHeader(1, 100)).IsSome())

	testClock.SetTime(start.Add(3 * time.Minute))
	require.True(t, c.Get(txHeader(1, 100)).IsNone())
}

// TestCacheKeyModes checks that the default key only uses the checksum while
// the strict key also compares command and length.
func TestCacheKeyModes(t *testing.T) {
	t.Parallel()

	loose := NewMessageCache(CacheConfig{})
	loose.Put(txHeader(1, 100), testTx(1))
	require.True(t, loose.Get(txHeader(1, 120)).IsSome())

	strict := NewMessageCache(CacheConfig{StrictKey: true})
	strict.Put(txHeader(1, 100), testTx(1))
	require.True(t, strict.Get(txHeader(1, 120)).IsNone())
	require.True(t, strict.Get(txHeader(1, 100)).IsSome())
}

// TestCacheable checks the eligibility rules.
func TestCacheable(t *testing.T) {
	t.Parallel()

	c := NewMessageCache(CacheConfig{MaxBodySize: 1000})

	require.True(t, c.Cacheable(txHeader(1, 1000)))
	require.False(t, c.Cacheable(txHeader(1, 1001)))

	ping := txHeader(1, 8)
	ping.Command = wire.CmdPing
	require.False(t, c.Cacheable(ping))

	extended := txHeader(1, 10)
	extended.Extended = true
	require.False(t, c.Cacheable(extended))
}

// TestCacheEvictsBySize checks that the byte budget bounds the cache.
func TestCacheEvictsBySize(t *testing.T) {
	t.Parallel()

	c := NewMessageCache(CacheConfig{MaxBytes: 250})

	c.Put(txHeader(1, 100), testTx(1))
	c.Put(txHeader(2, 100), testTx(2))
	c.Put(txHeader(3, 100), testTx(3))

	require.True(t, c.Get(txHeader(1, 100)).IsNone())
	require.True(t, c.Get(txHeader(3, 100)).IsSome())
}
