package presence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mahaj/sitechat/pkg/clock"
)

var t0 = time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)

func TestTypingExpiresAfterWindow(t *testing.T) {
	clk := clock.NewManual(t0)
	ty := NewTyping(clk, 5*time.Second)

	assert.True(t, ty.Start("c1", "bob"))
	clk.Advance(3 * time.Second)
	assert.Equal(t, []string{"bob"}, ty.Active("c1"))

	clk.Advance(3 * time.Second)
	assert.Empty(t, ty.Active("c1"))
	assert.False(t, ty.IsTyping("c1", "bob"))
}

func TestTypingRefresh(t *testing.T) {
	clk := clock.NewManual(t0)
	ty := NewTyping(clk, 5*time.Second)

	assert.True(t, ty.Start("c1", "bob"))
	clk.Advance(4 * time.Second)
	assert.False(t, ty.Start("c1", "bob"), "refresh is not a new start")
	clk.Advance(4 * time.Second)
	assert.Equal(t, []string{"bob"}, ty.Active("c1"))

	clk.Advance(6 * time.Second)
	assert.True(t, ty.Start("c1", "bob"), "stale entry starts again")
}

func TestTypingStop(t *testing.T) {
	clk := clock.NewManual(t0)
	ty := NewTyping(clk, 5*time.Second)
	ty.Start("c1", "bob")
	ty.Start("c1", "amy")
	ty.Start("c2", "bob")

	assert.True(t, ty.Stop("c1", "bob"))
	assert.False(t, ty.Stop("c1", "bob"))
	assert.Equal(t, []string{"amy"}, ty.Active("c1"))

	assert.Equal(t, []string{"c2"}, ty.StopUser("bob"))
	assert.Empty(t, ty.Active("c2"))
}

func TestTypingSweep(t *testing.T) {
	clk := clock.NewManual(t0)
	ty := NewTyping(clk, 5*time.Second)
	ty.Start("c1", "bob")
	clk.Advance(4 * time.Second)
	ty.Start("c1", "amy")
	clk.Advance(2 * time.Second)

	assert.Equal(t, []TypingEntry{{ChannelID: "c1", UserID: "bob"}}, ty.Sweep())
	assert.Empty(t, ty.Sweep())
	assert.Equal(t, []string{"amy"}, ty.Active("c1"))
}

func TestMemoryPresenceRefCounts(t *testing.T) {
	ctx := context.Background()
	p := NewMemory()

	assert.True(t, p.Connect(ctx, "bob"))
	assert.False(t, p.Connect(ctx, "bob"))
	assert.False(t, p.Disconnect(ctx, "bob"))
	assert.True(t, p.IsOnline(ctx, "bob"))
	assert.True(t, p.Disconnect(ctx, "bob"))
	assert.False(t, p.IsOnline(ctx, "bob"))
	assert.False(t, p.Disconnect(ctx, "bob"))
	assert.Empty(t, p.Online(ctx))
}

func TestRedisPresence(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	gw1, gw2 := NewRedis(rdb, RedisOptions{Instance: "gw1"}), NewRedis(rdb, RedisOptions{Instance: "gw2"})
	assert.True(t, gw1.Connect(ctx, "bob"))
	assert.False(t, gw2.Connect(ctx, "bob"))
	assert.True(t, gw1.Connect(ctx, "amy"))
	assert.Equal(t, []string{"amy", "bob"}, gw2.Online(ctx))

	assert.False(t, gw1.Disconnect(ctx, "bob"))
	assert.True(t, gw2.IsOnline(ctx, "bob"))
	assert.True(t, gw2.Disconnect(ctx, "bob"))
	assert.False(t, gw1.IsOnline(ctx, "bob"))

	ok, err := mr.SIsMember(onlineKey, "bob")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisPresenceDegradesToOffline(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	p := NewRedis(redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1}), RedisOptions{})
	require.True(t, p.Connect(ctx, "bob"))

	mr.Close()
	assert.False(t, p.IsOnline(ctx, "bob"))
	assert.Nil(t, p.Online(ctx))
	assert.False(t, p.Connect(ctx, "amy"))
}

func TestRedisDisconnectIsAtomic(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	gw1, gw2 := NewRedis(rdb, RedisOptions{Instance: "gw1"}), NewRedis(rdb, RedisOptions{Instance: "gw2"})

	// A disconnect this instance never saw a connect for changes nothing.
	assert.True(t, gw1.Connect(ctx, "bob"))
	assert.False(t, gw2.Disconnect(ctx, "bob"))
	assert.True(t, gw2.IsOnline(ctx, "bob"))
	assert.True(t, gw1.Disconnect(ctx, "bob"))

	var wg sync.WaitGroup
	var mu sync.Mutex
	var online, offline int
	for i := range 20 {
		gw := gw1
		if i%2 == 1 {
			gw = gw2
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			up := gw.Connect(ctx, "amy")
			down := gw.Disconnect(ctx, "amy")
			mu.Lock()
			defer mu.Unlock()
			if up {
				online++
			}
			if down {
				offline++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, online, offline, "every online transition is matched by one offline")
	assert.False(t, gw1.IsOnline(ctx, "amy"))
	assert.False(t, mr.Exists(connsKey), "counts never go negative or linger")
}

func TestRedisReapsDeadInstance(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	dead := NewRedis(rdb, RedisOptions{Instance: "dead", TTL: time.Second})
	live := NewRedis(rdb, RedisOptions{Instance: "live", TTL: time.Second})

	require.True(t, dead.Connect(ctx, "bob"))
	require.True(t, dead.Connect(ctx, "amy"))
	require.False(t, live.Connect(ctx, "amy"))

	// Before the TTL passes nothing is reaped.
	assert.Empty(t, live.sweep(ctx))

	mr.FastForward(2 * time.Second)
	require.NoError(t, live.beat(ctx))
	assert.Equal(t, []string{"bob"}, live.sweep(ctx))
	assert.False(t, live.IsOnline(ctx, "bob"))
	assert.True(t, live.IsOnline(ctx, "amy"))
	assert.False(t, mr.Exists(shareKey("dead")))

	assert.Empty(t, live.sweep(ctx), "a reaped instance is forgotten")
	assert.True(t, live.Disconnect(ctx, "amy"))
	assert.Empty(t, live.Online(ctx))
}

func TestRedisRunHeartbeats(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	p := NewRedis(rdb, RedisOptions{Instance: "gw", TTL: 300 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx, func(context.Context, string) {}) }()

	require.Eventually(t, func() bool { return mr.Exists(aliveKey("gw")) }, time.Second, 10*time.Millisecond)
	ok, err := mr.SIsMember(gatewaysKey, "gw")
	require.NoError(t, err)
	assert.True(t, ok)

	cancel()
	require.NoError(t, <-done)
}
