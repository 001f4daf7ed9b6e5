package db

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mahaj/sitechat/pkg/config"
	"github.com/mahaj/sitechat/pkg/fanout"
	"github.com/mahaj/sitechat/pkg/presence"
	"github.com/mahaj/sitechat/pkg/store/memory"
)

func TestOpenLocal(t *testing.T) {
	b, err := Open(context.Background(), &config.Config{StoreDriver: "memory", FanoutDriver: "local"})
	require.NoError(t, err)
	defer b.Close()

	assert.IsType(t, &memory.Store{}, b.Channels)
	assert.IsType(t, &fanout.Local{}, b.Events)
	assert.IsType(t, &presence.Memory{}, b.Presence)
	assert.Nil(t, b.Redis)
}

func TestOpenRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	b, err := Open(context.Background(), &config.Config{StoreDriver: "memory", FanoutDriver: "redis", RedisAddr: mr.Addr()})
	require.NoError(t, err)

	assert.IsType(t, &fanout.Redis{}, b.Events)
	assert.IsType(t, &presence.Redis{}, b.Presence)
	require.NotNil(t, b.Redis)
	assert.NoError(t, b.Close())
}

func TestOpenRedisUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := Open(context.Background(), &config.Config{StoreDriver: "memory", FanoutDriver: "kafka", RedisAddr: addr})
	assert.Error(t, err)
}
