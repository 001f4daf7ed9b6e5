package presence

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	onlineKey   = "presence:online"
	connsKey    = "presence:conns"
	gatewaysKey = "presence:gateways"
	opTimeout   = time.Second

	DefaultTTL = 30 * time.Second
)

func shareKey(instance string) string { return "presence:gw:" + instance }
func aliveKey(instance string) string { return "presence:alive:" + instance }

// KEYS: share, conns, online, alive, gateways. ARGV: user, instance, ttl ms.
var connectScript = redis.NewScript(`
redis.call('HINCRBY', KEYS[1], ARGV[1], 1)
local n = redis.call('HINCRBY', KEYS[2], ARGV[1], 1)
redis.call('SADD', KEYS[3], ARGV[1])
redis.call('SET', KEYS[4], '1', 'PX', ARGV[3])
redis.call('SADD', KEYS[5], ARGV[2])
return n
`)

// KEYS: share, conns, online. ARGV: user. Returns -1 when this instance
// holds no connection for the user.
var disconnectScript = redis.NewScript(`
local mine = tonumber(redis.call('HGET', KEYS[1], ARGV[1]) or '0')
if mine <= 0 then
  return -1
end
if mine == 1 then
  redis.call('HDEL', KEYS[1], ARGV[1])
else
  redis.call('HINCRBY', KEYS[1], ARGV[1], -1)
end
local n = redis.call('HINCRBY', KEYS[2], ARGV[1], -1)
if n <= 0 then
  redis.call('HDEL', KEYS[2], ARGV[1])
  redis.call('SREM', KEYS[3], ARGV[1])
  return 0
end
return n
`)

// KEYS: alive, share, conns, online, gateways. ARGV: instance. Removes the
// share of an instance whose heartbeat expired and returns the users left
// with no connection anywhere.
var reapScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return {}
end
local gone = {}
local share = redis.call('HGETALL', KEYS[2])
for i = 1, #share, 2 do
  local user = share[i]
  local n = redis.call('HINCRBY', KEYS[3], user, -tonumber(share[i + 1]))
  if n <= 0 then
    redis.call('HDEL', KEYS[3], user)
    redis.call('SREM', KEYS[4], user)
    table.insert(gone, user)
  end
end
redis.call('DEL', KEYS[2])
redis.call('SREM', KEYS[5], ARGV[1])
return gone
`)

type RedisOptions struct {
	// Instance names this process's share of the counts. Defaults to a
	// random id, which is right unless a restart should inherit a share.
	Instance string
	// TTL is how long the share outlives the last heartbeat.
	TTL time.Duration
}

// Redis shares presence between gateway instances. Each instance keeps its
// own connection counts next to the cluster-wide count and online set, all
// updated in one script, and heartbeats a liveness key so the others can
// reclaim its counts if it dies.
type Redis struct {
	rdb      *redis.Client
	instance string
	ttl      time.Duration
}

func NewRedis(rdb *redis.Client, opts RedisOptions) *Redis {
	if opts.Instance == "" {
		opts.Instance = uuid.NewString()
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	return &Redis{rdb: rdb, instance: opts.Instance, ttl: opts.TTL}
}

func (r *Redis) Connect(ctx context.Context, userID string) bool {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	keys := []string{shareKey(r.instance), connsKey, onlineKey, aliveKey(r.instance), gatewaysKey}
	n, err := connectScript.Run(ctx, r.rdb, keys, userID, r.instance, r.ttl.Milliseconds()).Int64()
	if err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("presence connect failed")
		return false
	}
	return n == 1
}

func (r *Redis) Disconnect(ctx context.Context, userID string) bool {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	keys := []string{shareKey(r.instance), connsKey, onlineKey}
	n, err := disconnectScript.Run(ctx, r.rdb, keys, userID).Int64()
	if err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("presence disconnect failed")
		return false
	}
	return n == 0
}

func (r *Redis) IsOnline(ctx context.Context, userID string) bool {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	ok, err := r.rdb.SIsMember(ctx, onlineKey, userID).Result()
	if err != nil {
		log.Debug().Err(err).Str("user_id", userID).Msg("presence lookup failed")
		return false
	}
	return ok
}

func (r *Redis) Online(ctx context.Context) []string {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	users, err := r.rdb.SMembers(ctx, onlineKey).Result()
	if err != nil {
		log.Debug().Err(err).Msg("presence list failed")
		return nil
	}
	sort.Strings(users)
	return users
}

// Run heartbeats every third of the TTL and reaps instances that missed
// theirs, until ctx is done.
func (r *Redis) Run(ctx context.Context, offline func(ctx context.Context, userID string)) error {
	tick := time.NewTicker(r.ttl / 3)
	defer tick.Stop()
	for {
		if err := r.beat(ctx); err != nil {
			log.Warn().Err(err).Str("instance", r.instance).Msg("presence heartbeat failed")
		}
		for _, u := range r.sweep(ctx) {
			offline(ctx, u)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
		}
	}
}

func (r *Redis) beat(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	pipe := r.rdb.TxPipeline()
	pipe.Set(ctx, aliveKey(r.instance), "1", r.ttl)
	pipe.SAdd(ctx, gatewaysKey, r.instance)
	_, err := pipe.Exec(ctx)
	return err
}

// sweep reaps every registered instance whose liveness key expired.
func (r *Redis) sweep(ctx context.Context) []string {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	instances, err := r.rdb.SMembers(ctx, gatewaysKey).Result()
	if err != nil {
		log.Debug().Err(err).Msg("presence sweep failed")
		return nil
	}
	var gone []string
	for _, id := range instances {
		if id == r.instance {
			continue
		}
		keys := []string{aliveKey(id), shareKey(id), connsKey, onlineKey, gatewaysKey}
		users, err := reapScript.Run(ctx, r.rdb, keys, id).StringSlice()
		if err != nil {
			log.Warn().Err(err).Str("instance", id).Msg("presence reap failed")
			continue
		}
		if len(users) > 0 {
			log.Info().Str("instance", id).Int("users", len(users)).Msg("reaped stale presence")
		}
		gone = append(gone, users...)
	}
	sort.Strings(gone)
	return gone
}
