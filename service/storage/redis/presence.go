package redis

import (
	"context"
	"time"

	"ChatRelay/global"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// A user's presence is a sorted set of connection ids scored by expiry in
// unix ms. Expired members are swept by the read scripts, so a node that
// dies without cleaning up stops counting once its entries lapse.

// ===== Lua 脚本 =====

// KEYS[1] = presence zset
// ARGV[1] = now ms
// returns live connection ids
const luaActive = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
redis.call("ZREMRANGEBYSCORE", key, "-inf", now)
return redis.call("ZRANGEBYSCORE", key, "(" .. now, "+inf")
`

var activeScript = redis.NewScript(luaActive)

// Presence implements the registry presence hook on redis.
type Presence struct {
	rdb redis.UniversalClient
	ttl time.Duration
	now func() time.Time
}

func NewPresence(rdb redis.UniversalClient, ttl time.Duration) *Presence {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &Presence{rdb: rdb, ttl: ttl, now: time.Now}
}

func (p *Presence) WithClock(now func() time.Time) *Presence {
	p.now = now
	return p
}

// ===== 上线 / 下线 =====

// Online adds or refreshes connID for userID.
func (p *Presence) Online(ctx context.Context, userID, connID string) error {
	key := global.PresenceKey(userID)
	expAt := p.now().Add(p.ttl).UnixMilli()
	pipe := p.rdb.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(expAt), Member: connID})
	pipe.PExpire(ctx, key, 2*p.ttl) // key 本身兜底过期，防止节点宕机留下脏数据
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrapf(err, "presence online %s", userID)
	}
	return nil
}

func (p *Presence) Offline(ctx context.Context, userID, connID string) error {
	if err := p.rdb.ZRem(ctx, global.PresenceKey(userID), connID).Err(); err != nil {
		return errors.Wrapf(err, "presence offline %s", userID)
	}
	return nil
}

// ===== 查询在线状态 =====

// Connections lists the live connection ids of userID across all nodes.
func (p *Presence) Connections(ctx context.Context, userID string) ([]string, error) {
	ids, err := activeScript.Run(ctx, p.rdb, []string{global.PresenceKey(userID)}, p.now().UnixMilli()).StringSlice()
	if err != nil {
		return nil, errors.Wrapf(err, "presence lookup %s", userID)
	}
	return ids, nil
}

func (p *Presence) IsOnline(ctx context.Context, userID string) (bool, error) {
	ids, err := p.Connections(ctx, userID)
	return len(ids) > 0, err
}

// TTL is how long an entry lives without a refresh.
func (p *Presence) TTL() time.Duration { return p.ttl }
