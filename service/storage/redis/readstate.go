package redis

import (
	"context"
	"strconv"
	"strings"
	"time"

	"ChatRelay/global"
	"ChatRelay/service/storage"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// Watermarks are stored as "<messageId>|<readAtMs>" in a per-thread hash.
// Ids are compared as decimal strings since they do not fit a Lua number.
//
// KEYS[1] = read state hash
// ARGV[1] = user id
// ARGV[2] = candidate message id
// ARGV[3] = read at, unix ms
// returns {1, value} when stored, {0, current} otherwise
const luaAdvance = `
local cur = redis.call("HGET", KEYS[1], ARGV[1])
local nextv = ARGV[2] .. "|" .. ARGV[3]
if not cur then
  redis.call("HSET", KEYS[1], ARGV[1], nextv)
  return {1, nextv}
end
local sep = string.find(cur, "|", 1, true)
local curId = string.sub(cur, 1, sep - 1)
local cand = ARGV[2]
local newer
if #cand ~= #curId then
  newer = #cand > #curId
else
  newer = cand > curId
end
if newer then
  redis.call("HSET", KEYS[1], ARGV[1], nextv)
  return {1, nextv}
end
return {0, cur}
`

var advanceScript = redis.NewScript(luaAdvance)

// ReadState keeps read watermarks in redis so every relay node sees the
// same value.
type ReadState struct {
	rdb redis.UniversalClient
}

func NewReadState(rdb redis.UniversalClient) *ReadState {
	return &ReadState{rdb: rdb}
}

func (s *ReadState) Advance(ctx context.Context, threadID, userID string, messageID int64, at time.Time) (storage.ReadMark, bool, error) {
	res, err := advanceScript.Run(ctx, s.rdb, []string{global.ReadStateKey(threadID)},
		userID, strconv.FormatInt(messageID, 10), at.UnixMilli()).Slice()
	if err != nil {
		return storage.ReadMark{}, false, errors.Wrapf(err, "advance read state %s/%s", threadID, userID)
	}
	if len(res) != 2 {
		return storage.ReadMark{}, false, errors.Errorf("advance read state: unexpected reply %v", res)
	}
	flag, _ := res[0].(int64)
	raw, _ := res[1].(string)
	mark, err := parseMark(raw)
	if err != nil {
		return storage.ReadMark{}, false, err
	}
	return mark, flag == 1, nil
}

func (s *ReadState) Get(ctx context.Context, threadID, userID string) (storage.ReadMark, bool, error) {
	raw, err := s.rdb.HGet(ctx, global.ReadStateKey(threadID), userID).Result()
	if errors.Is(err, redis.Nil) {
		return storage.ReadMark{}, false, nil
	}
	if err != nil {
		return storage.ReadMark{}, false, errors.Wrapf(err, "get read state %s/%s", threadID, userID)
	}
	mark, err := parseMark(raw)
	return mark, err == nil, err
}

func parseMark(raw string) (storage.ReadMark, error) {
	idPart, atPart, ok := strings.Cut(raw, "|")
	if !ok {
		return storage.ReadMark{}, errors.Errorf("bad read state value %q", raw)
	}
	id, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil {
		return storage.ReadMark{}, errors.Wrapf(err, "bad read state id %q", raw)
	}
	ms, err := strconv.ParseInt(atPart, 10, 64)
	if err != nil {
		return storage.ReadMark{}, errors.Wrapf(err, "bad read state time %q", raw)
	}
	return storage.ReadMark{MessageID: id, ReadAt: time.UnixMilli(ms).UTC()}, nil
}
