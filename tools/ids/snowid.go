package ids

import (
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Epoch is the zero instant of every id timestamp.
var Epoch = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

const (
	nodeBits = 10
	seqBits  = 12

	maxNodeID = 1<<nodeBits - 1
	seqMask   = 1<<seqBits - 1
	tsMask    = 1<<41 - 1
)

// Generator issues snowflake ids: 41 bits of milliseconds since Epoch,
// 10 bits of node id, 12 bits of sequence. Ids from one generator are
// strictly increasing, and ids from different nodes order by time.
type Generator struct {
	mu       sync.Mutex
	nodeID   int64
	seq      int64
	lastTSMS int64
	now      func() time.Time
}

// NewGenerator returns a generator for nodeID (0~1023, out of range falls back to 1).
func NewGenerator(nodeID int64) *Generator {
	if nodeID < 0 || nodeID > maxNodeID {
		nodeID = 1
	}
	return &Generator{nodeID: nodeID, now: time.Now}
}

// WithClock swaps the time source, used by tests.
func (g *Generator) WithClock(now func() time.Time) *Generator {
	g.mu.Lock()
	g.now = now
	g.mu.Unlock()
	return g
}

func (g *Generator) Next() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now().UnixMilli()
	if now < g.lastTSMS {
		// clock went backwards: keep issuing on the last timestamp
		now = g.lastTSMS
	}
	if now == g.lastTSMS {
		g.seq = (g.seq + 1) & seqMask
		if g.seq == 0 {
			// sequence exhausted for this millisecond, borrow the next one
			now = g.lastTSMS + 1
		}
	} else {
		g.seq = 0
	}
	g.lastTSMS = now

	ts := (now - Epoch.UnixMilli()) & tsMask
	return (ts << (nodeBits + seqBits)) | (g.nodeID << seqBits) | g.seq
}

func (g *Generator) NextString() string {
	return strconv.FormatInt(g.Next(), 10)
}

// MaxAt is the largest id any node can issue within the millisecond of t.
// Every id generated at or before t compares lower or equal.
func MaxAt(t time.Time) int64 {
	ts := (t.UnixMilli() - Epoch.UnixMilli()) & tsMask
	return (ts << (nodeBits + seqBits)) | (maxNodeID << seqBits) | seqMask
}

// TimeOf extracts the millisecond timestamp embedded in id.
func TimeOf(id int64) time.Time {
	ms := id >> (nodeBits + seqBits)
	return time.UnixMilli(Epoch.UnixMilli() + ms).UTC()
}

// Parse decodes the decimal string form of an id.
func Parse(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "parse id %q", s)
	}
	if id < 0 {
		return 0, errors.Errorf("parse id %q: negative", s)
	}
	return id, nil
}
