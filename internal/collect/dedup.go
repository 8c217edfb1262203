package collect

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/1sec-project/sectriage/internal/core"
)

const (
	defaultDedupWindow = 30 * time.Second
	defaultDedupSize   = 50000
)

// Deduper drops events already seen within a time window, such as the same
// line arriving over both syslog and a tailed file, or a UDP retransmit.
type Deduper struct {
	mu      sync.Mutex
	seen    *expirable.LRU[string, struct{}]
	dropped atomic.Uint64
}

// NewDeduper remembers up to size fingerprints for window each.
// Non-positive arguments take defaults.
func NewDeduper(window time.Duration, size int) *Deduper {
	if window <= 0 {
		window = defaultDedupWindow
	}
	if size <= 0 {
		size = defaultDedupSize
	}
	return &Deduper{seen: expirable.NewLRU[string, struct{}](size, nil, window)}
}

// Duplicate reports whether ev was seen within the window and records it
// otherwise.
func (d *Deduper) Duplicate(ev core.Event) bool {
	key := fingerprint(ev)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seen.Contains(key) {
		d.dropped.Add(1)
		return true
	}
	d.seen.Add(key, struct{}{})
	return false
}

// Filter wraps next so duplicates never reach it.
func (d *Deduper) Filter(next func(core.Event)) func(core.Event) {
	return func(ev core.Event) {
		if !d.Duplicate(ev) {
			next(ev)
		}
	}
}

// Dropped returns how many duplicates were suppressed.
func (d *Deduper) Dropped() uint64 {
	return d.dropped.Load()
}

// Len returns the number of live fingerprints.
func (d *Deduper) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.seen.Len()
}

// fingerprint hashes the fields that identify a log record. The message is
// capped at 256 bytes.
func fingerprint(ev core.Event) string {
	h := sha256.New()
	for _, part := range []string{ev.EventType, ev.SrcIP, ev.DstIP, ev.Timestamp} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	msg := ev.Message
	if len(msg) > 256 {
		msg = msg[:256]
	}
	h.Write([]byte(msg))
	return hex.EncodeToString(h.Sum(nil)[:16])
}
