// Package dedupe suppresses duplicate inbound events using a bounded
// TTL cache of event fingerprints. Platforms redeliver webhooks; the
// first delivery wins and later ones are acknowledged without effect.
package dedupe

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Deduper remembers recently seen event fingerprints. Entries expire
// after the TTL and the oldest entries are evicted once the cache is
// full, so memory stays bounded under any inbound rate.
type Deduper struct {
	// mu makes the Contains/Add pair in CheckAndMark one atomic step;
	// the LRU only locks each call individually.
	mu    sync.Mutex
	cache *expirable.LRU[string, struct{}]
}

// New creates a Deduper holding at most maxEntries fingerprints for ttl.
func New(maxEntries int, ttl time.Duration) *Deduper {
	return &Deduper{cache: expirable.NewLRU[string, struct{}](maxEntries, nil, ttl)}
}

// Fingerprint derives a stable fingerprint for an inbound event. When
// the platform supplies an external message id, identity is
// (bridge, external id); otherwise the sender, room, text, and the
// timestamp bucket stand in for it.
func Fingerprint(bridgeID, externalMessageID, externalUserID, externalRoomID, text string, ts time.Time) string {
	h := xxhash.New()
	if externalMessageID != "" {
		writeField(h, bridgeID)
		writeField(h, "msg")
		writeField(h, externalMessageID)
	} else {
		writeField(h, bridgeID)
		writeField(h, "content")
		writeField(h, externalUserID)
		writeField(h, externalRoomID)
		writeField(h, text)
		writeField(h, strconv.FormatInt(ts.Unix(), 10))
	}
	return fmt.Sprintf("%016x", h.Sum64())
}

func writeField(h *xxhash.Digest, s string) {
	_, _ = h.WriteString(s)
	_, _ = h.Write([]byte{0})
}

// CheckAndMark records the fingerprint and reports whether it had been
// seen already. Exactly one of any set of concurrent callers gets
// false and owns the event.
func (d *Deduper) CheckAndMark(fingerprint string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cache.Contains(fingerprint) {
		return true
	}
	d.cache.Add(fingerprint, struct{}{})
	return false
}

// Seen reports whether the fingerprint is currently cached, without
// recording it.
func (d *Deduper) Seen(fingerprint string) bool {
	return d.cache.Contains(fingerprint)
}

// Len returns the number of live entries.
func (d *Deduper) Len() int {
	return d.cache.Len()
}

// Clear drops all entries.
func (d *Deduper) Clear() {
	d.cache.Purge()
}
