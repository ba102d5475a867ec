package detect

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultTTLs are the per-kind cooldown windows.
var DefaultTTLs = map[Kind]time.Duration{
	KindVolatility: time.Hour,
	KindBasis:      5 * time.Minute,
	KindSpread:     5 * time.Minute,
}

// Cooldown drops alerts re-fired within their kind's TTL.
type Cooldown struct {
	mu   sync.Mutex
	last map[string]emission
	ttls map[Kind]time.Duration
}

type emission struct {
	at   time.Time
	kind Kind
}

func NewCooldown(ttls map[Kind]time.Duration) *Cooldown {
	if ttls == nil {
		ttls = DefaultTTLs
	}
	return &Cooldown{
		last: make(map[string]emission),
		ttls: ttls,
	}
}

func (c *Cooldown) ttl(k Kind) time.Duration {
	if d, ok := c.ttls[k]; ok {
		return d
	}
	return 5 * time.Minute
}

// Allow records and admits the alert unless its dedup key fired within TTL.
func (c *Cooldown) Allow(now time.Time, a Alert) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.last[a.DedupKey]; ok && now.Sub(prev.at) < c.ttl(a.Kind) {
		return false
	}
	c.last[a.DedupKey] = emission{at: now, kind: a.Kind}
	return true
}

// Purge garbage-collects entries older than their TTL. The maintenance loop
// calls it about once a minute.
func (c *Cooldown) Purge(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, e := range c.last {
		if now.Sub(e.at) >= c.ttl(e.kind) {
			delete(c.last, k)
			n++
		}
	}
	return n
}

// Len reports live cooldown entries.
func (c *Cooldown) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.last)
}

// Notifier is the outbound contract: one call per alert kind, alerts of
// that kind only.
type Notifier interface {
	Send(ctx context.Context, kind Kind, alerts []Alert) error
}

// Gate is the single funnel between detectors and the notifier.
type Gate struct {
	cooldown *Cooldown
	notifier Notifier

	// OnSent and OnSuppressed, when set, observe dispatch outcomes.
	OnSent       func(kind Kind, n int)
	OnSuppressed func(n int)
}

func NewGate(cd *Cooldown, n Notifier) *Gate {
	return &Gate{cooldown: cd, notifier: n}
}

// Dispatch filters a batch through the cooldown, groups survivors by kind
// and forwards each group. Notifier failures are logged and dropped; the
// detector pass never retries.
func (g *Gate) Dispatch(ctx context.Context, alerts []Alert) int {
	if len(alerts) == 0 {
		return 0
	}
	now := time.Now().UTC()
	byKind := make(map[Kind][]Alert)
	suppressed := 0
	for _, a := range alerts {
		if !g.cooldown.Allow(now, a) {
			log.Debug().Str("dedup_key", a.DedupKey).Msg("alert suppressed by cooldown")
			suppressed++
			continue
		}
		byKind[a.Kind] = append(byKind[a.Kind], a)
	}
	if suppressed > 0 && g.OnSuppressed != nil {
		g.OnSuppressed(suppressed)
	}
	sent := 0
	for kind, batch := range byKind {
		if err := g.notifier.Send(ctx, kind, batch); err != nil {
			log.Error().Err(err).Str("kind", string(kind)).Int("alerts", len(batch)).
				Msg("notifier send failed")
			continue
		}
		if g.OnSent != nil {
			g.OnSent(kind, len(batch))
		}
		sent += len(batch)
	}
	return sent
}
