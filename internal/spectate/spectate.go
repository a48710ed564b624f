// Package spectate implements the spectator broadcaster: a per-session
// cadence timer, per-spectator last-known-state tracking, and the
// patch-vs-full-snapshot decision built on internal/jsonpatch. It is
// grounded on the teacher's per-room broadcast loop (internal/v1/session/
// room.go's participant fan-out) generalized from "broadcast to every
// participant" to "broadcast to spectators at an independently paced,
// per-viewer cadence with bandwidth-aware diffing."
package spectate

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/liku-ai/gamecoord/internal/jsonpatch"
	"github.com/liku-ai/gamecoord/internal/metrics"
)

// QualityTier paces how often a spectator receives updates.
type QualityTier string

const (
	QualityHigh   QualityTier = "high"
	QualityMedium QualityTier = "medium"
	QualityLow    QualityTier = "low"
)

// tierSendInterval is the minimum per-spectator gap between frames. The
// session's broadcast timer is the tick source; a spectator only receives
// a frame once its tier interval has elapsed since its last send.
var tierSendInterval = map[QualityTier]time.Duration{
	QualityHigh:   50 * time.Millisecond,
	QualityMedium: 100 * time.Millisecond,
	QualityLow:    200 * time.Millisecond,
}

// Latency thresholds for automatic tier selection.
const (
	highLatencyMax   = 100 * time.Millisecond
	mediumLatencyMax = 250 * time.Millisecond
)

// TierForLatency maps a smoothed round-trip latency to a quality tier.
func TierForLatency(latency time.Duration) QualityTier {
	switch {
	case latency <= highLatencyMax:
		return QualityHigh
	case latency <= mediumLatencyMax:
		return QualityMedium
	default:
		return QualityLow
	}
}

// Sender delivers an encoded frame to one spectator's connection.
type Sender func(kind string, data any) error

// Record is the per-(session,viewer) projection of a spectator.
// lastSnapshot is the state value last sent, stored as stateFn returned
// it; the next diff is computed from it, and jsonpatch.Diff compares
// json round-tripped copies of both sides.
type Record struct {
	ViewerID     string
	Send         Sender
	Quality      QualityTier
	Latency      time.Duration
	BytesSent    int64
	manual       bool
	failures     int
	lastSent     time.Time
	lastSnapshot any
}

// Broadcaster runs one session's spectator fan-out: a timer that fires at
// the session's base interval, and per-spectator pacing/patch decisions
// on top.
type Broadcaster struct {
	mu          sync.Mutex
	sessionID   string
	interval    time.Duration
	maxSpectators int
	patchingEnabled bool
	ratio       float64
	maxOps      int

	spectators map[string]*Record
	stateFn    func() any

	cancel context.CancelFunc
}

// Config tunes a Broadcaster's per-session broadcast cadence and
// patching behavior for one game-type.
type Config struct {
	Interval        time.Duration
	MaxSpectators   int
	PatchingEnabled bool
	Ratio           float64 // default 0.5
	MaxOps          int     // default 100
}

// New builds a Broadcaster for one session. stateFn returns the
// session's current full-state view; it is called on every tick.
func New(sessionID string, cfg Config, stateFn func() any) *Broadcaster {
	ratio := cfg.Ratio
	if ratio <= 0 {
		ratio = 0.5
	}
	maxOps := cfg.MaxOps
	if maxOps <= 0 {
		maxOps = 100
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	return &Broadcaster{
		sessionID:       sessionID,
		interval:        interval,
		maxSpectators:   cfg.MaxSpectators,
		patchingEnabled: cfg.PatchingEnabled,
		ratio:           ratio,
		maxOps:          maxOps,
		spectators:      make(map[string]*Record),
		stateFn:         stateFn,
	}
}

// ErrAtCapacity is returned by Join when the session's spectator cap has
// been reached.
type capacityError struct{}

func (capacityError) Error() string { return "spectate: session at spectator capacity" }

// ErrAtCapacity is the sentinel Join returns at capacity.
var ErrAtCapacity error = capacityError{}

// Join attaches a new spectator and starts the broadcast timer if this is
// the first spectator; the timer only runs while at least one spectator
// is attached.
func (b *Broadcaster) Join(viewerID string, quality QualityTier, send Sender) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.maxSpectators > 0 && len(b.spectators) >= b.maxSpectators {
		return ErrAtCapacity
	}

	b.spectators[viewerID] = &Record{ViewerID: viewerID, Send: send, Quality: quality}
	metrics.SpectatorCount.WithLabelValues(b.sessionID).Set(float64(len(b.spectators)))

	if b.cancel == nil {
		b.startLocked()
	}
	return nil
}

// Leave detaches a spectator; if none remain, the broadcast timer stops.
func (b *Broadcaster) Leave(viewerID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.spectators, viewerID)
	metrics.SpectatorCount.WithLabelValues(b.sessionID).Set(float64(len(b.spectators)))

	if len(b.spectators) == 0 && b.cancel != nil {
		b.cancel()
		b.cancel = nil
	}
}

// SetQuality manually overrides a spectator's pacing tier; automatic
// re-evaluation from latency stops until the spectator rejoins.
func (b *Broadcaster) SetQuality(viewerID string, quality QualityTier, latency time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if r, ok := b.spectators[viewerID]; ok {
		r.Quality = quality
		r.Latency = latency
		r.manual = true
	}
}

// ObserveLatency folds a measured round-trip sample into the spectator's
// exponentially-smoothed latency and re-derives the tier unless it has
// been manually overridden.
func (b *Broadcaster) ObserveLatency(viewerID string, sample time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.spectators[viewerID]
	if !ok {
		return
	}
	if r.Latency == 0 {
		r.Latency = sample
	} else {
		r.Latency = (r.Latency*7 + sample) / 8
	}
	if !r.manual {
		r.Quality = TierForLatency(r.Latency)
	}
}

// Stop halts the broadcast timer regardless of spectator count, called
// when the session finishes.
func (b *Broadcaster) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel != nil {
		b.cancel()
		b.cancel = nil
	}
}

func (b *Broadcaster) startLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel

	go func() {
		ticker := time.NewTicker(b.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				b.tick()
			}
		}
	}()
}

func (b *Broadcaster) tick() {
	b.mu.Lock()
	state := b.stateFn()
	now := time.Now()

	type delivery struct {
		rec  *Record
		kind string
		data any
	}
	var deliveries []delivery

	for _, r := range b.spectators {
		gap, ok := tierSendInterval[r.Quality]
		if !ok {
			gap = tierSendInterval[QualityHigh]
		}
		if !r.lastSent.IsZero() && now.Before(r.lastSent.Add(gap)) {
			continue
		}

		kind, data := b.frameFor(r, state)
		r.lastSent = now
		r.lastSnapshot = state
		deliveries = append(deliveries, delivery{rec: r, kind: kind, data: data})
	}
	b.mu.Unlock()

	for _, d := range deliveries {
		metrics.SpectatorFramesTotal.WithLabelValues(d.kind).Inc()
		if err := d.rec.Send(d.kind, d.data); err != nil {
			b.onSendFailure(d.rec.ViewerID)
			continue
		}
		if raw, mErr := json.Marshal(d.data); mErr == nil {
			metrics.SpectatorBytesTotal.WithLabelValues(d.kind).Add(float64(len(raw)))
			b.addBytes(d.rec.ViewerID, int64(len(raw)))
		}
	}
}

func (b *Broadcaster) addBytes(viewerID string, n int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if r, ok := b.spectators[viewerID]; ok {
		r.BytesSent += n
	}
}

// frameFor decides patch-vs-full for one spectator and returns the kind
// ("patch" or "full") plus the payload to send.
func (b *Broadcaster) frameFor(r *Record, state any) (string, any) {
	if !b.patchingEnabled || r.lastSnapshot == nil {
		return "full", state
	}

	patch, err := jsonpatch.Diff(r.lastSnapshot, state, jsonpatch.Options{})
	if err != nil {
		return "full", state
	}
	if err := jsonpatch.Validate(r.lastSnapshot, patch); err != nil {
		return "full", state
	}

	fallback, err := jsonpatch.ShouldFallbackToFullSnapshot(patch, state, b.ratio, b.maxOps)
	if err != nil || fallback {
		return "full", state
	}
	return "patch", patch
}

func (b *Broadcaster) onSendFailure(viewerID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.spectators[viewerID]
	if !ok {
		return
	}
	r.failures++
	if r.failures >= 3 {
		delete(b.spectators, viewerID)
		metrics.SpectatorCount.WithLabelValues(b.sessionID).Set(float64(len(b.spectators)))
	}
}

// Quality returns a spectator's current pacing tier.
func (b *Broadcaster) Quality(viewerID string) (QualityTier, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.spectators[viewerID]
	if !ok {
		return "", false
	}
	return r.Quality, true
}

// Count returns the current spectator count.
func (b *Broadcaster) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.spectators)
}
