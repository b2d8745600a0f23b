package channel

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"onegate/internal/cache"
	"onegate/internal/core"
)

// DefaultFailureThreshold is the number of consecutive failures that
// excludes a channel.
const DefaultFailureThreshold = 3

// EvaluatorConfig tunes the health circuit.
type EvaluatorConfig struct {
	FailureThreshold int

	// Cooldown lets an excluded channel be tried again, ranked after every
	// healthy candidate, once it has been excluded this long. Zero means only a
	// successful probe restores it.
	Cooldown time.Duration

	// OnExclusionChange, when set, is called outside the evaluator lock
	// whenever a channel enters or leaves exclusion.
	OnExclusionChange func(channel string, excluded bool)
}

// Health is the evaluator's view of one channel.
type Health struct {
	Successes           int64     `json:"successes"`
	Failures            int64     `json:"failures"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	Excluded            bool      `json:"excluded"`
	ExcludedAt          time.Time `json:"excluded_at,omitzero"`
	LastError           string    `json:"last_error,omitempty"`
	LastLatencyMs       int64     `json:"last_latency_ms"`
	LastProbeAt         time.Time `json:"last_probe_at,omitzero"`
	LastProbeOK         bool      `json:"last_probe_ok"`
}

// Evaluator filters and ranks channels for a request and tracks their health.
// It holds channel references for scoring only and never mutates channel config.
type Evaluator struct {
	mu     sync.RWMutex
	cfg    EvaluatorConfig
	states map[string]*healthState
	now    func() time.Time
}

type healthState struct {
	adapterType         string
	successes           int64
	failures            int64
	consecutiveFailures int
	excluded            bool
	excludedAt          time.Time
	lastError           string
	lastLatency         time.Duration
	lastProbeAt         time.Time
	lastProbeOK         bool
}

type rankedChannel struct {
	ch       *Channel
	halfOpen bool
	score    float64
	tie      uint64
}

// NewEvaluator creates an evaluator with defaults applied.
func NewEvaluator(cfg EvaluatorConfig) *Evaluator {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.Cooldown < 0 {
		cfg.Cooldown = 0
	}
	return &Evaluator{
		cfg:    cfg,
		states: map[string]*healthState{},
		now:    time.Now,
	}
}

// Config returns the active configuration.
func (e *Evaluator) Config() EvaluatorConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

// Eligible returns the channels that may serve req, best first.
//
// Channels are filtered by enabled flag, model, capability and health, then
// ranked by priority, health score and a per-request hash that spreads load
// across otherwise equal channels. Errors are *core.GatewayError.
func (e *Evaluator) Eligible(ctx context.Context, req *core.Request, candidates []*Channel) ([]*Channel, error) {
	var serving []*Channel
	for _, ch := range candidates {
		if ch.Enabled() && ch.Serves(req.Model) {
			serving = append(serving, ch)
		}
	}
	if len(serving) == 0 {
		return nil, core.NewNoChannelError("no enabled channel serves model " + req.Model)
	}

	capable := serving[:0:0]
	for _, ch := range serving {
		if ch.Capable(req) {
			capable = append(capable, ch)
		}
	}
	if len(capable) == 0 {
		return nil, core.NewCapabilityMismatchError("no channel serving model " + req.Model + " supports function calling")
	}

	requestID := core.GetRequestID(ctx)
	now := e.now()

	e.mu.RLock()
	ranked := make([]rankedChannel, 0, len(capable))
	for _, ch := range capable {
		st := e.states[ch.Name()]
		allowed, halfOpen := e.allowed(st, now)
		if !allowed {
			continue
		}
		ranked = append(ranked, rankedChannel{
			ch:       ch,
			halfOpen: halfOpen,
			score:    score(st),
			tie:      xxhash.Sum64String(requestID + "/" + ch.Name()),
		})
	}
	e.mu.RUnlock()

	if len(ranked) == 0 {
		return nil, core.NewNoChannelError("every channel serving model " + req.Model + " is excluded")
	}

	sort.Slice(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.halfOpen != b.halfOpen {
			return !a.halfOpen
		}
		if a.ch.Priority() != b.ch.Priority() {
			return a.ch.Priority() > b.ch.Priority()
		}
		if a.score != b.score {
			return a.score > b.score
		}
		if a.tie != b.tie {
			return a.tie < b.tie
		}
		return a.ch.Name() < b.ch.Name()
	})

	out := make([]*Channel, len(ranked))
	for i, r := range ranked {
		out[i] = r.ch
	}
	return out, nil
}

// RecordOutcome updates health after a dispatch attempt.
func (e *Evaluator) RecordOutcome(ch *Channel, success bool, latency time.Duration, diagnostic string) {
	e.mu.Lock()
	st := e.ensureLocked(ch)
	if latency > 0 {
		st.lastLatency = latency
	}
	var changed, excluded bool
	if success {
		st.successes++
		changed = e.succeedLocked(st)
	} else {
		st.failures++
		changed, excluded = e.failLocked(st, diagnostic)
	}
	e.mu.Unlock()

	if changed {
		e.notify(ch.Name(), excluded, diagnostic)
	}
}

// RecordProbe updates health after a Test round trip. A successful probe is
// the way back from exclusion.
func (e *Evaluator) RecordProbe(ch *Channel, ok bool, detail string) {
	e.mu.Lock()
	st := e.ensureLocked(ch)
	st.lastProbeAt = e.now()
	st.lastProbeOK = ok
	var changed, excluded bool
	if ok {
		changed = e.succeedLocked(st)
	} else {
		changed, excluded = e.failLocked(st, detail)
	}
	e.mu.Unlock()

	if changed {
		e.notify(ch.Name(), excluded, detail)
	}
}

// Excluded reports whether the named channel is currently excluded.
func (e *Evaluator) Excluded(name string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	st, ok := e.states[name]
	return ok && st.excluded
}

// Health returns the named channel's health. Channels never observed report
// zero health.
func (e *Evaluator) Health(name string) Health {
	e.mu.RLock()
	defer e.mu.RUnlock()
	st, ok := e.states[name]
	if !ok {
		return Health{}
	}
	return Health{
		Successes:           st.successes,
		Failures:            st.failures,
		ConsecutiveFailures: st.consecutiveFailures,
		Excluded:            st.excluded,
		ExcludedAt:          st.excludedAt,
		LastError:           st.lastError,
		LastLatencyMs:       st.lastLatency.Milliseconds(),
		LastProbeAt:         st.lastProbeAt,
		LastProbeOK:         st.lastProbeOK,
	}
}

// Forget drops the health of a channel that was removed.
func (e *Evaluator) Forget(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.states, name)
}

// Snapshot exports health for persistence.
func (e *Evaluator) Snapshot() *cache.HealthSnapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()

	snap := &cache.HealthSnapshot{
		Version:   cache.SnapshotVersion,
		UpdatedAt: e.now().UTC(),
		Channels:  make(map[string]cache.ChannelHealth, len(e.states)),
	}
	for name, st := range e.states {
		snap.Channels[name] = cache.ChannelHealth{
			AdapterType:         st.adapterType,
			Successes:           st.successes,
			Failures:            st.failures,
			ConsecutiveFailures: st.consecutiveFailures,
			Excluded:            st.excluded,
			ExcludedAt:          st.excludedAt,
			LastError:           st.lastError,
			LastLatencyMs:       st.lastLatency.Milliseconds(),
			LastProbeAt:         st.lastProbeAt,
			LastProbeOK:         st.lastProbeOK,
		}
	}
	return snap
}

// Restore loads persisted health for the given channels. Entries for unknown
// channels, or whose adapter type changed since the snapshot, are ignored.
// It returns the number of channels restored.
func (e *Evaluator) Restore(snap *cache.HealthSnapshot, channels []*Channel) int {
	if snap == nil {
		return 0
	}

	restored := 0
	var excluded []string
	e.mu.Lock()
	for _, ch := range channels {
		h, ok := snap.Channels[ch.Name()]
		if !ok || (h.AdapterType != "" && h.AdapterType != ch.AdapterType()) {
			continue
		}
		e.states[ch.Name()] = &healthState{
			adapterType:         ch.AdapterType(),
			successes:           h.Successes,
			failures:            h.Failures,
			consecutiveFailures: h.ConsecutiveFailures,
			excluded:            h.Excluded,
			excludedAt:          h.ExcludedAt,
			lastError:           h.LastError,
			lastLatency:         time.Duration(h.LastLatencyMs) * time.Millisecond,
			lastProbeAt:         h.LastProbeAt,
			lastProbeOK:         h.LastProbeOK,
		}
		if h.Excluded {
			excluded = append(excluded, ch.Name())
		}
		restored++
	}
	e.mu.Unlock()

	if e.cfg.OnExclusionChange != nil {
		for _, name := range excluded {
			e.cfg.OnExclusionChange(name, true)
		}
	}
	return restored
}

func (e *Evaluator) ensureLocked(ch *Channel) *healthState {
	st, ok := e.states[ch.Name()]
	if !ok {
		st = &healthState{adapterType: ch.AdapterType()}
		e.states[ch.Name()] = st
	}
	return st
}

// succeedLocked resets the failure streak and reports whether the channel
// left exclusion.
func (e *Evaluator) succeedLocked(st *healthState) bool {
	st.consecutiveFailures = 0
	st.lastError = ""
	if !st.excluded {
		return false
	}
	st.excluded = false
	st.excludedAt = time.Time{}
	return true
}

// failLocked extends the failure streak. A failure while excluded (a
// half-open attempt) restarts the cooldown.
func (e *Evaluator) failLocked(st *healthState, detail string) (changed, excluded bool) {
	st.consecutiveFailures++
	st.lastError = detail
	if st.excluded {
		st.excludedAt = e.now()
		return false, true
	}
	if st.consecutiveFailures >= e.cfg.FailureThreshold {
		st.excluded = true
		st.excludedAt = e.now()
		return true, true
	}
	return false, false
}

func (e *Evaluator) allowed(st *healthState, now time.Time) (allowed, halfOpen bool) {
	if st == nil || !st.excluded {
		return true, false
	}
	if e.cfg.Cooldown > 0 && now.Sub(st.excludedAt) >= e.cfg.Cooldown {
		return true, true
	}
	return false, false
}

func (e *Evaluator) notify(name string, excluded bool, detail string) {
	if excluded {
		slog.Warn("channel excluded", "channel", name, "threshold", e.cfg.FailureThreshold, "error", detail)
	} else {
		slog.Info("channel restored", "channel", name)
	}
	if e.cfg.OnExclusionChange != nil {
		e.cfg.OnExclusionChange(name, excluded)
	}
}

func score(st *healthState) float64 {
	score := 100.0
	if st == nil {
		return score
	}
	score -= float64(st.consecutiveFailures) * 15
	if st.lastLatency > 0 {
		penalty := float64(st.lastLatency.Milliseconds()) / 120.0
		if penalty > 30 {
			penalty = 30
		}
		score -= penalty
	}
	total := st.successes + st.failures
	if total > 0 {
		successRate := float64(st.successes) / float64(total)
		score += (successRate - 0.5) * 40
	}
	return score
}
