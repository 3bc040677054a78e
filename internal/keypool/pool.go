package keypool

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/oriys/keyvault/internal/logging"
	"github.com/oriys/keyvault/internal/metrics"
)

// PolicyConfig holds the tunables that govern failure/freeze behavior,
// sourced from the config store keys named in spec §6.1.
type PolicyConfig struct {
	MaxFailures       int           // MAX_FAILURES
	MaxRetries        int           // MAX_RETRIES
	FreezeDuration    time.Duration // KEY_FREEZE_DURATION_SECONDS
	FreezeOnRateLimit bool          // ENABLE_KEY_FREEZE_ON_429
}

// PrecheckConfig holds the precheck engine's tunables, sourced from the
// config store keys KEY_PRECHECK_ENABLED / KEY_PRECHECK_COUNT /
// KEY_PRECHECK_TRIGGER_RATIO.
type PrecheckConfig struct {
	Enabled      bool
	Count        int     // 10-1000
	TriggerRatio float64 // 0.1-1.0
}

// CallRateOracle reports recent call volume, consumed only to decide
// whether an automatic background refill is safe to start (a supplement
// recovered from original_source's _check_precheck_safety; absent an
// oracle, refills are always allowed, matching spec.md's unconditional
// default).
type CallRateOracle interface {
	CallsInLastMinutes(ctx context.Context, minutes int) (int, error)
}

type buffer struct {
	keys  []string
	ready bool
}

// Pool is a single named key pool (e.g. "primary" or "vertex"). All
// behavior is identical across pool names; only the state is disjoint, per
// spec.md's Design Notes recommendation of one generic type over
// duplicated structures.
type Pool struct {
	name string

	clock func() time.Time

	policyMu sync.RWMutex
	policy   PolicyConfig

	// cycleMu guards the key list and rotator cursor. Never acquired
	// while stateMu, failMu, or precheckMu is held.
	cycleMu      sync.Mutex
	keys         []string
	cursor       int
	usageCounter uint64

	// stateMu guards freeze state; acquired before failMu when both are
	// needed in the same operation.
	stateMu        sync.RWMutex
	frozenUntil    map[string]time.Time
	manuallyFrozen map[string]bool

	failMu    sync.Mutex
	failCount map[string]int

	// precheck engine state.
	cfgMu       sync.RWMutex
	precheckCfg PrecheckConfig

	precheckMu         sync.Mutex
	precheckCond       *sync.Cond
	buffers            [2]buffer
	currentSlot        int
	currentIndex       int
	usedCount          int
	triggerThreshold   int
	precheckInProgress bool
	sfGroup            singleflight.Group

	oracleMu sync.RWMutex
	oracle   CallRateOracle

	validator Validator
	logger    *slog.Logger
}

// Option configures a Pool at construction time.
type Option func(*Pool)

// WithValidator sets the upstream validator used by the precheck engine
// and the synchronous verify operations.
func WithValidator(v Validator) Option {
	return func(p *Pool) { p.validator = v }
}

// WithClock overrides time.Now, for deterministic tests.
func WithClock(clock func() time.Time) Option {
	return func(p *Pool) { p.clock = clock }
}

// WithLogger overrides the operational logger (defaults to logging.Op()).
func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) { p.logger = l }
}

// WithPolicy sets the initial failure/freeze policy.
func WithPolicy(policy PolicyConfig) Option {
	return func(p *Pool) { p.policy = policy }
}

// WithPrecheckConfig sets the initial precheck configuration.
func WithPrecheckConfig(cfg PrecheckConfig) Option {
	return func(p *Pool) { p.precheckCfg = cfg }
}

// NewPool constructs a pool named name over the given initial key list.
func NewPool(name string, keys []string, opts ...Option) *Pool {
	p := &Pool{
		name:           name,
		clock:          time.Now,
		keys:           append([]string(nil), keys...),
		cursor:         -1,
		frozenUntil:    make(map[string]time.Time),
		manuallyFrozen: make(map[string]bool),
		failCount:      make(map[string]int),
		logger:         logging.Op(),
		policy: PolicyConfig{
			MaxFailures:       5,
			MaxRetries:        3,
			FreezeDuration:    5 * time.Minute,
			FreezeOnRateLimit: true,
		},
	}
	p.precheckCond = sync.NewCond(&p.precheckMu)
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Pool) now() time.Time { return p.clock() }

// Name returns the pool's name.
func (p *Pool) Name() string { return p.name }

// Policy returns the current failure/freeze policy.
func (p *Pool) Policy() PolicyConfig {
	p.policyMu.RLock()
	defer p.policyMu.RUnlock()
	return p.policy
}

// SetPolicy replaces the failure/freeze policy, e.g. after a config
// reload.
func (p *Pool) SetPolicy(policy PolicyConfig) {
	p.policyMu.Lock()
	p.policy = policy
	p.policyMu.Unlock()
}

// SetCallRateOracle wires an optional call-rate collaborator used to gate
// automatic background refills.
func (p *Pool) SetCallRateOracle(oracle CallRateOracle) {
	p.oracleMu.Lock()
	p.oracle = oracle
	p.oracleMu.Unlock()
}

// Len returns the number of keys currently loaded.
func (p *Pool) Len() int {
	p.cycleMu.Lock()
	defer p.cycleMu.Unlock()
	return len(p.keys)
}

func (p *Pool) snapshotKeys() []string {
	p.cycleMu.Lock()
	defer p.cycleMu.Unlock()
	return append([]string(nil), p.keys...)
}

// --- Rotator (C2) ---

// NextRaw advances the cursor and returns the key at the new position. It
// returns ErrPoolEmpty if no keys are loaded. Validity is not checked here
// by design; callers needing a working key should use GetNextWorkingKey.
func (p *Pool) NextRaw() (string, error) {
	p.cycleMu.Lock()
	defer p.cycleMu.Unlock()
	if len(p.keys) == 0 {
		return "", ErrPoolEmpty
	}
	p.cursor = (p.cursor + 1) % len(p.keys)
	p.usageCounter++
	return p.keys[p.cursor], nil
}

// CurrentPosition returns (usageCounter-1) mod len(keys), the index last
// handed out by NextRaw.
func (p *Pool) CurrentPosition() int {
	p.cycleMu.Lock()
	defer p.cycleMu.Unlock()
	if len(p.keys) == 0 {
		return 0
	}
	return (p.cursor + len(p.keys)) % len(p.keys)
}

// peekNext returns the key the next NextRaw() call would yield, without
// mutating any state. Used by the singleton lifecycle to capture
// preserved-state snapshots.
func (p *Pool) peekNext() (string, error) {
	p.cycleMu.Lock()
	defer p.cycleMu.Unlock()
	if len(p.keys) == 0 {
		return "", ErrPoolEmpty
	}
	idx := (p.cursor + 1) % len(p.keys)
	return p.keys[idx], nil
}

// --- Key State Store (C1) ---

// IncrementFail increments and returns key's failure count.
func (p *Pool) IncrementFail(key string) int {
	p.failMu.Lock()
	defer p.failMu.Unlock()
	p.failCount[key]++
	metrics.IncFailure(p.name)
	return p.failCount[key]
}

// ResetFail clears a single key's failure count.
func (p *Pool) ResetFail(key string) {
	p.failMu.Lock()
	defer p.failMu.Unlock()
	delete(p.failCount, key)
}

// ResetAllFail clears every key's failure count.
func (p *Pool) ResetAllFail() {
	p.failMu.Lock()
	defer p.failMu.Unlock()
	p.failCount = make(map[string]int)
}

// FailCount returns key's current failure count.
func (p *Pool) FailCount(key string) int {
	p.failMu.Lock()
	defer p.failMu.Unlock()
	return p.failCount[key]
}

func (p *Pool) snapshotFailCounts() map[string]int {
	p.failMu.Lock()
	defer p.failMu.Unlock()
	out := make(map[string]int, len(p.failCount))
	for k, v := range p.failCount {
		out[k] = v
	}
	return out
}

// Freeze suspends key for duration, auto-clearing lazily on read.
func (p *Pool) Freeze(key string, duration time.Duration) {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	p.frozenUntil[key] = p.now().Add(duration)
	metrics.IncFreeze(p.name, "rate_limit")
}

// Unfreeze clears an auto-freeze deadline (not the manual-freeze flag).
func (p *Pool) Unfreeze(key string) {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	delete(p.frozenUntil, key)
}

// ManuallyFreeze sets the indefinite administrative freeze flag ("disable").
func (p *Pool) ManuallyFreeze(key string) {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	p.manuallyFrozen[key] = true
	metrics.IncFreeze(p.name, "manual")
}

// ManuallyUnfreeze clears the administrative freeze flag ("enable").
func (p *Pool) ManuallyUnfreeze(key string) {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	delete(p.manuallyFrozen, key)
}

// IsFrozen reports whether key is currently frozen (manual or
// not-yet-expired auto-freeze), lazily expiring a past deadline.
func (p *Pool) IsFrozen(key string) bool {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	if p.manuallyFrozen[key] {
		return true
	}
	until, ok := p.frozenUntil[key]
	if !ok {
		return false
	}
	if p.now().Before(until) {
		return true
	}
	delete(p.frozenUntil, key)
	return false
}

// Enable is an alias for ManuallyUnfreeze (legacy naming, per GLOSSARY).
func (p *Pool) Enable(key string) { p.ManuallyUnfreeze(key) }

// Disable is an alias for ManuallyFreeze (legacy naming, per GLOSSARY).
func (p *Pool) Disable(key string) { p.ManuallyFreeze(key) }

// BatchEnable enables every key in keys that is actually a member of the
// pool. Keys not found in the pool are skipped, logged, and reported as
// false in the returned map, rather than silently polluting the
// manual-freeze set with keys the pool never held.
func (p *Pool) BatchEnable(keys []string) map[string]bool {
	return p.batchSetFrozen(keys, false)
}

// BatchDisable disables every key in keys that is actually a member of
// the pool, with the same membership gating as BatchEnable.
func (p *Pool) BatchDisable(keys []string) map[string]bool {
	return p.batchSetFrozen(keys, true)
}

func (p *Pool) batchSetFrozen(keys []string, frozen bool) map[string]bool {
	present := p.keySet()
	results := make(map[string]bool, len(keys))
	for _, k := range keys {
		if !present[k] {
			if p.logger != nil {
				p.logger.Warn("batch freeze toggle skipped key not in pool", "pool", p.name, "key", logging.RedactKey(k), "disable", frozen)
			}
			results[k] = false
			continue
		}
		if frozen {
			p.Disable(k)
		} else {
			p.Enable(k)
		}
		results[k] = true
	}
	return results
}

// GetFirstValidKey returns the first key (insertion order) with a failure
// count below the threshold, falling back to the first key in the pool if
// none qualifies.
func (p *Pool) GetFirstValidKey() (string, error) {
	keys := p.snapshotKeys()
	if len(keys) == 0 {
		return "", ErrPoolEmpty
	}
	maxFail := p.Policy().MaxFailures
	for _, k := range keys {
		if p.FailCount(k) < maxFail {
			return k, nil
		}
	}
	return keys[0], nil
}

// BatchSearch splits input on the first separator found among ';', ',',
// '\n' (in that precedence), and classifies each non-empty token as
// present or absent from the pool's key list.
func (p *Pool) BatchSearch(input string) (found, notFound []string) {
	tokens := splitBatchInput(input)
	present := p.keySet()
	for _, t := range tokens {
		if present[t] {
			found = append(found, t)
		} else {
			notFound = append(notFound, t)
		}
	}
	return found, notFound
}

func (p *Pool) keySet() map[string]bool {
	p.cycleMu.Lock()
	defer p.cycleMu.Unlock()
	set := make(map[string]bool, len(p.keys))
	for _, k := range p.keys {
		set[k] = true
	}
	return set
}
