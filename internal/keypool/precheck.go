package keypool

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/oriys/keyvault/internal/logging"
	"github.com/oriys/keyvault/internal/metrics"
	"github.com/oriys/keyvault/internal/tracing"
)

// precheckWaitBudget is the bounded wait for an immediate precheck fill
// before falling back to legacy selection, per §4.5.2 step 1 / §5.
const precheckWaitBudget = 30 * time.Second

// PrecheckEnabled reports whether the precheck engine should be consulted:
// enabled by configuration and the pool is non-empty.
func (p *Pool) PrecheckEnabled() bool {
	return p.GetPrecheckConfig().Enabled && p.Len() > 0
}

// GetPrecheckConfig returns the current precheck configuration.
func (p *Pool) GetPrecheckConfig() PrecheckConfig {
	p.cfgMu.RLock()
	defer p.cfgMu.RUnlock()
	return p.precheckCfg
}

// PrecheckConfigUpdate carries optional overrides for UpdatePrecheckConfig;
// nil fields are left unchanged.
type PrecheckConfigUpdate struct {
	Enabled      *bool
	Count        *int
	TriggerRatio *float64
}

// UpdatePrecheckConfig applies update, validating count in [10,1000] and
// trigger_ratio in [0.1,1.0]. Returns ErrInvalidConfig (wrapped with a
// reason) on a bad parameter; partial-valid updates are rejected wholesale.
func (p *Pool) UpdatePrecheckConfig(update PrecheckConfigUpdate) error {
	p.cfgMu.Lock()
	defer p.cfgMu.Unlock()

	next := p.precheckCfg
	if update.Count != nil {
		if *update.Count < 10 || *update.Count > 1000 {
			return errInvalidConfigf("count must be in [10,1000], got %d", *update.Count)
		}
		next.Count = *update.Count
	}
	if update.TriggerRatio != nil {
		if *update.TriggerRatio < 0.1 || *update.TriggerRatio > 1.0 {
			return errInvalidConfigf("trigger_ratio must be in [0.1,1.0], got %v", *update.TriggerRatio)
		}
		next.TriggerRatio = *update.TriggerRatio
	}
	if update.Enabled != nil {
		next.Enabled = *update.Enabled
	}
	p.precheckCfg = next
	return nil
}

// InitPrecheck runs a synchronous initial fill of slot 0 and makes it the
// current batch, per §4.5.2 "At startup, run an initial precheck...". A
// no-op if prechecking is disabled or the pool is empty.
func (p *Pool) InitPrecheck(ctx context.Context) {
	if !p.PrecheckEnabled() {
		return
	}
	p.runPrecheckFill(ctx, 0)

	p.precheckMu.Lock()
	p.currentSlot = 0
	p.currentIndex = 0
	p.usedCount = 0
	p.triggerThreshold = computeTriggerThreshold(len(p.buffers[0].keys), p.GetPrecheckConfig().TriggerRatio)
	p.precheckMu.Unlock()
}

// selectBatch implements §4.5.3: candidates are drawn starting at the
// rotator's current position, preferring keys under the failure
// threshold; if fewer than count qualify, all non-frozen keys sorted
// ascending by failure count are used instead. Frozen/manually-frozen
// keys are skipped at selection time either way.
func (p *Pool) selectBatch(count int) []string {
	keys := p.snapshotKeys()
	if len(keys) == 0 {
		return nil
	}
	n := len(keys)
	start := p.CurrentPosition()

	ordered := make([]string, n)
	for i := 0; i < n; i++ {
		ordered[i] = keys[(start+i)%n]
	}

	maxFail := p.Policy().MaxFailures
	var underThreshold []string
	var allNonFrozen []string
	fcOf := make(map[string]int, n)
	for _, k := range ordered {
		if p.IsFrozen(k) {
			continue
		}
		fc := p.FailCount(k)
		fcOf[k] = fc
		allNonFrozen = append(allNonFrozen, k)
		if fc < maxFail {
			underThreshold = append(underThreshold, k)
		}
	}

	if len(underThreshold) >= count {
		return underThreshold[:count]
	}

	sort.SliceStable(allNonFrozen, func(i, j int) bool {
		return fcOf[allNonFrozen[i]] < fcOf[allNonFrozen[j]]
	})
	if len(allNonFrozen) > count {
		allNonFrozen = allNonFrozen[:count]
	}
	return allNonFrozen
}

// validateBatch fans candidates out to the validator concurrently
// (errgroup join, per §4.5.5) and returns the subset observed valid.
// Failure/freeze state mutations happen after each call returns; no
// key-state lock is held across a validation network call.
func (p *Pool) validateBatch(ctx context.Context, candidates []string) []string {
	if len(candidates) == 0 || p.validator == nil {
		return nil
	}

	var mu sync.Mutex
	var valid []string
	var g errgroup.Group

	for _, key := range candidates {
		key := key
		g.Go(func() error {
			vctx, cancel := context.WithTimeout(ctx, validationTimeout)
			defer cancel()

			vctx, span := tracing.StartSpan(vctx, "keypool.precheck.validate_key",
				tracing.AttrPool.String(p.name), tracing.AttrKeyRedacted.String(logging.RedactKey(key)))
			outcome, _ := p.validator.Validate(vctx, key)
			span.SetAttributes(tracing.AttrOutcome.String(outcome.String()))
			span.End()

			switch outcome {
			case ValidationValid:
				p.ResetFail(key)
				mu.Lock()
				valid = append(valid, key)
				mu.Unlock()
			case ValidationRateLimited:
				p.Handle429(key)
			default:
				p.IncrementFail(key)
			}
			return nil
		})
	}
	_ = g.Wait()
	return valid
}

// runPrecheckFill executes one fill of the given slot: select a batch,
// validate it concurrently, and store the result. Guarded so only one
// fill runs per pool at a time (§4.5.5's precheck_lock).
func (p *Pool) runPrecheckFill(ctx context.Context, slot int) {
	p.precheckMu.Lock()
	if p.precheckInProgress {
		p.precheckMu.Unlock()
		return
	}
	p.precheckInProgress = true
	p.precheckMu.Unlock()

	defer func() {
		p.precheckMu.Lock()
		p.precheckInProgress = false
		p.precheckCond.Broadcast()
		p.precheckMu.Unlock()
	}()

	ctx, span := tracing.StartSpan(ctx, "keypool.precheck.fill",
		tracing.AttrPool.String(p.name), tracing.AttrSlot.Int(slot))
	defer span.End()
	start := p.now()

	candidates := p.selectBatch(p.GetPrecheckConfig().Count)
	valid := p.validateBatch(ctx, candidates)

	p.precheckMu.Lock()
	p.buffers[slot] = buffer{keys: valid, ready: true}
	p.precheckMu.Unlock()

	slotName := "A"
	if slot == 1 {
		slotName = "B"
	}
	metrics.SetPrecheckBatchSize(p.name, slotName, len(valid))
	metrics.ObservePrecheckDuration(p.name, p.now().Sub(start).Seconds())
	if len(valid) == 0 {
		metrics.IncPrecheckFail(p.name)
	}
	span.SetAttributes(tracing.AttrBatchSize.Int(len(valid)))
	tracing.SetSpanOK(span)

	traceID, spanID := tracing.TraceIDFromContext(ctx)
	logging.OpWithTrace(traceID, spanID).Info("precheck fill complete",
		"pool", p.name, "slot", slot, "candidates", len(candidates), "valid", len(valid))
}

// startPrecheckAsync kicks off a background fill of slot if one is not
// already running. Both automatic and manual triggers route through the
// same singleflight key, so a manual trigger racing an automatic one
// joins the in-flight fill instead of starting a second one.
func (p *Pool) startPrecheckAsync(slot int) {
	p.precheckMu.Lock()
	inProgress := p.precheckInProgress
	p.precheckMu.Unlock()
	if inProgress {
		return
	}
	go func() {
		_, _, _ = p.sfGroup.Do(p.name, func() (interface{}, error) {
			p.runPrecheckFill(context.Background(), slot)
			return nil, nil
		})
	}()
}

// triggerAndWait starts (or joins) a fill of slot and blocks the caller up
// to timeout for it to become ready, translating ctx cancellation into a
// cond broadcast the same way the warm-pool acquisition loop does.
func (p *Pool) triggerAndWait(ctx context.Context, slot int, timeout time.Duration) error {
	p.startPrecheckAsync(slot)

	deadline := time.Now().Add(timeout)

	p.precheckMu.Lock()
	defer p.precheckMu.Unlock()

	for !p.buffers[slot].ready {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return ErrPrecheckTimeout
		}

		timer := time.AfterFunc(remaining, func() {
			p.precheckMu.Lock()
			p.precheckCond.Broadcast()
			p.precheckMu.Unlock()
		})
		stop := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				p.precheckMu.Lock()
				p.precheckCond.Broadcast()
				p.precheckMu.Unlock()
			case <-stop:
			}
		}()

		p.precheckCond.Wait()
		close(stop)
		timer.Stop()

		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

// ensureCurrentReady implements §4.5.2 step 1: if current is empty or not
// ready, trigger an immediate precheck and wait (bounded). Returns
// ErrPrecheckTimeout or ErrNoValidKey (a ready-but-empty batch, matching
// scenario S3) if the caller should fall back to legacy selection.
func (p *Pool) ensureCurrentReady(ctx context.Context) error {
	p.precheckMu.Lock()
	slot := p.currentSlot
	ready := p.buffers[slot].ready && len(p.buffers[slot].keys) > 0
	p.precheckMu.Unlock()
	if ready {
		return nil
	}

	if err := p.triggerAndWait(ctx, slot, precheckWaitBudget); err != nil {
		return err
	}

	p.precheckMu.Lock()
	empty := len(p.buffers[slot].keys) == 0
	p.precheckMu.Unlock()
	if empty {
		return ErrNoValidKey
	}
	return nil
}

// consumeAndAdvance implements §4.5.2 steps 2-5 atomically under
// precheckMu: return the current head, advance pointers, decide whether a
// background refill of the next slot should start, and swap buffers (or
// re-arm for an emergency precheck) when the current slot is exhausted.
func (p *Pool) consumeAndAdvance() (key string, refillSlot int, startRefill, swapped bool) {
	p.precheckMu.Lock()
	defer p.precheckMu.Unlock()

	cur := &p.buffers[p.currentSlot]
	key = cur.keys[p.currentIndex]
	p.currentIndex++
	p.usedCount++

	nextSlot := 1 - p.currentSlot
	if p.usedCount >= p.triggerThreshold && !p.precheckInProgress && !p.buffers[nextSlot].ready {
		startRefill = true
	}

	if p.currentIndex >= len(cur.keys) {
		if p.buffers[nextSlot].ready {
			p.swapLocked()
			swapped = true
		} else {
			// Emergency precheck: re-offer the same (possibly stale)
			// batch while a refill of the next slot runs in the
			// background (Open Question 3; see DESIGN.md).
			p.currentIndex = 0
			startRefill = true
		}
	}

	refillSlot = 1 - p.currentSlot
	return key, refillSlot, startRefill, swapped
}

// swapLocked must be called with precheckMu held. Promotes the ready next
// buffer to current, empties the old slot, and recomputes the trigger
// threshold from the new current batch's actual size (Open Question 1).
func (p *Pool) swapLocked() {
	old := p.currentSlot
	p.currentSlot = 1 - p.currentSlot
	p.currentIndex = 0
	p.usedCount = 0
	p.buffers[old] = buffer{}
	p.triggerThreshold = computeTriggerThreshold(len(p.buffers[p.currentSlot].keys), p.GetPrecheckConfig().TriggerRatio)
}

// safeToRefill consults an optional call-rate oracle to decide whether an
// automatic (non-mandatory) background refill should proceed. Absent an
// oracle, it always allows the refill, preserving spec.md's unconditional
// default.
func (p *Pool) safeToRefill(ctx context.Context) bool {
	p.oracleMu.RLock()
	oracle := p.oracle
	p.oracleMu.RUnlock()
	if oracle == nil {
		return true
	}
	calls, err := oracle.CallsInLastMinutes(ctx, 1)
	if err != nil {
		return true
	}
	p.precheckMu.Lock()
	remaining := len(p.buffers[p.currentSlot].keys) - p.currentIndex
	p.precheckMu.Unlock()
	return remaining*2 >= calls
}

// selectFromPrecheck implements the Selector's precheck-backed path
// (§4.5.2 / §4.6).
func (p *Pool) selectFromPrecheck(ctx context.Context) (string, error) {
	if err := p.ensureCurrentReady(ctx); err != nil {
		traceID, spanID := tracing.TraceIDFromContext(ctx)
		logging.OpWithTrace(traceID, spanID).Error("precheck engine degraded, falling back to legacy selection",
			"pool", p.name, "err", err)
		return p.legacySelect(ctx)
	}

	key, refillSlot, startRefill, swapped := p.consumeAndAdvance()
	if startRefill && p.safeToRefill(ctx) {
		p.startPrecheckAsync(refillSlot)
	}
	if swapped {
		p.logger.Debug("precheck buffer swapped", "pool", p.name, "slot", p.currentSlot)
	}
	p.logger.Debug("precheck selection", "pool", p.name, "key", logging.RedactKey(key))
	return key, nil
}

// PrecheckSnapshot is the state exposed to operators by ManualTriggerPrecheck.
type PrecheckSnapshot struct {
	CurrentBatchName  string
	CurrentBatchCount int
	UsedCount         int
	TriggerThreshold  int
	CurrentReady      bool
	NextReady         bool
}

func (p *Pool) snapshotPrecheck() PrecheckSnapshot {
	p.precheckMu.Lock()
	defer p.precheckMu.Unlock()
	name := "A"
	if p.currentSlot == 1 {
		name = "B"
	}
	return PrecheckSnapshot{
		CurrentBatchName:  name,
		CurrentBatchCount: len(p.buffers[p.currentSlot].keys),
		UsedCount:         p.usedCount,
		TriggerThreshold:  p.triggerThreshold,
		CurrentReady:      p.buffers[p.currentSlot].ready,
		NextReady:         p.buffers[1-p.currentSlot].ready,
	}
}

// ManualTriggerResult is returned by ManualTriggerPrecheck.
type ManualTriggerResult struct {
	Before        PrecheckSnapshot
	After         PrecheckSnapshot
	ExecutionTime time.Duration
}

// ManualTriggerPrecheck forces an immediate fill of the next slot,
// refusing with ErrPrecheckBusy if one is already running and
// ErrPrecheckDisabled if prechecking is off, per §4.5.6.
func (p *Pool) ManualTriggerPrecheck(ctx context.Context) (ManualTriggerResult, error) {
	if !p.PrecheckEnabled() {
		return ManualTriggerResult{}, ErrPrecheckDisabled
	}

	p.precheckMu.Lock()
	if p.precheckInProgress {
		p.precheckMu.Unlock()
		return ManualTriggerResult{}, ErrPrecheckBusy
	}
	nextSlot := 1 - p.currentSlot
	p.precheckMu.Unlock()

	before := p.snapshotPrecheck()
	start := p.now()

	_, err, _ := p.sfGroup.Do(p.name, func() (interface{}, error) {
		p.runPrecheckFill(ctx, nextSlot)
		return nil, nil
	})

	after := p.snapshotPrecheck()
	return ManualTriggerResult{
		Before:        before,
		After:         after,
		ExecutionTime: p.now().Sub(start),
	}, err
}

// VerifyKey synchronously validates a single key against upstream and
// applies the same state transition validateBatch would (reset on
// success, freeze on rate-limit, increment otherwise).
func (p *Pool) VerifyKey(ctx context.Context, key string) (ValidationOutcome, error) {
	if p.validator == nil {
		return ValidationError, fmt.Errorf("keypool: no validator configured")
	}
	vctx, cancel := context.WithTimeout(ctx, validationTimeout)
	defer cancel()

	outcome, err := p.validator.Validate(vctx, key)
	switch outcome {
	case ValidationValid:
		p.ResetFail(key)
	case ValidationRateLimited:
		p.Handle429(key)
	default:
		p.IncrementFail(key)
	}
	return outcome, err
}

// VerifySelected validates keys concurrently and returns each one's
// outcome.
func (p *Pool) VerifySelected(ctx context.Context, keys []string) map[string]ValidationOutcome {
	results := make(map[string]ValidationOutcome, len(keys))
	var mu sync.Mutex
	var g errgroup.Group
	for _, k := range keys {
		k := k
		g.Go(func() error {
			outcome, _ := p.VerifyKey(ctx, k)
			mu.Lock()
			results[k] = outcome
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}
