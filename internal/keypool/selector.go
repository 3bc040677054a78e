package keypool

import (
	"context"

	"github.com/oriys/keyvault/internal/logging"
	"github.com/oriys/keyvault/internal/metrics"
	"github.com/oriys/keyvault/internal/tracing"
)

// GetNextWorkingKey is the Selector's single public operation (C6). It
// delegates to the precheck engine when enabled, otherwise falls back to
// bounded rotation with per-key validity checks.
func (p *Pool) GetNextWorkingKey(ctx context.Context) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "keypool.selector.get_next_working_key",
		tracing.AttrPool.String(p.name))
	defer span.End()

	var key string
	var err error
	if p.PrecheckEnabled() {
		metrics.IncSelector(p.name, "precheck")
		key, err = p.selectFromPrecheck(ctx)
	} else {
		metrics.IncSelector(p.name, "legacy")
		key, err = p.legacySelect(ctx)
	}
	if err != nil {
		tracing.SetSpanError(span, err)
		return "", err
	}
	span.SetAttributes(tracing.AttrKeyRedacted.String(logging.RedactKey(key)))
	tracing.SetSpanOK(span)
	return key, nil
}

// legacySelect calls NextRaw until a key that is neither frozen nor over
// the failure threshold is found, or until the initial key is revisited —
// in which case it is returned regardless (degraded mode; the Selector
// never blocks indefinitely).
func (p *Pool) legacySelect(ctx context.Context) (string, error) {
	first, err := p.NextRaw()
	if err != nil {
		return "", err
	}

	maxFail := p.Policy().MaxFailures
	candidate := first
	for {
		if !p.IsFrozen(candidate) && p.FailCount(candidate) < maxFail {
			return candidate, nil
		}

		next, err := p.NextRaw()
		if err != nil {
			return "", err
		}
		if next == first {
			metrics.IncSelectorDegraded(p.name)
			p.logger.Error("no valid key found in rotation, returning degraded key",
				"pool", p.name, "key", logging.RedactKey(next))
			return next, nil
		}
		candidate = next
	}
}
