package keypool

import (
	"context"
	"fmt"
	"strings"

	"github.com/oriys/keyvault/internal/logging"
)

// Is429 classifies an upstream error string as rate-limit/quota, matching
// on "429", "Too Many Requests", or "quota" case-insensitively.
func Is429(errStr string) bool {
	lower := strings.ToLower(errStr)
	return strings.Contains(lower, "429") ||
		strings.Contains(lower, "too many requests") ||
		strings.Contains(lower, "quota")
}

// HandleAPIFailure increments key's failure count and, if retries remain,
// returns the next working key from the Selector. If retriesSoFar has
// reached the configured retry budget, it returns ErrRetriesExhausted
// ("give up").
func (p *Pool) HandleAPIFailure(ctx context.Context, key string, retriesSoFar int) (string, error) {
	policy := p.Policy()
	fc := p.IncrementFail(key)
	if fc == policy.MaxFailures {
		p.logger.Warn("key reached failure threshold",
			"pool", p.name, "key", logging.RedactKey(key), "fail_count", fc)
	}
	if retriesSoFar < policy.MaxRetries {
		return p.GetNextWorkingKey(ctx)
	}
	return "", ErrRetriesExhausted
}

// Handle429 freezes key for the configured duration and returns true if
// freeze-on-429 is enabled; it never touches the failure count. Returns
// false (no-op) when freeze-on-429 is disabled.
func (p *Pool) Handle429(key string) bool {
	policy := p.Policy()
	if !policy.FreezeOnRateLimit {
		return false
	}
	p.Freeze(key, policy.FreezeDuration)
	p.logger.Info("froze key after rate-limit response",
		"pool", p.name, "key", logging.RedactKey(key), "duration", policy.FreezeDuration)
	return true
}

// CallFunc performs one attempt of an upstream call using key.
type CallFunc func(ctx context.Context, key string) error

// WithRetry wraps fn, rotating to a new key between attempts on failure:
// rate-limit errors freeze the key and rotate without penalty; any other
// error increments the failure count via HandleAPIFailure. It re-raises
// the last error once the retry budget (or the key supply) is exhausted,
// mirroring original_source's RetryHandler decorator.
func (p *Pool) WithRetry(ctx context.Context, key string, fn CallFunc) error {
	var lastErr error
	maxRetries := p.Policy().MaxRetries

	for attempt := 0; attempt < maxRetries; attempt++ {
		retries := attempt + 1
		err := fn(ctx, key)
		if err == nil {
			return nil
		}
		lastErr = err
		p.logger.Warn("upstream call failed",
			"pool", p.name, "attempt", retries, "max_retries", maxRetries, "err", err)

		var nextKey string
		if Is429(err.Error()) && p.Policy().FreezeOnRateLimit {
			p.Handle429(key)
			nextKey, err = p.GetNextWorkingKey(ctx)
		} else {
			nextKey, err = p.HandleAPIFailure(ctx, key, retries)
		}

		if err != nil || nextKey == "" {
			p.logger.Error("no valid api key available after retries",
				"pool", p.name, "retries", retries)
			break
		}
		p.logger.Info("switched to new api key",
			"pool", p.name, "key", logging.RedactKey(nextKey))
		key = nextKey
	}

	return fmt.Errorf("keypool: all retry attempts failed: %w", lastErr)
}
