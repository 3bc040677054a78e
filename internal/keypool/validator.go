package keypool

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/oriys/keyvault/internal/circuitbreaker"
)

// ValidationOutcome classifies the result of a single upstream validation
// call, per §4.5.4's three-way classification.
type ValidationOutcome int

const (
	// ValidationValid means the upstream call succeeded (HTTP 200).
	ValidationValid ValidationOutcome = iota
	// ValidationRateLimited means the upstream call returned 429 or a
	// quota-style error.
	ValidationRateLimited
	// ValidationError means any other failure.
	ValidationError
)

func (o ValidationOutcome) String() string {
	switch o {
	case ValidationValid:
		return "valid"
	case ValidationRateLimited:
		return "rate_limited"
	default:
		return "error"
	}
}

// Validator issues a minimal upstream request using the given key and
// classifies the outcome. Implementations must honor ctx's deadline and
// must not block past it.
type Validator interface {
	Validate(ctx context.Context, key string) (ValidationOutcome, error)
}

// HTTPValidator validates keys by issuing a GET request against
// the {BaseURL}/models endpoint with the key in a
// header, per §6.1's consumed contract. A circuit breaker wraps the
// underlying transport so a systemically failing upstream degrades fast
// instead of letting every precheck batch pay a full timeout per key.
type HTTPValidator struct {
	client     *http.Client
	baseURL    string
	headerName string
	breaker    *circuitbreaker.Breaker
}

// NewHTTPValidator builds a Validator against baseURL, sending the key in
// the header named headerName (e.g. "x-goog-api-key").
func NewHTTPValidator(baseURL, headerName string, breaker *circuitbreaker.Breaker) *HTTPValidator {
	return &HTTPValidator{
		client:     &http.Client{},
		baseURL:    baseURL,
		headerName: headerName,
		breaker:    breaker,
	}
}

// Validate performs the upstream call and classifies the response.
func (v *HTTPValidator) Validate(ctx context.Context, key string) (ValidationOutcome, error) {
	if v.breaker != nil && !v.breaker.Allow() {
		return ValidationError, fmt.Errorf("keypool: circuit open for upstream validation")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.baseURL+"/models", nil)
	if err != nil {
		v.recordFailure()
		return ValidationError, err
	}
	req.Header.Set(v.headerName, key)

	resp, err := v.client.Do(req)
	if err != nil {
		v.recordFailure()
		return ValidationError, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		v.recordSuccess()
		return ValidationValid, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		v.recordSuccess() // the upstream answered; rate limiting is not a breaker failure
		return ValidationRateLimited, fmt.Errorf("upstream returned 429 Too Many Requests")
	default:
		v.recordFailure()
		return ValidationError, fmt.Errorf("upstream returned status %d", resp.StatusCode)
	}
}

func (v *HTTPValidator) recordSuccess() {
	if v.breaker != nil {
		v.breaker.RecordSuccess()
	}
}

func (v *HTTPValidator) recordFailure() {
	if v.breaker != nil {
		v.breaker.RecordFailure()
	}
}

// validationTimeout is the hard per-key upstream call budget from §4.5.4 /
// §5.
const validationTimeout = 10 * time.Second
