package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestSetKeyCountsBeforeInitIsNoop(t *testing.T) {
	pm = nil
	SetKeyCounts("primary", 1, 2, 3) // must not panic
}

func TestHandlerBeforeInitReturnsServiceUnavailable(t *testing.T) {
	pm = nil
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestInitRegistersKeyCountGauge(t *testing.T) {
	Init("keyvaulttest")
	defer func() { pm = nil }()

	SetKeyCounts("primary", 5, 1, 2)
	IncFailure("primary")
	IncFreeze("primary", "manual")
	IncSelector("primary", "precheck")
	IncSelectorDegraded("primary")
	SetPrecheckBatchSize("primary", "A", 100)
	ObservePrecheckDuration("primary", 0.25)
	IncPrecheckFail("primary")

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "keyvaulttest_keys") {
		t.Fatalf("expected keys gauge in scrape output, got:\n%s", body)
	}
	if !strings.Contains(body, `pool="primary"`) {
		t.Fatalf("expected pool label in scrape output, got:\n%s", body)
	}
}

func TestRegistryReturnsNilBeforeInit(t *testing.T) {
	pm = nil
	if Registry() != nil {
		t.Fatal("expected a nil registry before Init")
	}
}
