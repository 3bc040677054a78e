package keypool

import (
	"sort"
	"strings"
	"time"

	"github.com/oriys/keyvault/internal/metrics"
)

// KeyStatus is the per-key detail returned by status queries.
type KeyStatus struct {
	FailCount      int
	ManuallyFrozen bool
	FreezeUntil    time.Time // zero value if not auto-frozen
}

// Snapshot is the three-way classification of every key in the pool.
type Snapshot struct {
	Valid   map[string]KeyStatus
	Invalid map[string]KeyStatus
	Frozen  map[string]KeyStatus
}

// StatusSnapshot classifies every key as valid, invalid, or frozen,
// lazily expiring auto-freeze deadlines that have passed. O(N) in pool
// size.
func (p *Pool) StatusSnapshot() Snapshot {
	keys := p.snapshotKeys()
	maxFail := p.Policy().MaxFailures

	// Lock order: stateMu before failMu, per the Key State Store's
	// documented convention (§4.1).
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	p.failMu.Lock()
	defer p.failMu.Unlock()

	snap := Snapshot{
		Valid:   make(map[string]KeyStatus),
		Invalid: make(map[string]KeyStatus),
		Frozen:  make(map[string]KeyStatus),
	}

	now := p.now()
	for _, k := range keys {
		until, autoFrozen := p.frozenUntil[k]
		if autoFrozen && !now.Before(until) {
			delete(p.frozenUntil, k)
			autoFrozen = false
		}
		manual := p.manuallyFrozen[k]
		fc := p.failCount[k]

		status := KeyStatus{FailCount: fc, ManuallyFrozen: manual}
		if autoFrozen {
			status.FreezeUntil = until
		}

		switch {
		case manual || autoFrozen:
			snap.Frozen[k] = status
		case fc >= maxFail:
			snap.Invalid[k] = status
		default:
			snap.Valid[k] = status
		}
	}
	metrics.SetKeyCounts(p.name, len(snap.Valid), len(snap.Invalid), len(snap.Frozen))
	return snap
}

// PageKind selects which classification a Paginated query draws from.
type PageKind string

const (
	KindValid   PageKind = "valid"
	KindInvalid PageKind = "invalid"
	KindFrozen  PageKind = "frozen"
)

// Page is a single page of a paginated, filtered key listing.
type Page struct {
	Keys       []string
	TotalCount int
	Page       int
	PageSize   int
	TotalPages int
	HasNext    bool
	HasPrev    bool
}

const maxPageSize = 1000
const defaultPageSize = 50

// Paginated returns a stable, sorted, filtered page of keys of the given
// kind. search, if non-empty, requires a case-insensitive substring match
// on the key. failCountThreshold, if non-nil, additionally requires
// fail_count >= threshold and only applies when kind is KindValid.
func (p *Pool) Paginated(kind PageKind, page, pageSize int, search string, failCountThreshold *int) Page {
	snap := p.StatusSnapshot()

	var source map[string]KeyStatus
	switch kind {
	case KindValid:
		source = snap.Valid
	case KindInvalid:
		source = snap.Invalid
	case KindFrozen:
		source = snap.Frozen
	default:
		source = snap.Valid
	}

	search = strings.ToLower(search)
	keys := make([]string, 0, len(source))
	for k, st := range source {
		if search != "" && !strings.Contains(strings.ToLower(k), search) {
			continue
		}
		if failCountThreshold != nil && kind == KindValid && st.FailCount < *failCountThreshold {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	total := len(keys)
	totalPages := 1
	if total > 0 {
		totalPages = (total + pageSize - 1) / pageSize
	}

	if page < 1 {
		page = 1
	}
	if page > totalPages {
		page = totalPages
	}

	start := (page - 1) * pageSize
	end := start + pageSize
	if start > total {
		start = total
	}
	if end > total {
		end = total
	}

	return Page{
		Keys:       append([]string(nil), keys[start:end]...),
		TotalCount: total,
		Page:       page,
		PageSize:   pageSize,
		TotalPages: totalPages,
		HasNext:    page < totalPages,
		HasPrev:    page > 1,
	}
}
