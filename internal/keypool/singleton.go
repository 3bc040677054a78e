package keypool

import "sync"

// preservedState captures enough of a pool's state just before a reset to
// rebuild a successor without losing failure history or rotation
// position, per §4.7.
type preservedState struct {
	failCount map[string]int
	oldKeys   []string
	nextKey   string // the key the next NextRaw() call would have returned
}

// NewPoolFunc constructs a fresh Pool for a given name and key list; the
// Manager calls it on first GetInstance and after each ResetInstance.
type NewPoolFunc func(name string, keys []string) *Pool

// Manager is the process-wide singleton registry (C7): one instance per
// pool name, with state preserved across Reset/GetInstance cycles.
type Manager struct {
	mu        sync.Mutex
	newPool   NewPoolFunc
	pools     map[string]*Pool
	preserved map[string]*preservedState
}

// NewManager builds a Manager that uses newPool to construct instances.
func NewManager(newPool NewPoolFunc) *Manager {
	return &Manager{
		newPool:   newPool,
		pools:     make(map[string]*Pool),
		preserved: make(map[string]*preservedState),
	}
}

// GetInstance returns the existing pool named name, or constructs one over
// keys on first call. Subsequent calls ignore keys, matching
// get_key_manager_instance's "constructs on first call; subsequent calls
// ignore arguments" contract. If a preserved state exists from a prior
// ResetInstance, it is consumed (and cleared) to restore failure counts
// and rotation position.
func (m *Manager) GetInstance(name string, keys []string) *Pool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.pools[name]; ok {
		return existing
	}

	pool := m.newPool(name, keys)
	if ps, ok := m.preserved[name]; ok {
		restorePreservedState(pool, ps, keys)
		delete(m.preserved, name)
	}
	m.pools[name] = pool
	return pool
}

// ResetInstance drops the current instance for name, preserving its
// failure counts and rotation position for the next GetInstance call.
// A no-op if no instance exists.
func (m *Manager) ResetInstance(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pool, ok := m.pools[name]
	if !ok {
		return
	}
	m.preserved[name] = capturePreservedState(pool)
	delete(m.pools, name)
}

func capturePreservedState(p *Pool) *preservedState {
	nextKey, err := p.peekNext()
	if err != nil {
		nextKey = ""
	}
	return &preservedState{
		failCount: p.snapshotFailCounts(),
		oldKeys:   p.snapshotKeys(),
		nextKey:   nextKey,
	}
}

// restorePreservedState applies ps to the freshly constructed pool p,
// whose key list is newKeys. Failure counts are inherited for keys still
// present. The rotation cursor is positioned so the next NextRaw() call
// returns ps.nextKey if it survives, or else the first successor of
// ps.nextKey (walking forward through the old key order, wrapping around)
// that is present in newKeys. If no surviving successor exists, the
// cursor is left at its initial value (next NextRaw() starts at index 0) and
// a warning is logged.
func restorePreservedState(p *Pool, ps *preservedState, newKeys []string) {
	if len(ps.failCount) > 0 {
		p.failMu.Lock()
		for _, k := range newKeys {
			if fc, ok := ps.failCount[k]; ok {
				p.failCount[k] = fc
			}
		}
		p.failMu.Unlock()
	}

	if ps.nextKey == "" || len(ps.oldKeys) == 0 || len(newKeys) == 0 {
		return
	}

	startIdx := indexOf(ps.oldKeys, ps.nextKey)
	if startIdx < 0 {
		p.logger.Warn("preserved next key not found in old key list, starting rotation at index 0",
			"pool", p.name)
		return
	}

	newSet := make(map[string]bool, len(newKeys))
	for _, k := range newKeys {
		newSet[k] = true
	}

	n := len(ps.oldKeys)
	successor := ""
	for i := 0; i < n; i++ {
		candidate := ps.oldKeys[(startIdx+i)%n]
		if newSet[candidate] {
			successor = candidate
			break
		}
	}
	if successor == "" {
		p.logger.Warn("no surviving successor for preserved key, starting rotation at index 0",
			"pool", p.name)
		return
	}

	p.cycleMu.Lock()
	defer p.cycleMu.Unlock()
	for i, k := range p.keys {
		if k == successor {
			p.cursor = (i - 1 + len(p.keys)) % len(p.keys)
			return
		}
	}
}
