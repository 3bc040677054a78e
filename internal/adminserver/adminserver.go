// Package adminserver exposes the operator-facing control surface over a
// set of managed pools: status queries, key enable/disable/freeze,
// manual precheck triggers. It is a plain Go interface rather than a
// wire protocol — a future gRPC or HTTP transport can implement Admin
// without internal/keypool ever knowing a transport exists.
package adminserver

import (
	"context"
	"fmt"

	"github.com/oriys/keyvault/internal/audit"
	"github.com/oriys/keyvault/internal/keypool"
)

// Admin is the operator RPC surface named in spec.md §6.2, one method per
// listed operation.
type Admin interface {
	GetStatusPaginated(ctx context.Context, pool string, kind keypool.PageKind, page, pageSize int, search string, failCountThreshold *int) (keypool.Page, error)
	ResetFailCount(ctx context.Context, pool, key string) error
	ResetAllFailCounts(ctx context.Context, pool string) error
	VerifyKey(ctx context.Context, pool, key string) (keypool.ValidationOutcome, error)
	VerifySelected(ctx context.Context, pool string, keys []string) (map[string]keypool.ValidationOutcome, error)
	Enable(ctx context.Context, pool, key string) error
	Disable(ctx context.Context, pool, key string) error
	BatchEnable(ctx context.Context, pool string, keys []string) (map[string]bool, error)
	BatchDisable(ctx context.Context, pool string, keys []string) (map[string]bool, error)
	Freeze(ctx context.Context, pool, key string, seconds int) error
	Unfreeze(ctx context.Context, pool, key string) error
	GetPrecheckConfig(ctx context.Context, pool string) (keypool.PrecheckConfig, error)
	UpdatePrecheckConfig(ctx context.Context, pool string, update keypool.PrecheckConfigUpdate) error
	ManualTriggerPrecheck(ctx context.Context, pool string) (keypool.ManualTriggerResult, error)
	BatchSearch(ctx context.Context, pool, input string) (found, notFound []string, err error)
}

// Authenticator validates an incoming operator request. Session/token
// validation for the admin surface is explicitly out of scope (spec.md
// §6.2's last line); this seam exists so a wire transport can plug one
// in without changing Server.
type Authenticator interface {
	Authenticate(ctx context.Context) (actor string, err error)
}

// Server implements Admin over a fixed set of named pools, recording
// every mutating call to an audit log.
type Server struct {
	pools map[string]*keypool.Pool
	audit *audit.Log
	authn Authenticator
}

// NewServer builds a Server over pools, keyed by pool name. audit and
// authn may be nil (audit becomes a no-op, authn resolves actor to "").
func NewServer(pools map[string]*keypool.Pool, auditLog *audit.Log, authn Authenticator) *Server {
	return &Server{pools: pools, audit: auditLog, authn: authn}
}

func (s *Server) pool(name string) (*keypool.Pool, error) {
	p, ok := s.pools[name]
	if !ok {
		return nil, fmt.Errorf("adminserver: unknown pool %q", name)
	}
	return p, nil
}

func (s *Server) actor(ctx context.Context) string {
	if s.authn == nil {
		return ""
	}
	actor, err := s.authn.Authenticate(ctx)
	if err != nil {
		return ""
	}
	return actor
}

func (s *Server) record(ctx context.Context, pool, action, key, detail string) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, pool, action, key, s.actor(ctx), detail)
}

func (s *Server) GetStatusPaginated(ctx context.Context, pool string, kind keypool.PageKind, page, pageSize int, search string, failCountThreshold *int) (keypool.Page, error) {
	p, err := s.pool(pool)
	if err != nil {
		return keypool.Page{}, err
	}
	return p.Paginated(kind, page, pageSize, search, failCountThreshold), nil
}

func (s *Server) ResetFailCount(ctx context.Context, pool, key string) error {
	p, err := s.pool(pool)
	if err != nil {
		return err
	}
	p.ResetFail(key)
	s.record(ctx, pool, "reset_fail", key, "")
	return nil
}

func (s *Server) ResetAllFailCounts(ctx context.Context, pool string) error {
	p, err := s.pool(pool)
	if err != nil {
		return err
	}
	p.ResetAllFail()
	s.record(ctx, pool, "reset_all_fail", "", "")
	return nil
}

func (s *Server) VerifyKey(ctx context.Context, pool, key string) (keypool.ValidationOutcome, error) {
	p, err := s.pool(pool)
	if err != nil {
		return keypool.ValidationError, err
	}
	return p.VerifyKey(ctx, key)
}

func (s *Server) VerifySelected(ctx context.Context, pool string, keys []string) (map[string]keypool.ValidationOutcome, error) {
	p, err := s.pool(pool)
	if err != nil {
		return nil, err
	}
	return p.VerifySelected(ctx, keys), nil
}

func (s *Server) Enable(ctx context.Context, pool, key string) error {
	p, err := s.pool(pool)
	if err != nil {
		return err
	}
	p.Enable(key)
	s.record(ctx, pool, "enable", key, "")
	return nil
}

func (s *Server) Disable(ctx context.Context, pool, key string) error {
	p, err := s.pool(pool)
	if err != nil {
		return err
	}
	p.Disable(key)
	s.record(ctx, pool, "disable", key, "")
	return nil
}

// BatchEnable returns a per-key success map: false for any key that was
// not a member of pool and so was left untouched.
func (s *Server) BatchEnable(ctx context.Context, pool string, keys []string) (map[string]bool, error) {
	p, err := s.pool(pool)
	if err != nil {
		return nil, err
	}
	results := p.BatchEnable(keys)
	s.record(ctx, pool, "batch_enable", "", fmt.Sprintf("%d/%d keys found", countTrue(results), len(keys)))
	return results, nil
}

// BatchDisable returns a per-key success map: false for any key that was
// not a member of pool and so was left untouched.
func (s *Server) BatchDisable(ctx context.Context, pool string, keys []string) (map[string]bool, error) {
	p, err := s.pool(pool)
	if err != nil {
		return nil, err
	}
	results := p.BatchDisable(keys)
	s.record(ctx, pool, "batch_disable", "", fmt.Sprintf("%d/%d keys found", countTrue(results), len(keys)))
	return results, nil
}

func countTrue(m map[string]bool) int {
	n := 0
	for _, ok := range m {
		if ok {
			n++
		}
	}
	return n
}

// Freeze sets key's indefinite manual freeze, which lasts until Unfreeze.
// seconds is written only into the audit detail; it does not bound the
// freeze.
func (s *Server) Freeze(ctx context.Context, pool, key string, seconds int) error {
	p, err := s.pool(pool)
	if err != nil {
		return err
	}
	p.ManuallyFreeze(key)
	s.record(ctx, pool, "freeze", key, fmt.Sprintf("%ds", seconds))
	return nil
}

func (s *Server) Unfreeze(ctx context.Context, pool, key string) error {
	p, err := s.pool(pool)
	if err != nil {
		return err
	}
	p.ManuallyUnfreeze(key)
	s.record(ctx, pool, "unfreeze", key, "")
	return nil
}

func (s *Server) GetPrecheckConfig(ctx context.Context, pool string) (keypool.PrecheckConfig, error) {
	p, err := s.pool(pool)
	if err != nil {
		return keypool.PrecheckConfig{}, err
	}
	return p.GetPrecheckConfig(), nil
}

func (s *Server) UpdatePrecheckConfig(ctx context.Context, pool string, update keypool.PrecheckConfigUpdate) error {
	p, err := s.pool(pool)
	if err != nil {
		return err
	}
	if err := p.UpdatePrecheckConfig(update); err != nil {
		return err
	}
	s.record(ctx, pool, "update_precheck_config", "", "")
	return nil
}

func (s *Server) ManualTriggerPrecheck(ctx context.Context, pool string) (keypool.ManualTriggerResult, error) {
	p, err := s.pool(pool)
	if err != nil {
		return keypool.ManualTriggerResult{}, err
	}
	result, err := p.ManualTriggerPrecheck(ctx)
	s.record(ctx, pool, "manual_precheck", "", "")
	return result, err
}

func (s *Server) BatchSearch(ctx context.Context, pool, input string) (found, notFound []string, err error) {
	p, err := s.pool(pool)
	if err != nil {
		return nil, nil, err
	}
	found, notFound = p.BatchSearch(input)
	return found, notFound, nil
}
