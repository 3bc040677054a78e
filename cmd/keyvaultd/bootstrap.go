package main

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/oriys/keyvault/internal/adminserver"
	"github.com/oriys/keyvault/internal/audit"
	"github.com/oriys/keyvault/internal/circuitbreaker"
	"github.com/oriys/keyvault/internal/config"
	"github.com/oriys/keyvault/internal/configstore"
	"github.com/oriys/keyvault/internal/keypool"
	"github.com/oriys/keyvault/internal/keysource"
	"github.com/oriys/keyvault/internal/logging"
	"github.com/oriys/keyvault/internal/secrets"
)

// loadConfig applies the file → env precedence the daemon commands share:
// start from defaults, layer a config file if given, then let KEYVAULT_*
// environment variables win. CLI flags are not applied here.
func loadConfig() (*config.Config, error) {
	cfg := config.DefaultConfig()
	if configFile != "" {
		var err error
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
	}
	config.LoadFromEnv(cfg)
	return cfg, nil
}

// buildPools constructs one keypool.Pool per configured pool entry,
// sourcing its starting key list from the KEYVAULT_KEYS_<NAME> environment
// variable (if set and non-empty) or else its inline Keys, resolving
// "$SECRET:" entries when a secrets resolver is configured, and wires an
// HTTP validator into each, guarded
// by its own circuit breaker from a shared Registry. Per-pool breakers
// mean a dead upstream behind one pool (e.g. vertex) can't trip validation
// for another pool (e.g. primary) that happens to be healthy. Pools are
// registered in a fresh Manager so CLI subcommands observe the same
// singleton-lifecycle semantics the daemon's own GetInstance callers would.
func buildPools(ctx context.Context, cfg *config.Config) (map[string]*keypool.Pool, error) {
	breakerCfg := circuitbreaker.Config{
		ErrorPct:       50,
		WindowDuration: 60 * time.Second,
		OpenDuration:   30 * time.Second,
		HalfOpenProbes: 3,
	}
	breakers := circuitbreaker.NewRegistry()

	newPool := func(name string, keys []string) *keypool.Pool {
		validator := keypool.NewHTTPValidator(cfg.Validation.BaseURL, "x-goog-api-key", breakers.Get(name, breakerCfg))
		return keypool.NewPool(name, keys,
			keypool.WithValidator(validator),
			keypool.WithPolicy(keypool.PolicyConfig{
				MaxFailures:       cfg.PoolPolicy.MaxFailures,
				MaxRetries:        cfg.PoolPolicy.MaxRetries,
				FreezeDuration:    time.Duration(cfg.PoolPolicy.FreezeDurationSeconds) * time.Second,
				FreezeOnRateLimit: cfg.PoolPolicy.EnableFreezeOnRateLimit,
			}),
			keypool.WithPrecheckConfig(keypool.PrecheckConfig{
				Enabled:      cfg.Precheck.Enabled,
				Count:        cfg.Precheck.Count,
				TriggerRatio: cfg.Precheck.TriggerRatio,
			}),
		)
	}
	manager := keypool.NewManager(newPool)

	resolver := buildSecretResolver(cfg)

	pools := make(map[string]*keypool.Pool, len(cfg.Pools))
	for _, pc := range cfg.Pools {
		keys := pc.Keys
		if envKeys := keysource.FromEnv(envVarForPool(pc.Name)); len(envKeys.Keys) > 0 {
			keys = envKeys.Keys
		}
		if resolver != nil {
			resolved, err := keysource.FromSecretStore(ctx, keys, resolver)
			if err != nil {
				return nil, fmt.Errorf("resolve secret-backed keys for pool %s: %w", pc.Name, err)
			}
			keys = resolved.Keys
		}
		pool := manager.GetInstance(pc.Name, keys)
		if cfg.Precheck.Enabled {
			pool.InitPrecheck(ctx)
		}
		pools[pc.Name] = pool
	}
	return pools, nil
}

// buildSecretResolver wires a secrets.Resolver against the configured
// Redis instance and master key, if secrets support is enabled, so pool
// key lists may contain "$SECRET:name" entries instead of literal keys.
// Returns nil when secrets are disabled or no master key is configured,
// in which case $SECRET: entries are left unresolved (and treated as
// literal, almost certainly invalid, key strings).
func buildSecretResolver(cfg *config.Config) *secrets.Resolver {
	if !cfg.Secrets.Enabled {
		return nil
	}

	var cipher *secrets.Cipher
	var err error
	switch {
	case cfg.Secrets.MasterKeyFile != "":
		cipher, err = secrets.NewCipherFromFile(cfg.Secrets.MasterKeyFile)
	case cfg.Secrets.MasterKey != "":
		cipher, err = secrets.NewCipher(cfg.Secrets.MasterKey)
	default:
		return nil
	}
	if err != nil {
		logging.Op().Warn("secrets store unavailable, $SECRET: references will not resolve", "error", err)
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	store := secrets.NewStore(client, cipher)
	return secrets.NewResolver(store)
}

func envVarForPool(name string) string {
	return "KEYVAULT_KEYS_" + upper(name)
}

func upper(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			b[i] = c - ('a' - 'A')
		}
	}
	return string(b)
}

// buildAdmin wires a full Server: pools and an optional Postgres-backed
// audit log. It also opens a config store connection, which is not passed
// to the Server and is only closed by the returned cleanup. The audit log
// is best-effort — a DSN that can't be reached degrades to an
// unaudited server rather than blocking startup.
func buildAdmin(ctx context.Context, cfg *config.Config) (*adminserver.Server, map[string]*keypool.Pool, func(), error) {
	pools, err := buildPools(ctx, cfg)
	if err != nil {
		return nil, nil, nil, err
	}

	store := configstore.New(configstore.Config{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	var auditLog *audit.Log
	if cfg.Postgres.DSN != "" {
		auditLog, err = audit.New(ctx, cfg.Postgres.DSN)
		if err != nil {
			logging.Op().Warn("audit log unavailable, continuing without it", "error", err)
			auditLog = nil
		}
	}

	cleanup := func() {
		store.Close()
		if auditLog != nil {
			auditLog.Close()
		}
	}
	return adminserver.NewServer(pools, auditLog, nil), pools, cleanup, nil
}
