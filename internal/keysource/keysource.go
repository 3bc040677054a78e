// Package keysource loads the initial key lists each managed pool starts
// with: from a plaintext file, from an environment variable, or from the
// encrypted-at-rest file format internal/secrets already handles for the
// rest of the daemon. Every load is tagged with a run ID for audit
// correlation.
package keysource

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/oriys/keyvault/internal/secrets"
)

// LoadResult is the outcome of one key-source load.
type LoadResult struct {
	RunID string
	Keys  []string
}

// FromFile reads one key per non-empty, non-comment line from path.
// Lines starting with "#" are treated as comments.
func FromFile(path string) (LoadResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return LoadResult{}, fmt.Errorf("keysource: open %s: %w", path, err)
	}
	defer f.Close()

	var keys []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		keys = append(keys, line)
	}
	if err := scanner.Err(); err != nil {
		return LoadResult{}, fmt.Errorf("keysource: read %s: %w", path, err)
	}
	return LoadResult{RunID: uuid.NewString(), Keys: keys}, nil
}

// FromEnv splits the value of envVar on every semicolon, comma and
// newline (any mix of them), trimming whitespace and dropping empty
// tokens.
func FromEnv(envVar string) LoadResult {
	raw := os.Getenv(envVar)
	var keys []string
	for _, part := range strings.FieldsFunc(raw, func(r rune) bool {
		return r == ';' || r == ',' || r == '\n'
	}) {
		if k := strings.TrimSpace(part); k != "" {
			keys = append(keys, k)
		}
	}
	return LoadResult{RunID: uuid.NewString(), Keys: keys}
}

// FromSecretStore resolves a pool's configured key entries against a
// secrets.Resolver: an entry of the form "$SECRET:name" is replaced with
// the named secret's plaintext value, read from the Redis-backed
// secrets.Store the resolver wraps; any other entry is treated as a
// literal key and passed through unchanged. This lets an operator keep
// upstream API keys out of config files and environment variables
// entirely, rotating them through the secrets store instead.
func FromSecretStore(ctx context.Context, entries []string, resolver *secrets.Resolver) (LoadResult, error) {
	keys := make([]string, 0, len(entries))
	for _, entry := range entries {
		resolved, err := resolver.ResolveValue(ctx, entry)
		if err != nil {
			return LoadResult{}, fmt.Errorf("keysource: resolve secret entry: %w", err)
		}
		if resolved != "" {
			keys = append(keys, resolved)
		}
	}
	return LoadResult{RunID: uuid.NewString(), Keys: keys}, nil
}

// FromEncryptedFile decrypts an at-rest key file (one key per line,
// AES-256-GCM encrypted as a whole) using cipher, then splits it the same
// way FromFile does.
func FromEncryptedFile(path string, cipher *secrets.Cipher) (LoadResult, error) {
	encrypted, err := os.ReadFile(path)
	if err != nil {
		return LoadResult{}, fmt.Errorf("keysource: read %s: %w", path, err)
	}
	plaintext, err := cipher.Decrypt(encrypted)
	if err != nil {
		return LoadResult{}, fmt.Errorf("keysource: decrypt %s: %w", path, err)
	}

	var keys []string
	for _, line := range strings.Split(string(plaintext), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		keys = append(keys, line)
	}
	return LoadResult{RunID: uuid.NewString(), Keys: keys}, nil
}
