package keysource

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/oriys/keyvault/internal/secrets"
)

func TestFromFileSkipsBlankLinesAndComments(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keys.txt")
	content := "sk-aaa\n# a comment\n\nsk-bbb\n  \nsk-ccc\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write fixture: %v", err)
	}

	result, err := FromFile(path)
	if err != nil {
		t.Fatalf("FromFile failed: %v", err)
	}
	want := []string{"sk-aaa", "sk-bbb", "sk-ccc"}
	if len(result.Keys) != len(want) {
		t.Fatalf("expected %d keys, got %d: %v", len(want), len(result.Keys), result.Keys)
	}
	for i, k := range want {
		if result.Keys[i] != k {
			t.Errorf("key %d: expected %q, got %q", i, k, result.Keys[i])
		}
	}
	if result.RunID == "" {
		t.Error("expected a non-empty run ID")
	}
}

func TestFromFileMissingPath(t *testing.T) {
	if _, err := FromFile(filepath.Join(t.TempDir(), "missing.txt")); err == nil {
		t.Fatal("expected an error for a missing file")
	}
}

func TestFromEnvSplitsOnSeparators(t *testing.T) {
	t.Setenv("KEYSOURCE_TEST_VAR", "sk-aaa;sk-bbb,sk-ccc\nsk-ddd")
	result := FromEnv("KEYSOURCE_TEST_VAR")
	want := []string{"sk-aaa", "sk-bbb", "sk-ccc", "sk-ddd"}
	if len(result.Keys) != len(want) {
		t.Fatalf("expected %d keys, got %d: %v", len(want), len(result.Keys), result.Keys)
	}
	for i, k := range want {
		if result.Keys[i] != k {
			t.Errorf("key %d: expected %q, got %q", i, k, result.Keys[i])
		}
	}
}

func TestFromEnvEmptyVar(t *testing.T) {
	t.Setenv("KEYSOURCE_TEST_EMPTY", "")
	result := FromEnv("KEYSOURCE_TEST_EMPTY")
	if len(result.Keys) != 0 {
		t.Fatalf("expected no keys for an empty var, got %v", result.Keys)
	}
}

func TestFromEncryptedFileRoundTrips(t *testing.T) {
	cipher, err := secrets.NewCipher("00000000000000000000000000000000000000000000000000000000000000ff")
	if err != nil {
		t.Fatalf("NewCipher failed: %v", err)
	}

	plaintext := "sk-aaa\n# comment\nsk-bbb\n"
	ciphertext, err := cipher.Encrypt([]byte(plaintext))
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "keys.enc")
	if err := os.WriteFile(path, ciphertext, 0o600); err != nil {
		t.Fatalf("failed to write fixture: %v", err)
	}

	result, err := FromEncryptedFile(path, cipher)
	if err != nil {
		t.Fatalf("FromEncryptedFile failed: %v", err)
	}
	want := []string{"sk-aaa", "sk-bbb"}
	if len(result.Keys) != len(want) {
		t.Fatalf("expected %d keys, got %d: %v", len(want), len(result.Keys), result.Keys)
	}
	for i, k := range want {
		if result.Keys[i] != k {
			t.Errorf("key %d: expected %q, got %q", i, k, result.Keys[i])
		}
	}
}

func TestFromSecretStorePassesThroughLiteralKeys(t *testing.T) {
	// A Resolver short-circuits non-"$SECRET:" entries without touching
	// its Store, so a nil store is safe here.
	resolver := secrets.NewResolver(nil)
	result, err := FromSecretStore(context.Background(), []string{"sk-aaa", "sk-bbb"}, resolver)
	if err != nil {
		t.Fatalf("FromSecretStore failed: %v", err)
	}
	want := []string{"sk-aaa", "sk-bbb"}
	if len(result.Keys) != len(want) {
		t.Fatalf("expected %d keys, got %d: %v", len(want), len(result.Keys), result.Keys)
	}
	for i, k := range want {
		if result.Keys[i] != k {
			t.Errorf("key %d: expected %q, got %q", i, k, result.Keys[i])
		}
	}
}

func TestFromEncryptedFileWrongCipherFails(t *testing.T) {
	cipher1, _ := secrets.NewCipher("00000000000000000000000000000000000000000000000000000000000000ff")
	cipher2, _ := secrets.NewCipher("1111111111111111111111111111111111111111111111111111111111111111")

	ciphertext, err := cipher1.Encrypt([]byte("sk-aaa\n"))
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "keys.enc")
	os.WriteFile(path, ciphertext, 0o600)

	if _, err := FromEncryptedFile(path, cipher2); err == nil {
		t.Fatal("expected decryption with the wrong cipher to fail")
	}
}
