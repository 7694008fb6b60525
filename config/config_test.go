package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadParsesRuntimeSettings(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, fmt.Sprintf(`AIName = "argus"
VaultAddress = "0x00000000000000000000000000000000000000aa"
CreatorWallet = "0x00000000000000000000000000000000000000bb"
PrincipalMicro = 500000000
DataDir = "%s/data"
ListenAddress = ":9000"
Environment = "testnet"
OperatorKeyEnv = "TEST_OPERATOR_KEY"

[[Chains]]
Name = "base"
RPCURL = "https://base.example/rpc"
Token = "0x1111111111111111111111111111111111111111"
VaultContract = "0x2222222222222222222222222222222222222222"

[[Chains]]
Name = "bsc"
RPCURL = "https://bsc.example/rpc"
`, dir))

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.AIName != "argus" {
		t.Fatalf("AIName = %q", cfg.AIName)
	}
	if cfg.ListenAddress != ":9000" {
		t.Fatalf("ListenAddress = %q", cfg.ListenAddress)
	}
	if len(cfg.Chains) != 2 || cfg.Chains[1].Name != "bsc" {
		t.Fatalf("chains = %+v", cfg.Chains)
	}
	if cfg.PassphraseEnv == "" {
		t.Fatal("expected default PassphraseEnv")
	}
	if cfg.ProviderPolicyPath == "" {
		t.Fatal("expected default ProviderPolicyPath")
	}
}

func TestLoadRejectsCreatorEqualsVault(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `VaultAddress = "0x00000000000000000000000000000000000000aa"
CreatorWallet = "0x00000000000000000000000000000000000000AA"
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "differ") {
		t.Fatalf("expected creator separation error, got %v", err)
	}
}

func TestLoadRejectsDuplicateChains(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `VaultAddress = "0xaa00000000000000000000000000000000000000"
CreatorWallet = "0xbb00000000000000000000000000000000000000"
OperatorKeyEnv = "TEST_OPERATOR_KEY"

[[Chains]]
Name = "base"
RPCURL = "https://one.example"

[[Chains]]
Name = "Base"
RPCURL = "https://two.example"
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "duplicate chain") {
		t.Fatalf("expected duplicate chain error, got %v", err)
	}
}

func TestLoadCreatesKeystoreWhenMissing(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `VaultAddress = "0xaa00000000000000000000000000000000000000"
CreatorWallet = "0xbb00000000000000000000000000000000000000"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.OperatorKeystorePath == "" {
		t.Fatal("expected keystore path to be filled in")
	}
	if _, err := os.Stat(cfg.OperatorKeystorePath); err != nil {
		t.Fatalf("keystore not created: %v", err)
	}

	// The path must be written back so the next boot reuses the same key.
	again, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if again.OperatorKeystorePath != cfg.OperatorKeystorePath {
		t.Fatalf("keystore path changed across loads: %q vs %q", again.OperatorKeystorePath, cfg.OperatorKeystorePath)
	}
}

func TestLoadMissingFileWritesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if _, err := Load(path); err == nil {
		t.Fatal("expected first-boot error asking for identity")
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("default config not written: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "providers.yaml")); err != nil {
		t.Fatalf("default provider policy not written: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "operator.keystore")); err != nil {
		t.Fatalf("default keystore not written: %v", err)
	}
}
