// Package config loads the runtime configuration: agent identity, data
// directory, chain endpoints, and the operator keystore. Constitutional
// limits are compile-time constants and deliberately absent from here.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"sovereignd/crypto"

	"github.com/BurntSushi/toml"
)

// Chain configures one supported chain endpoint. Name must match a
// constitutional chain profile (base, bsc).
type Chain struct {
	Name          string `toml:"Name"`
	RPCURL        string `toml:"RPCURL"`
	Token         string `toml:"Token"`
	VaultContract string `toml:"VaultContract"`
	// Factory is the sovereignty factory address peers on this chain are
	// expected to deploy through.
	Factory string `toml:"Factory"`
}

type Config struct {
	AIName        string `toml:"AIName"`
	VaultAddress  string `toml:"VaultAddress"`
	CreatorWallet string `toml:"CreatorWallet"`
	// PrincipalMicro is the creator's original stake in canonical
	// micro-units, used only when no vault snapshot exists yet.
	PrincipalMicro int64 `toml:"PrincipalMicro"`

	DataDir       string `toml:"DataDir"`
	ListenAddress string `toml:"ListenAddress"`
	Environment   string `toml:"Environment"`
	// LogDir enables the rotating file sink alongside stdout when set.
	LogDir string `toml:"LogDir"`

	OperatorKeystorePath string `toml:"OperatorKeystorePath"`
	// OperatorKeyEnv names an environment variable carrying a raw hex key,
	// overriding the keystore when set. The key value itself never appears
	// in configuration.
	OperatorKeyEnv string `toml:"OperatorKeyEnv"`
	PassphraseEnv  string `toml:"PassphraseEnv"`

	ProviderPolicyPath  string `toml:"ProviderPolicyPath"`
	CreatorJWTSecretEnv string `toml:"CreatorJWTSecretEnv"`

	OTLPEndpoint      string `toml:"OTLPEndpoint"`
	TelemetryInsecure bool   `toml:"TelemetryInsecure"`

	Chains []Chain `toml:"Chains"`
}

// Load reads the configuration at path, creating a default file (and a
// fresh operator keystore) when none exists.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults(path)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.OperatorKeyEnv == "" {
		if err := ensureKeystore(path, cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func (c *Config) applyDefaults(configPath string) {
	if strings.TrimSpace(c.AIName) == "" {
		c.AIName = "sovereign-agent"
	}
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = "./sovereign-data"
	}
	if strings.TrimSpace(c.ListenAddress) == "" {
		c.ListenAddress = ":8420"
	}
	if strings.TrimSpace(c.Environment) == "" {
		c.Environment = "dev"
	}
	if strings.TrimSpace(c.ProviderPolicyPath) == "" {
		c.ProviderPolicyPath = filepath.Join(filepath.Dir(configPath), "providers.yaml")
	}
	if strings.TrimSpace(c.PassphraseEnv) == "" {
		c.PassphraseEnv = "SOVEREIGND_KEYSTORE_PASSPHRASE"
	}
}

// Validate rejects configurations that would breach an iron law or leave
// the runtime unable to boot.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.VaultAddress) == "" {
		return fmt.Errorf("config: VaultAddress required")
	}
	if strings.TrimSpace(c.CreatorWallet) == "" {
		return fmt.Errorf("config: CreatorWallet required")
	}
	if strings.EqualFold(strings.TrimSpace(c.VaultAddress), strings.TrimSpace(c.CreatorWallet)) {
		return fmt.Errorf("config: CreatorWallet must differ from VaultAddress")
	}
	if c.PrincipalMicro < 0 {
		return fmt.Errorf("config: PrincipalMicro must be non-negative")
	}
	seen := make(map[string]struct{}, len(c.Chains))
	for i, chain := range c.Chains {
		name := strings.ToLower(strings.TrimSpace(chain.Name))
		if name == "" {
			return fmt.Errorf("config: chain %d missing Name", i)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("config: duplicate chain %q", name)
		}
		seen[name] = struct{}{}
		if strings.TrimSpace(chain.RPCURL) == "" {
			return fmt.Errorf("config: chain %q missing RPCURL", name)
		}
	}
	return nil
}

func ensureKeystore(configPath string, cfg *Config) error {
	keystorePath := cfg.OperatorKeystorePath
	if keystorePath == "" {
		keystorePath = defaultKeystorePath(configPath)
	}

	if _, err := os.Stat(keystorePath); os.IsNotExist(err) {
		key, genErr := crypto.GeneratePrivateKey()
		if genErr != nil {
			return genErr
		}
		if err := crypto.SaveToKeystore(keystorePath, key, ""); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	if cfg.OperatorKeystorePath != keystorePath {
		cfg.OperatorKeystorePath = keystorePath
		return persist(configPath, cfg)
	}
	return nil
}

// createDefault writes a fresh config, operator keystore, and provider
// policy so a first boot has everything except the chain endpoints.
func createDefault(path string) (*Config, error) {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	keystorePath := defaultKeystorePath(path)
	if err := crypto.SaveToKeystore(keystorePath, key, ""); err != nil {
		return nil, err
	}

	cfg := &Config{}
	cfg.applyDefaults(path)
	cfg.OperatorKeystorePath = keystorePath
	cfg.Chains = []Chain{
		{Name: "base"},
		{Name: "bsc"},
	}

	if err := writeDefaultProviderPolicy(cfg.ProviderPolicyPath); err != nil {
		return nil, err
	}
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("config: wrote default %s; set VaultAddress, CreatorWallet, and the chain RPC endpoints, then restart", path)
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

func defaultKeystorePath(configPath string) string {
	dir := filepath.Dir(configPath)
	if dir == "." || dir == "" {
		dir = ""
	}
	return filepath.Join(dir, "operator.keystore")
}

const defaultProviderPolicy = `providers:
  - id: local-free
    url: http://127.0.0.1:11434/v1/chat/completions
    free: true
    priority: 1
  - id: openrouter
    url: https://openrouter.ai/api/v1/chat/completions
    key_env: OPENROUTER_API_KEY
    cost_per_1k: 600
    priority: 2
  - id: anthropic
    url: https://api.anthropic.com/v1/messages
    key_env: ANTHROPIC_API_KEY
    cost_per_1k: 3000
    priority: 3
`

func writeDefaultProviderPolicy(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return err
	}
	return os.WriteFile(path, []byte(defaultProviderPolicy), 0o644)
}
