package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// NetworkConfig is the chain and provider table loaded from YAML.
type NetworkConfig struct {
	DefaultChain string           `yaml:"default_chain"`
	Chains       []ChainConfig    `yaml:"chains"`
	Providers    []ProviderConfig `yaml:"providers"`
}

// ChainConfig describes one Neo N3 network and its settlement contracts.
type ChainConfig struct {
	ID            string        `yaml:"id"`
	Name          string        `yaml:"name"`
	RPCURL        string        `yaml:"rpc_url"`
	NetworkMagic  uint32        `yaml:"network_magic"`
	GoalManager   string        `yaml:"goal_manager"`
	Leaderboard   string        `yaml:"leaderboard"`
	GasToken      string        `yaml:"gas_token"`
	ValidBlocks   uint32        `yaml:"valid_blocks"`
	Vaults        []VaultConfig `yaml:"vaults"`
	PayoutAddress string        `yaml:"payout_address"`
}

// VaultConfig is one vault contract and its underlying NEP-17 token.
type VaultConfig struct {
	Asset    string `yaml:"asset"`
	Address  string `yaml:"address"`
	Token    string `yaml:"token"`
	Decimals int32  `yaml:"decimals"`
}

// ProviderConfig describes how to read one mobile-money provider's payloads.
type ProviderConfig struct {
	Name          string            `yaml:"name"`
	SecretEnv     string            `yaml:"secret_env"`
	StatusURL     string            `yaml:"status_url"`
	APIKeyEnv     string            `yaml:"api_key_env"`
	SuccessValues []string          `yaml:"success_values"`
	FailureValues []string          `yaml:"failure_values"`
	Paths         map[string]string `yaml:"paths"`
}

// Payload field names resolved through ProviderConfig.Paths.
const (
	FieldCode         = "code"
	FieldStatus       = "status"
	FieldTxHash       = "tx_hash"
	FieldUser         = "user_address"
	FieldAmount       = "amount"
	FieldAsset        = "asset"
	FieldChain        = "chain"
	FieldVault        = "vault_address"
	FieldMetaGoal     = "meta_goal_id"
	FieldTargetGoal   = "target_goal_id"
	defaultGasToken   = "0xd2a4cff31913016155e38e474a2c06d08be276cf"
	defaultValidBlock = 100
)

// LoadNetworkConfig loads and validates the network table at path.
func LoadNetworkConfig(path string) (*NetworkConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read network config: %w", err)
	}
	return ParseNetworkConfig(data)
}

// ParseNetworkConfig parses and validates YAML network config.
func ParseNetworkConfig(data []byte) (*NetworkConfig, error) {
	var cfg NetworkConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse network config: %w", err)
	}

	if len(cfg.Chains) == 0 {
		return nil, fmt.Errorf("network config: at least one chain is required")
	}

	seen := make(map[string]bool)
	for i := range cfg.Chains {
		c := &cfg.Chains[i]
		if c.ID == "" {
			return nil, fmt.Errorf("chain %d: id is required", i)
		}
		if seen[c.ID] {
			return nil, fmt.Errorf("chain %s: duplicate id", c.ID)
		}
		seen[c.ID] = true
		if c.RPCURL == "" {
			return nil, fmt.Errorf("chain %s: rpc_url is required", c.ID)
		}
		if c.GasToken == "" {
			c.GasToken = defaultGasToken
		}
		if c.ValidBlocks == 0 {
			c.ValidBlocks = defaultValidBlock
		}
		assets := make(map[string]bool)
		for j := range c.Vaults {
			v := &c.Vaults[j]
			v.Asset = strings.ToUpper(v.Asset)
			if v.Asset == "" || v.Address == "" || v.Token == "" {
				return nil, fmt.Errorf("chain %s vault %d: asset, address and token are required", c.ID, j)
			}
			if assets[v.Asset] {
				return nil, fmt.Errorf("chain %s: duplicate vault for asset %s", c.ID, v.Asset)
			}
			assets[v.Asset] = true
		}
	}

	if cfg.DefaultChain == "" {
		cfg.DefaultChain = cfg.Chains[0].ID
	}
	if !seen[cfg.DefaultChain] {
		return nil, fmt.Errorf("default_chain %s is not configured", cfg.DefaultChain)
	}

	for i := range cfg.Providers {
		p := &cfg.Providers[i]
		if p.Name == "" {
			return nil, fmt.Errorf("provider %d: name is required", i)
		}
		if p.Paths[FieldCode] == "" {
			return nil, fmt.Errorf("provider %s: paths.%s is required", p.Name, FieldCode)
		}
		if len(p.SuccessValues) == 0 {
			p.SuccessValues = []string{"success", "completed"}
		}
	}

	return &cfg, nil
}

// Chain returns the chain with id.
func (n *NetworkConfig) Chain(id string) (*ChainConfig, bool) {
	for i := range n.Chains {
		if n.Chains[i].ID == id {
			return &n.Chains[i], true
		}
	}
	return nil, false
}

// Provider returns the provider with name.
func (n *NetworkConfig) Provider(name string) (*ProviderConfig, bool) {
	for i := range n.Providers {
		if strings.EqualFold(n.Providers[i].Name, name) {
			return &n.Providers[i], true
		}
	}
	return nil, false
}

// Vault returns the vault of asset on the chain.
func (c *ChainConfig) Vault(asset string) (*VaultConfig, bool) {
	asset = strings.ToUpper(asset)
	for i := range c.Vaults {
		if c.Vaults[i].Asset == asset {
			return &c.Vaults[i], true
		}
	}
	return nil, false
}

// IsSuccess reports whether status is one of the provider's success values.
func (p *ProviderConfig) IsSuccess(status string) bool {
	return containsFold(p.SuccessValues, status)
}

// IsFailure reports whether status is one of the provider's failure values.
func (p *ProviderConfig) IsFailure(status string) bool {
	return containsFold(p.FailureValues, status)
}

func containsFold(values []string, s string) bool {
	for _, v := range values {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
