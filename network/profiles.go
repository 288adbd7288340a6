package network

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Profile holds everything needed to target one chain environment.
type Profile struct {
	Key           string `yaml:"key" json:"key"`
	ChainID       uint64 `yaml:"chain_id" json:"chain_id"`
	Name          string `yaml:"name" json:"name"`
	TokenAddress  string `yaml:"token_address" json:"token_address"`
	EscrowAddress string `yaml:"escrow_address" json:"escrow_address"`
	RPCURL        string `yaml:"rpc_url" json:"rpc_url"`
	ExplorerURL   string `yaml:"explorer_url" json:"explorer_url"`
	TokenDecimals int32  `yaml:"token_decimals" json:"token_decimals"`
}

// HexChainID returns the 0x-prefixed chain id wallets expect for switch requests.
func (p Profile) HexChainID() string {
	return "0x" + strconv.FormatUint(p.ChainID, 16)
}

// Decimals returns the funding token's decimals, defaulting to 18.
func (p Profile) Decimals() int32 {
	if p.TokenDecimals <= 0 {
		return 18
	}
	return p.TokenDecimals
}

// Validate reports whether the profile can be used for a funding attempt.
func (p Profile) Validate() error {
	if p.ChainID == 0 {
		return fmt.Errorf("profile %q: chain id is required", p.Key)
	}
	if strings.TrimSpace(p.TokenAddress) == "" {
		return fmt.Errorf("profile %q: token address is not configured", p.Key)
	}
	if strings.TrimSpace(p.EscrowAddress) == "" {
		return fmt.Errorf("profile %q: escrow address is not configured", p.Key)
	}
	return nil
}

// TxURL links a transaction hash on the profile's explorer.
func (p Profile) TxURL(txHash string) string {
	if p.ExplorerURL == "" || txHash == "" {
		return ""
	}
	return strings.TrimRight(p.ExplorerURL, "/") + "/tx/" + txHash
}

// DefaultProfiles returns the built-in test and production environments.
// Addresses and RPC endpoints come from the environment.
func DefaultProfiles() []Profile {
	return []Profile{
		{
			Key:           "sepolia",
			ChainID:       11155111,
			Name:          "Sepolia Testnet",
			TokenAddress:  os.Getenv("ESCROW_TOKEN_ADDRESS_SEPOLIA"),
			EscrowAddress: os.Getenv("ESCROW_CONTRACT_ADDRESS_SEPOLIA"),
			RPCURL:        os.Getenv("ESCROW_SEPOLIA_RPC"),
			ExplorerURL:   "https://sepolia.etherscan.io",
		},
		{
			Key:           "mainnet",
			ChainID:       1,
			Name:          "Ethereum Mainnet",
			TokenAddress:  os.Getenv("ESCROW_TOKEN_ADDRESS_MAINNET"),
			EscrowAddress: os.Getenv("ESCROW_CONTRACT_ADDRESS_MAINNET"),
			RPCURL:        os.Getenv("ESCROW_MAINNET_RPC"),
			ExplorerURL:   "https://etherscan.io",
		},
	}
}

type profileFile struct {
	Profiles []Profile `yaml:"profiles"`
}

// LoadProfiles reads a YAML profile table. An empty path yields DefaultProfiles.
func LoadProfiles(path string) ([]Profile, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultProfiles(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profiles: %w", err)
	}
	var f profileFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse profiles: %w", err)
	}
	if len(f.Profiles) == 0 {
		return nil, fmt.Errorf("parse profiles: %s defines no profiles", path)
	}
	return f.Profiles, nil
}

// Registry keeps the profile table and the single active selection.
type Registry struct {
	mu       sync.RWMutex
	profiles []Profile
	active   int
}

// NewRegistry builds a registry with the profile keyed activeKey selected.
// An unknown or empty key selects the first profile.
func NewRegistry(profiles []Profile, activeKey string) (*Registry, error) {
	if len(profiles) == 0 {
		return nil, fmt.Errorf("network registry needs at least one profile")
	}
	seen := make(map[uint64]bool, len(profiles))
	for _, p := range profiles {
		if seen[p.ChainID] {
			return nil, fmt.Errorf("duplicate chain id %d in profile table", p.ChainID)
		}
		seen[p.ChainID] = true
	}
	r := &Registry{profiles: append([]Profile(nil), profiles...)}
	if activeKey != "" {
		if idx := r.indexOf(activeKey); idx >= 0 {
			r.active = idx
		} else {
			log.Warn().Str("network", activeKey).Msg("unknown network, defaulting to first profile")
		}
	}
	return r, nil
}

func (r *Registry) indexOf(key string) int {
	for i, p := range r.profiles {
		if strings.EqualFold(p.Key, key) || strconv.FormatUint(p.ChainID, 10) == key {
			return i
		}
	}
	return -1
}

// ActiveProfile returns a copy of the currently selected profile.
func (r *Registry) ActiveProfile() Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.profiles[r.active]
}

// Toggle swaps to the next profile and returns it.
func (r *Registry) Toggle() Profile {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = (r.active + 1) % len(r.profiles)
	return r.profiles[r.active]
}

// Select activates the profile matching key (profile key or decimal chain id).
func (r *Registry) Select(key string) (Profile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := r.indexOf(key)
	if idx < 0 {
		return Profile{}, fmt.Errorf("unknown network %q", key)
	}
	r.active = idx
	return r.profiles[idx], nil
}

// Lookup finds the profile matching key without changing the selection.
func (r *Registry) Lookup(key string) (Profile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	idx := r.indexOf(key)
	if idx < 0 {
		return Profile{}, false
	}
	return r.profiles[idx], true
}

// ByChainID looks up a profile without changing the selection.
func (r *Registry) ByChainID(chainID uint64) (Profile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.profiles {
		if p.ChainID == chainID {
			return p, true
		}
	}
	return Profile{}, false
}

// Profiles returns a copy of the table.
func (r *Registry) Profiles() []Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Profile(nil), r.profiles...)
}
