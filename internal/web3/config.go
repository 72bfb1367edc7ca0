package web3

import (
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// ChainDefinitions models the structure of configs/chains.yaml.
type ChainDefinitions struct {
	Chains map[string]ChainDefinition `yaml:"chains"`
}

// ChainDefinition describes a single chain endpoint and the contracts used for
// price discovery on it.
type ChainDefinition struct {
	Type        string `yaml:"type"`
	ChainID     uint64 `yaml:"chain_id"`
	RPCURL      string `yaml:"rpc_url"`
	Description string `yaml:"description"`
	// Router is a UniswapV2 compatible router queried with getAmountsOut.
	Router        string `yaml:"router"`
	WrappedNative string `yaml:"wrapped_native"`
	StableToken   string `yaml:"stable_token"`
}

// HasPriceRoute reports whether the definition carries enough addresses to
// quote the native/stable rate.
func (d ChainDefinition) HasPriceRoute() bool {
	for _, addr := range []string{d.Router, d.WrappedNative, d.StableToken} {
		if !common.IsHexAddress(strings.TrimSpace(addr)) {
			return false
		}
	}
	return true
}

// LoadChainDefinitions parses the YAML file containing chain metadata.
func LoadChainDefinitions(path string) (ChainDefinitions, error) {
	if strings.TrimSpace(path) == "" {
		return ChainDefinitions{Chains: map[string]ChainDefinition{}}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return ChainDefinitions{}, fmt.Errorf("读取链配置失败: %w", err)
	}

	var defs ChainDefinitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return ChainDefinitions{}, fmt.Errorf("解析链配置失败: %w", err)
	}
	if defs.Chains == nil {
		defs.Chains = map[string]ChainDefinition{}
	}
	return defs, nil
}
