package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"FlowACP-Chain/internal/config"
	"FlowACP-Chain/internal/swap"
	"FlowACP-Chain/internal/web3"
	"FlowACP-Chain/internal/web3/ethereum"
)

// Dialer opens a client for one chain definition.
type Dialer func(ctx context.Context, name string, def web3.ChainDefinition) (*ethereum.Client, error)

// DialEVM is the default Dialer backed by ethclient.
func DialEVM(ctx context.Context, name string, def web3.ChainDefinition) (*ethereum.Client, error) {
	return ethereum.NewClient(ctx, ethereum.Config{Name: name, RPCURL: def.RPCURL, Notes: def.Description})
}

// Registry manages a set of chain clients keyed by human readable names.
type Registry struct {
	defaultChain string
	clients      map[string]*ethereum.Client
	defs         map[string]web3.ChainDefinition
}

// NewRegistry loads chain definitions and instantiates concrete clients.
func NewRegistry(ctx context.Context, cfg config.Web3Config, dial Dialer) (*Registry, error) {
	defs, err := web3.LoadChainDefinitions(cfg.ChainConfig)
	if err != nil {
		return nil, err
	}
	if len(defs.Chains) == 0 && strings.TrimSpace(cfg.RPCURL) != "" {
		defs.Chains["default"] = web3.ChainDefinition{Type: "evm", RPCURL: cfg.RPCURL}
		if cfg.DefaultChain == "" {
			cfg.DefaultChain = "default"
		}
	}
	return newRegistry(ctx, defs, cfg.DefaultChain, dial)
}

func newRegistry(ctx context.Context, defs web3.ChainDefinitions, defaultChain string, dial Dialer) (*Registry, error) {
	if dial == nil {
		dial = DialEVM
	}
	r := &Registry{clients: make(map[string]*ethereum.Client), defs: make(map[string]web3.ChainDefinition)}
	for name, def := range defs.Chains {
		chainType := strings.ToLower(strings.TrimSpace(def.Type))
		if chainType == "" {
			chainType = "evm"
		}
		if chainType != "evm" {
			r.Close()
			return nil, fmt.Errorf("链 %s 使用了不支持的类型 %s", name, def.Type)
		}
		client, err := dial(ctx, name, def)
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("初始化链 %s 失败: %w", name, err)
		}
		r.clients[name] = client
		r.defs[name] = def
	}
	if len(r.clients) == 0 {
		return nil, errors.New("未配置任何链的 RPC 端点")
	}

	if defaultChain == "" {
		defaultChain = r.Chains()[0]
	}
	if _, ok := r.clients[defaultChain]; !ok {
		r.Close()
		return nil, fmt.Errorf("默认链 %s 未在配置中找到", defaultChain)
	}
	r.defaultChain = defaultChain
	return r, nil
}

// DefaultClient returns the client configured as default chain.
func (r *Registry) DefaultClient() (web3.Client, error) {
	client, ok := r.Client(r.defaultChain)
	if !ok {
		return nil, fmt.Errorf("默认链 %s 未在注册表中", r.defaultChain)
	}
	return client, nil
}

// Client returns the chain client identified by name.
func (r *Registry) Client(name string) (web3.Client, bool) {
	if r == nil {
		return nil, false
	}
	client, ok := r.clients[name]
	if !ok {
		return nil, false
	}
	return client, true
}

// PriceSource builds a router quote for the named chain (default chain when
// name is empty).
func (r *Registry) PriceSource(name string) (swap.PriceSource, error) {
	if name == "" {
		name = r.defaultChain
	}
	client, ok := r.clients[name]
	if !ok {
		return nil, fmt.Errorf("链 %s 未在注册表中", name)
	}
	def := r.defs[name]
	if !def.HasPriceRoute() {
		return nil, fmt.Errorf("链 %s 缺少 router/wrapped_native/stable_token 配置", name)
	}
	return ethereum.NewRouterPrice(client,
		common.HexToAddress(def.Router),
		common.HexToAddress(def.WrappedNative),
		common.HexToAddress(def.StableToken),
		18,
	), nil
}

// Snapshots fetches metadata for every registered chain, skipping failures.
func (r *Registry) Snapshots(ctx context.Context) []web3.ChainSnapshot {
	var out []web3.ChainSnapshot
	for _, name := range r.Chains() {
		snap, err := r.clients[name].FetchChainSnapshot(ctx)
		if err != nil {
			snap = web3.ChainSnapshot{Name: name, Notes: err.Error()}
		}
		out = append(out, snap)
	}
	return out
}

// Close releases all clients managed by the registry.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	for name, client := range r.clients {
		if client != nil {
			client.Close()
		}
		delete(r.clients, name)
	}
}

// Chains returns the list of registered chain names.
func (r *Registry) Chains() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
