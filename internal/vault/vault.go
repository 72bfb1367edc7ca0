// Package vault 实现委托金库：用户存入原生资产，经兑换适配器换成稳定资产后记入
// (用户, 智能体) 账本，并由对应的子金库托管。提取永远可用，不受暂停与限速约束。
package vault

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"FlowACP-Chain/internal/chain"
	xerrors "FlowACP-Chain/internal/errors"
	"FlowACP-Chain/internal/observability/alerting"
	"FlowACP-Chain/internal/registry"
	"FlowACP-Chain/internal/swap"
	"FlowACP-Chain/pkg/logger"
)

const contractName = "FlowVault"

// 配置上限。
const (
	MaxPlatformFeeBps = 1000
	MaxGasReserveBps  = chain.BasisPoints - 1
)

// ErrPaused 表示存入已暂停。
var ErrPaused = xerrors.New(xerrors.CodePaused, "deposits paused")

var (
	evtDelegated       = chain.NewEventSpec("Delegated(address,uint8,uint256,uint256,uint256)")
	evtWithdrawn       = chain.NewEventSpec("Withdrawn(address,uint8,uint256,uint256,bool)")
	evtFeeCollected    = chain.NewEventSpec("PlatformFeeCollected(address,uint256)")
	evtConfigUpdated   = chain.NewEventSpec("ConfigUpdated(string,string)")
	evtVaultsUpdated   = chain.NewEventSpec("VaultAddressesUpdated(address,address)")
	evtDepositsPaused  = chain.NewEventSpec("Paused(address)")
	evtDepositsResumed = chain.NewEventSpec("Unpaused(address)")
)

// Config 描述金库的部署参数。
type Config struct {
	Address        common.Address
	Owner          common.Address
	Treasury       common.Address
	YieldVault     common.Address
	TradingVault   common.Address
	PlatformFeeBps uint32
	GasReserveBps  uint32
	// MinDelegation 以稳定资产最小单位表示。
	MinDelegation *big.Int
}

type ledgerKey struct {
	user  common.Address
	agent registry.AgentType
}

// Vault 是委托金库合约。
type Vault struct {
	rt      *chain.Runtime
	adapter swap.Adapter
	alerts  alerting.Dispatcher

	address        common.Address
	owner          common.Address
	treasury       common.Address
	platformFeeBps uint32
	gasReserveBps  uint32
	minDelegation  *big.Int
	paused         bool

	yield   *SubVault
	trading *SubVault

	ledger map[ledgerKey]*big.Int
	totals map[registry.AgentType]*big.Int
	guard  chain.ReentrancyGuard

	logger *slog.Logger
}

// Option 配置金库。
type Option func(*Vault)

// WithAlerts 设置偿付能力告警的分发器。
func WithAlerts(d alerting.Dispatcher) Option {
	return func(v *Vault) {
		v.alerts = d
	}
}

// New 创建金库。
func New(rt *chain.Runtime, adapter swap.Adapter, cfg Config, opts ...Option) (*Vault, error) {
	if rt == nil || adapter == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "金库依赖未初始化")
	}
	if cfg.Owner == (common.Address{}) || cfg.Treasury == (common.Address{}) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "金库必须配置管理员与国库地址")
	}
	if cfg.YieldVault == (common.Address{}) || cfg.TradingVault == (common.Address{}) || cfg.YieldVault == cfg.TradingVault {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "子金库地址必须互不相同且非空")
	}
	if cfg.PlatformFeeBps > MaxPlatformFeeBps {
		return nil, xerrors.Newf(xerrors.CodeInvalidArgument, "平台费 %d 超过上限 %d", cfg.PlatformFeeBps, MaxPlatformFeeBps)
	}
	if cfg.GasReserveBps > MaxGasReserveBps {
		return nil, xerrors.Newf(xerrors.CodeInvalidArgument, "gas 预留比例 %d 必须小于 %d", cfg.GasReserveBps, chain.BasisPoints)
	}
	v := &Vault{
		rt:             rt,
		adapter:        adapter,
		address:        cfg.Address,
		owner:          cfg.Owner,
		treasury:       cfg.Treasury,
		platformFeeBps: cfg.PlatformFeeBps,
		gasReserveBps:  cfg.GasReserveBps,
		minDelegation:  chain.Copy(cfg.MinDelegation),
		yield:          NewYieldVault(cfg.YieldVault),
		trading:        NewTradingVault(cfg.TradingVault),
		ledger:         make(map[ledgerKey]*big.Int),
		totals:         make(map[registry.AgentType]*big.Int),
		logger:         logger.Named("vault"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v, nil
}

// Address 返回金库地址。
func (v *Vault) Address() common.Address { return v.address }

// SubVaultFor 返回托管该类智能体资金的子金库。
func (v *Vault) SubVaultFor(agentType registry.AgentType) *SubVault {
	if agentType.Kind() == registry.KindYield {
		return v.yield
	}
	return v.trading
}

// LedgerBalance 在调用内部读取账本余额。
func (v *Vault) LedgerBalance(user common.Address, agentType registry.AgentType) *big.Int {
	return chain.Copy(v.ledger[ledgerKey{user: user, agent: agentType}])
}

func (v *Vault) credit(tx *chain.Tx, user common.Address, agentType registry.AgentType, amount *big.Int) {
	key := ledgerKey{user: user, agent: agentType}
	chain.SetMap(tx, v.ledger, key, new(big.Int).Add(chain.Copy(v.ledger[key]), amount))
	chain.SetMap(tx, v.totals, agentType, new(big.Int).Add(chain.Copy(v.totals[agentType]), amount))
}

func (v *Vault) debit(tx *chain.Tx, user common.Address, agentType registry.AgentType, amount *big.Int) error {
	key := ledgerKey{user: user, agent: agentType}
	balance := chain.Copy(v.ledger[key])
	if balance.Cmp(amount) < 0 {
		return xerrors.Newf(xerrors.CodeInsufficientBalance, "账本余额 %s 不足以提取 %s",
			chain.FormatUnits(balance, chain.Stable.Decimals()), chain.FormatUnits(amount, chain.Stable.Decimals()))
	}
	chain.SetMap(tx, v.ledger, key, balance.Sub(balance, amount))
	total := chain.Copy(v.totals[agentType])
	chain.SetMap(tx, v.totals, agentType, total.Sub(total, amount))
	return nil
}

// checkSolvency 校验同一子金库下所有智能体的账本总额不超过其实际托管余额。
func (v *Vault) checkSolvency(tx *chain.Tx, sub *SubVault) error {
	owed := new(big.Int)
	for _, t := range registry.Types() {
		if t.Kind() == sub.Kind() {
			owed.Add(owed, chain.Copy(v.totals[t]))
		}
	}
	custody := tx.BalanceOf(chain.Stable, sub.Address())
	if owed.Cmp(custody) > 0 {
		return xerrors.New(xerrors.CodeSolvencyViolation,
			fmt.Sprintf("%s 子金库账本总额 %s 超过托管余额 %s", sub.Kind(), owed, custody),
			xerrors.WithMetadata("sub_vault", sub.Address().Hex()),
			xerrors.WithMetadata("ledger_total", owed.String()),
			xerrors.WithMetadata("custody", custody.String()),
		)
	}
	return nil
}

func (v *Vault) submit(ctx context.Context, msg chain.Message, method string, payable bool, fn func(ctx context.Context, tx *chain.Tx) error) (*chain.Receipt, error) {
	if !payable {
		if err := chain.NonPayable(msg); err != nil {
			return nil, err
		}
	}
	call := chain.Call{Contract: contractName, Method: method, From: msg.From, To: v.address, Value: msg.Value}
	receipt, err := v.rt.Submit(ctx, call, func(ctx context.Context, tx *chain.Tx) error {
		release, err := v.guard.Enter()
		if err != nil {
			return err
		}
		defer release()
		return fn(ctx, tx)
	})
	if err != nil {
		v.logger.Warn("金库调用被拒绝",
			slog.String("method", method),
			slog.String("caller", msg.From.Hex()),
			slog.String("error_code", string(xerrors.CodeOf(err))),
			slog.Any("error", err),
		)
		if xerrors.ShouldAlert(err) && v.alerts != nil {
			if notifyErr := v.alerts.Notify(context.WithoutCancel(ctx), alerting.FromError(err, contractName, method, msg.From.Hex())); notifyErr != nil {
				v.logger.Error("告警发送失败", slog.Any("error", notifyErr))
			}
		}
		return nil, err
	}
	logger.Audit().Info("金库调用已提交",
		slog.String("contract", contractName),
		slog.String("method", method),
		slog.String("caller", msg.From.Hex()),
		slog.Uint64("block", receipt.Block.Number),
		slog.String("tx_hash", receipt.TxHash.Hex()),
	)
	return receipt, nil
}
