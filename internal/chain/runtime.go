package chain

import (
	"context"
	"encoding/binary"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "FlowACP-Chain/internal/errors"
	"FlowACP-Chain/pkg/logger"
)

// Call 描述一次提交到运行时的合约调用。
type Call struct {
	Contract string
	Method   string
	// From 是调用者身份，To 是被调用合约的地址。
	From common.Address
	To   common.Address
	// Value 是随调用转入合约的原生资产，可以为空。
	Value *big.Int
}

// Message 携带调用者身份和随调用附带的原生资产，是合约入口的第一个参数。
type Message struct {
	From  common.Address
	Value *big.Int
}

// Block 是一次调用所在的逻辑区块。
type Block struct {
	Number uint64
	Time   time.Time
}

// Receipt 汇总一次已提交调用的结果。
type Receipt struct {
	TxHash common.Hash
	Block  Block
	Events []Event
}

// CommitHook 在调用提交后以提交顺序被同步调用，实现方不得阻塞。
type CommitHook func(receipt Receipt)

// Receiver 在地址收到资产时被调用，相当于合约的回退函数。返回错误会使转账失败。
type Receiver interface {
	OnReceive(ctx context.Context, asset Asset, from common.Address, amount *big.Int) error
}

// Option 配置运行时。
type Option func(*Runtime)

// WithClock 指定时钟。
func WithClock(clock Clock) Option {
	return func(r *Runtime) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// WithChainID 指定链 ID，用于交易哈希派生。
func WithChainID(id *big.Int) Option {
	return func(r *Runtime) {
		if id != nil {
			r.chainID = new(big.Int).Set(id)
		}
	}
}

// WithLogger 指定运行时日志。
func WithLogger(l *slog.Logger) Option {
	return func(r *Runtime) {
		if l != nil {
			r.logger = l
		}
	}
}

// Runtime 串行执行所有调用，保证调用之间的效果不会交错。
type Runtime struct {
	mu        sync.RWMutex
	clock     Clock
	chainID   *big.Int
	height    uint64
	lastTime  time.Time
	sequence  uint64
	nonce     uint64
	bank      *Bank
	log       []Event
	hooks     []CommitHook
	receivers map[common.Address]Receiver
	logger    *slog.Logger
}

// NewRuntime 创建运行时。
func NewRuntime(opts ...Option) *Runtime {
	r := &Runtime{
		clock:     SystemClock{},
		chainID:   big.NewInt(8453),
		bank:      newBank(),
		receivers: make(map[common.Address]Receiver),
		logger:    logger.Named("chain"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

type txKey struct{}

// TxFrom 返回上下文中正在执行的调用，没有则返回 nil。
func TxFrom(ctx context.Context) *Tx {
	if ctx == nil {
		return nil
	}
	tx, _ := ctx.Value(txKey{}).(*Tx)
	return tx
}

// Submit 以原子方式执行 fn。顶层调用获取全局顺序锁；在接收回调中发起的嵌套调用
// 加入当前调用并设置保存点，失败时只回滚嵌套部分。
func (r *Runtime) Submit(ctx context.Context, call Call, fn func(ctx context.Context, tx *Tx) error) (*Receipt, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if outer := TxFrom(ctx); outer != nil && outer.rt == r {
		if err := r.nested(ctx, outer, call, fn); err != nil {
			return nil, err
		}
		return &Receipt{TxHash: outer.txHash, Block: outer.block}, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeTimeout, err, "调用在提交前被取消")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	if now.Before(r.lastTime) {
		now = r.lastTime
	}
	r.nonce++
	tx := &Tx{
		rt:     r,
		call:   call,
		block:  Block{Number: r.height + 1, Time: now},
		txHash: r.deriveTxHash(call, r.height+1, r.nonce),
	}
	txCtx := context.WithValue(ctx, txKey{}, tx)

	if err := r.run(txCtx, tx, call, fn); err != nil {
		tx.rollbackTo(0, 0)
		r.logger.Debug("调用已回滚",
			slog.String("contract", call.Contract),
			slog.String("method", call.Method),
			slog.String("from", call.From.Hex()),
			slog.String("error_code", string(xerrors.CodeOf(err))),
		)
		return nil, err
	}

	r.height = tx.block.Number
	r.lastTime = tx.block.Time
	base := uint64(len(r.log))
	for i := range tx.events {
		tx.events[i].Index = base + uint64(i)
	}
	r.log = append(r.log, tx.events...)

	receipt := Receipt{TxHash: tx.txHash, Block: tx.block, Events: append([]Event(nil), tx.events...)}
	for _, hook := range r.hooks {
		hook(receipt)
	}
	return &receipt, nil
}

func (r *Runtime) nested(ctx context.Context, tx *Tx, call Call, fn func(ctx context.Context, tx *Tx) error) error {
	undoMark, eventMark := len(tx.undo), len(tx.events)
	tx.depth++
	defer func() { tx.depth-- }()
	if err := r.run(ctx, tx, call, fn); err != nil {
		tx.rollbackTo(undoMark, eventMark)
		return err
	}
	return nil
}

func (r *Runtime) run(ctx context.Context, tx *Tx, call Call, fn func(ctx context.Context, tx *Tx) error) (err error) {
	undoMark, eventMark := len(tx.undo), len(tx.events)
	defer func() {
		if p := recover(); p != nil {
			tx.rollbackTo(undoMark, eventMark)
			panic(p)
		}
	}()
	prev := tx.current
	tx.current = call
	defer func() { tx.current = prev }()

	if IsPositive(call.Value) {
		if err := tx.Transfer(ctx, Native, call.From, call.To, call.Value); err != nil {
			return err
		}
	}
	return fn(ctx, tx)
}

func (r *Runtime) deriveTxHash(call Call, height, nonce uint64) common.Hash {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[:8], height)
	binary.BigEndian.PutUint64(buf[8:], nonce)
	return crypto.Keccak256Hash(r.chainID.Bytes(), call.From.Bytes(), call.To.Bytes(), []byte(call.Method), buf)
}

// View 在已提交状态上执行只读函数；在调用内部使用时直接读取当前调用的状态。
func (r *Runtime) View(ctx context.Context, fn func()) {
	if tx := TxFrom(ctx); tx != nil && tx.rt == r {
		fn()
		return
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn()
}

// OnCommit 注册提交回调。
func (r *Runtime) OnCommit(hook CommitHook) {
	if hook == nil {
		return
	}
	r.mu.Lock()
	r.hooks = append(r.hooks, hook)
	r.mu.Unlock()
}

// RegisterReceiver 为地址注册资产接收回调。
func (r *Runtime) RegisterReceiver(addr common.Address, recv Receiver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if recv == nil {
		delete(r.receivers, addr)
		return
	}
	r.receivers[addr] = recv
}

// Genesis 在创世阶段直接为地址注入余额，不产生事件。
func (r *Runtime) Genesis(asset Asset, to common.Address, amount *big.Int) {
	if !IsPositive(amount) {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bank.credit(asset, to, amount)
}

// BalanceOf 返回地址的已提交余额。
func (r *Runtime) BalanceOf(ctx context.Context, asset Asset, addr common.Address) *big.Int {
	var out *big.Int
	r.View(ctx, func() { out = r.bank.balanceOf(asset, addr) })
	return out
}

// Head 返回最新已提交区块。
func (r *Runtime) Head() Block {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Block{Number: r.height, Time: r.lastTime}
}

// ChainID 返回链 ID。
func (r *Runtime) ChainID() *big.Int {
	return new(big.Int).Set(r.chainID)
}

// Events 返回从 from 开始的至多 limit 条已提交事件。
func (r *Runtime) Events(from uint64, limit int) []Event {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if from >= uint64(len(r.log)) {
		return nil
	}
	end := uint64(len(r.log))
	if limit > 0 && from+uint64(limit) < end {
		end = from + uint64(limit)
	}
	out := make([]Event, end-from)
	copy(out, r.log[from:end])
	return out
}

// Now 返回只读视图使用的当前时间，不早于最新区块时间。
func (r *Runtime) Now(ctx context.Context) time.Time {
	if tx := TxFrom(ctx); tx != nil && tx.rt == r {
		return tx.block.Time
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	now := r.clock.Now()
	if now.Before(r.lastTime) {
		return r.lastTime
	}
	return now
}
