package chain

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "FlowACP-Chain/internal/errors"
)

// Tx 是一次调用的执行上下文。所有状态修改都必须通过 Tx 记录撤销操作，
// 调用失败时按逆序撤销。
type Tx struct {
	rt      *Runtime
	call    Call
	current Call
	block   Block
	txHash  common.Hash
	undo    []func()
	events  []Event
	depth   int
}

// Caller 返回当前正在执行的调用者。
func (tx *Tx) Caller() common.Address { return tx.current.From }

// Value 返回当前调用附带的原生资产。
func (tx *Tx) Value() *big.Int { return Copy(tx.current.Value) }

// Block 返回调用所在区块。
func (tx *Tx) Block() Block { return tx.block }

// Time 返回区块时间。
func (tx *Tx) Time() time.Time { return tx.block.Time }

// Hash 返回交易哈希。
func (tx *Tx) Hash() common.Hash { return tx.txHash }

// Nested 报告当前是否处于嵌套调用中。
func (tx *Tx) Nested() bool { return tx.depth > 0 }

// OnRevert 注册一个撤销操作。
func (tx *Tx) OnRevert(fn func()) {
	if fn != nil {
		tx.undo = append(tx.undo, fn)
	}
}

// NextSequence 返回单调递增的序号，回滚时序号一并回退。
func (tx *Tx) NextSequence() uint64 {
	prev := tx.rt.sequence
	tx.rt.sequence++
	tx.OnRevert(func() { tx.rt.sequence = prev })
	return tx.rt.sequence
}

func (tx *Tx) rollbackTo(undoMark, eventMark int) {
	for i := len(tx.undo) - 1; i >= undoMark; i-- {
		tx.undo[i]()
	}
	tx.undo = tx.undo[:undoMark]
	tx.events = tx.events[:eventMark]
}

// BalanceOf 返回当前调用视角下的余额。
func (tx *Tx) BalanceOf(asset Asset, addr common.Address) *big.Int {
	return tx.rt.bank.balanceOf(asset, addr)
}

// Transfer 在两个地址之间转移资产，若接收方注册了回调则在记账后调用它。
func (tx *Tx) Transfer(ctx context.Context, asset Asset, from, to common.Address, amount *big.Int) error {
	if !IsPositive(amount) {
		return nil
	}
	bank := tx.rt.bank
	if bank.balanceOf(asset, from).Cmp(amount) < 0 {
		return xerrors.Newf(xerrors.CodeInsufficientFunds, "%s 余额不足以转出 %s %s", from.Hex(), FormatUnits(amount, asset.Decimals()), asset)
	}
	tx.setBalance(asset, from, new(big.Int).Sub(bank.balanceOf(asset, from), amount))
	tx.setBalance(asset, to, new(big.Int).Add(bank.balanceOf(asset, to), amount))

	if recv, ok := tx.rt.receivers[to]; ok && from != to {
		if err := recv.OnReceive(ctx, asset, from, Copy(amount)); err != nil {
			return err
		}
	}
	return nil
}

func (tx *Tx) setBalance(asset Asset, addr common.Address, value *big.Int) {
	prev := tx.rt.bank.set(asset, addr, value)
	tx.OnRevert(func() { tx.rt.bank.set(asset, addr, prev) })
}

// Emit 记录一条待提交事件，调用回滚时一并丢弃。
func (tx *Tx) Emit(addr common.Address, spec EventSpec, fields map[string]string) {
	copied := make(map[string]string, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	tx.events = append(tx.events, Event{
		Block:     tx.block.Number,
		Timestamp: tx.block.Time,
		TxHash:    tx.txHash,
		Contract:  tx.current.Contract,
		Address:   addr,
		Name:      spec.Name,
		Signature: spec.Signature,
		Topic:     spec.Topic,
		Fields:    copied,
	})
}

// SetMap 写入 map 并记录撤销操作。
func SetMap[K comparable, V any](tx *Tx, m map[K]V, key K, value V) {
	prev, existed := m[key]
	m[key] = value
	tx.OnRevert(func() {
		if existed {
			m[key] = prev
		} else {
			delete(m, key)
		}
	})
}

// Assign 写入变量并记录撤销操作。
func Assign[T any](tx *Tx, ptr *T, value T) {
	prev := *ptr
	*ptr = value
	tx.OnRevert(func() { *ptr = prev })
}

// Append 追加切片元素并记录撤销操作。
func Append[T any](tx *Tx, slice *[]T, value T) {
	prevLen := len(*slice)
	*slice = append(*slice, value)
	tx.OnRevert(func() {
		var zero T
		(*slice)[prevLen] = zero
		*slice = (*slice)[:prevLen]
	})
}

// RequireOwner 校验调用者为管理员。
func RequireOwner(tx *Tx, owner common.Address) error {
	if tx.Caller() != owner {
		return xerrors.Newf(xerrors.CodeUnauthorized, "%s 不是管理员", tx.Caller().Hex())
	}
	return nil
}

// NonPayable 拒绝附带原生资产的调用。
func NonPayable(msg Message) error {
	if IsPositive(msg.Value) {
		return xerrors.New(xerrors.CodeInvalidArgument, "该入口不接受附带资产")
	}
	return nil
}
