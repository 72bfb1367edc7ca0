package chain

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Bank 维护每种资产在各地址上的余额。只能经由 Tx 修改。
type Bank struct {
	balances map[Asset]map[common.Address]*big.Int
}

func newBank() *Bank {
	return &Bank{balances: make(map[Asset]map[common.Address]*big.Int)}
}

func (b *Bank) balanceOf(asset Asset, addr common.Address) *big.Int {
	if v, ok := b.balances[asset][addr]; ok {
		return new(big.Int).Set(v)
	}
	return new(big.Int)
}

// set 写入新余额并返回旧值，value 为 nil 或 0 时删除条目。
func (b *Bank) set(asset Asset, addr common.Address, value *big.Int) *big.Int {
	accounts, ok := b.balances[asset]
	if !ok {
		accounts = make(map[common.Address]*big.Int)
		b.balances[asset] = accounts
	}
	prev := accounts[addr]
	if value == nil || value.Sign() == 0 {
		delete(accounts, addr)
	} else {
		accounts[addr] = value
	}
	return prev
}

func (b *Bank) credit(asset Asset, addr common.Address, amount *big.Int) {
	b.set(asset, addr, new(big.Int).Add(b.balanceOf(asset, addr), amount))
}
