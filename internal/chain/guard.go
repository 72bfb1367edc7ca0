package chain

import xerrors "FlowACP-Chain/internal/errors"

// ErrReentrantCall 在合约入口被重复进入时返回。
var ErrReentrantCall = xerrors.New(xerrors.CodeReentrantCall, "合约入口不可重入")

// ReentrancyGuard 标记合约是否正在执行一个修改状态的入口。
// 运行时已串行化所有顶层调用，因此只有接收回调中的嵌套调用会触发它。
type ReentrancyGuard struct {
	entered bool
}

// Enter 进入受保护区域，返回的函数用于离开。
func (g *ReentrancyGuard) Enter() (func(), error) {
	if g.entered {
		return nil, ErrReentrantCall
	}
	g.entered = true
	return func() { g.entered = false }, nil
}
