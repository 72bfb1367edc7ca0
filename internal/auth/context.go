package auth

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
)

// callerKey 是上下文中存储调用者地址的键类型。
type callerKey struct{}

// WithCaller 将已认证的调用者地址存入上下文。
func WithCaller(ctx context.Context, caller common.Address) context.Context {
	return context.WithValue(ctx, callerKey{}, caller)
}

// CallerFromContext 从上下文中取出调用者地址。
func CallerFromContext(ctx context.Context) (common.Address, bool) {
	if ctx == nil {
		return common.Address{}, false
	}
	caller, ok := ctx.Value(callerKey{}).(common.Address)
	return caller, ok
}
