package ethereum

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	xerrors "FlowACP-Chain/internal/errors"
)

const routerABIJSON = `[{"name":"getAmountsOut","type":"function","stateMutability":"view",
"inputs":[{"name":"amountIn","type":"uint256"},{"name":"path","type":"address[]"}],
"outputs":[{"name":"amounts","type":"uint256[]"}]}]`

var routerABI = mustParseABI(routerABIJSON)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("解析 ABI 失败: %v", err))
	}
	return parsed
}

// ContractCaller is satisfied by Client and by ethclient.Client.
type ContractCaller interface {
	CallContract(ctx context.Context, msg gethcore.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// RouterPrice quotes one whole native token against the stable token through a
// UniswapV2 style router. The result is expressed in stable token base units.
type RouterPrice struct {
	caller   ContractCaller
	router   common.Address
	path     []common.Address
	amountIn *big.Int
}

// NewRouterPrice builds a price source quoting wrappedNative -> stable.
// nativeDecimals is normally 18.
func NewRouterPrice(caller ContractCaller, router, wrappedNative, stable common.Address, nativeDecimals int) *RouterPrice {
	return &RouterPrice{
		caller:   caller,
		router:   router,
		path:     []common.Address{wrappedNative, stable},
		amountIn: new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(nativeDecimals)), nil),
	}
}

// Price implements swap.PriceSource.
func (r *RouterPrice) Price(ctx context.Context) (*big.Int, error) {
	input, err := routerABI.Pack("getAmountsOut", r.amountIn, r.path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码 getAmountsOut 失败")
	}
	router := r.router
	output, err := r.caller.CallContract(ctx, gethcore.CallMsg{To: &router, Data: input}, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeTimeout, err, "查询路由报价失败")
	}
	values, err := routerABI.Unpack("getAmountsOut", output)
	if err != nil || len(values) != 1 {
		return nil, xerrors.Newf(xerrors.CodeInvalidArgument, "无法解析路由报价: %v", err)
	}
	amounts := *abi.ConvertType(values[0], new([]*big.Int)).(*[]*big.Int)
	if len(amounts) != len(r.path) {
		return nil, xerrors.Newf(xerrors.CodeInvalidArgument, "路由报价长度 %d 与路径长度 %d 不符", len(amounts), len(r.path))
	}
	out := amounts[len(amounts)-1]
	if out == nil || out.Sign() <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "路由报价必须为正")
	}
	return new(big.Int).Set(out), nil
}
