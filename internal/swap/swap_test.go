package swap

import (
	"context"
	stdErrors "errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"FlowACP-Chain/internal/chain"
	xerrors "FlowACP-Chain/internal/errors"
)

var (
	user = common.HexToAddress("0x1e00000000000000000000000000000000000001")
	pool = common.HexToAddress("0x9000000000000000000000000000000000000002")
)

func newPool(t *testing.T) (*chain.Runtime, *PoolAdapter) {
	t.Helper()
	rt := chain.NewRuntime()
	rt.Genesis(chain.Native, user, chain.MustParseUnits("2", 18))
	rt.Genesis(chain.Stable, pool, chain.MustParseUnits("100000", 6))
	rt.Genesis(chain.Native, pool, chain.MustParseUnits("50", 18))
	return rt, NewPoolAdapter(pool, NewStaticPrice(chain.MustParseUnits("2000", 6)))
}

func TestPoolSwapsAtQuotedPrice(t *testing.T) {
	rt, adapter := newPool(t)
	ctx := context.Background()
	amountIn := chain.MustParseUnits("0.95", 18)

	var out *big.Int
	_, err := rt.Submit(ctx, chain.Call{From: user, To: pool, Value: amountIn}, func(ctx context.Context, tx *chain.Tx) error {
		var err error
		out, err = adapter.SwapNativeForStable(ctx, tx, user, amountIn, chain.MustParseUnits("1800", 6))
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, "1900000000", out.String())
	assert.Equal(t, "1900000000", rt.BalanceOf(ctx, chain.Stable, user).String())
	assert.Equal(t, "1.05", chain.FormatUnits(rt.BalanceOf(ctx, chain.Native, user), 18))

	back, err := adapter.Quote(ctx, StableToNative, out)
	require.NoError(t, err)
	assert.Equal(t, amountIn, back)
}

func TestPoolRejectsSlippageAndRollsBack(t *testing.T) {
	rt, adapter := newPool(t)
	ctx := context.Background()
	amountIn := chain.MustParseUnits("1", 18)

	_, err := rt.Submit(ctx, chain.Call{From: user, To: pool, Value: amountIn}, func(ctx context.Context, tx *chain.Tx) error {
		_, err := adapter.SwapNativeForStable(ctx, tx, user, amountIn, chain.MustParseUnits("2000.000001", 6))
		return err
	})
	require.Error(t, err)
	assert.True(t, stdErrors.Is(err, ErrSlippageExceeded))
	assert.Equal(t, xerrors.ClassPayment, xerrors.ClassOf(err))
	assert.Equal(t, chain.MustParseUnits("2", 18), rt.BalanceOf(ctx, chain.Native, user))
	assert.Equal(t, 0, rt.BalanceOf(ctx, chain.Stable, user).Sign())
}

func TestPoolFeeAndLiquidity(t *testing.T) {
	rt := chain.NewRuntime()
	rt.Genesis(chain.Native, user, chain.MustParseUnits("10", 18))
	adapter := NewPoolAdapter(pool, NewStaticPrice(chain.MustParseUnits("2000", 6)), WithPoolFee(30))
	ctx := context.Background()

	quote, err := adapter.Quote(ctx, NativeToStable, chain.MustParseUnits("1", 18))
	require.NoError(t, err)
	assert.Equal(t, chain.MustParseUnits("1994", 6), quote)

	_, err = rt.Submit(ctx, chain.Call{From: user, To: pool, Value: chain.MustParseUnits("1", 18)}, func(ctx context.Context, tx *chain.Tx) error {
		_, err := adapter.SwapNativeForStable(ctx, tx, user, chain.MustParseUnits("1", 18), nil)
		return err
	})
	assert.Equal(t, xerrors.CodeInsufficientFunds, xerrors.CodeOf(err))
}

type flakySource struct {
	values []*big.Int
	errs   []error
	calls  int
}

func (f *flakySource) Price(context.Context) (*big.Int, error) {
	i := f.calls
	f.calls++
	return f.values[i], f.errs[i]
}

func TestCachedPriceKeepsLastGoodValue(t *testing.T) {
	upstream := &flakySource{
		values: []*big.Int{nil, chain.MustParseUnits("2100", 6), nil},
		errs:   []error{stdErrors.New("rpc down"), nil, stdErrors.New("rpc down")},
	}
	now := time.Unix(1_700_000_000, 0)
	cached := NewCachedPrice(upstream, time.Second, time.Minute)
	cached.now = func() time.Time { return now }
	ctx := context.Background()

	require.Error(t, cached.Refresh(ctx))
	_, err := cached.Price(ctx)
	assert.Equal(t, xerrors.CodeInitializationFailure, xerrors.CodeOf(err))

	require.NoError(t, cached.Refresh(ctx))
	require.Error(t, cached.Refresh(ctx))
	price, err := cached.Price(ctx)
	require.NoError(t, err)
	assert.Equal(t, chain.MustParseUnits("2100", 6), price)

	now = now.Add(2 * time.Minute)
	_, err = cached.Price(ctx)
	assert.Equal(t, xerrors.CodeTimeout, xerrors.CodeOf(err))
}
