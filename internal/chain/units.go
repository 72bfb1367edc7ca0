package chain

import (
	"fmt"
	"math/big"
	"strings"
)

// Asset 标识运行时内记账的资产。
type Asset string

const (
	// Native 是用户支付和保留 gas 的原生资产。
	Native Asset = "ETH"
	// Stable 是账本使用的稳定记账单位。
	Stable Asset = "USDC"
)

// Decimals 返回资产的精度。
func (a Asset) Decimals() int {
	switch a {
	case Stable:
		return 6
	default:
		return 18
	}
}

// BasisPoints 是万分比的分母。
const BasisPoints = 10_000

// Bps 计算 amount * bps / 10000，向下取整。
func Bps(amount *big.Int, bps uint32) *big.Int {
	if amount == nil || bps == 0 {
		return new(big.Int)
	}
	out := new(big.Int).Mul(amount, big.NewInt(int64(bps)))
	return out.Quo(out, big.NewInt(BasisPoints))
}

// Copy 返回 amount 的副本，nil 视为 0。
func Copy(amount *big.Int) *big.Int {
	if amount == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(amount)
}

// IsPositive 判断 amount 是否大于 0。
func IsPositive(amount *big.Int) bool {
	return amount != nil && amount.Sign() > 0
}

// ParseUnits 把十进制字符串按给定精度换算为最小单位，例如 "1.5" 与 18 位精度得到 1.5e18。
func ParseUnits(value string, decimals int) (*big.Int, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, fmt.Errorf("empty amount")
	}
	if strings.HasPrefix(value, "-") {
		return nil, fmt.Errorf("negative amount %q", value)
	}
	whole, frac, _ := strings.Cut(value, ".")
	if len(frac) > decimals {
		return nil, fmt.Errorf("amount %q has more than %d decimals", value, decimals)
	}
	frac += strings.Repeat("0", decimals-len(frac))
	out, ok := new(big.Int).SetString(whole+frac, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", value)
	}
	return out, nil
}

// MustParseUnits 与 ParseUnits 相同，解析失败时 panic，只用于常量与测试。
func MustParseUnits(value string, decimals int) *big.Int {
	out, err := ParseUnits(value, decimals)
	if err != nil {
		panic(err)
	}
	return out
}

// FormatUnits 把最小单位格式化为十进制字符串，去掉末尾多余的 0。
func FormatUnits(amount *big.Int, decimals int) string {
	if amount == nil {
		return "0"
	}
	sign := ""
	abs := new(big.Int).Set(amount)
	if abs.Sign() < 0 {
		sign = "-"
		abs.Neg(abs)
	}
	digits := abs.String()
	if decimals <= 0 {
		return sign + digits
	}
	if len(digits) <= decimals {
		digits = strings.Repeat("0", decimals-len(digits)+1) + digits
	}
	whole := digits[:len(digits)-decimals]
	frac := strings.TrimRight(digits[len(digits)-decimals:], "0")
	if frac == "" {
		return sign + whole
	}
	return sign + whole + "." + frac
}
