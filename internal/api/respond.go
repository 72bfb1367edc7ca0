package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"FlowACP-Chain/internal/auth"
	"FlowACP-Chain/internal/chain"
	xerrors "FlowACP-Chain/internal/errors"
	"FlowACP-Chain/internal/registry"
)

// errorBody 是错误响应的结构，class 告诉调用方应当如何调整后重试。
type errorBody struct {
	Code      xerrors.Code  `json:"code"`
	Class     xerrors.Class `json:"class"`
	Message   string        `json:"message"`
	Retryable bool          `json:"retryable"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor 把错误大类映射为 HTTP 状态码。
func statusFor(err error) int {
	switch xerrors.ClassOf(err) {
	case xerrors.ClassAccessControl:
		return http.StatusForbidden
	case xerrors.ClassPhaseViolation:
		return http.StatusConflict
	case xerrors.ClassPayment:
		return http.StatusPaymentRequired
	case xerrors.ClassLimitExceeded:
		return http.StatusTooManyRequests
	case xerrors.ClassPaused:
		return http.StatusLocked
	case xerrors.ClassNotFound:
		return http.StatusNotFound
	case xerrors.ClassInvalid:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func errorFrom(err error) errorBody {
	body := errorBody{
		Code:      xerrors.CodeOf(err),
		Class:     xerrors.ClassOf(err),
		Message:   err.Error(),
		Retryable: xerrors.RetryableError(err),
	}
	if e, ok := xerrors.From(err); ok {
		body.Message = e.Message()
	}
	return body
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]errorBody{"error": errorFrom(err)})
}

func invalid(format string, args ...any) error {
	return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf(format, args...))
}

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return invalid("请求体解析失败: %v", err)
	}
	return nil
}

// message 用已认证的调用者构造合约调用消息。value 为原生资产数量，可以为空串。
func message(r *http.Request, value string) (chain.Message, error) {
	caller, ok := auth.CallerFromContext(r.Context())
	if !ok {
		return chain.Message{}, xerrors.New(xerrors.CodeUnauthorized, "未认证的调用者")
	}
	msg := chain.Message{From: caller}
	if strings.TrimSpace(value) != "" {
		amount, err := parseAmount("value", value, chain.Native)
		if err != nil {
			return chain.Message{}, err
		}
		msg.Value = amount
	}
	return msg, nil
}

func parseAmount(field, value string, asset chain.Asset) (*big.Int, error) {
	amount, err := chain.ParseUnits(strings.TrimSpace(value), asset.Decimals())
	if err != nil {
		return nil, invalid("%s 不是合法的 %s 数量: %v", field, asset, err)
	}
	return amount, nil
}

func parseOptionalAmount(field, value string, asset chain.Asset) (*big.Int, error) {
	if strings.TrimSpace(value) == "" {
		return new(big.Int), nil
	}
	return parseAmount(field, value, asset)
}

func parseAddress(field, value string) (common.Address, error) {
	value = strings.TrimSpace(value)
	if !common.IsHexAddress(value) {
		return common.Address{}, invalid("%s 不是合法地址: %q", field, value)
	}
	return common.HexToAddress(value), nil
}

func parseHash(field, value string) (common.Hash, error) {
	value = strings.TrimSpace(value)
	raw, err := hexutil.Decode("0x" + strings.TrimPrefix(value, "0x"))
	if err != nil || len(raw) != common.HashLength {
		return common.Hash{}, invalid("%s 不是合法的 32 字节哈希: %q", field, value)
	}
	return common.BytesToHash(raw), nil
}

func parseOptionalHash(field, value string) (common.Hash, error) {
	if strings.TrimSpace(value) == "" {
		return common.Hash{}, nil
	}
	return parseHash(field, value)
}

func parseAgent(value string) (registry.AgentType, error) {
	return registry.ParseAgentID(value)
}

func parseDuration(field, value string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil || d < 0 {
		return 0, invalid("%s 不是合法的时间间隔: %q", field, value)
	}
	return d, nil
}

func parseIndex(value string) (uint64, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return 0, invalid("index 必须是非负整数")
	}
	return v, nil
}

func queryUint(r *http.Request, key string, fallback uint64) (uint64, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, invalid("%s 必须是非负整数", key)
	}
	return v, nil
}
