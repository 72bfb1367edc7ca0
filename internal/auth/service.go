package auth

import (
	"crypto/ecdsa"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"FlowACP-Chain/pkg/logger"
)

// 请求头名称。
const (
	HeaderAddress   = "X-Flow-Address"
	HeaderTimestamp = "X-Flow-Timestamp"
	HeaderSignature = "X-Flow-Signature"
)

// Mode 决定如何确认调用者身份。
type Mode string

const (
	// ModeSignature 要求 EIP-191 个人签名。
	ModeSignature Mode = "signature"
	// ModeTrusted 直接信任 X-Flow-Address，仅用于本地调试。
	ModeTrusted Mode = "trusted"
)

var (
	ErrMissingCredentials = errors.New("缺少调用者身份")
	ErrInvalidAddress     = errors.New("调用者地址非法")
	ErrInvalidTimestamp   = errors.New("签名时间戳非法")
	ErrExpired            = errors.New("签名已过期")
	ErrInvalidSignature   = errors.New("签名无效")
	ErrAddressMismatch    = errors.New("签名地址与声明地址不一致")
	ErrReplayed           = errors.New("签名请求已被使用")
)

// Config 配置认证服务。
type Config struct {
	Mode   Mode
	Window time.Duration
}

// Service 负责从 HTTP 请求中恢复调用者地址。
type Service struct {
	mode   Mode
	window time.Duration
	now    func() time.Time
	audit  *slog.Logger
	replay *replayCache
}

// NewService 构造认证服务实例。
func NewService(cfg Config) *Service {
	mode := Mode(strings.ToLower(string(cfg.Mode)))
	if mode != ModeTrusted {
		mode = ModeSignature
	}
	window := cfg.Window
	if window <= 0 {
		window = 5 * time.Minute
	}
	return &Service{mode: mode, window: window, now: time.Now, audit: logger.Audit(), replay: newReplayCache()}
}

// Mode 返回当前认证模式。
func (s *Service) Mode() Mode { return s.mode }

// Authenticate 校验请求头并返回调用者地址。body 是已经读出的请求体。
func (s *Service) Authenticate(r *http.Request, body []byte) (common.Address, error) {
	rawAddr := strings.TrimSpace(r.Header.Get(HeaderAddress))
	if rawAddr == "" {
		return common.Address{}, ErrMissingCredentials
	}
	if !common.IsHexAddress(rawAddr) {
		return common.Address{}, ErrInvalidAddress
	}
	claimed := common.HexToAddress(rawAddr)
	if s.mode == ModeTrusted {
		return claimed, nil
	}

	rawTS := strings.TrimSpace(r.Header.Get(HeaderTimestamp))
	rawSig := strings.TrimSpace(r.Header.Get(HeaderSignature))
	if rawTS == "" || rawSig == "" {
		return common.Address{}, ErrMissingCredentials
	}
	unix, err := strconv.ParseInt(rawTS, 10, 64)
	if err != nil {
		return common.Address{}, ErrInvalidTimestamp
	}
	skew := s.now().Sub(time.Unix(unix, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > s.window {
		return common.Address{}, ErrExpired
	}

	payload := SigningPayload(r.Method, r.URL.Path, rawTS, body)
	recovered, err := Recover(payload, rawSig)
	if err != nil {
		return common.Address{}, err
	}
	if recovered != claimed {
		return common.Address{}, ErrAddressMismatch
	}
	// 每个签名载荷只接受一次；内容相同的请求需要使用新的时间戳重新签名。
	key := crypto.Keccak256Hash(claimed.Bytes(), payload)
	if !s.replay.claim(key, s.now(), time.Unix(unix, 0).Add(s.window)) {
		return common.Address{}, ErrReplayed
	}
	return claimed, nil
}

// SigningPayload 构造调用者需要签名的文本。
func SigningPayload(method, path, timestamp string, body []byte) []byte {
	return []byte(strings.Join([]string{
		strings.ToUpper(method),
		path,
		timestamp,
		crypto.Keccak256Hash(body).Hex(),
	}, "\n"))
}

// Sign 用私钥对请求签名，返回 0x 前缀的 65 字节签名，v 取 27/28。
func Sign(key *ecdsa.PrivateKey, method, path string, ts time.Time, body []byte) (timestamp, signature string, err error) {
	timestamp = strconv.FormatInt(ts.Unix(), 10)
	sig, err := crypto.Sign(accounts.TextHash(SigningPayload(method, path, timestamp, body)), key)
	if err != nil {
		return "", "", err
	}
	sig[crypto.RecoveryIDOffset] += 27
	return timestamp, hexutil.Encode(sig), nil
}

// Recover 从 EIP-191 个人签名中恢复签名者地址，v 可以是 0/1 或 27/28。
func Recover(payload []byte, signature string) (common.Address, error) {
	sig, err := hexutil.Decode(signature)
	if err != nil || len(sig) != crypto.SignatureLength {
		return common.Address{}, ErrInvalidSignature
	}
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(accounts.TextHash(payload), sig)
	if err != nil {
		return common.Address{}, ErrInvalidSignature
	}
	return crypto.PubkeyToAddress(*pub), nil
}
