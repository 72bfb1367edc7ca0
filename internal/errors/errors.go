package errors

import (
	stdErrors "errors"
	"fmt"
	"sort"
	"sync"
)

// Code 表示系统内的统一错误码。
type Code string

// Severity 描述错误的严重程度，用于告警和审计。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Class 是错误码所属的大类，调用方据此决定如何调整参数后重新提交。
type Class string

const (
	ClassAccessControl  Class = "access_control"
	ClassPhaseViolation Class = "phase_violation"
	ClassPayment        Class = "payment"
	ClassLimitExceeded  Class = "limit_exceeded"
	ClassPaused         Class = "paused"
	ClassNotFound       Class = "not_found"
	ClassInvalid        Class = "invalid"
	ClassInternal       Class = "internal"
)

// Attributes 为错误码提供默认行为。
type Attributes struct {
	Message   string
	Class     Class
	Severity  Severity
	Retryable bool
	Alert     bool
}

const (
	CodeUnknown               Code = "UNKNOWN"
	CodeInvalidArgument       Code = "INVALID_ARGUMENT"
	CodeNotFound              Code = "NOT_FOUND"
	CodeConflict              Code = "CONFLICT"
	CodeInitializationFailure Code = "INITIALIZATION_FAILURE"
	CodeStorageFailure        Code = "STORAGE_FAILURE"
	CodeQueueFailure          Code = "QUEUE_FAILURE"
	CodeTimeout               Code = "TIMEOUT"

	// 访问控制
	CodeUnauthorized         Code = "UNAUTHORIZED"
	CodeUnauthorizedOperator Code = "UNAUTHORIZED_OPERATOR"
	CodeReentrantCall        Code = "REENTRANT_CALL"

	// 阶段状态机
	CodePhaseViolation   Code = "PHASE_VIOLATION"
	CodeAgreementMissing Code = "AGREEMENT_MISSING"
	CodeAlreadyDelivered Code = "ALREADY_DELIVERED"
	CodeAlreadyEvaluated Code = "ALREADY_EVALUATED"

	// 支付
	CodeInsufficientPayment Code = "INSUFFICIENT_PAYMENT"
	CodeZeroPayment         Code = "ZERO_PAYMENT"
	CodeSlippageExceeded    Code = "SLIPPAGE_EXCEEDED"
	CodeInsufficientFunds   Code = "INSUFFICIENT_FUNDS"
	CodeInsufficientBalance Code = "INSUFFICIENT_BALANCE"
	CodeDelegationTooLow    Code = "DELEGATION_TOO_LOW"

	// 限额
	CodeCooldownNotElapsed Code = "COOLDOWN_NOT_ELAPSED"
	CodeDailyLimitExceeded Code = "DAILY_LIMIT_EXCEEDED"
	CodeAmountExceedsLimit Code = "AMOUNT_EXCEEDS_LIMIT"

	// 熔断
	CodePaused        Code = "PAUSED"
	CodeAgentStopped  Code = "AGENT_STOPPED"
	CodeAgentInactive Code = "AGENT_INACTIVE"

	// 不存在
	CodeRequestNotFound Code = "REQUEST_NOT_FOUND"
	CodeAgentNotFound   Code = "AGENT_NOT_FOUND"
	CodeRecordNotFound  Code = "RECORD_NOT_FOUND"

	// 偿付能力不变量被破坏，只可能来自兑换适配器的集成缺陷。
	CodeSolvencyViolation Code = "SOLVENCY_VIOLATION"
)

var (
	registryMu sync.RWMutex
	registry   = map[Code]Attributes{
		CodeUnknown:               {Message: "unknown error", Class: ClassInternal, Severity: SeverityCritical, Alert: true},
		CodeInvalidArgument:       {Message: "invalid argument", Class: ClassInvalid, Severity: SeverityInfo},
		CodeNotFound:              {Message: "resource not found", Class: ClassNotFound, Severity: SeverityInfo},
		CodeConflict:              {Message: "resource conflict", Class: ClassInvalid, Severity: SeverityWarning},
		CodeInitializationFailure: {Message: "service not initialized", Class: ClassInternal, Severity: SeverityWarning, Retryable: true, Alert: true},
		CodeStorageFailure:        {Message: "storage failure", Class: ClassInternal, Severity: SeverityCritical, Retryable: true, Alert: true},
		CodeQueueFailure:          {Message: "queue failure", Class: ClassInternal, Severity: SeverityCritical, Retryable: true, Alert: true},
		CodeTimeout:               {Message: "operation timed out", Class: ClassInternal, Severity: SeverityWarning, Retryable: true, Alert: true},

		CodeUnauthorized:         {Message: "caller is not allowed to perform this call", Class: ClassAccessControl, Severity: SeverityWarning},
		CodeUnauthorizedOperator: {Message: "caller is not an authorized operator", Class: ClassAccessControl, Severity: SeverityWarning},
		CodeReentrantCall:        {Message: "reentrant call rejected", Class: ClassAccessControl, Severity: SeverityCritical, Alert: true},

		CodePhaseViolation:   {Message: "request is not in the required phase", Class: ClassPhaseViolation, Severity: SeverityInfo},
		CodeAgreementMissing: {Message: "proof of agreement missing", Class: ClassPhaseViolation, Severity: SeverityInfo},
		CodeAlreadyDelivered: {Message: "service already delivered", Class: ClassPhaseViolation, Severity: SeverityInfo},
		CodeAlreadyEvaluated: {Message: "request already evaluated", Class: ClassPhaseViolation, Severity: SeverityInfo},

		CodeInsufficientPayment: {Message: "payment below agent price", Class: ClassPayment, Severity: SeverityInfo},
		CodeZeroPayment:         {Message: "payment must be positive", Class: ClassPayment, Severity: SeverityInfo},
		CodeSlippageExceeded:    {Message: "swap output below minimum", Class: ClassPayment, Severity: SeverityInfo, Retryable: true},
		CodeInsufficientFunds:   {Message: "insufficient funds", Class: ClassPayment, Severity: SeverityInfo},
		CodeInsufficientBalance: {Message: "insufficient ledger balance", Class: ClassPayment, Severity: SeverityInfo},
		CodeDelegationTooLow:    {Message: "delegation below minimum", Class: ClassPayment, Severity: SeverityInfo},

		CodeCooldownNotElapsed: {Message: "cooldown not elapsed", Class: ClassLimitExceeded, Severity: SeverityInfo, Retryable: true},
		CodeDailyLimitExceeded: {Message: "daily execution limit exceeded", Class: ClassLimitExceeded, Severity: SeverityInfo, Retryable: true},
		CodeAmountExceedsLimit: {Message: "amount exceeds execution limit", Class: ClassLimitExceeded, Severity: SeverityInfo},

		CodePaused:        {Message: "contract is paused", Class: ClassPaused, Severity: SeverityInfo, Retryable: true},
		CodeAgentStopped:  {Message: "agent type emergency stopped", Class: ClassPaused, Severity: SeverityWarning},
		CodeAgentInactive: {Message: "agent is inactive", Class: ClassPaused, Severity: SeverityInfo},

		CodeRequestNotFound: {Message: "request not found", Class: ClassNotFound, Severity: SeverityInfo},
		CodeAgentNotFound:   {Message: "agent not found", Class: ClassNotFound, Severity: SeverityInfo},
		CodeRecordNotFound:  {Message: "execution record not found", Class: ClassNotFound, Severity: SeverityInfo},

		CodeSolvencyViolation: {Message: "ledger exceeds custodied balance", Class: ClassInternal, Severity: SeverityCritical, Alert: true},
	}
)

// Register 允许业务模块在初始化阶段注册新的错误码描述。
func Register(code Code, attr Attributes) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[code] = attr
}

// AttributesOf 返回错误码对应的属性。若未注册则返回 UNKNOWN 的属性。
func AttributesOf(code Code) Attributes {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if attr, ok := registry[code]; ok {
		return attr
	}
	return registry[CodeUnknown]
}

// Codes 返回所有已注册的错误码，按字典序排列。
func Codes() []Code {
	registryMu.RLock()
	defer registryMu.RUnlock()
	codes := make([]Code, 0, len(registry))
	for code := range registry {
		codes = append(codes, code)
	}
	sort.Slice(codes, func(i, j int) bool { return codes[i] < codes[j] })
	return codes
}

// Error 是系统内统一的错误类型。
type Error struct {
	code     Code
	message  string
	cause    error
	metadata map[string]string
	alert    *bool
	severity *Severity
}

// Option 定义可选配置。
type Option func(*Error)

// WithMetadata 附加额外信息。
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[key] = value
	}
}

// WithAlert 指定错误是否需要告警。
func WithAlert(alert bool) Option {
	return func(e *Error) {
		e.alert = &alert
	}
}

// WithSeverity 覆盖默认严重程度。
func WithSeverity(sev Severity) Option {
	return func(e *Error) {
		e.severity = &sev
	}
}

// New 创建一个新的错误实例。
func New(code Code, message string, opts ...Option) *Error {
	if message == "" {
		message = AttributesOf(code).Message
	}
	e := &Error{code: code, message: message}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Newf 以格式化消息创建错误。
func Newf(code Code, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap 在已有错误外包裹统一错误类型。
func Wrap(code Code, cause error, message string, opts ...Option) *Error {
	e := New(code, message, opts...)
	e.cause = cause
	return e
}

// Error 实现 error 接口。
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.code, e.message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.code, e.message)
}

// Unwrap 实现 errors.Unwrap。
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is 允许通过 errors.Is 判断是否相同错误码。
func (e *Error) Is(target error) bool {
	if e == nil || target == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.code == t.code
}

// Code 返回错误码。
func (e *Error) Code() Code {
	if e == nil {
		return CodeUnknown
	}
	return e.code
}

// Message 返回错误信息。
func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

// Metadata 返回附加信息。
func (e *Error) Metadata() map[string]string {
	if e == nil || len(e.metadata) == 0 {
		return nil
	}
	clone := make(map[string]string, len(e.metadata))
	for k, v := range e.metadata {
		clone[k] = v
	}
	return clone
}

// Class 返回错误所属大类。
func (e *Error) Class() Class {
	if e == nil {
		return ClassInternal
	}
	return AttributesOf(e.code).Class
}

// Retryable 判断调用方调整参数或等待后重新提交是否可能成功。
func (e *Error) Retryable() bool {
	if e == nil {
		return false
	}
	return AttributesOf(e.code).Retryable
}

// ShouldAlert 判断是否需要告警。
func (e *Error) ShouldAlert() bool {
	if e == nil {
		return false
	}
	if e.alert != nil {
		return *e.alert
	}
	return AttributesOf(e.code).Alert
}

// Severity 返回错误严重程度。
func (e *Error) Severity() Severity {
	if e == nil {
		return SeverityInfo
	}
	if e.severity != nil {
		return *e.severity
	}
	return AttributesOf(e.code).Severity
}

// From 尝试从 error 中解析统一错误类型。
func From(err error) (*Error, bool) {
	if err == nil {
		return nil, false
	}
	var target *Error
	if stdErrors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// CodeOf 返回错误对应的错误码。
func CodeOf(err error) Code {
	if e, ok := From(err); ok {
		return e.Code()
	}
	return CodeUnknown
}

// ClassOf 返回错误所属大类，未识别的错误归为 internal。
func ClassOf(err error) Class {
	if e, ok := From(err); ok {
		return e.Class()
	}
	return ClassInternal
}

// RetryableError 判断任意 error 是否可重试。
func RetryableError(err error) bool {
	if e, ok := From(err); ok {
		return e.Retryable()
	}
	return false
}

// ShouldAlert 判断是否需要触发告警。
func ShouldAlert(err error) bool {
	if e, ok := From(err); ok {
		return e.ShouldAlert()
	}
	return false
}

// SeverityOf 返回错误严重程度。
func SeverityOf(err error) Severity {
	if e, ok := From(err); ok {
		return e.Severity()
	}
	return AttributesOf(CodeUnknown).Severity
}
