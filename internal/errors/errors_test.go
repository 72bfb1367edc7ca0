package errors

import (
	stdErrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorsIsComparesCodes(t *testing.T) {
	sentinel := New(CodeCooldownNotElapsed, "cooldown")
	got := Wrap(CodeCooldownNotElapsed, stdErrors.New("boom"), "wait 30s")

	assert.True(t, stdErrors.Is(got, sentinel))
	assert.False(t, stdErrors.Is(got, New(CodeDailyLimitExceeded, "")))
	assert.Equal(t, "[COOLDOWN_NOT_ELAPSED] wait 30s: boom", got.Error())
}

func TestClassOfFollowsTaxonomy(t *testing.T) {
	cases := map[Code]Class{
		CodeUnauthorizedOperator: ClassAccessControl,
		CodeReentrantCall:        ClassAccessControl,
		CodePhaseViolation:       ClassPhaseViolation,
		CodeAlreadyDelivered:     ClassPhaseViolation,
		CodeInsufficientPayment:  ClassPayment,
		CodeSlippageExceeded:     ClassPayment,
		CodeCooldownNotElapsed:   ClassLimitExceeded,
		CodeDailyLimitExceeded:   ClassLimitExceeded,
		CodeAmountExceedsLimit:   ClassLimitExceeded,
		CodePaused:               ClassPaused,
		CodeAgentStopped:         ClassPaused,
		CodeRequestNotFound:      ClassNotFound,
	}
	for code, class := range cases {
		wrapped := fmt.Errorf("call failed: %w", New(code, ""))
		assert.Equal(t, class, ClassOf(wrapped), code)
	}
	assert.Equal(t, ClassInternal, ClassOf(stdErrors.New("plain")))
}

func TestAttributesDefaultsAndOverrides(t *testing.T) {
	err := New(CodeSolvencyViolation, "")
	require.Equal(t, "ledger exceeds custodied balance", err.Message())
	assert.True(t, ShouldAlert(err))
	assert.Equal(t, SeverityCritical, SeverityOf(err))

	quiet := New(CodeSolvencyViolation, "", WithAlert(false), WithSeverity(SeverityWarning), WithMetadata("agent", "sakura"))
	assert.False(t, quiet.ShouldAlert())
	assert.Equal(t, SeverityWarning, quiet.Severity())
	assert.Equal(t, map[string]string{"agent": "sakura"}, quiet.Metadata())

	assert.Equal(t, CodeUnknown, CodeOf(stdErrors.New("x")))
	assert.True(t, RetryableError(New(CodeCooldownNotElapsed, "")))
	assert.Contains(t, Codes(), CodeSolvencyViolation)
}
