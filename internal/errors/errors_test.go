package errors

import (
	stdErrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapKeepsCauseAndCode(t *testing.T) {
	cause := stdErrors.New("dial tcp: refused")
	err := Wrap(CodeUpstreamFailure, cause, "调用上游失败")

	require.ErrorIs(t, err, cause)
	assert.Equal(t, CodeUpstreamFailure, CodeOf(err))
	assert.Contains(t, err.Error(), "UPSTREAM_FAILURE")
	assert.True(t, RetryableError(err))
}

func TestHasCodeThroughFmtWrap(t *testing.T) {
	inner := New(CodeTimeout, "")
	outer := fmt.Errorf("outer: %w", inner)

	assert.True(t, HasCode(outer, CodeTimeout))
	assert.False(t, HasCode(outer, CodeNotFound))
	assert.Equal(t, "operation timed out", inner.Message())
}

func TestOptionsOverrideRegistry(t *testing.T) {
	err := New(CodeStorageFailure, "写入失败",
		WithRetryable(false),
		WithAlert(false),
		WithSeverity(SeverityInfo),
		WithMetadata("table", "triggers"),
	)

	assert.False(t, err.Retryable())
	assert.False(t, err.ShouldAlert())
	assert.Equal(t, SeverityInfo, err.Severity())
	assert.Equal(t, map[string]string{"table": "triggers"}, err.Metadata())
}

func TestRegisterCustomCode(t *testing.T) {
	const code Code = "TEST_CUSTOM"
	require.False(t, Registered(code))
	Register(code, Attributes{Message: "custom", Severity: SeverityWarning, Retryable: true})
	t.Cleanup(func() {
		registryMu.Lock()
		delete(registry, code)
		registryMu.Unlock()
	})

	err := New(code, "")
	assert.Equal(t, "custom", err.Message())
	assert.True(t, err.Retryable())
	assert.Equal(t, SeverityWarning, SeverityOf(err))
}

func TestUnknownCodeFallsBack(t *testing.T) {
	assert.Equal(t, AttributesOf(CodeUnknown), AttributesOf("NOPE"))
	assert.Equal(t, CodeUnknown, CodeOf(stdErrors.New("plain")))
	assert.False(t, ShouldAlert(nil))
}
