package accounting

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	err := fmt.Errorf("step 3: %w", &Error{Kind: KindNotFound, Op: "get customer", Message: "Object Not Found"})
	kind, ok := KindOf(err)
	assert.True(t, ok)
	assert.Equal(t, KindNotFound, kind)

	kind, ok = KindOf(errors.New("plain"))
	assert.False(t, ok)
	assert.Equal(t, KindIntegration, kind)
}

func TestErrorMessage(t *testing.T) {
	e := &Error{Kind: KindRateLimit, Op: "find customers", Message: "ThrottleExceeded"}
	assert.Equal(t, "find customers: RateLimit error: ThrottleExceeded", e.Error())

	cause := errors.New("dial tcp: refused")
	e = &Error{Kind: KindIntegration, Op: "list accounts", Err: cause}
	assert.Equal(t, "list accounts: Integration error: dial tcp: refused", e.Error())
	assert.ErrorIs(t, e, cause)
}

func TestWrapErrorKeepsKind(t *testing.T) {
	inner := &Error{Kind: KindInvalidData, Message: "bad"}
	err := wrapError("create invoice", inner)
	assert.True(t, IsKind(err, KindInvalidData))
	assert.Equal(t, "create invoice: InvalidData error: bad", err.Error())
	assert.Nil(t, wrapError("x", nil))
}

func TestWrapErrorLeavesSharedErrorAlone(t *testing.T) {
	shared := &Error{Kind: KindRateLimit, Status: 429, Message: "ThrottleExceeded"}

	first := wrapError("find customers", shared)
	second := wrapError("create invoice", shared)

	assert.Empty(t, shared.Op, "the caller's error is not modified")
	var ae *Error
	require.ErrorAs(t, first, &ae)
	assert.Equal(t, "find customers", ae.Op)
	require.ErrorAs(t, second, &ae)
	assert.Equal(t, "create invoice", ae.Op)
	assert.True(t, IsKind(second, KindRateLimit))
}
