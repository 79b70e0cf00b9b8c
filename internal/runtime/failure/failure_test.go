package failure

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify_Nil(t *testing.T) {
	assert.Equal(t, KindNone, Classify(nil))
}

func TestClassify_Transient(t *testing.T) {
	err := Transient(errors.New("db connection reset"))
	assert.Equal(t, KindTransient, Classify(err))
	assert.True(t, errors.Is(err, ErrTransient))
	assert.False(t, errors.Is(err, ErrDeadLetter))
}

func TestClassify_WrappedTransient(t *testing.T) {
	// Classification must survive fmt.Errorf wrapping along the call chain.
	err := fmt.Errorf("publishing retry event: %w", Transient(errors.New("broker down")))
	assert.Equal(t, KindTransient, Classify(err))
}

func TestClassify_DeadLetter(t *testing.T) {
	err := DeadLetter("missing message key", nil)
	assert.Equal(t, KindDeadLetter, Classify(err))
	assert.True(t, errors.Is(err, ErrDeadLetter))
}

func TestClassify_UnclassifiedDefaultsToDeadLetter(t *testing.T) {
	assert.Equal(t, KindDeadLetter, Classify(errors.New("unexpected application error")))
}

func TestClassify_Fatal(t *testing.T) {
	err := Fatal(errors.New("topic deleted"))
	assert.Equal(t, KindFatal, Classify(err))
	assert.True(t, errors.Is(err, ErrFatal))
}

func TestTransient_NilCause(t *testing.T) {
	err := Transient(nil)
	assert.Equal(t, KindTransient, Classify(err))
	assert.Equal(t, ErrTransient.Error(), err.Error())
}

func TestTransientf(t *testing.T) {
	err := Transientf("lookup for facility %s timed out", "F1")
	assert.Equal(t, KindTransient, Classify(err))
	assert.Contains(t, err.Error(), "facility F1")
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("root cause")
	assert.Equal(t, cause, errors.Unwrap(Transient(cause)))
	assert.Equal(t, cause, errors.Unwrap(DeadLetter("bad payload", cause)))
	assert.Equal(t, cause, errors.Unwrap(Fatal(cause)))
}

func TestReason(t *testing.T) {
	assert.Equal(t, "", Reason(nil))
	assert.Equal(t, "bad payload: no patient id", Reason(DeadLetter("bad payload", errors.New("no patient id"))))
	assert.Equal(t, "bad payload", Reason(DeadLetter("bad payload", nil)))

	plain := errors.New("boom")
	assert.Equal(t, "boom", Reason(plain))
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "none", KindNone.String())
	assert.Equal(t, "transient", KindTransient.String())
	assert.Equal(t, "dead-letter", KindDeadLetter.String())
	assert.Equal(t, "fatal", KindFatal.String())
}
