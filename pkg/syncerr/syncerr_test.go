package syncerr

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestWrapPreservesCause(t *testing.T) {
	base := errors.New("boom")
	err := Wrap(base, CodeOutOfOrder)
	require.Error(t, err)
	require.Equal(t, CodeOutOfOrder, CodeOf(err))
	require.Equal(t, CategoryOrdering, CategoryOf(err))
	require.False(t, RecoverableOf(err))
	require.True(t, errors.Is(err, base))
	require.Equal(t, "[OUT_OF_ORDER] boom", err.Error())
}

func TestWrapNilCauseReturnsNil(t *testing.T) {
	require.NoError(t, Wrap(nil, CodeUnknown))
}

func TestCodeSurvivesPkgErrorsWrap(t *testing.T) {
	err := errors.Wrap(New(CodeSessionNotFound, "no session %s", "s1"), "ingest")
	require.Equal(t, CodeSessionNotFound, CodeOf(err))
	require.True(t, RecoverableOf(err))
	require.True(t, Is(err, CodeSessionNotFound))
	require.Contains(t, err.Error(), "no session s1")
}

func TestUnclassifiedDefaults(t *testing.T) {
	err := errors.New("plain")
	require.Equal(t, Code(""), CodeOf(err))
	require.Equal(t, Category(""), CategoryOf(err))
	require.False(t, RecoverableOf(err))
	require.False(t, Is(nil, CodeUnknown))
}

func TestPublic(t *testing.T) {
	cases := map[Code]Code{
		CodeSessionDeviceMismatch: CodeSessionDeviceMismatch,
		CodeOutOfOrder:            CodeOutOfOrder,
		CodeResourceLimit:         CodeResourceLimit,
		CodeClaimTokenMismatch:    CodeUnknown,
		Code(""):                  CodeUnknown,
	}
	for in, want := range cases {
		require.Equal(t, want, Public(in), "code %q", in)
	}
}

func TestRecoverableSet(t *testing.T) {
	for _, code := range []Code{CodeSessionNotFound, CodeSessionThreadMismatch, CodeSessionDeviceMismatch} {
		require.True(t, IsRecoverable(code), string(code))
	}
	for _, code := range []Code{CodeOutOfOrder, CodeReplayGap, CodeAuthSessionForbidden, CodeUnknown} {
		require.False(t, IsRecoverable(code), string(code))
	}
}
