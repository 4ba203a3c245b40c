package ledger

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKindRetryable(t *testing.T) {
	retryable := []Kind{KindConnection, KindTimeout, KindRateLimited, KindAuthorization}
	for _, k := range retryable {
		require.True(t, k.Retryable(), "%s should be retryable", k)
	}
	fatal := []Kind{
		KindAttestation, KindInvalidInput, KindInsufficientFunds,
		KindStaleClient, KindInputsSpent, KindInvalidTransaction,
	}
	for _, k := range fatal {
		require.False(t, k.Retryable(), "%s should not be retryable", k)
	}
}

func TestKindOf(t *testing.T) {
	err := NewError("ledger_balance", KindTimeout, context.DeadlineExceeded)
	require.Equal(t, KindTimeout, KindOf(err))
	require.Equal(t, KindTimeout, KindOf(fmt.Errorf("processing: %w", err)))
	require.Equal(t, Kind(""), KindOf(errors.New("plain")))
	require.Equal(t, Kind(""), KindOf(nil))

	require.True(t, IsRetryable(err))
	require.False(t, IsRetryable(NewError("x", KindStaleClient, nil)))
	require.False(t, IsRetryable(nil))
}

func TestErrorFormatting(t *testing.T) {
	err := NewError("ledger_submitTransaction", KindInputsSpent, errors.New("key image seen"))
	require.EqualError(t, err, "ledger: ledger_submitTransaction: inputs_already_spent: key image seen")
	require.ErrorIs(t, err, err.Err)

	bare := NewError("session_open", KindAuthorization, nil)
	require.EqualError(t, bare, "ledger: session_open: authorization")
}

func TestCodeKind(t *testing.T) {
	cases := map[int]Kind{
		rpcCodeInvalidInput:       KindInvalidInput,
		rpcCodeRateLimited:        KindRateLimited,
		rpcCodeInsufficientFunds:  KindInsufficientFunds,
		rpcCodeInputsAlreadySpent: KindInputsSpent,
		rpcCodeInvalidTransaction: KindInvalidTransaction,
		rpcCodeStaleClient:        KindStaleClient,
		rpcCodeAttestation:        KindAttestation,
		rpcCodeAuthorization:      KindAuthorization,
		-99999:                    KindConnection,
	}
	for code, want := range cases {
		require.Equal(t, want, codeKind(code), "code %d", code)
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestTransportKind(t *testing.T) {
	require.Equal(t, KindTimeout, transportKind(context.DeadlineExceeded))
	require.Equal(t, KindTimeout, transportKind(fmt.Errorf("do: %w", timeoutErr{})))
	require.Equal(t, KindConnection, transportKind(errors.New("connection refused")))
}
