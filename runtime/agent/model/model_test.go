package model

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTranscriptAppendMergesRoles(t *testing.T) {
	var tr Transcript
	tr.Append(RoleUser, "hi")
	tr.Append(RoleAssistant, "a")
	tr.Append(RoleAssistant, "b")
	require.Equal(t, []Message{{Role: RoleUser, Content: "hi"}, {Role: RoleAssistant, Content: "ab"}}, tr.Messages)
}

func TestTranscriptRoundTrip(t *testing.T) {
	tr := &Transcript{Steps: 3}
	tr.Append(RoleUser, "q")
	blob, err := tr.Encode()
	require.NoError(t, err)
	got, err := DecodeTranscript(blob)
	require.NoError(t, err)
	require.Equal(t, tr, got)

	_, err = DecodeTranscript([]byte("{"))
	require.Error(t, err)
}

func TestProviderError(t *testing.T) {
	cause := errors.New("slow down")
	err := fmt.Errorf("stream: %w", &ProviderError{
		Provider: "anthropic", Operation: "messages.stream", Status: 429,
		Kind: KindForStatus(429), Retryable: true, Err: cause,
	})
	require.ErrorIs(t, err, ErrRateLimited)
	require.ErrorIs(t, err, cause)
	pe, ok := AsProviderError(err)
	require.True(t, ok)
	require.Equal(t, "anthropic messages.stream: rate_limited (429): slow down", pe.Error())

	require.NotErrorIs(t, &ProviderError{Kind: KindAuth}, ErrRateLimited)
	require.Equal(t, KindAuth, KindForStatus(403))
	require.Equal(t, KindUnavailable, KindForStatus(503))
	require.Equal(t, KindInvalidRequest, KindForStatus(400))
	require.Equal(t, KindUnknown, KindForStatus(0))
}
