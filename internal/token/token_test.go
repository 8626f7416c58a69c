package token

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDiscussionContinuation_KnownVectors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		channel string
		want    string
	}{
		{
			channel: "UC123",
			want:    "4qmFsgJ4EhhVQzEyMxpcRWdwa2FYTmpkWE56YVc5dXFnTTJJaUFTR0ZWRE1USXpLQUV3QVhnQ09BRkNFR052YlcxbGJuUnpMWE5sWTNScGIyND0=",
		},
		{
			channel: "UCuAXFkgsw1L7xaCfnd5JJOw",
			want: "4qmFsgJ4EhhVQ3VBWEZrZ3N3MUw3eGFDZm5kNUpKT3caXEVncGthWE5qZFhOemFXOXVxZ00ySWlBU0dGVkRkVUZZUm10bmMzY3hURGQ0WVVObWJtUTFTa3BQZHlnQk1BRjRBamdCUWhCamIyMXRaVzUwY3kxelpXTjBhVzl1",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.channel, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, DiscussionContinuation(tt.channel))
			require.Equal(t, tt.want, DiscussionContinuation(tt.channel), "must be pure")
		})
	}
}

func TestDecode_RecoversTemplatesAndID(t *testing.T) {
	t.Parallel()

	for _, channel := range []string{"", "U", "UC123", "UCuAXFkgsw1L7xaCfnd5JJOw", "ünïcødé"} {
		parts, err := Decode(DiscussionContinuation(channel))
		require.NoError(t, err, channel)
		require.Equal(t, outerHead, parts.OuterHead)
		require.Equal(t, outerMid, parts.OuterMid)
		require.Equal(t, channel, string(parts.OuterID))
		require.Equal(t, channel, string(parts.InnerID))
		require.Equal(t, innerHead, parts.Inner[:len(innerHead)])
		require.Equal(t, innerTail, parts.Inner[len(parts.Inner)-len(innerTail):])
	}
}

func TestDecode_Malformed(t *testing.T) {
	t.Parallel()

	for _, tok := range []string{
		"%%%",
		base64.StdEncoding.EncodeToString([]byte("nothing like a token")),
		base64.StdEncoding.EncodeToString(append(append([]byte{}, outerHead...), 'x')),
	} {
		_, err := Decode(tok)
		require.ErrorIs(t, err, ErrMalformed, tok)
	}
}
