// Package token builds the opaque continuation tokens the discussion endpoint
// expects as its first-page cursor.
//
// The byte templates reproduce a private wire format. They are opaque: only
// the layout around them matters.
//
//	outer = T1 | id | T2 | base64(S1 | id | S2)
//	token = base64(outer)
package token

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
)

var (
	outerHead = mustDecode("4qmFsgJ4Ehg=")
	outerMid  = mustDecode("Glw=")
	innerHead = mustDecode("EgpkaXNjdXNzaW9uqgM2IiASGA==")
	innerTail = mustDecode("KAEwAXgCOAFCEGNvbW1lbnRzLXNlY3Rpb24=")
)

// ErrMalformed is returned by Decode for tokens that do not follow the layout.
var ErrMalformed = errors.New("malformed continuation token")

func mustDecode(s string) []byte {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		panic(fmt.Sprintf("token: bad template %q: %v", s, err))
	}
	return b
}

// DiscussionContinuation returns the continuation token for a channel's
// discussion tab. The same channel ID always yields the same token.
func DiscussionContinuation(channelID string) string {
	id := []byte(channelID)

	inner := make([]byte, 0, len(innerHead)+len(id)+len(innerTail))
	inner = append(inner, innerHead...)
	inner = append(inner, id...)
	inner = append(inner, innerTail...)

	outer := make([]byte, 0, len(outerHead)+len(id)+len(outerMid)+base64.StdEncoding.EncodedLen(len(inner)))
	outer = append(outer, outerHead...)
	outer = append(outer, id...)
	outer = append(outer, outerMid...)
	outer = base64.StdEncoding.AppendEncode(outer, inner)

	return base64.StdEncoding.EncodeToString(outer)
}

// Parts is a decoded continuation token.
type Parts struct {
	OuterHead []byte
	OuterID   []byte
	OuterMid  []byte
	Inner     []byte
	InnerID   []byte
}

// Decode splits a token produced by DiscussionContinuation back into its
// segments. It is used to verify tokens recorded in request audit files.
func Decode(tok string) (Parts, error) {
	outer, err := base64.StdEncoding.DecodeString(tok)
	if err != nil {
		return Parts{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if !bytes.HasPrefix(outer, outerHead) {
		return Parts{}, fmt.Errorf("%w: unexpected header", ErrMalformed)
	}
	fixed := len(outerHead) + len(outerMid)
	for idLen := 0; fixed+idLen <= len(outer); idLen++ {
		innerLen := base64.StdEncoding.EncodedLen(len(innerHead) + idLen + len(innerTail))
		if fixed+idLen+innerLen != len(outer) {
			continue
		}
		idEnd := len(outerHead) + idLen
		if !bytes.Equal(outer[idEnd:idEnd+len(outerMid)], outerMid) {
			break
		}
		encodedInner := outer[idEnd+len(outerMid):]
		inner := make([]byte, base64.StdEncoding.DecodedLen(len(encodedInner)))
		n, err := base64.StdEncoding.Decode(inner, encodedInner)
		if err != nil {
			return Parts{}, fmt.Errorf("%w: inner: %w", ErrMalformed, err)
		}
		inner = inner[:n]
		if !bytes.HasPrefix(inner, innerHead) || !bytes.HasSuffix(inner, innerTail) {
			break
		}
		return Parts{
			OuterHead: outer[:len(outerHead)],
			OuterID:   outer[len(outerHead):idEnd],
			OuterMid:  outer[idEnd : idEnd+len(outerMid)],
			Inner:     inner,
			InnerID:   inner[len(innerHead) : len(inner)-len(innerTail)],
		}, nil
	}
	return Parts{}, fmt.Errorf("%w: layout mismatch", ErrMalformed)
}
