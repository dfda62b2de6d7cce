// Package codec provides the binary-safe text encoding used to nest
// arbitrary bytes inside JSON string fields without escaping. Every queue
// item, every signature, and every payload in this module passes through
// Encode/Decode so that what crosses a queue is a single opaque token with
// no embedded newlines.
package codec

import (
	"encoding/base64"
	"fmt"

	"github.com/gan-ainm/toolbox/pkg/ipcerr"
)

// encoding is unpadded URL-safe base64: its alphabet is JSON-safe without
// escaping (no quotes, backslashes, or whitespace) and it needs no framing
// since Decode's input length alone determines validity.
var encoding = base64.RawURLEncoding

// Encode returns the token for b. Encode(nil) and Encode([]byte{}) both
// return the empty string; Decode inverts both back to a zero-length slice.
func Encode(b []byte) string {
	return encoding.EncodeToString(b)
}

// Decode inverts Encode. It fails with ipcerr.ErrMalformedToken if token
// contains characters outside the base64 URL alphabet or has invalid
// padding/length.
func Decode(token string) ([]byte, error) {
	b, err := encoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ipcerr.ErrMalformedToken, err)
	}
	return b, nil
}
