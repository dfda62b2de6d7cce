// Package envelope constructs, parses, and validates the two-level wire
// object every message in this substrate travels as: an outer
// {message, signature} pair wrapping an inner {version, source, destination,
// user, timestamp, topic?, data} record. It sits directly on top of
// pkg/codec and pkg/signer and never reaches for the filesystem itself —
// Endpoint and PubSub own delivery; this package owns the bytes.
//
// The signed region is the encoded inner token exactly as produced by New,
// never a re-encoding of the reparsed fields: JSON key order is not
// guaranteed stable across marshal calls, so verification always rehashes
// the stored "message" string, not json.Marshal(parsedMessage).
package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"os/user"
	"strings"
	"time"

	"github.com/gan-ainm/toolbox/internal/config"
	"github.com/gan-ainm/toolbox/internal/logging"
	"github.com/gan-ainm/toolbox/internal/metrics"
	"github.com/gan-ainm/toolbox/pkg/codec"
	"github.com/gan-ainm/toolbox/pkg/ipcerr"
	"github.com/gan-ainm/toolbox/pkg/signer"
)

// Message is the inner, signed record carried by every envelope. Topic is
// omitted from the wire form entirely when empty, not serialized as "".
type Message struct {
	Version     uint   `json:"version"`
	Source      string `json:"source"`
	Destination string `json:"destination"`
	User        string `json:"user"`
	Timestamp   int64  `json:"timestamp"`
	Topic       string `json:"topic,omitempty"`
	Data        string `json:"data"`
}

// outer is the wire shape of the signed envelope: the encoded inner token
// plus a detached signature over that same token.
type outer struct {
	Message   string `json:"message"`
	Signature string `json:"signature"`
}

// Envelope is a parsed envelope token together with whatever this package
// has learned about it: the decoded inner fields (if any), and — once
// Validate has run — the signer identity extracted from the signature.
// Accessors read from this cached state; none of them re-verify.
type Envelope struct {
	token string

	innerEncoded string
	signature    string
	raw          map[string]json.RawMessage
	msg          Message
	outerErr     error
	parseErr     error

	validated bool
	info      signer.Info
}

// New builds an envelope for a point-to-point or pub/sub send: it stamps
// the current protocol version, the OS user, and the current time, encodes
// data, signs the encoded inner with s, and returns the finished envelope.
// topic may be empty, in which case the field is omitted from the wire
// form rather than sent as "".
func New(s signer.Signer, source, destination string, data []byte, topic string) (*Envelope, error) {
	msg := Message{
		Version:     config.ProtocolVersion,
		Source:      source,
		Destination: destination,
		User:        currentUser(),
		Timestamp:   time.Now().Unix(),
		Topic:       topic,
		Data:        codec.Encode(data),
	}

	innerJSON, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("%w: marshaling inner message: %v", ipcerr.ErrMalformedJSON, err)
	}
	encodedInner := codec.Encode(innerJSON)

	sig, err := s.Sign([]byte(encodedInner))
	if err != nil {
		return nil, err
	}

	outerJSON, err := json.Marshal(outer{Message: encodedInner, Signature: sig})
	if err != nil {
		return nil, fmt.Errorf("%w: marshaling envelope: %v", ipcerr.ErrMalformedJSON, err)
	}

	return Parse(codec.Encode(outerJSON)), nil
}

func currentUser() string {
	u, err := user.Current()
	if err != nil {
		return "unknown"
	}
	return u.Username
}

// Parse decodes token's outer and inner layers without touching the
// signer. It never returns a nil *Envelope and never returns an error:
// callers that need to distinguish a well-formed envelope from a malformed
// one inspect Err(); callers that just want best-effort field access (e.g.
// Dump) can ignore that entirely.
func Parse(token string) *Envelope {
	e := &Envelope{token: token}

	outerJSON, err := codec.Decode(token)
	if err != nil {
		e.outerErr = err
		e.parseErr = err
		return e
	}

	var o outer
	if err := json.Unmarshal(outerJSON, &o); err != nil {
		e.outerErr = fmt.Errorf("%w: unmarshaling envelope: %v", ipcerr.ErrMalformedJSON, err)
		e.parseErr = e.outerErr
		return e
	}
	e.innerEncoded = o.Message
	e.signature = o.Signature

	innerJSON, err := codec.Decode(o.Message)
	if err != nil {
		e.parseErr = err
		return e
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(innerJSON, &raw); err != nil {
		e.parseErr = fmt.Errorf("%w: unmarshaling inner message: %v", ipcerr.ErrMalformedJSON, err)
		return e
	}
	var msg Message
	if err := json.Unmarshal(innerJSON, &msg); err != nil {
		e.parseErr = fmt.Errorf("%w: unmarshaling inner message: %v", ipcerr.ErrMalformedJSON, err)
		return e
	}

	e.raw = raw
	e.msg = msg
	return e
}

// Err reports the outcome of parsing the envelope's outer and inner JSON,
// independent of signature or version checks. A nil Err does not imply the
// envelope validates — only that its shape was well-formed.
func (e *Envelope) Err() error {
	return e.parseErr
}

// Token returns the encoded outer token, suitable for handing to a Queue.
func (e *Envelope) Token() string {
	return e.token
}

func (e *Envelope) has(field string) bool {
	if e.raw == nil {
		return false
	}
	_, ok := e.raw[field]
	return ok
}

// Validate decodes the outer envelope, re-verifies the signature over the
// encoded inner exactly as stored, and checks the protocol version. Any
// version other than the one this package supports is UnsupportedVersion
// even when the signature itself is valid — the two failure classes are
// always distinguishable to the caller.
func (e *Envelope) Validate(s signer.Signer) error {
	// Only an outer-decode failure leaves innerEncoded/signature unset, so
	// only that short-circuits before verification. A malformed *inner*
	// (e.g. tampering that corrupts the reparsed JSON but not the stored
	// signature field) must not suppress the signature check below — the
	// signature is always re-verified over the encoded inner exactly as
	// stored, never over a reparse of it.
	if e.outerErr != nil {
		metrics.ValidationsTotal.WithLabelValues("malformed").Inc()
		return e.outerErr
	}

	info, err := s.Verify([]byte(e.innerEncoded), e.signature)
	if err != nil {
		metrics.ValidationsTotal.WithLabelValues("bad_signature").Inc()
		return err
	}
	e.info = info
	e.validated = true

	if !info.Valid {
		metrics.ValidationsTotal.WithLabelValues("bad_signature").Inc()
		return fmt.Errorf("%w", ipcerr.ErrBadSignature)
	}

	if e.parseErr != nil {
		metrics.ValidationsTotal.WithLabelValues("malformed").Inc()
		return e.parseErr
	}
	if e.msg.Version != config.ProtocolVersion {
		metrics.ValidationsTotal.WithLabelValues("unsupported_version").Inc()
		return fmt.Errorf("%w: got %d, want %d", ipcerr.ErrUnsupportedVersion, e.msg.Version, config.ProtocolVersion)
	}
	metrics.ValidationsTotal.WithLabelValues("ok").Inc()
	return nil
}

// Version returns the inner message's protocol version field.
func (e *Envelope) Version() (uint, error) {
	if !e.has("version") {
		return 0, ipcerr.ErrFieldMissing
	}
	return e.msg.Version, nil
}

// Source returns the sender endpoint name.
func (e *Envelope) Source() (string, error) {
	if !e.has("source") {
		return "", ipcerr.ErrFieldMissing
	}
	return e.msg.Source, nil
}

// Destination returns the receiver endpoint name.
func (e *Envelope) Destination() (string, error) {
	if !e.has("destination") {
		return "", ipcerr.ErrFieldMissing
	}
	return e.msg.Destination, nil
}

// User returns the sender's OS username.
func (e *Envelope) User() (string, error) {
	if !e.has("user") {
		return "", ipcerr.ErrFieldMissing
	}
	return e.msg.User, nil
}

// Timestamp returns the send time recorded in the inner message.
func (e *Envelope) Timestamp() (time.Time, error) {
	if !e.has("timestamp") {
		return time.Time{}, ipcerr.ErrFieldMissing
	}
	return time.Unix(e.msg.Timestamp, 0), nil
}

// Data returns the decoded payload bytes.
func (e *Envelope) Data() ([]byte, error) {
	if !e.has("data") {
		return nil, ipcerr.ErrFieldMissing
	}
	return codec.Decode(e.msg.Data)
}

// Topic returns the pub/sub topic this envelope was published under.
// Topic returns ErrFieldMissing for a point-to-point send, where the field
// is omitted from the wire form entirely rather than sent empty.
func (e *Envelope) Topic() (string, error) {
	if !e.has("topic") {
		return "", ipcerr.ErrFieldMissing
	}
	return e.msg.Topic, nil
}

// SignerName returns the name extracted from the verifier's report.
// Returns ErrFieldMissing until Validate has obtained a verifier report
// (a malformed outer envelope or an unparseable signature yields none).
func (e *Envelope) SignerName() (string, error) {
	if !e.validated {
		return "", ipcerr.ErrFieldMissing
	}
	return e.info.Name, nil
}

// SignerEmail returns the email extracted from the verifier's report.
// Returns ErrFieldMissing until Validate has obtained a verifier report.
func (e *Envelope) SignerEmail() (string, error) {
	if !e.validated {
		return "", ipcerr.ErrFieldMissing
	}
	return e.info.Email, nil
}

// SignerKey returns the key fingerprint extracted from the verifier's
// report. Returns ErrFieldMissing until Validate has obtained a verifier
// report.
func (e *Envelope) SignerKey() (string, error) {
	if !e.validated {
		return "", ipcerr.ErrFieldMissing
	}
	return e.info.KeyFingerprint, nil
}

// Dump renders a diagnostic block: version and whether it is supported,
// signature validity, signer identity, and the pretty-printed payload. It
// never fails, even on a malformed envelope — missing fields render as
// "(unknown)" — and logs validation failures via log (which may be nil).
func (e *Envelope) Dump(s signer.Signer, log logging.Logger) string {
	var b strings.Builder

	err := e.Validate(s)
	switch {
	case err == nil:
		fmt.Fprintf(&b, "version: %s (supported)\n", fieldOr(e.Version, "%d"))
		fmt.Fprintf(&b, "signature: valid\n")
	case errors.Is(err, ipcerr.ErrUnsupportedVersion):
		fmt.Fprintf(&b, "version: %s (unsupported)\n", fieldOr(e.Version, "%d"))
		fmt.Fprintf(&b, "signature: valid\n")
		logWarn(log, "dump: unsupported protocol version on envelope from %s", firstOr(e.Source, "(unknown)"))
	case errors.Is(err, ipcerr.ErrBadSignature):
		fmt.Fprintf(&b, "version: %s\n", fieldOr(e.Version, "%d"))
		fmt.Fprintf(&b, "signature: INVALID\n")
		logWarn(log, "dump: signature failed to verify")
	default:
		fmt.Fprintf(&b, "version: (unknown)\n")
		fmt.Fprintf(&b, "signature: (unknown): %v\n", err)
		logWarn(log, "dump: envelope could not be parsed: %v", err)
	}

	name, _ := e.SignerName()
	email, _ := e.SignerEmail()
	key, _ := e.SignerKey()
	fmt.Fprintf(&b, "signer: %s <%s> key=%s\n", orUnknown(name), orUnknown(email), orUnknown(key))

	fmt.Fprintf(&b, "source: %s\n", firstOr(e.Source, "(unknown)"))
	fmt.Fprintf(&b, "destination: %s\n", firstOr(e.Destination, "(unknown)"))
	fmt.Fprintf(&b, "user: %s\n", firstOr(e.User, "(unknown)"))

	if ts, tErr := e.Timestamp(); tErr == nil {
		fmt.Fprintf(&b, "timestamp: %s\n", ts.Format(time.RFC3339))
	} else {
		fmt.Fprintf(&b, "timestamp: (unknown)\n")
	}

	if topic, tErr := e.Topic(); tErr == nil {
		fmt.Fprintf(&b, "topic: %s\n", topic)
	} else {
		fmt.Fprintf(&b, "topic: (none)\n")
	}

	if data, dErr := e.Data(); dErr == nil {
		fmt.Fprintf(&b, "data:\n%s\n", prettyPayload(data))
	} else {
		fmt.Fprintf(&b, "data: (unknown)\n")
	}

	return b.String()
}

func fieldOr(get func() (uint, error), format string) string {
	v, err := get()
	if err != nil {
		return "(unknown)"
	}
	return fmt.Sprintf(format, v)
}

func firstOr(get func() (string, error), fallback string) string {
	v, err := get()
	if err != nil {
		return fallback
	}
	return v
}

func orUnknown(v string) string {
	if v == "" || v == "unknown" {
		return "(unknown)"
	}
	return v
}

func logWarn(log logging.Logger, format string, args ...interface{}) {
	if log == nil {
		return
	}
	log.Warn(format, args...)
}

// prettyPayload indents the payload as JSON when it parses as such,
// otherwise renders it as a quoted string so non-printable bytes are
// visible without corrupting the dump's own formatting.
func prettyPayload(data []byte) string {
	var js json.RawMessage
	if json.Unmarshal(data, &js) == nil {
		var buf strings.Builder
		if err := json.Indent(&buf, data, "", "  "); err == nil {
			return buf.String()
		}
	}
	return fmt.Sprintf("%q", data)
}
