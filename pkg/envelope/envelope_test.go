package envelope

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"

	"github.com/gan-ainm/toolbox/internal/logging"
	"github.com/gan-ainm/toolbox/pkg/codec"
	"github.com/gan-ainm/toolbox/pkg/ipcerr"
	"github.com/gan-ainm/toolbox/pkg/signer"
)

// newTestSigner generates a fresh throwaway OpenPGP identity and returns a
// signer over it, mirroring pkg/signer's own test fixture.
func newTestSigner(t *testing.T) signer.Signer {
	t.Helper()

	entity, err := openpgp.NewEntity("Test Sender", "", "sender@example.com", nil)
	if err != nil {
		t.Fatalf("generating test entity: %v", err)
	}

	var raw bytes.Buffer
	w, err := armor.Encode(&raw, openpgp.PrivateKeyType, nil)
	if err != nil {
		t.Fatalf("armor.Encode: %v", err)
	}
	if err := entity.SerializePrivate(w, nil); err != nil {
		t.Fatalf("SerializePrivate: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("closing armor writer: %v", err)
	}

	path := filepath.Join(t.TempDir(), "secring.gpg")
	if err := os.WriteFile(path, raw.Bytes(), 0o600); err != nil {
		t.Fatalf("writing keyring: %v", err)
	}

	s, err := signer.NewOpenPGPSigner(path)
	if err != nil {
		t.Fatalf("NewOpenPGPSigner: %v", err)
	}
	return s
}

func TestNewValidateRoundTrip(t *testing.T) {
	s := newTestSigner(t)

	env, err := New(s, "svc/a", "svc/b", []byte("hello\nworld"), "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := env.Validate(s); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if src, err := env.Source(); err != nil || src != "svc/a" {
		t.Fatalf("Source() = %q, %v", src, err)
	}
	if dst, err := env.Destination(); err != nil || dst != "svc/b" {
		t.Fatalf("Destination() = %q, %v", dst, err)
	}
	if data, err := env.Data(); err != nil || string(data) != "hello\nworld" {
		t.Fatalf("Data() = %q, %v", data, err)
	}
	if _, err := env.Topic(); err == nil {
		t.Fatalf("expected Topic() to be FieldMissing on a non-pubsub send")
	} else if err != ipcerr.ErrFieldMissing {
		t.Fatalf("Topic() error = %v, want ErrFieldMissing", err)
	}
}

func TestNewWithTopic(t *testing.T) {
	s := newTestSigner(t)

	env, err := New(s, "svc/a", "svc/b", []byte("payload"), "t/x")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := env.Validate(s); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if topic, err := env.Topic(); err != nil || topic != "t/x" {
		t.Fatalf("Topic() = %q, %v", topic, err)
	}
}

func TestValidateTamperDetection(t *testing.T) {
	s := newTestSigner(t)

	env, err := New(s, "svc/a", "svc/b", []byte("hello"), "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	outerJSON, err := codec.Decode(env.Token())
	if err != nil {
		t.Fatalf("decoding outer: %v", err)
	}

	// Flip one byte inside the encoded signature field so the stored
	// signature no longer matches what was actually produced.
	idx := bytes.Index(outerJSON, []byte(`"signature":"`))
	if idx < 0 {
		t.Fatalf("could not locate signature field in outer JSON")
	}
	pos := idx + len(`"signature":"`)
	tampered := append([]byte{}, outerJSON...)
	if tampered[pos] == 'A' {
		tampered[pos] = 'B'
	} else {
		tampered[pos] = 'A'
	}

	tamperedToken := codec.Encode(tampered)
	tamperedEnv := Parse(tamperedToken)

	if err := tamperedEnv.Validate(s); !errors.Is(err, ipcerr.ErrBadSignature) {
		t.Fatalf("Validate on tampered envelope = %v, want ErrBadSignature", err)
	}
}

// TestValidateTamperedInnerOverridesMalformedJSON covers a tamper that
// corrupts the reparsed inner JSON without touching the outer layer: the
// signature was produced over the original encoded inner, so it must be
// reported as a bad signature even though the inner no longer parses.
// Validate must not let a malformed-inner short-circuit hide that.
func TestValidateTamperedInnerOverridesMalformedJSON(t *testing.T) {
	s := newTestSigner(t)

	env, err := New(s, "svc/a", "svc/b", []byte("hello"), "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	outerJSON, err := codec.Decode(env.Token())
	if err != nil {
		t.Fatalf("decoding outer: %v", err)
	}
	var o outer
	if err := json.Unmarshal(outerJSON, &o); err != nil {
		t.Fatalf("unmarshaling outer: %v", err)
	}

	innerJSON, err := codec.Decode(o.Message)
	if err != nil {
		t.Fatalf("decoding inner: %v", err)
	}
	corruptedInner := append([]byte{}, innerJSON...)
	corruptedInner[0] ^= 0x01 // flips the opening '{' into an invalid lead byte
	o.Message = codec.Encode(corruptedInner)

	tamperedOuterJSON, err := json.Marshal(o)
	if err != nil {
		t.Fatalf("marshaling tampered outer: %v", err)
	}
	tamperedEnv := Parse(codec.Encode(tamperedOuterJSON))

	if tamperedEnv.Err() == nil {
		t.Fatalf("expected Parse to flag the corrupted inner JSON as malformed")
	}
	if err := tamperedEnv.Validate(s); !errors.Is(err, ipcerr.ErrBadSignature) {
		t.Fatalf("Validate on tampered inner = %v, want ErrBadSignature (signature must be checked before inner-JSON well-formedness)", err)
	}
}

func TestValidateUnsupportedVersion(t *testing.T) {
	s := newTestSigner(t)

	forged := Message{
		Version:     2,
		Source:      "svc/a",
		Destination: "svc/b",
		User:        "forgeduser",
		Timestamp:   1,
		Data:        codec.Encode([]byte("payload")),
	}
	innerJSON, err := json.Marshal(forged)
	if err != nil {
		t.Fatalf("marshaling forged inner: %v", err)
	}
	encodedInner := codec.Encode(innerJSON)

	sig, err := s.Sign([]byte(encodedInner))
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	outerJSON, err := json.Marshal(outer{Message: encodedInner, Signature: sig})
	if err != nil {
		t.Fatalf("marshaling outer: %v", err)
	}
	token := codec.Encode(outerJSON)

	env := Parse(token)
	if err := env.Validate(s); err == nil {
		t.Fatalf("expected an error for version 2, got nil")
	} else if !errors.Is(err, ipcerr.ErrUnsupportedVersion) {
		t.Fatalf("Validate = %v, want ErrUnsupportedVersion", err)
	}
}

func TestDumpNeverFailsOnMalformedToken(t *testing.T) {
	s := newTestSigner(t)
	env := Parse("not-a-valid-token-!!!")

	out := env.Dump(s, logging.Nop{})
	if out == "" {
		t.Fatalf("Dump returned empty output for a malformed token")
	}
}

func TestAccessorsOnMalformedTokenReturnFieldMissing(t *testing.T) {
	env := Parse("###")
	if _, err := env.Source(); err != ipcerr.ErrFieldMissing {
		t.Fatalf("Source() on malformed token = %v, want ErrFieldMissing", err)
	}
}
