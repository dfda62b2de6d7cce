package endpoint

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"

	"github.com/gan-ainm/toolbox/internal/config"
	"github.com/gan-ainm/toolbox/internal/logging"
	"github.com/gan-ainm/toolbox/pkg/envelope"
	"github.com/gan-ainm/toolbox/pkg/ipcerr"
	"github.com/gan-ainm/toolbox/pkg/queue"
	"github.com/gan-ainm/toolbox/pkg/signer"
)

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

func newTestManager(t *testing.T) *Manager {
	t.Helper()

	cfg := &config.Config{
		IPCRoot:    filepath.Join(t.TempDir(), "ipc"),
		PubSubRoot: filepath.Join(t.TempDir(), "pubsub"),
	}
	m, err := NewManager(cfg, queue.NewFileQueue(false), newTestSigner(t), logging.Nop{})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

func TestOpenIsIdempotent(t *testing.T) {
	m := newTestManager(t)

	name1, err := m.Open("svc/a")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if name1 != "svc/a" {
		t.Fatalf("Open returned %q, want svc/a", name1)
	}
	if !m.root.Exists("svc/a", queueDirName) || !m.root.Exists("svc/a", subsDirName) || !m.root.Exists("svc/a", ownerFileName) {
		t.Fatalf("Open did not create the expected endpoint layout")
	}

	name2, err := m.Open("svc/a")
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	if name2 != "svc/a" {
		t.Fatalf("second Open returned %q, want svc/a", name2)
	}
}

func TestOpenAnonymousUnderPriv(t *testing.T) {
	m := newTestManager(t)

	name, err := m.Open("")
	if err != nil {
		t.Fatalf("Open(\"\"): %v", err)
	}
	if filepath.Dir(name) != anonymousRoot {
		t.Fatalf("anonymous name %q is not rooted under %q", name, anonymousRoot)
	}

	name2, err := m.Open("")
	if err != nil {
		t.Fatalf("second Open(\"\"): %v", err)
	}
	if name == name2 {
		t.Fatalf("two anonymous opens produced the same name %q", name)
	}
}

func TestSendThenRecv(t *testing.T) {
	m := newTestManager(t)

	if _, err := m.Open("svc/a"); err != nil {
		t.Fatalf("Open svc/a: %v", err)
	}
	if _, err := m.Open("svc/b"); err != nil {
		t.Fatalf("Open svc/b: %v", err)
	}

	if err := m.Send("svc/a", "svc/b", []byte("hello"), ""); err != nil {
		t.Fatalf("Send: %v", err)
	}

	token, err := m.Recv("svc/b", -1)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}

	env := envelope.Parse(token)
	if err := env.Validate(m.signer); err != nil {
		t.Fatalf("Validate received envelope: %v", err)
	}
	if src, _ := env.Source(); src != "svc/a" {
		t.Fatalf("Source() = %q, want svc/a", src)
	}
	if data, _ := env.Data(); string(data) != "hello" {
		t.Fatalf("Data() = %q, want hello", data)
	}
	if _, err := env.Topic(); err != ipcerr.ErrFieldMissing {
		t.Fatalf("Topic() = %v, want ErrFieldMissing", err)
	}
}

func TestSendToUnknownEndpoint(t *testing.T) {
	m := newTestManager(t)

	if _, err := m.Open("svc/a"); err != nil {
		t.Fatalf("Open svc/a: %v", err)
	}

	err := m.Send("svc/a", "svc/never-opened", []byte("x"), "")
	if !errors.Is(err, ipcerr.ErrEndpointUnknown) {
		t.Fatalf("Send to unknown endpoint = %v, want ErrEndpointUnknown", err)
	}
}

func TestRecvTimesOutWhenEmpty(t *testing.T) {
	m := newTestManager(t)

	if _, err := m.Open("svc/a"); err != nil {
		t.Fatalf("Open: %v", err)
	}

	_, err := m.Recv("svc/a", 0)
	if !errors.Is(err, ipcerr.ErrTimeout) {
		t.Fatalf("Recv on empty queue = %v, want ErrTimeout", err)
	}
}

func TestForeachMessageDoesNotConsume(t *testing.T) {
	m := newTestManager(t)

	if _, err := m.Open("svc/a"); err != nil {
		t.Fatalf("Open svc/a: %v", err)
	}
	if _, err := m.Open("svc/b"); err != nil {
		t.Fatalf("Open svc/b: %v", err)
	}
	if err := m.Send("svc/a", "svc/b", []byte("first"), ""); err != nil {
		t.Fatalf("Send: %v", err)
	}

	var seen []string
	err := m.ForeachMessage("svc/b", func(name, token string) error {
		if name != "svc/b" {
			t.Fatalf("ForeachMessage passed name %q, want svc/b", name)
		}
		env := envelope.Parse(token)
		if data, derr := env.Data(); derr == nil {
			seen = append(seen, string(data))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("ForeachMessage: %v", err)
	}
	if len(seen) != 1 || seen[0] != "first" {
		t.Fatalf("ForeachMessage saw %v, want [first]", seen)
	}

	// The message must still be there for Recv afterward.
	token, err := m.Recv("svc/b", 0)
	if err != nil {
		t.Fatalf("Recv after ForeachMessage: %v", err)
	}
	env := envelope.Parse(token)
	if data, _ := env.Data(); string(data) != "first" {
		t.Fatalf("Recv after ForeachMessage = %q, want first", data)
	}
}

func TestCloseRemovesEndpointDirectory(t *testing.T) {
	m := newTestManager(t)

	if _, err := m.Open("svc/a"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := m.Close("svc/a"); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if m.root.Exists("svc/a", queueDirName) {
		t.Fatalf("endpoint directory still present after Close")
	}

	// Reopening after close must succeed as a fresh endpoint.
	if _, err := m.Open("svc/a"); err != nil {
		t.Fatalf("reopen after Close: %v", err)
	}
}
