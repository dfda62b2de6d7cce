package pubsub

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"

	"github.com/gan-ainm/toolbox/internal/config"
	"github.com/gan-ainm/toolbox/internal/fsroot"
	"github.com/gan-ainm/toolbox/internal/logging"
	"github.com/gan-ainm/toolbox/pkg/endpoint"
	"github.com/gan-ainm/toolbox/pkg/envelope"
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

func newTestSetup(t *testing.T) (*endpoint.Manager, *Router, signer.Signer) {
	t.Helper()

	cfg := &config.Config{
		IPCRoot:    filepath.Join(t.TempDir(), "ipc"),
		PubSubRoot: filepath.Join(t.TempDir(), "pubsub"),
	}
	s := newTestSigner(t)
	endpoints, err := endpoint.NewManager(cfg, queue.NewFileQueue(false), s, logging.Nop{})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return endpoints, NewRouter(endpoints, logging.Nop{}), s
}

func TestSubscribeEstablishesTwoWayLink(t *testing.T) {
	endpoints, router, _ := newTestSetup(t)

	if _, err := endpoints.Open("svc/b"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := router.Subscribe("svc/b", "t/x"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	flat := fsroot.FlattenName("svc/b")
	if !endpoints.PubSubRoot().Exists("t/x", flat) {
		t.Fatalf("expected pubsub/t/x/%s to exist after Subscribe", flat)
	}
	if !endpoints.IPCRoot().Exists("svc/b", subscriptionsDir, "t/x") {
		t.Fatalf("expected svc/b/subscriptions/t/x to exist after Subscribe")
	}

	target, err := endpoints.PubSubRoot().ReadLink("t/x", flat)
	if err != nil {
		t.Fatalf("reading subscriber link: %v", err)
	}
	if target != "svc/b" {
		t.Fatalf("subscriber link target = %q, want svc/b", target)
	}
}

func TestPublishDeliversToSubscriber(t *testing.T) {
	endpoints, router, s := newTestSetup(t)

	if _, err := endpoints.Open("svc/a"); err != nil {
		t.Fatalf("Open svc/a: %v", err)
	}
	if _, err := endpoints.Open("svc/b"); err != nil {
		t.Fatalf("Open svc/b: %v", err)
	}
	if err := router.Subscribe("svc/b", "t/x"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := router.Publish("svc/a", "t/x", []byte("payload")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	token, err := endpoints.Recv("svc/b", 0)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}

	env := envelope.Parse(token)
	if err := env.Validate(s); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if topic, _ := env.Topic(); topic != "t/x" {
		t.Fatalf("Topic() = %q, want t/x", topic)
	}
	if data, _ := env.Data(); string(data) != "payload" {
		t.Fatalf("Data() = %q, want payload", data)
	}
}

func TestPublishFansOutToMultipleSubscribers(t *testing.T) {
	endpoints, router, s := newTestSetup(t)

	if _, err := endpoints.Open("svc/pub"); err != nil {
		t.Fatalf("Open svc/pub: %v", err)
	}
	subscribers := []string{"svc/sub1", "svc/sub2", "svc/sub3"}
	for _, name := range subscribers {
		if _, err := endpoints.Open(name); err != nil {
			t.Fatalf("Open %s: %v", name, err)
		}
		if err := router.Subscribe(name, "t/broadcast"); err != nil {
			t.Fatalf("Subscribe %s: %v", name, err)
		}
	}

	if err := router.Publish("svc/pub", "t/broadcast", []byte("all")); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	for _, name := range subscribers {
		token, err := endpoints.Recv(name, 0)
		if err != nil {
			t.Fatalf("Recv(%s): %v", name, err)
		}
		env := envelope.Parse(token)
		if err := env.Validate(s); err != nil {
			t.Fatalf("Validate(%s): %v", name, err)
		}
		if data, _ := env.Data(); string(data) != "all" {
			t.Fatalf("Data(%s) = %q, want all", name, data)
		}
	}
}

func TestCloseTearsDownSubscriptionSymlinks(t *testing.T) {
	endpoints, router, _ := newTestSetup(t)

	if _, err := endpoints.Open("svc/a"); err != nil {
		t.Fatalf("Open svc/a: %v", err)
	}
	if _, err := endpoints.Open("svc/b"); err != nil {
		t.Fatalf("Open svc/b: %v", err)
	}
	if err := router.Subscribe("svc/b", "t/x"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := router.Publish("svc/a", "t/x", []byte("payload")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if _, err := endpoints.Recv("svc/b", 0); err != nil {
		t.Fatalf("Recv: %v", err)
	}

	if err := endpoints.Close("svc/b"); err != nil {
		t.Fatalf("Close: %v", err)
	}

	flat := fsroot.FlattenName("svc/b")
	if endpoints.PubSubRoot().Exists("t/x", flat) {
		t.Fatalf("subscriber link still present after Close")
	}
	if endpoints.IPCRoot().Exists("svc/b") {
		t.Fatalf("endpoint directory still present after Close")
	}

	// A publish after close must deliver to zero subscribers and still
	// succeed.
	if err := router.Publish("svc/a", "t/x", []byte("again")); err != nil {
		t.Fatalf("Publish after subscriber closed: %v", err)
	}
}

// TestCloseTearsDownDeeplyNestedSubscription covers a topic nested several
// directories deep under subscriptions/, where the subscribed topic is a
// leaf symlink rather than a direct child of subscriptions/.
func TestCloseTearsDownDeeplyNestedSubscription(t *testing.T) {
	endpoints, router, _ := newTestSetup(t)

	if _, err := endpoints.Open("svc/a"); err != nil {
		t.Fatalf("Open svc/a: %v", err)
	}
	if _, err := endpoints.Open("svc/b"); err != nil {
		t.Fatalf("Open svc/b: %v", err)
	}
	const topic = "org/team/project/events"
	if err := router.Subscribe("svc/b", topic); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	flat := fsroot.FlattenName("svc/b")
	if !endpoints.PubSubRoot().Exists(topic, flat) {
		t.Fatalf("expected pubsub/%s/%s to exist after Subscribe", topic, flat)
	}

	if err := endpoints.Close("svc/b"); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if endpoints.PubSubRoot().Exists(topic, flat) {
		t.Fatalf("subscriber link for deeply nested topic still present after Close")
	}

	if err := router.Publish("svc/a", topic, []byte("again")); err != nil {
		t.Fatalf("Publish after subscriber closed: %v", err)
	}
}
