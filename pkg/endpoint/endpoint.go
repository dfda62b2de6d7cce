// Package endpoint implements the named mailbox: a directory rooted under
// the shared IPC namespace holding a queue and an
// outgoing subscription set, plus the Open/Close/Send/Recv/ForeachMessage
// operations that move envelopes through it. It is the layer pub/sub fans
// out through (pkg/pubsub calls Send for each subscriber) and the layer
// application code talks to directly for point-to-point delivery.
package endpoint

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/gan-ainm/toolbox/internal/config"
	"github.com/gan-ainm/toolbox/internal/fsroot"
	"github.com/gan-ainm/toolbox/internal/logging"
	"github.com/gan-ainm/toolbox/internal/metrics"
	"github.com/gan-ainm/toolbox/pkg/envelope"
	"github.com/gan-ainm/toolbox/pkg/ipcerr"
	"github.com/gan-ainm/toolbox/pkg/queue"
	"github.com/gan-ainm/toolbox/pkg/signer"
)

const (
	queueDirName  = "queue"
	subsDirName   = "subscriptions"
	ownerFileName = "owner"
	anonymousRoot = "priv"
)

// Manager owns the two filesystem roots (the IPC root and the pub/sub
// root) and the collaborators every endpoint operation needs: a Queue
// implementation, a Signer, and a diagnostics Logger. One Manager is
// typically constructed per process and threaded explicitly into callers
// rather than reached for through a package-level global.
type Manager struct {
	root       *fsroot.Root
	pubsubRoot *fsroot.Root
	queue      queue.Queue
	signer     signer.Signer
	log        logging.Logger
}

// NewManager resolves cfg's IPC root and pub/sub root (creating them if
// absent) and returns a Manager ready to open, close, send, and receive.
func NewManager(cfg *config.Config, q queue.Queue, s signer.Signer, log logging.Logger) (*Manager, error) {
	root, err := fsroot.New(cfg.IPCRoot)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ipcerr.ErrIO, err)
	}
	pubsubRoot, err := fsroot.New(cfg.PubSubRoot)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ipcerr.ErrIO, err)
	}
	if log == nil {
		log = logging.Nop{}
	}
	return &Manager{root: root, pubsubRoot: pubsubRoot, queue: q, signer: s, log: log}, nil
}

// IPCRoot returns the root every endpoint directory lives under. Exposed
// for pkg/pubsub, which manages the other half of the subscription
// symlink pair under this same root.
func (m *Manager) IPCRoot() *fsroot.Root {
	return m.root
}

// PubSubRoot returns the root topic directories live under.
func (m *Manager) PubSubRoot() *fsroot.Root {
	return m.pubsubRoot
}

// Open creates endpoint name if absent, or recognizes it as already open
// if its queue and subscriptions directories already exist. If name is
// empty, a unique anonymous name under priv/ is synthesized. Returns the
// resolved name. Any failure after the directory is created triggers a
// best-effort removal of that directory.
func (m *Manager) Open(name string) (string, error) {
	if name == "" {
		name = anonymousName()
	}

	if m.isOpen(name) {
		return name, nil
	}

	if _, err := m.root.MkdirGroupSetgid(name); err != nil {
		return "", fmt.Errorf("%w: opening endpoint %q: %v", ipcerr.ErrIO, name, err)
	}

	if err := m.finishOpen(name); err != nil {
		_ = m.root.RemoveAll(name)
		return "", err
	}

	return name, nil
}

func (m *Manager) finishOpen(name string) error {
	if _, err := m.root.MkdirGroupSetgid(name, subsDirName); err != nil {
		return fmt.Errorf("%w: creating subscriptions directory for %q: %v", ipcerr.ErrIO, name, err)
	}

	owner := currentUser() + "\n"
	if err := m.root.WriteFile([]byte(owner), name, ownerFileName); err != nil {
		return fmt.Errorf("%w: writing owner file for %q: %v", ipcerr.ErrIO, name, err)
	}

	qp, err := m.queuePath(name)
	if err != nil {
		return err
	}
	if err := m.queue.Init(qp); err != nil {
		return err
	}
	return nil
}

// isOpen reports whether name already has both a queue and a
// subscriptions directory, i.e. was produced by a prior Open.
func (m *Manager) isOpen(name string) bool {
	return m.root.Exists(name, queueDirName) && m.root.Exists(name, subsDirName)
}

// Close destroys name's queue, then removes every pub/sub subscriber
// symlink its subscriptions/ directory points at, however deeply nested
// a topic's own "/" separators have placed it (best-effort — failures are
// logged, not propagated), then removes the endpoint directory itself. A
// queue-destroy failure aborts Close and propagates.
func (m *Manager) Close(name string) error {
	qp, err := m.queuePath(name)
	if err != nil {
		return err
	}
	if err := m.queue.Destroy(qp); err != nil {
		return err
	}

	// Topics can contain "/" (e.g. "t/x" in pkg/pubsub's tests), so a
	// subscribed topic is a leaf
	// symlink possibly several directories deep under subscriptions/, not
	// necessarily a direct child of it. Walk to find every leaf and
	// reconstruct its topic path from the walk, rather than listing only
	// the top-level entries.
	links, err := m.root.WalkSymlinks(name, subsDirName)
	if err != nil {
		m.log.Warn("close %s: walking subscriptions: %v", name, err)
		links = nil
	}

	flat := fsroot.FlattenName(name)
	for topic := range links {
		if err := m.pubsubRoot.RemoveSymlink(topic, flat); err != nil {
			m.log.Warn("close %s: removing subscriber link for topic %s: %v", name, topic, err)
		}
	}

	if err := m.root.RemoveAll(name); err != nil {
		return fmt.Errorf("%w: removing endpoint directory %q: %v", ipcerr.ErrIO, name, err)
	}
	return nil
}

// Send constructs an envelope from source to destination and enqueues it
// on destination's queue. Fails with ErrEndpointUnknown if destination has
// never been opened, or with whatever error Signing produced.
func (m *Manager) Send(source, destination string, data []byte, topic string) error {
	if !m.root.Exists(destination, queueDirName) {
		metrics.MessagesSent.WithLabelValues("endpoint_unknown").Inc()
		return fmt.Errorf("%w: %q", ipcerr.ErrEndpointUnknown, destination)
	}

	env, err := envelope.New(m.signer, source, destination, data, topic)
	if err != nil {
		metrics.MessagesSent.WithLabelValues("signer_unavailable").Inc()
		return err
	}

	qp, err := m.queuePath(destination)
	if err != nil {
		metrics.MessagesSent.WithLabelValues("io_error").Inc()
		return err
	}
	if err := m.queue.Put(qp, env.Token()); err != nil {
		metrics.MessagesSent.WithLabelValues("io_error").Inc()
		return err
	}
	metrics.MessagesSent.WithLabelValues("ok").Inc()
	return nil
}

// Recv blocks on name's queue per the timeout semantics of pkg/queue
// (negative waits indefinitely, zero is non-blocking, positive bounds the
// wait) and returns the raw envelope token. Callers that need authenticity
// must Parse and Validate the result themselves.
func (m *Manager) Recv(name string, timeout time.Duration) (string, error) {
	if !m.root.Exists(name, queueDirName) {
		return "", fmt.Errorf("%w: %q", ipcerr.ErrEndpointUnknown, name)
	}
	qp, err := m.queuePath(name)
	if err != nil {
		return "", err
	}

	start := time.Now()
	item, err := m.queue.Get(qp, timeout)
	metrics.QueueWaitSeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.MessagesReceived.WithLabelValues("timeout").Inc()
		return "", err
	}
	metrics.MessagesReceived.WithLabelValues("ok").Inc()
	return item, nil
}

// ForeachMessage invokes fn(name, token) over name's current queue
// contents in FIFO order, consuming or peeking according to whatever the
// underlying Queue implementation does for Foreach.
func (m *Manager) ForeachMessage(name string, fn func(name, token string) error) error {
	if !m.root.Exists(name, queueDirName) {
		return fmt.Errorf("%w: %q", ipcerr.ErrEndpointUnknown, name)
	}
	qp, err := m.queuePath(name)
	if err != nil {
		return err
	}
	return m.queue.Foreach(qp, func(token string) error {
		return fn(name, token)
	})
}

func (m *Manager) queuePath(name string) (string, error) {
	return m.root.Path(name, queueDirName)
}

func currentUser() string {
	u, err := user.Current()
	if err != nil {
		return "unknown"
	}
	return u.Username
}

// anonymousName synthesizes a unique name under priv/, combining the
// caller's user, program, process id, creation epoch, and a random nonce
// so concurrent anonymous opens from the same user and program never
// collide.
func anonymousName() string {
	prog := filepath.Base(os.Args[0])
	nonce := uuid.New().String()
	return fmt.Sprintf("%s/%s.%s.%d.%d.%s", anonymousRoot, currentUser(), prog, os.Getpid(), time.Now().Unix(), nonce)
}
