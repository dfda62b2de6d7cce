// Package pubsub implements the topic fan-out router: a topic is a
// directory of symbolic links, one per subscriber endpoint, and publishing
// means enumerating those links and calling Send once per subscriber. It
// has no delivery state of its own — Subscribe only ever manipulates the
// two-way symlink pair, and Publish only ever reads it back — so a crash
// between Subscribe calls never leaves more than one dangling link to
// clean up by hand.
package pubsub

import (
	"fmt"

	"github.com/gan-ainm/toolbox/internal/fsroot"
	"github.com/gan-ainm/toolbox/internal/logging"
	"github.com/gan-ainm/toolbox/internal/metrics"
	"github.com/gan-ainm/toolbox/pkg/endpoint"
	"github.com/gan-ainm/toolbox/pkg/ipcerr"
)

const subscriptionsDir = "subscriptions"

// Router fans messages out to every subscriber of a topic by delegating
// each individual delivery to an *endpoint.Manager. It holds no state of
// its own beyond that Manager and a logger.
type Router struct {
	endpoints *endpoint.Manager
	log       logging.Logger
}

// NewRouter returns a Router that subscribes and publishes through
// endpoints (its IPCRoot and PubSubRoot are where the subscription
// symlink graph lives).
func NewRouter(endpoints *endpoint.Manager, log logging.Logger) *Router {
	if log == nil {
		log = logging.Nop{}
	}
	return &Router{endpoints: endpoints, log: log}
}

// Subscribe ensures topic exists, then atomically establishes the two-way
// symlink pair: pubsub/<topic>/<flat(name)> -> name, and
// <name>/subscriptions/<topic> -> pubsub/<topic>. If the second link
// fails, the first is removed so the subscription graph never has a
// dangling half.
func (r *Router) Subscribe(name, topic string) error {
	pubsubRoot := r.endpoints.PubSubRoot()
	ipcRoot := r.endpoints.IPCRoot()

	if _, err := pubsubRoot.MkdirGroupSetgid(topic); err != nil {
		return fmt.Errorf("%w: creating topic %q: %v", ipcerr.ErrIO, topic, err)
	}

	flat := fsroot.FlattenName(name)
	if err := pubsubRoot.Symlink(name, topic, flat); err != nil {
		return fmt.Errorf("%w: linking subscriber %q under topic %q: %v", ipcerr.ErrIO, name, topic, err)
	}

	topicDir, err := pubsubRoot.Path(topic)
	if err != nil {
		_ = pubsubRoot.RemoveSymlink(topic, flat)
		return fmt.Errorf("%w: resolving topic %q: %v", ipcerr.ErrIO, topic, err)
	}

	if err := ipcRoot.Symlink(topicDir, name, subscriptionsDir, topic); err != nil {
		_ = pubsubRoot.RemoveSymlink(topic, flat)
		return fmt.Errorf("%w: linking topic %q into endpoint %q: %v", ipcerr.ErrIO, topic, name, err)
	}

	return nil
}

// Publish ensures topic exists, enumerates its subscriber symlinks, and
// sends payload to each one under topic. Per-subscriber failures (a stale
// link, a closed endpoint) are logged and counted but never abort the
// fan-out: pub/sub delivery is best-effort and lossy by design.
func (r *Router) Publish(source, topic string, payload []byte) error {
	pubsubRoot := r.endpoints.PubSubRoot()

	if _, err := pubsubRoot.MkdirGroupSetgid(topic); err != nil {
		return fmt.Errorf("%w: creating topic %q: %v", ipcerr.ErrIO, topic, err)
	}

	subscribers, err := pubsubRoot.ListEntries(topic)
	if err != nil {
		return fmt.Errorf("%w: listing topic %q: %v", ipcerr.ErrIO, topic, err)
	}

	metrics.PublishFanout.Observe(float64(len(subscribers)))

	for _, flat := range subscribers {
		dest, err := pubsubRoot.ReadLink(topic, flat)
		if err != nil {
			r.log.Warn("publish %s: reading subscriber link %s: %v", topic, flat, err)
			metrics.PublishFailures.Inc()
			continue
		}
		if err := r.endpoints.Send(source, dest, payload, topic); err != nil {
			r.log.Warn("publish %s: delivering to %s: %v", topic, dest, err)
			metrics.PublishFailures.Inc()
		}
	}

	return nil
}
