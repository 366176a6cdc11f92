// Package netiface watches Linux network interfaces for up/down and
// unregister events and replaces the original kernel module's
// isobus_notifier callback chain (original_source/socketcan-isobus/isobus.c)
// with a userspace rtnetlink subscription.
package netiface

import (
	"sync"

	"github.com/charmbracelet/log"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// Watcher receives network-down / device-removed notifications for one
// interface, matching the hooks isobus.Endpoint exposes.
type Watcher interface {
	OnNetworkDown()
	OnDeviceRemoved()
}

// Registry subscribes to rtnetlink link updates and fans NETDEV_DOWN /
// NETDEV_UNREGISTER events out to the watchers registered for each
// interface index.
type Registry struct {
	mu       sync.Mutex
	watchers map[int][]Watcher

	done   chan struct{}
	logger *log.Logger
}

// NewRegistry returns a Registry that is not yet subscribed; call Start to
// begin watching.
func NewRegistry(logger *log.Logger) *Registry {
	if logger == nil {
		logger = log.Default()
	}
	return &Registry{
		watchers: make(map[int][]Watcher),
		logger:   logger,
	}
}

// Watch registers w to be notified about ifindex's link state.
func (r *Registry) Watch(ifindex int, w Watcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.watchers[ifindex] = append(r.watchers[ifindex], w)
}

// Unwatch removes w from ifindex's watcher list.
func (r *Registry) Unwatch(ifindex int, w Watcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.watchers[ifindex]
	for i, existing := range list {
		if existing == w {
			r.watchers[ifindex] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// Start begins the rtnetlink subscription in a background goroutine. It
// returns once the subscription is established.
func (r *Registry) Start() error {
	updates := make(chan netlink.LinkUpdate)
	r.done = make(chan struct{})

	if err := netlink.LinkSubscribe(updates, r.done); err != nil {
		return err
	}

	go r.run(updates)
	return nil
}

// Stop ends the subscription.
func (r *Registry) Stop() {
	if r.done != nil {
		close(r.done)
	}
}

func (r *Registry) run(updates chan netlink.LinkUpdate) {
	for update := range updates {
		ifindex := update.Link.Attrs().Index
		up := update.Link.Attrs().OperState == netlink.OperUp
		unregistering := update.Header.Type == unix.RTM_DELLINK

		r.mu.Lock()
		watchers := append([]Watcher(nil), r.watchers[ifindex]...)
		if unregistering {
			delete(r.watchers, ifindex)
		}
		r.mu.Unlock()

		for _, w := range watchers {
			switch {
			case unregistering:
				r.logger.Info("interface unregistered", "ifindex", ifindex)
				w.OnDeviceRemoved()
			case !up:
				r.logger.Info("interface down", "ifindex", ifindex)
				w.OnNetworkDown()
			}
		}
	}
}
