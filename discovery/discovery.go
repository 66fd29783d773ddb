// Package discovery watches an etcd-backed service registry and drives a
// running CallerCore's connect protocol as backends come and go, picking
// an instance from the Registry and routing it into the RPC fabric's own
// control pipe instead of a plain TCP dial.
package discovery

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/zfl-go/zfl/loadbalance"
	"github.com/zfl-go/zfl/proptree"
	"github.com/zfl-go/zfl/registry"
	"github.com/zfl-go/zfl/zfllog"
)

// Connector is the subset of CallerCore a Registry drives; CallerCore
// satisfies it directly. Kept as an interface so tests can supply a stub.
type Connector interface {
	Connect(serverID, endpoint string) error
}

// Registry watches one etcd-backed service name and issues Connect calls
// against a Connector for every backend address it has not already
// connected. Removed addresses are left to CallerCore's own heartbeat
// decay (§4.3.2b) rather than an explicit disconnect, since the reliable
// RPC protocol never tears down a route administratively.
type Registry struct {
	backend     registry.Registry
	serviceName string
	caller      Connector
	balancer    loadbalance.Balancer
	log         *zap.SugaredLogger

	baseDelay  time.Duration
	maxRetries int

	connected map[string]bool
}

// New builds a Registry. A nil balancer defaults to round-robin proposal
// order; pass &loadbalance.WeightedRandomBalancer{} to change which newly
// discovered address gets connected first when several arrive in the same
// update. loadbalance.ConsistentHashBalancer picks by key and does not
// implement loadbalance.Balancer, so it cannot be passed here.
func New(backend registry.Registry, serviceName string, caller Connector, balancer loadbalance.Balancer, log *zap.SugaredLogger) *Registry {
	if balancer == nil {
		balancer = &loadbalance.RoundRobinBalancer{}
	}
	return &Registry{
		backend:     backend,
		serviceName: serviceName,
		caller:      caller,
		balancer:    balancer,
		log:         zfllog.OrNoop(log),
		baseDelay:   100 * time.Millisecond,
		maxRetries:  5,
		connected:   make(map[string]bool),
	}
}

// FromConfig reads an `etcd` sub-tree (`endpoint` leaves, repeatable, and a
// `service` leaf) from root and returns a Registry wired to a fresh
// EtcdRegistry, or nil with no error if root names no etcd configuration —
// discovery is always optional.
func FromConfig(root *proptree.Node, caller Connector, balancer loadbalance.Balancer, log *zap.SugaredLogger) (*Registry, error) {
	etcdNode := root.Locate("etcd")
	if etcdNode == nil {
		return nil, nil
	}

	var endpoints []string
	serviceName := ""
	for c := etcdNode.Child; c != nil; c = c.Sibling {
		switch c.Name {
		case "endpoint":
			if v := strings.TrimSpace(c.String()); v != "" {
				endpoints = append(endpoints, v)
			}
		case "service":
			serviceName = c.String()
		}
	}
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("discovery: etcd configured with no endpoint leaves")
	}
	if serviceName == "" {
		return nil, fmt.Errorf("discovery: etcd configured with no service leaf")
	}

	backend, err := registry.NewEtcdRegistry(endpoints)
	if err != nil {
		return nil, fmt.Errorf("discovery: connect etcd %v: %w", endpoints, err)
	}
	return New(backend, serviceName, caller, balancer, log), nil
}

// Run discovers the current backend set, connects it, then keeps connecting
// newly discovered addresses until ctx is cancelled or the watch channel
// closes.
func (d *Registry) Run(ctx context.Context) error {
	initial, err := d.backend.Discover(d.serviceName)
	if err != nil {
		return fmt.Errorf("discovery: initial discover %s: %w", d.serviceName, err)
	}
	d.connectNew(initial)

	updates := d.backend.Watch(d.serviceName)
	for {
		select {
		case <-ctx.Done():
			return nil
		case instances, ok := <-updates:
			if !ok {
				return nil
			}
			d.connectNew(instances)
		}
	}
}

// connectNew visits every not-yet-connected instance in the balancer's
// proposal order (picking and removing one at a time) rather than etcd's
// arbitrary key order, so a weighted strategy still governs which backend
// a fresh Caller reaches first.
func (d *Registry) connectNew(instances []registry.ServiceInstance) {
	pool := make([]registry.ServiceInstance, 0, len(instances))
	for _, inst := range instances {
		if !d.connected[inst.Addr] {
			pool = append(pool, inst)
		}
	}

	for len(pool) > 0 {
		pick, err := d.balancer.Pick(pool)
		if err != nil {
			return
		}
		addr := pick.Addr
		pool = removeAddr(pool, addr)

		if err := d.connectWithRetry(addr); err != nil {
			d.log.Warnw("discovery: giving up on backend", "addr", addr, "error", err)
			continue
		}
		d.connected[addr] = true
	}
}

// connectWithRetry dials addr, retrying with the same exponential backoff
// shape middleware.RetryMiddleware applies to a failed call.
func (d *Registry) connectWithRetry(addr string) error {
	endpoint := addr
	if !strings.Contains(endpoint, "://") {
		endpoint = "tcp://" + endpoint
	}

	var err error
	for attempt := 0; attempt <= d.maxRetries; attempt++ {
		if err = d.caller.Connect(addr, endpoint); err == nil {
			return nil
		}
		if attempt == d.maxRetries {
			break
		}
		delay := d.baseDelay * time.Duration(uint(1)<<uint(attempt))
		d.log.Debugw("discovery: retrying backend connect", "addr", addr, "attempt", attempt+1, "delay", delay)
		time.Sleep(delay)
	}
	return fmt.Errorf("discovery: connect %s after %d attempts: %w", addr, d.maxRetries+1, err)
}

func removeAddr(instances []registry.ServiceInstance, addr string) []registry.ServiceInstance {
	out := instances[:0]
	for _, inst := range instances {
		if inst.Addr != addr {
			out = append(out, inst)
		}
	}
	return out
}
