// Package clusterd is the cluster-membership collaborator spec.md scopes
// out of the core: it wraps a swarm.Server with Postgres-backed host
// membership, named-service ownership claims, scheduled sends, a
// consistent-hash placement ring, a point-to-point transport between
// cluster peers, and an admin HTTP surface. A single process's swarm.Server
// stays oblivious to all of it — clusterd only ever talks to swarm through
// the exported Server API (NewService, Send, SetEnv, ...).
package clusterd

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kilnhq/swarm"
)

// ErrUnregisteredServiceType is returned when activation is attempted for a
// handler type this process never registered.
var ErrUnregisteredServiceType = fmt.Errorf("clusterd: unregistered service type")

// ErrNodeFrozen is returned by activation and routing calls once a node has
// begun draining ahead of a planned shutdown or failover.
var ErrNodeFrozen = fmt.Errorf("clusterd: node is frozen")

// ActivationReason records why a named service was just brought up on this
// node: a cold start, a reactivation, or a failover takeover. Activation
// uses it only for its metrics; the handler's Init receives the caller's
// config string unchanged and is not told the reason.
type ActivationReason int

const (
	ActivationNew ActivationReason = iota
	ActivationReactivation
	ActivationFailover
)

func (r ActivationReason) String() string {
	switch r {
	case ActivationNew:
		return "new"
	case ActivationReactivation:
		return "reactivation"
	case ActivationFailover:
		return "failover"
	default:
		return "unknown"
	}
}

// NodeConfig configures a Node.
type NodeConfig struct {
	PlacementCacheTTL time.Duration // default 10s

	FreezeGracePeriod  time.Duration // default 5s
	SafetyMargin       time.Duration // default 3s, compared against RemainingLease
	MaxRenewalFailures int           // default 3

	// postClaimHook is a chaos-test injection point run between winning an
	// ownership claim and starting the service locally.
	postClaimHook func(name string)
}

func (c *NodeConfig) applyDefaults() {
	if c.PlacementCacheTTL == 0 {
		c.PlacementCacheTTL = 10 * time.Second
	}
	if c.FreezeGracePeriod == 0 {
		c.FreezeGracePeriod = 5 * time.Second
	}
	if c.SafetyMargin == 0 {
		c.SafetyMargin = 3 * time.Second
	}
	if c.MaxRenewalFailures == 0 {
		c.MaxRenewalFailures = 3
	}
}

// Node binds a local swarm.Server to this process's place in the cluster.
type Node struct {
	server  *swarm.Server
	config  NodeConfig
	cluster *Cluster
	metrics *Metrics

	placementCache *PlacementCache
	transport      *Transport
	scheduler      *Scheduler
	adminServer    *AdminServer

	activating sync.Map // map[string]*activationGate
	owned      sync.Map // map[string]swarm.ServiceID, names claimed+activated locally

	frozen       atomic.Bool
	freezeMu     sync.Mutex
	freezeCtx    context.Context
	freezeCancel context.CancelFunc

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewNode wraps server with cluster-membership plumbing. cluster may be nil
// for a standalone (non-clustered) node.
func NewNode(server *swarm.Server, cluster *Cluster, config NodeConfig) *Node {
	config.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		server:         server,
		config:         config,
		cluster:        cluster,
		metrics:        newClusterMetrics(),
		placementCache: newPlacementCache(config.PlacementCacheTTL),
		freezeCtx:      ctx,
		freezeCancel:   cancel,
		stopCh:         make(chan struct{}),
	}
	n.scheduler = newScheduler(n)
	if cluster != nil {
		go n.freezeMonitor()
	}
	return n
}

// Server returns the wrapped swarm.Server.
func (n *Node) Server() *swarm.Server { return n.server }

// Cluster returns the membership handle, or nil in standalone mode.
func (n *Node) Cluster() *Cluster { return n.cluster }

// LocalHostID returns this node's cluster host id, or "" in standalone mode.
func (n *Node) LocalHostID() string {
	if n.cluster == nil {
		return ""
	}
	return n.cluster.LocalHostID()
}

// Metrics returns this node's cluster-level counters.
func (n *Node) Metrics() *Metrics { return n.metrics }

// IsFrozen reports whether the node has begun draining ahead of a planned
// shutdown or failover.
func (n *Node) IsFrozen() bool { return n.frozen.Load() }

// StartAdmin brings up the admin HTTP surface on addr (e.g. "127.0.0.1:0"
// to pick an ephemeral port) and returns its bound address.
func (n *Node) StartAdmin(addr string) (string, error) {
	as, err := NewAdminServer(n, addr)
	if err != nil {
		return "", err
	}
	n.adminServer = as
	as.Start()
	return as.Addr(), nil
}

// Stop releases every service_ownership row this node holds, stops the
// wrapped swarm.Server, and tears down cluster membership. Safe to call
// more than once.
func (n *Node) Stop(exitCode int) {
	n.stopOnce.Do(func() {
		close(n.stopCh)
		n.freezeCancel()
		if n.scheduler != nil {
			n.scheduler.Stop()
		}
		if n.transport != nil {
			n.transport.Stop()
		}
		if n.adminServer != nil {
			n.adminServer.Close()
		}
		n.owned.Range(func(k, _ any) bool {
			n.releaseOwnership(k.(string))
			return true
		})
		n.server.Stop(exitCode)
		if n.cluster != nil {
			n.cluster.Stop()
		}
	})
}
