package clusterd

import (
	"context"
	"log/slog"
	"time"

	"github.com/kilnhq/swarm"
)

// Freeze transitions the node into frozen state. Called either explicitly
// or by freezeMonitor when lease health degrades.
//
// Sequence:
//  1. Set frozen flag — Activate/Locate return ErrNodeFrozen from here on.
//  2. Cancel all scheduled sends, then the freeze context, so handlers
//     watching it unwind.
//  3. Wait the grace period for locally-owned services to exit.
//  4. Force-remove any still running past the grace period and release
//     their ownership rows.
//  5. Node stays frozen until Unfreeze or a drain.
func (n *Node) Freeze() {
	if n.frozen.Load() {
		return
	}

	slog.Warn("node entering frozen state", "host", n.LocalHostID())

	n.frozen.Store(true)
	n.metrics.FreezeCount.Add(1)

	if n.scheduler != nil {
		n.scheduler.cancelAll()
	}

	n.freezeMu.Lock()
	n.freezeCancel()
	n.freezeMu.Unlock()

	grace := n.config.FreezeGracePeriod
	deadline := time.After(grace)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-deadline:
			n.forceStopOwned()
			slog.Info("node frozen", "host", n.LocalHostID())
			return
		case <-ticker.C:
			if n.ownedCount() == 0 {
				slog.Info("all owned services exited during grace period")
				return
			}
		}
	}
}

// Unfreeze attempts to restore the node to active state. In cluster mode
// this only succeeds if the lease renews and still carries enough margin
// to trust; a standalone node (no cluster) always succeeds.
func (n *Node) Unfreeze() error {
	if !n.frozen.Load() {
		return nil
	}

	if n.cluster != nil {
		remaining := n.cluster.RemainingLease()
		if remaining < n.config.SafetyMargin {
			return ErrNodeFrozen
		}
		if err := n.cluster.renewLease(context.Background()); err != nil {
			slog.Error("unfreeze: lease renewal failed", "error", err)
			return ErrNodeFrozen
		}
		remaining = n.cluster.RemainingLease()
		if remaining < n.config.SafetyMargin {
			slog.Warn("unfreeze: insufficient lease after renewal",
				"remaining", remaining, "safety_margin", n.config.SafetyMargin)
			return ErrNodeFrozen
		}
	}

	slog.Info("node unfreezing", "host", n.LocalHostID())

	n.freezeMu.Lock()
	n.freezeCtx, n.freezeCancel = context.WithCancel(context.Background())
	n.freezeMu.Unlock()

	n.frozen.Store(false)

	slog.Info("node unfrozen", "host", n.LocalHostID())
	return nil
}

// freezeMonitor runs in the background (cluster mode only) watching lease
// health. Renewal failures or a shrinking lease trigger an automatic
// freeze; a lease that actually expires while frozen triggers a drain.
func (n *Node) freezeMonitor() {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-n.stopCh:
			return
		case <-ticker.C:
			if n.frozen.Load() {
				if n.cluster.RemainingLease() == 0 {
					n.startDrain()
					return
				}
				continue
			}

			failures := n.cluster.ConsecutiveRenewalFailures()
			remaining := n.cluster.RemainingLease()

			if int(failures) >= n.config.MaxRenewalFailures {
				slog.Warn("freeze monitor: renewal failures exceeded threshold",
					"failures", failures, "max", n.config.MaxRenewalFailures)
				n.Freeze()
				continue
			}

			if remaining > 0 && remaining < n.config.SafetyMargin {
				slog.Warn("freeze monitor: remaining lease below safety margin",
					"remaining", remaining, "margin", n.config.SafetyMargin)
				n.Freeze()
			}
		}
	}
}

// startDrain is the terminal path: the lease expired while frozen. It
// releases every ownership row this node still holds on a best-effort
// basis, closes the transport listener, then stops the node for good — a
// drained node must restart under a new epoch to rejoin the cluster.
func (n *Node) startDrain() {
	slog.Warn("node entering drain state (lease expired)", "host", n.LocalHostID())

	if n.cluster != nil && n.cluster.DB() != nil {
		hostID := n.cluster.LocalHostID()
		epoch := n.cluster.LocalEpoch()
		_, err := n.cluster.DB().ExecContext(context.Background(), `
			DELETE FROM service_ownership
			WHERE host_id = $1 AND epoch = $2
		`, hostID, epoch)
		if err != nil {
			slog.Error("drain: failed to release ownership rows", "error", err)
		} else {
			slog.Info("drain: released ownership rows", "host_id", hostID, "epoch", epoch)
		}
	}

	if n.transport != nil {
		n.transport.Stop()
	}

	n.Stop(1)

	slog.Warn("node drained — must restart with a new epoch", "host", n.LocalHostID())
}

// ownedCount returns how many locally-activated services this node still
// believes it owns.
func (n *Node) ownedCount() int {
	count := 0
	n.owned.Range(func(_, _ any) bool {
		count++
		return true
	})
	return count
}

// forceStopOwned removes every service this node still owns past the
// freeze grace period: it forgets the name, asks the swarm.Server to
// remove the service via RemoveService, and releases its ownership row.
func (n *Node) forceStopOwned() {
	var names []string
	n.owned.Range(func(k, v any) bool {
		names = append(names, k.(string))
		return true
	})
	if len(names) == 0 {
		return
	}
	slog.Warn("force-releasing remaining owned services after grace period",
		"count", len(names), "grace", n.config.FreezeGracePeriod)
	for _, name := range names {
		if idAny, ok := n.owned.LoadAndDelete(name); ok {
			id := idAny.(swarm.ServiceID)
			slog.Warn("force-stopped service", "name", name, "id", id)
			_ = n.server.RemoveService(id, 0, 0)
		}
		n.releaseOwnership(name)
	}
}
