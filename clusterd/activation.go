package clusterd

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/kilnhq/swarm"
)

// ErrClaimLost is returned when another host holds valid ownership of a
// named service at the moment this node tried to claim it.
var ErrClaimLost = fmt.Errorf("clusterd: ownership claim lost to another host")

// ClaimResult describes the outcome of a claimOwnership call.
type ClaimResult struct {
	OwnerHostID string
	OwnerEpoch  int64
	Won         bool
	Reason      ActivationReason
}

// activationGate deduplicates concurrent activation attempts for the same
// named service. Stored in Node.activating (sync.Map keyed by name).
type activationGate struct {
	done chan struct{}
	id   swarm.ServiceID
	err  error
}

// Activate brings up the named service on this node, claiming ownership
// from the cluster database first unless claim is false (the caller
// already verified this node owns the service — e.g. a retry after a
// transient dispatch error). Concurrent Activate calls for the same name
// are deduplicated through an activation gate so only one ever reaches
// the database and swarm.Server.NewService.
func (n *Node) Activate(name, config string, claim bool) (swarm.ServiceID, error) {
	if n.frozen.Load() {
		return 0, ErrNodeFrozen
	}

	gate := &activationGate{done: make(chan struct{})}
	if existing, loaded := n.activating.LoadOrStore(name, gate); loaded {
		existingGate := existing.(*activationGate)
		<-existingGate.done
		return existingGate.id, existingGate.err
	}

	defer func() {
		close(gate.done)
		n.activating.Delete(name)
	}()

	if existing := n.server.GetUniqueService(name); existing != 0 {
		gate.id = existing
		return existing, nil
	}

	if !n.server.HasHandler(name) {
		gate.err = ErrUnregisteredServiceType
		return 0, gate.err
	}

	reason := ActivationReactivation

	if claim {
		result, err := n.claimOwnership(name)
		if err != nil {
			gate.err = err
			return 0, err
		}
		if result == nil {
			reason = ActivationNew
		} else if !result.Won {
			gate.err = ErrClaimLost
			return 0, gate.err
		} else {
			reason = result.Reason
		}
	}

	if n.config.postClaimHook != nil {
		n.config.postClaimHook(name)
	}

	id, err := n.server.NewService(name, config, true, false, 0, 0, 0)
	if err != nil {
		n.metrics.ActivationsFailed.Add(1)
		gate.err = fmt.Errorf("clusterd: activate %s: %w", name, err)
		return 0, gate.err
	}

	n.metrics.ActivationsTotal.Add(1)
	switch reason {
	case ActivationFailover:
		n.metrics.ActivationsWon.Add(1)
	}
	n.owned.Store(name, id)
	gate.id = id
	return id, nil
}

// claimOwnership attempts to atomically claim ownership of name. It uses
// INSERT ... ON CONFLICT DO UPDATE with a WHERE guard that only allows
// the update when no live host currently holds a valid lease on the
// claim, so two nodes racing to activate the same name cannot both win.
func (n *Node) claimOwnership(name string) (*ClaimResult, error) {
	if n.cluster == nil {
		return nil, nil
	}
	if n.cluster.DB() == nil {
		return &ClaimResult{
			OwnerHostID: n.cluster.LocalHostID(),
			OwnerEpoch:  n.cluster.LocalEpoch(),
			Won:         true,
			Reason:      ActivationNew,
		}, nil
	}

	hostID := n.cluster.LocalHostID()
	epoch := n.cluster.LocalEpoch()

	var ownerHostID string
	var ownerEpoch int64
	var prevHostID sql.NullString
	var prevEpoch sql.NullInt64

	err := n.cluster.DB().QueryRowContext(context.Background(), `
		WITH old AS (
			SELECT host_id, epoch FROM service_ownership
			WHERE service_name = $1
		)
		INSERT INTO service_ownership (service_name, host_id, epoch)
		VALUES ($1, $2, $3)
		ON CONFLICT (service_name) DO UPDATE
			SET host_id    = EXCLUDED.host_id,
			    epoch      = EXCLUDED.epoch,
			    claimed_at = now()
			WHERE NOT EXISTS (
				SELECT 1 FROM hosts h
				WHERE h.host_id = service_ownership.host_id
				  AND h.epoch   = service_ownership.epoch
				  AND h.lease_expiry > now()
			)
		RETURNING host_id, epoch,
			(SELECT host_id FROM old) AS prev_host_id,
			(SELECT epoch FROM old) AS prev_epoch
	`, name, hostID, epoch).Scan(&ownerHostID, &ownerEpoch, &prevHostID, &prevEpoch)

	if err == sql.ErrNoRows {
		owner, resolveErr := n.resolveOwner(name)
		if resolveErr != nil {
			return nil, resolveErr
		}
		if owner != nil {
			n.metrics.ActivationsLost.Add(1)
			return &ClaimResult{
				OwnerHostID: owner.HostID,
				OwnerEpoch:  owner.Epoch,
				Won:         false,
			}, nil
		}
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	won := ownerHostID == hostID && ownerEpoch == epoch

	var reason ActivationReason
	switch {
	case !prevHostID.Valid:
		reason = ActivationNew
	case prevHostID.String == hostID:
		reason = ActivationReactivation
	default:
		reason = ActivationFailover
	}

	return &ClaimResult{
		OwnerHostID: ownerHostID,
		OwnerEpoch:  ownerEpoch,
		Won:         won,
		Reason:      reason,
	}, nil
}

// releaseOwnership deletes the service_ownership row for name, guarded by
// host_id and epoch so it cannot delete a claim another node has since won.
func (n *Node) releaseOwnership(name string) {
	if n.cluster == nil || n.cluster.DB() == nil {
		return
	}

	hostID := n.cluster.LocalHostID()
	epoch := n.cluster.LocalEpoch()

	_, err := n.cluster.DB().ExecContext(context.Background(), `
		DELETE FROM service_ownership
		WHERE service_name = $1 AND host_id = $2 AND epoch = $3
	`, name, hostID, epoch)
	if err != nil {
		slog.Error("release ownership failed", "service", name, "error", err)
	}
}

// resolveOwner reads the current owner of name directly from the
// database, bypassing the placement cache. Used when claimOwnership's
// WHERE guard rejects our claim and we need to find out who actually
// holds it.
func (n *Node) resolveOwner(name string) (*PlacementEntry, error) {
	if n.cluster == nil || n.cluster.DB() == nil {
		return nil, nil
	}

	var hostID, address string
	var ownerEpoch, hostEpoch int64

	err := n.cluster.DB().QueryRowContext(context.Background(), `
		SELECT so.host_id, so.epoch, h.address, h.epoch AS host_epoch
		FROM service_ownership so
		JOIN hosts h ON so.host_id = h.host_id
		WHERE so.service_name = $1
		  AND h.lease_expiry > now()
		  AND h.epoch = so.epoch
	`, name).Scan(&hostID, &ownerEpoch, &address, &hostEpoch)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &PlacementEntry{HostID: hostID, Address: address, Epoch: ownerEpoch}, nil
}

// isEntryLive validates a cached placement entry against the cluster's
// live host list. With no cluster (standalone mode) the cache is trusted
// unconditionally.
func (n *Node) isEntryLive(entry PlacementEntry) bool {
	if n.cluster == nil {
		return true
	}
	h, ok := n.cluster.HostLookup(entry.HostID)
	if !ok {
		return false
	}
	return h.Epoch == entry.Epoch
}

// Locate resolves which host owns name, consulting the placement cache
// before falling back to the database. A cache hit that turns out to be
// stale (host gone or epoch advanced) is evicted and re-resolved.
func (n *Node) Locate(name string) (PlacementEntry, error) {
	if n.frozen.Load() {
		return PlacementEntry{}, ErrNodeFrozen
	}
	if entry, ok := n.placementCache.Get(name); ok {
		if n.isEntryLive(entry) {
			n.metrics.PlacementCacheHits.Add(1)
			return entry, nil
		}
		n.placementCache.Evict(name)
	}
	n.metrics.PlacementCacheMisses.Add(1)

	owner, err := n.resolveOwner(name)
	if err != nil {
		return PlacementEntry{}, err
	}
	if owner == nil {
		return PlacementEntry{}, ErrNoOwner
	}
	n.placementCache.Put(name, *owner)
	return *owner, nil
}

// ErrNoOwner is returned when no live owner can be found for a named
// service.
var ErrNoOwner = fmt.Errorf("clusterd: no owner found for service")
