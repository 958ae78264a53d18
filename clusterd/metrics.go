package clusterd

import (
	"expvar"
	"strconv"
	"sync/atomic"
)

// metricsSeq generates unique IDs for expvar namespacing across nodes in
// the same process (tests routinely run several).
var metricsSeq atomic.Int64

// Metrics tracks cluster-level operational counters not already covered by
// a swarm.Server's own Metrics (message/service/timer/prefab/socket
// counts) — ownership claims, schedules, freezes, placement cache hit
// rate. All counters are lock-free and published to expvar under the
// "clusterd." prefix.
type Metrics struct {
	ActivationsTotal  atomic.Int64
	ActivationsFailed atomic.Int64
	ActivationsWon    atomic.Int64
	ActivationsLost   atomic.Int64

	SchedulesFired     atomic.Int64
	SchedulesCancelled atomic.Int64
	SchedulesRecovered atomic.Int64

	FreezeCount atomic.Int64

	PlacementCacheHits   atomic.Int64
	PlacementCacheMisses atomic.Int64

	RemoteSends     atomic.Int64
	RemoteSendsDead atomic.Int64
}

// newClusterMetrics creates a Metrics instance and publishes its counters
// to expvar, mirroring the teacher's metrics.go atomicVar/publish idiom.
func newClusterMetrics() *Metrics {
	m := &Metrics{}

	seq := metricsSeq.Add(1)
	prefix := "clusterd." + strconv.FormatInt(seq, 10) + "."

	publish := func(name string, v *atomic.Int64) {
		expvar.Publish(prefix+name, atomicVar(v))
	}

	publish("activations_total", &m.ActivationsTotal)
	publish("activations_failed", &m.ActivationsFailed)
	publish("activations_won", &m.ActivationsWon)
	publish("activations_lost", &m.ActivationsLost)
	publish("schedules_fired", &m.SchedulesFired)
	publish("schedules_cancelled", &m.SchedulesCancelled)
	publish("schedules_recovered", &m.SchedulesRecovered)
	publish("freeze_count", &m.FreezeCount)
	publish("placement_cache_hits", &m.PlacementCacheHits)
	publish("placement_cache_misses", &m.PlacementCacheMisses)
	publish("remote_sends", &m.RemoteSends)
	publish("remote_sends_dead", &m.RemoteSendsDead)

	return m
}

func atomicVar(v *atomic.Int64) expvar.Var {
	return expvar.Func(func() any { return v.Load() })
}

// Snapshot returns all metric values as a map, suitable for JSON
// serialization by the admin HTTP surface.
func (m *Metrics) Snapshot() map[string]int64 {
	return map[string]int64{
		"activations_total":      m.ActivationsTotal.Load(),
		"activations_failed":     m.ActivationsFailed.Load(),
		"activations_won":        m.ActivationsWon.Load(),
		"activations_lost":       m.ActivationsLost.Load(),
		"schedules_fired":        m.SchedulesFired.Load(),
		"schedules_cancelled":    m.SchedulesCancelled.Load(),
		"schedules_recovered":    m.SchedulesRecovered.Load(),
		"freeze_count":           m.FreezeCount.Load(),
		"placement_cache_hits":   m.PlacementCacheHits.Load(),
		"placement_cache_misses": m.PlacementCacheMisses.Load(),
		"remote_sends":           m.RemoteSends.Load(),
		"remote_sends_dead":      m.RemoteSendsDead.Load(),
	}
}
