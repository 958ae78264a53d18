package swarm

import (
	"expvar"
	"strconv"
	"sync/atomic"
)

// metricsSeq guarantees unique expvar names even when a test spins up
// several Servers in the same process.
var metricsSeq atomic.Int64

// Metrics tracks operational counters for a Server. All counters are
// lock-free and published to expvar under a per-instance "swarm.N."
// prefix for inspection via /debug/vars.
type Metrics struct {
	MessagesSent         atomic.Int64
	MessagesReceived     atomic.Int64
	MessagesDeadLettered atomic.Int64
	MessagesBroadcast    atomic.Int64

	ServicesCreated atomic.Int64
	ServicesFailed  atomic.Int64
	ServicesExited  atomic.Int64

	TimersScheduled atomic.Int64
	TimersFired     atomic.Int64

	PrefabsInterned atomic.Int64
	PrefabsSent     atomic.Int64

	SocketErrors      atomic.Int64
	SocketBackpressure atomic.Int64

	serviceCountFn func() int
}

func newMetrics() *Metrics {
	m := &Metrics{}

	seq := metricsSeq.Add(1)
	prefix := "swarm." + strconv.FormatInt(seq, 10) + "."

	publish := func(name string, v expvar.Var) {
		expvar.Publish(prefix+name, v)
	}

	publish("messages_sent", atomicVar(&m.MessagesSent))
	publish("messages_received", atomicVar(&m.MessagesReceived))
	publish("messages_dead_lettered", atomicVar(&m.MessagesDeadLettered))
	publish("messages_broadcast", atomicVar(&m.MessagesBroadcast))
	publish("services_created", atomicVar(&m.ServicesCreated))
	publish("services_failed", atomicVar(&m.ServicesFailed))
	publish("services_exited", atomicVar(&m.ServicesExited))
	publish("timers_scheduled", atomicVar(&m.TimersScheduled))
	publish("timers_fired", atomicVar(&m.TimersFired))
	publish("prefabs_interned", atomicVar(&m.PrefabsInterned))
	publish("prefabs_sent", atomicVar(&m.PrefabsSent))
	publish("socket_errors", atomicVar(&m.SocketErrors))
	publish("socket_backpressure", atomicVar(&m.SocketBackpressure))
	publish("services_active", expvar.Func(func() any {
		if m.serviceCountFn != nil {
			return m.serviceCountFn()
		}
		return 0
	}))

	return m
}

func atomicVar(v *atomic.Int64) expvar.Var {
	return expvar.Func(func() any {
		return v.Load()
	})
}

// Snapshot returns all metric values as a map; Server.Info builds on it.
func (m *Metrics) Snapshot() map[string]int64 {
	snap := map[string]int64{
		"messages_sent":          m.MessagesSent.Load(),
		"messages_received":      m.MessagesReceived.Load(),
		"messages_dead_lettered": m.MessagesDeadLettered.Load(),
		"messages_broadcast":     m.MessagesBroadcast.Load(),
		"services_created":       m.ServicesCreated.Load(),
		"services_failed":        m.ServicesFailed.Load(),
		"services_exited":        m.ServicesExited.Load(),
		"timers_scheduled":       m.TimersScheduled.Load(),
		"timers_fired":           m.TimersFired.Load(),
		"prefabs_interned":       m.PrefabsInterned.Load(),
		"prefabs_sent":           m.PrefabsSent.Load(),
		"socket_errors":          m.SocketErrors.Load(),
		"socket_backpressure":    m.SocketBackpressure.Load(),
	}
	if m.serviceCountFn != nil {
		snap["services_active"] = int64(m.serviceCountFn())
	}
	return snap
}
