package swarm

import (
	"log/slog"
	"sync/atomic"
	"time"
)

// inboundBatch bounds how many messages a worker drains per wake before
// yielding back to pump timers and sockets, amortising wake cost without
// starving either subsystem (spec.md §4.5).
const inboundBatch = 1024

// envelope is the unit a worker's inbound channel carries: either a
// routed Message or a request to create/remove a service. Folding
// lifecycle requests into the same channel the messages travel on is
// what gives "create after m1, before m2" the same FIFO guarantee as any
// other send — exactly the ordering spec.md §8's invariant demands.
type envelope struct {
	msg      *Message
	create   *createRequest
	removeID ServiceID
	remove   bool
}

type createRequest struct {
	name    string
	unique  bool
	shared  bool
	config  string
	handler Handler
	creator ServiceID
	session int32
	reply   chan createResult
}

type createResult struct {
	id  ServiceID
	err error
}

// Worker owns an event loop, an inbound queue, a set of services, a
// timer wheel, a prefab cache, and (optionally) a socket multiplexer.
// Everything under a Worker is touched only by that worker's own
// goroutine — the single-threaded-per-worker invariant that lets
// services skip internal synchronisation entirely.
type Worker struct {
	id     uint8
	server *Server
	logger *slog.Logger

	inbox chan envelope
	done  chan struct{}

	services   map[uint32]*Service
	nextLocal  uint32
	pinned     bool // shared=false services were created here
	createTime []ServiceID

	wheel  *timerWheel
	prefab *prefabCache

	sock *socketMux

	stopping atomic.Bool
	stopped  chan struct{}
}

func newWorker(id uint8, srv *Server, inboxSize int, logger *slog.Logger) *Worker {
	w := &Worker{
		id:       id,
		server:   srv,
		logger:   logger.With("worker", id),
		inbox:    make(chan envelope, inboxSize),
		done:     make(chan struct{}),
		services: make(map[uint32]*Service),
		stopped:  make(chan struct{}),
	}
	w.wheel = newTimerWheel()
	w.prefab = newPrefabCache()
	w.sock = newSocketMux(w)
	return w
}

// ID returns the worker's id, the value packed into the high bits of
// every ServiceID it owns.
func (w *Worker) ID() uint8 { return w.id }

// Len returns the number of live (non-destroyed) services on this
// worker — the denominator the server's placement policy compares
// across workers.
func (w *Worker) Len() int { return len(w.services) }

// Pinned reports whether this worker hosts a shared=false service and
// should therefore be skipped by unhinted placement.
func (w *Worker) Pinned() bool { return w.pinned }

// enqueue pushes an envelope onto this worker's inbound queue. Safe to
// call from any goroutine — the channel is the only cross-worker
// synchronisation point the runtime needs.
func (w *Worker) enqueue(e envelope) {
	select {
	case w.inbox <- e:
	case <-w.done:
	}
}

// run is the worker's event loop, launched once per worker by the
// server at Start.
func (w *Worker) run() {
	defer close(w.stopped)

	for {
		select {
		case <-w.done:
			w.drainRemaining()
			w.teardown()
			return
		case e := <-w.inbox:
			w.handleOne(e)
			w.drainBatch()
		case <-w.wheel.timerChan():
			w.pumpTimers()
		case c := <-w.sock.completions():
			w.dispatch(c.msg)
		}
	}
}

// drainBatch dequeues up to inboundBatch-1 additional envelopes
// non-blockingly, so one wake can clear a backlog before the loop goes
// back to pumping timers and sockets.
func (w *Worker) drainBatch() {
	for i := 0; i < inboundBatch-1; i++ {
		select {
		case e := <-w.inbox:
			w.handleOne(e)
		default:
			return
		}
	}
}

func (w *Worker) drainRemaining() {
	for {
		select {
		case e := <-w.inbox:
			w.handleOne(e)
		default:
			return
		}
	}
}

func (w *Worker) handleOne(e envelope) {
	switch {
	case e.create != nil:
		w.createService(e.create)
	case e.remove:
		w.removeService(e.removeID)
	case e.msg != nil:
		w.dispatch(e.msg)
	}
}

// createService runs the four-step creation sequence from spec.md §4.5:
// allocate id, insert creating record, call Init, promote or drop.
func (w *Worker) createService(req *createRequest) {
	if w.nextLocal == 0 {
		// Local 0 is never handed out, so no service id equals NoService.
		w.nextLocal = 1
	}
	id, err := NewServiceID(w.id, w.nextLocal)
	if err != nil {
		req.reply <- createResult{err: err}
		return
	}

	svc := newService(id, req.name, req.unique, req.shared, req.handler, w.logger.With("service", id))
	w.services[id.Local()] = svc

	if !svc.handler.Init(req.config) {
		delete(w.services, id.Local())
		req.reply <- createResult{err: ErrServiceInitFailed}
		return
	}

	w.nextLocal++
	w.createTime = append(w.createTime, id)
	svc.setStatus(ServiceReady)
	if !req.shared {
		w.pinned = true
	}

	if req.unique {
		if !w.server.setUniqueLocked(req.name, id) {
			svc.setStatus(ServiceExiting)
			svc.handler.Exit()
			svc.handler.Destroy()
			delete(w.services, id.Local())
			req.reply <- createResult{err: ErrUniqueNameTaken}
			return
		}
	}

	req.reply <- createResult{id: id}
}

// removeService marks a service exiting and enqueues a synthetic exit
// message, so any messages already ahead of it in the queue are drained
// before teardown — spec.md §4.5's removal sequence.
func (w *Worker) removeService(id ServiceID) {
	svc, ok := w.services[id.Local()]
	if !ok {
		return
	}
	if svc.Status() != ServiceReady {
		return
	}
	svc.setStatus(ServiceExiting)
	w.enqueue(envelope{msg: &Message{Receiver: id, Type: TypeSystem, Header: "exit"}})
}

func (w *Worker) dispatch(msg *Message) {
	svc, ok := w.services[msg.Receiver.Local()]
	if !ok {
		w.logger.Warn("service not found", "receiver", msg.Receiver)
		if msg.Session > 0 {
			w.server.replyError(msg, ErrServiceNotFound)
		}
		return
	}

	if msg.Type == TypeSystem && msg.Header == "exit" {
		w.destroyService(svc)
		return
	}

	start := time.Now()
	err, panicked := svc.dispatch(msg)
	atomic.AddInt64(&svc.cpuCostNs, int64(time.Since(start)))
	atomic.StoreInt64(&svc.lastMessage, time.Now().UnixNano())

	if err != nil {
		w.logger.Error("dispatch error", "service", svc.id, "error", err, "panicked", panicked)
		if msg.Session > 0 {
			w.server.replyError(msg, err)
		}
		// A panicking handler is never trusted to run again: mark it
		// exiting regardless of the error value, not only when the
		// handler deliberately returned ErrStopService.
		if panicked || err == ErrStopService {
			w.removeService(svc.id)
		}
	}
}

func (w *Worker) destroyService(svc *Service) {
	svc.handler.Exit()
	svc.handler.Destroy()
	svc.setStatus(ServiceDestroyed)
	delete(w.services, svc.id.Local())
	w.server.clearUniqueIfOwned(svc)
	w.server.metrics.ServicesExited.Add(1)
}

func (w *Worker) pumpTimers() {
	for _, fired := range w.wheel.advance() {
		w.server.metrics.TimersFired.Add(1)
		svc, ok := w.services[fired.service.Local()]
		if !ok {
			continue
		}
		svc.handler.OnTimer(fired.id)
	}
}

// stop requests a graceful shutdown: stop accepting new work, drain,
// destroy services in reverse creation order, stop the multiplexer.
func (w *Worker) stop() {
	w.stopping.Store(true)
	close(w.done)
	<-w.stopped
}

func (w *Worker) teardown() {
	for i := len(w.createTime) - 1; i >= 0; i-- {
		id := w.createTime[i]
		if svc, ok := w.services[id.Local()]; ok {
			w.destroyService(svc)
		}
	}
	w.sock.closeAll()
	w.wheel.stop()
}
