package swarm

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Descriptor is a registered handler factory, looked up by name when a
// NewService call names a handler type — the same indirection the
// teacher's RegisterActor/Descriptor pair gives a Host.
type Descriptor struct {
	Name    string
	Factory func() Handler
}

// Server is the registry of services and workers: placement, name
// resolution, cross-worker send, broadcast, and the env store (spec.md
// §4.6). Server exclusively owns all Workers; it never reaches inside
// one except to enqueue an envelope on its inbound channel.
type Server struct {
	cfg     serverConfig
	logger  *slog.Logger
	metrics *Metrics

	workers []*Worker
	cursor  atomic.Uint32

	descMu sync.RWMutex
	descs  map[string]*Descriptor

	uniqueMu sync.RWMutex
	unique   map[string]ServiceID

	envMu sync.RWMutex
	env   map[string]string

	nextSession atomic.Int32

	stopping atomic.Bool
	stopCode atomic.Int32
	started  atomic.Bool
}

// NewServer constructs a Server with its configured worker pool, but
// does not start any worker loop — call Start for that.
func NewServer(opts ...Option) *Server {
	cfg := defaultServerConfig()
	for _, o := range opts {
		o(&cfg)
	}

	logger := cfg.logger
	if logger == nil {
		logger = NewLogger(cfg.logLevel)
	}

	s := &Server{
		cfg:     cfg,
		logger:  logger,
		metrics: newMetrics(),
		descs:   make(map[string]*Descriptor),
		unique:  make(map[string]ServiceID),
		env:     make(map[string]string),
	}
	s.metrics.serviceCountFn = s.serviceCount

	for k, v := range cfg.seedEnv {
		s.env[k] = v
	}

	for i := uint8(0); i < cfg.workerCount; i++ {
		s.workers = append(s.workers, newWorker(i, s, cfg.inboxSize, logger))
	}

	return s
}

// RegisterHandler associates a handler type name with a factory, so
// later NewService calls can name it instead of carrying a live Handler.
func (s *Server) RegisterHandler(name string, factory func() Handler) {
	s.descMu.Lock()
	defer s.descMu.Unlock()
	s.descs[name] = &Descriptor{Name: name, Factory: factory}
}

func (s *Server) descriptor(name string) *Descriptor {
	s.descMu.RLock()
	defer s.descMu.RUnlock()
	return s.descs[name]
}

// HasHandler reports whether name was registered via RegisterHandler — the
// check a cluster-aware caller makes before claiming ownership of a name
// this process has no way to actually host.
func (s *Server) HasHandler(name string) bool {
	return s.descriptor(name) != nil
}

// RegisteredHandlers returns the names of every handler type registered
// via RegisterHandler.
func (s *Server) RegisteredHandlers() []string {
	s.descMu.RLock()
	defer s.descMu.RUnlock()
	names := make([]string, 0, len(s.descs))
	for name := range s.descs {
		names = append(names, name)
	}
	return names
}

// Start launches every worker's event loop. Call once.
func (s *Server) Start() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	s.logger.Info("server starting", "workers", len(s.workers))
	for _, w := range s.workers {
		go w.run()
	}
}

// Stop requests an orderly shutdown: each worker drains its queue,
// destroys its services in reverse creation order, and tears down its
// socket multiplexer. Stop blocks until every worker has reported done.
func (s *Server) Stop(code int) {
	if !s.stopping.CompareAndSwap(false, true) {
		return
	}
	s.stopCode.Store(int32(code))
	s.logger.Info("server stopping", "code", code)

	var wg sync.WaitGroup
	for _, w := range s.workers {
		wg.Add(1)
		go func(w *Worker) {
			defer wg.Done()
			w.stop()
		}(w)
	}
	wg.Wait()
	s.logger.Info("server stopped")
}

// WorkerCount returns how many workers the server multiplexes over.
func (s *Server) WorkerCount() int { return len(s.workers) }

func (s *Server) serviceCount() int {
	n := 0
	for _, w := range s.workers {
		n += w.Len()
	}
	return n
}

// NewService creates a service of the named handler type on a placed
// worker, following the placement policy of spec.md §4.6: an explicit
// hint wins; otherwise the least-loaded non-pinned worker is chosen,
// ties broken by a round-robin cursor.
func (s *Server) NewService(handlerType, config string, unique, shared bool, hintWorker uint8, creator ServiceID, session int32) (ServiceID, error) {
	if s.stopping.Load() {
		return 0, ErrServerStopped
	}

	desc := s.descriptor(handlerType)
	if desc == nil {
		return 0, fmt.Errorf("swarm: unregistered handler type %q", handlerType)
	}

	w := s.placeWorker(hintWorker, shared)

	reply := make(chan createResult, 1)
	w.enqueue(envelope{create: &createRequest{
		name:    handlerType,
		unique:  unique,
		shared:  shared,
		config:  config,
		handler: desc.Factory(),
		creator: creator,
		session: session,
		reply:   reply,
	}})

	res := <-reply
	if res.err != nil {
		s.metrics.ServicesFailed.Add(1)
		return 0, res.err
	}
	s.metrics.ServicesCreated.Add(1)
	return res.id, nil
}

// placeWorker implements the placement policy: a positive hint pins to
// that worker (1-based, so 0 unambiguously means "no hint" regardless of
// worker 0's own 0-based internal id); otherwise the smallest-service-
// count worker wins, with pinned (shared=false) workers skipped by
// unhinted placement and ties broken by the round-robin cursor.
func (s *Server) placeWorker(hintWorker uint8, shared bool) *Worker {
	if hintWorker > 0 && int(hintWorker) <= len(s.workers) {
		return s.workers[hintWorker-1]
	}

	best := -1
	bestLen := -1
	n := len(s.workers)
	start := int(s.cursor.Add(1)) % n

	for i := 0; i < n; i++ {
		idx := (start + i) % n
		w := s.workers[idx]
		if w.Pinned() {
			continue
		}
		l := w.Len()
		if best == -1 || l < bestLen {
			best, bestLen = idx, l
		}
	}
	if best == -1 {
		best = start
	}
	return s.workers[best]
}

// RemoveService requests that id stop. The removal itself completes
// asynchronously: exit()/destroy() run only once any messages already
// ahead of the synthetic exit message in id's worker queue are drained.
func (s *Server) RemoveService(id ServiceID, caller ServiceID, session int32) error {
	w, err := s.workerFor(id)
	if err != nil {
		return err
	}
	w.enqueue(envelope{remove: true, removeID: id})
	return nil
}

func (s *Server) workerFor(id ServiceID) (*Worker, error) {
	idx := int(id.WorkerID())
	if idx >= len(s.workers) {
		return nil, ErrWorkerOutOfRange
	}
	return s.workers[idx], nil
}

// Send routes a message to receiver, resolving its owning worker with a
// single bit-mask (no table lookup) and enqueueing on that worker's
// inbound channel — the same channel local sends use, so handlers are
// never reentered directly (spec.md §4.6).
func (s *Server) Send(sender, receiver ServiceID, payload *Buffer, header string, session int32, typ Type) error {
	if s.stopping.Load() {
		return ErrServerStopped
	}

	w, err := s.workerFor(receiver)
	if err != nil {
		s.logger.Warn("send to out-of-range worker", "receiver", receiver)
		return err
	}

	msg, err := NewMessage(sender, receiver, session, typ, header, payload)
	if err != nil {
		return err
	}
	w.enqueue(envelope{msg: msg})
	s.metrics.MessagesSent.Add(1)
	return nil
}

// replyError sends an error-typed message back on the original session,
// implementing the "anything tied to a session surfaces as an error
// reply" propagation policy of spec.md §7.
func (s *Server) replyError(orig *Message, cause error) {
	if orig.Session == 0 {
		s.logger.Error("untied dispatch error", "error", cause)
		return
	}
	buf := NewBuffer(len(cause.Error()))
	buf.WriteBack([]byte(cause.Error()))
	_ = s.Send(orig.Receiver, orig.Sender, buf, "error", -orig.Session, TypeError)
}

// Broadcast duplicates header+type and shares the payload Buffer by
// reference across every live service whose id is not sender,
// regardless of which worker it lives on (spec.md §4.6).
func (s *Server) Broadcast(sender ServiceID, payload *Buffer, header string, typ Type) {
	if s.stopping.Load() {
		return
	}
	for _, w := range s.workers {
		for _, svc := range w.services {
			if svc.id == sender || svc.Status() != ServiceReady {
				continue
			}
			msg, err := NewMessage(sender, svc.id, 0, typ, header, payload)
			if err != nil {
				continue
			}
			msg.Broadcast = true
			w.enqueue(envelope{msg: msg})
			s.metrics.MessagesBroadcast.Add(1)
		}
	}
}

// GetUniqueService resolves a registered name to its service id, or
// NoService if no such name is registered.
func (s *Server) GetUniqueService(name string) ServiceID {
	s.uniqueMu.RLock()
	defer s.uniqueMu.RUnlock()
	return s.unique[name]
}

// setUniqueLocked registers name -> id if the name is not already taken.
// Called only from a worker's own goroutine during service creation.
func (s *Server) setUniqueLocked(name string, id ServiceID) bool {
	s.uniqueMu.Lock()
	defer s.uniqueMu.Unlock()
	if _, taken := s.unique[name]; taken {
		return false
	}
	s.unique[name] = id
	return true
}

func (s *Server) clearUniqueIfOwned(svc *Service) {
	if !svc.unique {
		return
	}
	s.uniqueMu.Lock()
	defer s.uniqueMu.Unlock()
	if s.unique[svc.name] == svc.id {
		delete(s.unique, svc.name)
	}
}

// SetEnv sets a key in the process-wide environment store.
func (s *Server) SetEnv(key, value string) {
	s.envMu.Lock()
	defer s.envMu.Unlock()
	s.env[key] = value
}

// GetEnv reads a key from the environment store.
func (s *Server) GetEnv(key string) (string, bool) {
	s.envMu.RLock()
	defer s.envMu.RUnlock()
	v, ok := s.env[key]
	return v, ok
}

// NewSession allocates a fresh positive session id, skipping the
// reserved INT32_MIN value whose negation would overflow (spec.md §9).
func (s *Server) NewSession() int32 {
	for {
		v := s.nextSession.Add(1)
		if v > 0 {
			return v
		}
		s.nextSession.CompareAndSwap(v, 0)
	}
}

// Schedule arms a one-shot timer on the worker owning serviceID and
// returns its handle — the router-facing half of spec.md §4.3.
func (s *Server) Schedule(serviceID ServiceID, delayMs uint32) (TimerID, error) {
	w, err := s.workerFor(serviceID)
	if err != nil {
		return 0, err
	}
	id := w.wheel.schedule(serviceID, delayMs)
	s.metrics.TimersScheduled.Add(1)
	return id, nil
}

// CancelTimer tombstones a previously scheduled timer. A no-op if it has
// already fired.
func (s *Server) CancelTimer(serviceID ServiceID, id TimerID) error {
	w, err := s.workerFor(serviceID)
	if err != nil {
		return err
	}
	w.wheel.remove(id)
	return nil
}

// MakePrefab interns payload on the worker owning ownerID, returning a
// PrefabID usable by SendPrefab from services on the same worker only.
func (s *Server) MakePrefab(ownerID ServiceID, payload *Buffer) (PrefabID, error) {
	w, err := s.workerFor(ownerID)
	if err != nil {
		return 0, err
	}
	id := w.prefab.makePrefab(payload)
	s.metrics.PrefabsInterned.Add(1)
	return id, nil
}

// SendPrefab constructs a message referencing a prefab's shared buffer
// without copying it. It fails if sender and receiver live on different
// workers, or if prefabID is unknown in the sender's worker's prefab cache
// (spec.md §4.7). A PrefabID carries no worker id, so an id interned on a
// worker other than the sender's is not detected as such: it is looked up
// in the sender's worker's cache like any other id.
func (s *Server) SendPrefab(sender, receiver ServiceID, prefabID PrefabID, header string, session int32, typ Type) error {
	if sender.WorkerID() != receiver.WorkerID() {
		return ErrPrefabCrossWorker
	}
	w, err := s.workerFor(sender)
	if err != nil {
		return err
	}
	buf, err := w.prefab.get(prefabID)
	if err != nil {
		return err
	}
	err = s.Send(sender, receiver, buf, header, session, typ)
	if err != nil {
		return err
	}
	s.metrics.PrefabsSent.Add(1)
	return nil
}

// RunCmd answers an administrative command string synchronously,
// spec.md §4.6's "runcmd" escape hatch.
func (s *Server) RunCmd(command string) (string, error) {
	switch command {
	case "worker.count":
		return fmt.Sprintf("%d", len(s.workers)), nil
	case "services.count":
		return fmt.Sprintf("%d", s.serviceCount()), nil
	default:
		return "", fmt.Errorf("swarm: unknown command %q", command)
	}
}

// Info returns a snapshot of server-wide counters: the Metrics snapshot
// plus the worker count and whether the server is stopping.
func (s *Server) Info() map[string]any {
	info := make(map[string]any, len(s.metrics.Snapshot())+2)
	for k, v := range s.metrics.Snapshot() {
		info[k] = v
	}
	info["worker_count"] = len(s.workers)
	info["stopping"] = s.stopping.Load()
	return info
}
