package swarm

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync/atomic"
)

// ErrStopService is returned by a Handler's Dispatch to request that the
// service stop itself after the current message — the handler-initiated
// counterpart to an external RemoveService call.
var ErrStopService = errors.New("swarm: stop service")

// Handler is the capability interface a service implements. All five hooks
// run exclusively on the owning worker's goroutine; Dispatch is the only
// hot path and must not block.
type Handler interface {
	Init(cfg string) bool
	Dispatch(msg *Message) error
	OnTimer(timerID TimerID)
	Exit()
	Destroy()
}

// ServiceStatus tracks a service record through its lifecycle:
// creating -> ready -> exiting -> destroyed.
type ServiceStatus int32

const (
	ServiceCreating ServiceStatus = iota
	ServiceReady
	ServiceExiting
	ServiceDestroyed
)

func (s ServiceStatus) String() string {
	switch s {
	case ServiceCreating:
		return "creating"
	case ServiceReady:
		return "ready"
	case ServiceExiting:
		return "exiting"
	case ServiceDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// Service is the record a Worker holds for one live handler: identity,
// name, and accounting, plus the status word that governs its lifecycle.
// A Service never outlives the Worker that created it, and is only ever
// touched by that worker's goroutine — so, unlike the status word (read
// off-worker by Server.Broadcast), its other fields need no
// synchronisation.
type Service struct {
	id      ServiceID
	name    string
	unique  bool
	shared  bool
	handler Handler
	logger  *slog.Logger

	status      int32
	cpuCostNs   int64
	lastMessage int64
}

func newService(id ServiceID, name string, unique, shared bool, handler Handler, logger *slog.Logger) *Service {
	return &Service{
		id:      id,
		name:    name,
		unique:  unique,
		shared:  shared,
		handler: handler,
		logger:  logger,
		status:  int32(ServiceCreating),
	}
}

// ID returns the service's process-wide address.
func (s *Service) ID() ServiceID { return s.id }

// Name returns the service's registered name, or "" if it was created
// without one.
func (s *Service) Name() string { return s.name }

// Logger returns the per-service logger, pre-tagged with the service id.
func (s *Service) Logger() *slog.Logger { return s.logger }

// CPUCost returns the accumulated dispatch time, in nanoseconds, spent
// inside this service's handler.
func (s *Service) CPUCost() int64 { return atomic.LoadInt64(&s.cpuCostNs) }

// Status returns the service's current lifecycle stage.
func (s *Service) Status() ServiceStatus {
	return ServiceStatus(atomic.LoadInt32(&s.status))
}

func (s *Service) setStatus(status ServiceStatus) {
	atomic.StoreInt32(&s.status, int32(status))
}

// dispatch invokes the handler with panic recovery, matching the
// teacher's receive-loop guarantee that one faulting handler cannot take
// down its worker. A recovered panic is reported distinctly from an
// ordinary returned error via the panicked return value, so the caller
// can unconditionally move the service to exiting — spec.md §7's
// handler-exception rule — rather than only on ErrStopService.
func (s *Service) dispatch(msg *Message) (err error, panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			debug.PrintStack()
			panicked = true
			if e, ok := r.(error); ok {
				err = e
			} else {
				err = fmt.Errorf("swarm: service %s panic: %v", s.id, r)
			}
		}
	}()
	return s.handler.Dispatch(msg), false
}
