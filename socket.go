package swarm

import (
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// connState is a connection's position in the accept/connect -> open ->
// closing -> closed state machine (spec.md §4.8).
type connState int32

const (
	connConnecting connState = iota
	connOpen
	connClosing
	connClosed
)

// writeFlag tags a queued write with how it should behave once sent.
type writeFlag uint8

const (
	WriteNone writeFlag = iota
	WriteCloseAfterSend
	WriteChunked
)

// defaultDialTimeout bounds both asynchronous connects and the
// synchronous (session==0, timeout_ms==0) path — spec.md §9's resolution
// of the "connect with timeout=0" open question.
const defaultDialTimeout = 5 * time.Second

// idleSweepInterval is how often the multiplexer checks every connection
// against its configured idle timeout.
const idleSweepInterval = time.Second

// socketCompletion is how the multiplexer hands a finished operation back
// to the worker loop for delivery as a Message.
type socketCompletion struct {
	msg *Message
}

// socketMux is a per-worker async TCP subsystem: every socket opened by
// a service on this worker is owned by this mux, and its completions are
// delivered only on the owning worker's loop (spec.md §4.8, §5).
type socketMux struct {
	worker *Worker

	// mu guards listeners/conns/nextFD. Socket operations arrive on the
	// owning worker's goroutine, but connection reader/writer goroutines
	// remove themselves from conns on close, so the maps do see more than
	// one goroutine.
	mu        sync.Mutex
	listeners map[uint32]*net.TCPListener
	conns     map[uint32]*socketConn
	nextFD    uint32

	pending chan socketCompletion

	idleTicker *time.Ticker
	closed     atomic.Bool
}

func newSocketMux(w *Worker) *socketMux {
	m := &socketMux{
		worker:     w,
		listeners:  make(map[uint32]*net.TCPListener),
		conns:      make(map[uint32]*socketConn),
		pending:    make(chan socketCompletion, 4096),
		idleTicker: time.NewTicker(idleSweepInterval),
	}
	go m.sweepLoop()
	return m
}

func (m *socketMux) completions() <-chan socketCompletion {
	return m.pending
}

func (m *socketMux) post(msg *Message) {
	if m.closed.Load() {
		return
	}
	select {
	case m.pending <- socketCompletion{msg: msg}:
	default:
		m.worker.logger.Error("socket completion queue full, dropping", "receiver", msg.Receiver)
	}
}

// tryOpen is a synchronous reachability probe: dial and immediately
// close, reporting only success/failure.
func (m *socketMux) tryOpen(host string, port string) bool {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(host, port), defaultDialTimeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// listen creates an acceptor and returns a multiplexer-local fd, or 0 on
// failure.
func (m *socketMux) listen(host, port string) uint32 {
	addr, err := net.ResolveTCPAddr("tcp", net.JoinHostPort(host, port))
	if err != nil {
		return 0
	}
	ln, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return 0
	}
	m.mu.Lock()
	m.nextFD++
	fd := m.nextFD
	m.listeners[fd] = ln
	m.mu.Unlock()
	return fd
}

// accept arms one acceptance on a listening fd. On completion it registers
// the accepted connection under a new fd and posts a message of typ whose
// payload is the new connection's peer address; the new fd itself is not
// carried in that message.
func (m *socketMux) accept(fd uint32, owner ServiceID, session int32, typ Type) {
	m.mu.Lock()
	ln, ok := m.listeners[fd]
	m.mu.Unlock()
	if !ok {
		m.post(errorMessage(owner, session, ErrUnknownFD))
		return
	}
	go func() {
		conn, err := ln.AcceptTCP()
		if err != nil {
			m.post(errorMessage(owner, session, err))
			return
		}
		m.acceptedConn(conn, owner, session, typ)
	}()
}

func (m *socketMux) acceptedConn(conn *net.TCPConn, owner ServiceID, session int32, typ Type) {
	m.mu.Lock()
	m.nextFD++
	newFD := m.nextFD
	sc := newSocketConn(newFD, conn, owner, m)
	sc.state.Store(int32(connOpen))
	m.conns[newFD] = sc
	m.mu.Unlock()
	sc.start()

	buf := NewBuffer(len(conn.RemoteAddr().String()))
	buf.WriteBack([]byte(conn.RemoteAddr().String()))
	msg, _ := NewMessage(NoService, owner, session, typ, "accept", buf)
	m.post(msg)
}

// connect dials host:port. With session == 0 it blocks for up to timeoutMs
// milliseconds (defaultDialTimeout when timeoutMs is 0) and returns the
// new fd (0 on failure); otherwise it
// returns a handle immediately and posts the completion on session once
// the dial resolves.
func (m *socketMux) connect(host, port string, owner ServiceID, typ Type, session int32, timeoutMs uint32) uint32 {
	timeout := defaultDialTimeout
	if timeoutMs > 0 {
		timeout = time.Duration(timeoutMs) * time.Millisecond
	}

	if session == 0 {
		conn, err := net.DialTimeout("tcp", net.JoinHostPort(host, port), timeout)
		if err != nil {
			return 0
		}
		m.mu.Lock()
		m.nextFD++
		fd := m.nextFD
		sc := newSocketConn(fd, conn.(*net.TCPConn), owner, m)
		sc.state.Store(int32(connOpen))
		m.conns[fd] = sc
		m.mu.Unlock()
		sc.start()
		return fd
	}

	m.mu.Lock()
	m.nextFD++
	fd := m.nextFD
	m.mu.Unlock()
	go func() {
		conn, err := net.DialTimeout("tcp", net.JoinHostPort(host, port), timeout)
		if err != nil {
			m.post(errorMessage(owner, session, err))
			return
		}
		sc := newSocketConn(fd, conn.(*net.TCPConn), owner, m)
		sc.state.Store(int32(connOpen))
		m.mu.Lock()
		m.conns[fd] = sc
		m.mu.Unlock()
		sc.start()

		msg, _ := NewMessage(NoService, owner, session, typ, "connect", nil)
		m.post(msg)
	}()
	return fd
}

func (m *socketMux) getConn(fd uint32) (*socketConn, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sc, ok := m.conns[fd]
	return sc, ok
}

// dropConn removes fd from the live-connection map. Called from a
// connection's own reader/writer goroutine when it tears itself down.
func (m *socketMux) dropConn(fd uint32) {
	m.mu.Lock()
	delete(m.conns, fd)
	m.mu.Unlock()
}

func (m *socketMux) read(fd uint32, owner ServiceID, n int, delim string, session int32) {
	sc, ok := m.getConn(fd)
	if !ok {
		m.post(errorMessage(owner, session, ErrUnknownFD))
		return
	}
	sc.queueRead(readRequest{n: n, delim: delim, owner: owner, session: session})
}

func (m *socketMux) write(fd uint32, buf *Buffer, flag writeFlag) bool {
	sc, ok := m.getConn(fd)
	if !ok {
		return false
	}
	return sc.queueWrite(buf, flag)
}

func (m *socketMux) close(fd uint32) bool {
	if sc, ok := m.getConn(fd); ok {
		sc.requestClose(false)
		return true
	}
	m.mu.Lock()
	ln, ok := m.listeners[fd]
	if ok {
		delete(m.listeners, fd)
	}
	m.mu.Unlock()
	if ok {
		ln.Close()
		return true
	}
	return false
}

// closeAll cancels every outstanding operation on this mux, used during
// worker teardown.
func (m *socketMux) closeAll() {
	m.closed.Store(true)
	m.idleTicker.Stop()

	m.mu.Lock()
	listeners := make([]*net.TCPListener, 0, len(m.listeners))
	for fd := range m.listeners {
		listeners = append(listeners, m.listeners[fd])
	}
	conns := make([]*socketConn, 0, len(m.conns))
	for _, sc := range m.conns {
		conns = append(conns, sc)
	}
	m.mu.Unlock()

	for _, ln := range listeners {
		ln.Close()
	}
	for _, sc := range conns {
		sc.requestClose(true)
	}
}

func (m *socketMux) settimeout(fd uint32, seconds uint32) bool {
	sc, ok := m.getConn(fd)
	if !ok {
		return false
	}
	sc.idleTimeoutSec.Store(int64(seconds))
	return true
}

func (m *socketMux) setnodelay(fd uint32) bool {
	sc, ok := m.getConn(fd)
	if !ok {
		return false
	}
	return sc.conn.SetNoDelay(true) == nil
}

func (m *socketMux) setEnableChunked(fd uint32, mode string) bool {
	sc, ok := m.getConn(fd)
	if !ok {
		return false
	}
	switch mode {
	case "r":
		sc.chunkedRead.Store(true)
		sc.chunkedWrite.Store(false)
	case "w":
		sc.chunkedRead.Store(false)
		sc.chunkedWrite.Store(true)
	case "wr":
		sc.chunkedRead.Store(true)
		sc.chunkedWrite.Store(true)
	default:
		return false
	}
	return true
}

func (m *socketMux) setSendQueueLimit(fd uint32, warn, errorSize uint32) bool {
	sc, ok := m.getConn(fd)
	if !ok {
		return false
	}
	sc.warnSize = warn
	sc.errorSize = errorSize
	return true
}

func (m *socketMux) getaddress(fd uint32) string {
	sc, ok := m.getConn(fd)
	if !ok {
		return ""
	}
	return sc.conn.RemoteAddr().String()
}

// sweepLoop runs the once-per-second idle sweep described in spec.md
// §4.8: any connection with settimeout(s>0) and no read activity for s
// seconds is closed with reason=timeout.
func (m *socketMux) sweepLoop() {
	for range m.idleTicker.C {
		if m.closed.Load() {
			return
		}
		now := time.Now().UnixNano()
		m.mu.Lock()
		conns := make([]*socketConn, 0, len(m.conns))
		for _, sc := range m.conns {
			conns = append(conns, sc)
		}
		m.mu.Unlock()
		for _, sc := range conns {
			limit := sc.idleTimeoutSec.Load()
			if limit <= 0 {
				continue
			}
			last := sc.lastRead.Load()
			if time.Duration(now-last) >= time.Duration(limit)*time.Second {
				sc.closeForReason("timeout")
			}
		}
	}
}

func errorMessage(owner ServiceID, session int32, err error) *Message {
	buf := NewBuffer(len(err.Error()))
	buf.WriteBack([]byte(err.Error()))
	msg, _ := NewMessage(NoService, owner, session, TypeSocketError, "error", buf)
	return msg
}
