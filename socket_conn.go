package swarm

import (
	"bufio"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

const connReadBufferSize = 64 * 1024

// readRequest is one armed read(): exactly n bytes, up to a delimiter,
// or whatever is currently available (spec.md §4.8).
type readRequest struct {
	n       int
	delim   string
	owner   ServiceID
	session int32
}

type writeJob struct {
	data       []byte
	closeAfter bool
}

// socketConn is one accepted or dialed TCP connection, owned entirely by
// its worker's multiplexer. Its reader and writer each run on their own
// goroutine (grounded on transport.go's per-peer writer goroutine, which
// eliminates write contention) but every completion they produce is
// funnelled back onto the mux's single completion channel, so delivery
// to the owning service still happens only on the worker's loop.
type socketConn struct {
	fd    uint32
	conn  *net.TCPConn
	owner ServiceID
	mux   *socketMux

	state atomic.Int32

	reader *bufio.Reader
	reads  chan readRequest

	sendCh      chan writeJob
	queuedBytes atomic.Int64
	warnSize    uint32
	errorSize   uint32
	warnLatched atomic.Bool

	chunkedRead  atomic.Bool
	chunkedWrite atomic.Bool

	idleTimeoutSec atomic.Int64
	lastRead       atomic.Int64

	done      chan struct{}
	closeOnce sync.Once
}

func newSocketConn(fd uint32, conn *net.TCPConn, owner ServiceID, mux *socketMux) *socketConn {
	sc := &socketConn{
		fd:        fd,
		conn:      conn,
		owner:     owner,
		mux:       mux,
		reader:    bufio.NewReaderSize(conn, connReadBufferSize),
		reads:     make(chan readRequest, 16),
		sendCh:    make(chan writeJob, 256),
		errorSize: 2 << 20,
		warnSize:  1 << 20,
		done:      make(chan struct{}),
	}
	sc.lastRead.Store(time.Now().UnixNano())
	return sc
}

func (sc *socketConn) start() {
	go sc.writeLoop()
	go sc.readLoop()
}

func (sc *socketConn) queueRead(req readRequest) {
	select {
	case sc.reads <- req:
	case <-sc.done:
		sc.mux.post(errorMessage(req.owner, req.session, ErrConnectionClosed))
	}
}

// queueWrite enqueues data. Returns false immediately, without enqueuing,
// if adding data would take the send queue past its hard error limit — the
// queue-overflow error kind of spec.md §7.
func (sc *socketConn) queueWrite(buf *Buffer, flag writeFlag) bool {
	if connState(sc.state.Load()) == connClosed {
		return false
	}

	data := buf.Bytes()
	if sc.queuedBytes.Load()+int64(len(data)) > int64(sc.errorSize) {
		sc.mux.post(errorMessage(sc.owner, 0, ErrQueueOverflow))
		return false
	}

	sc.queuedBytes.Add(int64(len(data)))
	if sc.queuedBytes.Load() > int64(sc.warnSize) {
		if sc.warnLatched.CompareAndSwap(false, true) {
			sc.mux.worker.logger.Warn("socket send queue above warn threshold", "fd", sc.fd, "queued", sc.queuedBytes.Load())
		}
	}

	select {
	case sc.sendCh <- writeJob{data: data, closeAfter: flag == WriteCloseAfterSend}:
		return true
	case <-sc.done:
		return false
	}
}

func (sc *socketConn) writeLoop() {
	for {
		select {
		case <-sc.done:
			return
		case job := <-sc.sendCh:
			sc.queuedBytes.Add(-int64(len(job.data)))
			if sc.queuedBytes.Load() <= int64(sc.warnSize) {
				sc.warnLatched.Store(false)
			}

			sc.conn.SetWriteDeadline(time.Now().Add(defaultDialTimeout))
			_, err := sc.conn.Write(job.data)
			if err != nil {
				sc.closeForReason("write-error")
				return
			}
			if job.closeAfter {
				sc.requestClose(false)
				return
			}
		}
	}
}

// readLoop services explicit read() requests in default mode, or streams
// continuously in chunked-read mode, where reads are not driven by
// explicit requests at all — the protocol service just observes a
// stream of unframed Buffers (spec.md §4.8's chunked mode).
func (sc *socketConn) readLoop() {
	for {
		if sc.chunkedRead.Load() {
			if !sc.readChunk() {
				return
			}
			continue
		}

		select {
		case <-sc.done:
			return
		case req := <-sc.reads:
			if !sc.serviceRead(req) {
				return
			}
		}
	}
}

func (sc *socketConn) readChunk() bool {
	buf := make([]byte, connReadBufferSize)
	n, err := sc.reader.Read(buf)
	if n > 0 {
		sc.lastRead.Store(time.Now().UnixNano())
		out := NewBuffer(n)
		out.WriteBack(buf[:n])
		msg, _ := NewMessage(NoService, sc.owner, 0, TypeSocketData, "", out)
		sc.mux.post(msg)
	}
	if err != nil {
		sc.closeForReason(reasonFor(err))
		return false
	}
	return true
}

func (sc *socketConn) serviceRead(req readRequest) bool {
	var out []byte
	var err error

	switch {
	case req.n > 0:
		out = make([]byte, req.n)
		_, err = io.ReadFull(sc.reader, out)
	case req.delim != "":
		var s string
		s, err = sc.reader.ReadString(req.delim[len(req.delim)-1])
		out = []byte(s)
	default:
		avail := sc.reader.Buffered()
		if avail == 0 {
			// Block for at least one byte, then take whatever else has
			// already arrived alongside it.
			if _, peekErr := sc.reader.Peek(1); peekErr != nil {
				err = peekErr
			} else {
				avail = sc.reader.Buffered()
			}
		}
		if avail > 0 {
			out = make([]byte, avail)
			_, err = io.ReadFull(sc.reader, out)
		}
	}

	if err != nil && len(out) == 0 {
		sc.mux.post(errorMessage(req.owner, req.session, err))
		sc.closeForReason(reasonFor(err))
		return false
	}

	sc.lastRead.Store(time.Now().UnixNano())
	buf := NewBuffer(len(out))
	buf.WriteBack(out)
	msg, _ := NewMessage(NoService, req.owner, req.session, TypeSocketData, "", buf)
	sc.mux.post(msg)
	return true
}

func reasonFor(err error) string {
	if err == io.EOF {
		return "eof"
	}
	return "io-error"
}

// requestClose closes the connection at once, moves it to closed and
// posts a TypeSocketClose message. The force flag is not consulted:
// writes still queued when it runs are dropped, not drained.
func (sc *socketConn) requestClose(force bool) {
	sc.closeOnce.Do(func() {
		sc.state.Store(int32(connClosing))
		close(sc.done)
		sc.conn.Close()
		sc.state.Store(int32(connClosed))
		sc.mux.dropConn(sc.fd)

		msg, _ := NewMessage(NoService, sc.owner, 0, TypeSocketClose, "closed", nil)
		sc.mux.post(msg)
	})
}

func (sc *socketConn) closeForReason(reason string) {
	sc.closeOnce.Do(func() {
		sc.state.Store(int32(connClosing))
		close(sc.done)
		sc.conn.Close()
		sc.state.Store(int32(connClosed))
		sc.mux.dropConn(sc.fd)

		msg, _ := NewMessage(NoService, sc.owner, 0, TypeSocketClose, reason, nil)
		sc.mux.post(msg)
	})
}
