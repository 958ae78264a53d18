package clusterd

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/kilnhq/swarm"
)

// testEnvelope wraps Envelope for test code. Panics on error.
// Panics are acceptable in test helpers — they surface as test failures.
func testEnvelope(payload interface{}) TransportEnvelope {
	env, err := Envelope(payload)
	if err != nil {
		panic(err)
	}
	return env
}

// --- framing round-trip tests (via net.Pipe) ---

func TestFrameRoundTrip_ServiceForward(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	original := ServiceForward{
		ServiceName:  "greeter",
		Header:       "cmd.greet",
		Type:         swarm.Type(1),
		Payload:      []byte("hello world"),
		ReplyID:      42,
		SenderHostID: "host-a",
	}

	errCh := make(chan error, 1)
	go func() {
		p := &transportPeer{hostID: "test", conn: c1}
		tr := &Transport{} // only needed to call writeFrame
		errCh <- tr.writeFrame(p, testEnvelope(original))
	}()

	env, err := readFrame(c2)
	if err != nil {
		t.Fatalf("readFrame: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("writeFrame: %v", err)
	}

	if env.Tag != TagServiceForward {
		t.Fatalf("tag: got %d, want %d", env.Tag, TagServiceForward)
	}
	got, ok := env.Payload.(*ServiceForward)
	if !ok {
		t.Fatalf("payload type: got %T, want *ServiceForward", env.Payload)
	}
	if got.ServiceName != original.ServiceName {
		t.Errorf("ServiceName: got %q, want %q", got.ServiceName, original.ServiceName)
	}
	if got.Header != original.Header {
		t.Errorf("Header: got %q, want %q", got.Header, original.Header)
	}
	if got.Type != original.Type {
		t.Errorf("Type: got %v, want %v", got.Type, original.Type)
	}
	if !bytes.Equal(got.Payload, original.Payload) {
		t.Errorf("Payload: got %v, want %v", got.Payload, original.Payload)
	}
	if got.ReplyID != original.ReplyID {
		t.Errorf("ReplyID: got %d, want %d", got.ReplyID, original.ReplyID)
	}
	if got.SenderHostID != original.SenderHostID {
		t.Errorf("SenderHostID: got %q, want %q", got.SenderHostID, original.SenderHostID)
	}
}

func TestFrameRoundTrip_ServiceForwardReply(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	original := ServiceForwardReply{
		ReplyID: 99,
		Header:  "cmd.greet.reply",
		Type:    swarm.Type(2),
		Payload: []byte("response payload"),
		Error:   "something went wrong",
	}

	errCh := make(chan error, 1)
	go func() {
		p := &transportPeer{hostID: "test", conn: c1}
		tr := &Transport{}
		errCh <- tr.writeFrame(p, testEnvelope(original))
	}()

	env, err := readFrame(c2)
	if err != nil {
		t.Fatalf("readFrame: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("writeFrame: %v", err)
	}

	if env.Tag != TagServiceForwardReply {
		t.Fatalf("tag: got %d, want %d", env.Tag, TagServiceForwardReply)
	}
	got := env.Payload.(*ServiceForwardReply)
	if got.ReplyID != original.ReplyID {
		t.Errorf("ReplyID: got %d, want %d", got.ReplyID, original.ReplyID)
	}
	if got.Header != original.Header {
		t.Errorf("Header: got %q, want %q", got.Header, original.Header)
	}
	if got.Type != original.Type {
		t.Errorf("Type: got %v, want %v", got.Type, original.Type)
	}
	if !bytes.Equal(got.Payload, original.Payload) {
		t.Errorf("Payload: got %v, want %v", got.Payload, original.Payload)
	}
	if got.Error != original.Error {
		t.Errorf("Error: got %q, want %q", got.Error, original.Error)
	}
}

func TestFrameRoundTrip_NotHere(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	original := NotHere{
		ServiceName: "worker-7",
		HostID:      "host-b",
		Epoch:       5,
	}

	errCh := make(chan error, 1)
	go func() {
		p := &transportPeer{hostID: "test", conn: c1}
		tr := &Transport{}
		errCh <- tr.writeFrame(p, testEnvelope(original))
	}()

	env, err := readFrame(c2)
	if err != nil {
		t.Fatalf("readFrame: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("writeFrame: %v", err)
	}

	got := env.Payload.(*NotHere)
	if got.ServiceName != original.ServiceName || got.HostID != original.HostID || got.Epoch != original.Epoch {
		t.Errorf("got %+v, want %+v", got, original)
	}
}

func TestFrameRoundTrip_HostFrozen(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	original := HostFrozen{ServiceName: "worker-7", ReplyID: 10, HostID: "host-c", Epoch: 3}

	errCh := make(chan error, 1)
	go func() {
		p := &transportPeer{hostID: "test", conn: c1}
		tr := &Transport{}
		errCh <- tr.writeFrame(p, testEnvelope(original))
	}()

	env, err := readFrame(c2)
	if err != nil {
		t.Fatalf("readFrame: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("writeFrame: %v", err)
	}

	got := env.Payload.(*HostFrozen)
	if got.ServiceName != original.ServiceName || got.ReplyID != original.ReplyID ||
		got.HostID != original.HostID || got.Epoch != original.Epoch {
		t.Errorf("got %+v, want %+v", got, original)
	}
}

func TestFrameRoundTrip_PingPong(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	errCh := make(chan error, 1)
	go func() {
		p := &transportPeer{hostID: "test", conn: c1}
		tr := &Transport{}
		errCh <- tr.writeFrame(p, testEnvelope(TransportPing{}))
	}()

	env, err := readFrame(c2)
	if err != nil {
		t.Fatalf("readFrame: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("writeFrame: %v", err)
	}
	if env.Tag != TagPing {
		t.Fatalf("tag: got %d, want %d", env.Tag, TagPing)
	}
	if _, ok := env.Payload.(*TransportPing); !ok {
		t.Fatalf("payload: got %T, want *TransportPing", env.Payload)
	}

	// Now pong.
	c3, c4 := net.Pipe()
	defer c3.Close()
	defer c4.Close()

	go func() {
		p := &transportPeer{hostID: "test", conn: c3}
		tr := &Transport{}
		errCh <- tr.writeFrame(p, testEnvelope(TransportPong{}))
	}()

	env, err = readFrame(c4)
	if err != nil {
		t.Fatalf("readFrame pong: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("writeFrame pong: %v", err)
	}
	if env.Tag != TagPong {
		t.Fatalf("tag: got %d, want %d", env.Tag, TagPong)
	}
}

// --- handshake tests ---

func TestHandshakeRoundTrip(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	errCh := make(chan error, 1)
	go func() {
		errCh <- writeHandshake(c1, "host-alpha", "127.0.0.1:9000")
	}()

	gotID, gotAddr, err := readHandshake(c2)
	if err != nil {
		t.Fatalf("readHandshake: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("writeHandshake: %v", err)
	}
	if gotID != "host-alpha" {
		t.Fatalf("hostID: got %q, want %q", gotID, "host-alpha")
	}
	if gotAddr != "127.0.0.1:9000" {
		t.Fatalf("addr: got %q, want %q", gotAddr, "127.0.0.1:9000")
	}
}

func TestHandshakeRoundTrip_WithAddress(t *testing.T) {
	// Verify that various address values round-trip correctly,
	// including an empty address.
	cases := []struct {
		name   string
		hostID string
		addr   string
	}{
		{"with-address", "host-beta", "10.0.0.1:4000"},
		{"empty-address", "host-gamma", ""},
		{"ipv6-address", "host-delta", "[::1]:8080"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c1, c2 := net.Pipe()
			defer c1.Close()
			defer c2.Close()

			errCh := make(chan error, 1)
			go func() {
				errCh <- writeHandshake(c1, tc.hostID, tc.addr)
			}()

			gotID, gotAddr, err := readHandshake(c2)
			if err != nil {
				t.Fatalf("readHandshake: %v", err)
			}
			if err := <-errCh; err != nil {
				t.Fatalf("writeHandshake: %v", err)
			}
			if gotID != tc.hostID {
				t.Errorf("hostID: got %q, want %q", gotID, tc.hostID)
			}
			if gotAddr != tc.addr {
				t.Errorf("addr: got %q, want %q", gotAddr, tc.addr)
			}
		})
	}
}

func TestTransport_PeerAddressFromHandshake(t *testing.T) {
	// Verify that the inbound peer's stored address is the remote's
	// advertised listen address, not the ephemeral client port.
	received := make(chan struct{}, 1)

	handlerB := func(from string, env TransportEnvelope) {
		if _, ok := env.Payload.(*TransportPing); ok {
			received <- struct{}{}
		}
	}

	tA, err := NewTransport("host-a", "127.0.0.1:0", nil)
	if err != nil {
		t.Fatalf("NewTransport A: %v", err)
	}
	tA.Start()
	defer tA.Stop()

	tB, err := NewTransport("host-b", "127.0.0.1:0", handlerB)
	if err != nil {
		t.Fatalf("NewTransport B: %v", err)
	}
	tB.Start()
	defer tB.Stop()

	// A sends a ping to B, which establishes an outbound connection from A→B
	// and an inbound connection on B from A.
	pingEnv, err := Envelope(TransportPing{})
	if err != nil {
		t.Fatalf("Envelope: %v", err)
	}
	if err := tA.SendTo("host-b", tB.Addr(), pingEnv); err != nil {
		t.Fatalf("SendTo: %v", err)
	}

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for ping")
	}

	// Check that B's peer entry for "host-a" has A's listen address,
	// not an ephemeral port.
	v, ok := tB.peers.Load("host-a")
	if !ok {
		t.Fatal("host-a not found in tB peers")
	}
	peerA := v.(*transportPeer)
	peerA.mu.Lock()
	addr := peerA.address
	peerA.mu.Unlock()

	if addr != tA.Addr() {
		t.Errorf("peer address: got %q, want %q (tA listen addr)", addr, tA.Addr())
	}
}

// --- simultaneous connect tie-breaking ---

func TestTransport_SimultaneousConnect_TieBreaking(t *testing.T) {
	// When both sides dial each other simultaneously, the higher-ID host
	// keeps its outbound and rejects the inbound. The lower-ID host accepts
	// the inbound. This should converge to one connection per pair with no
	// cascading reconnects.
	receivedA := make(chan struct{}, 10)
	receivedB := make(chan struct{}, 10)

	handlerA := func(from string, env TransportEnvelope) {
		if _, ok := env.Payload.(*TransportPing); ok {
			receivedA <- struct{}{}
		}
	}
	handlerB := func(from string, env TransportEnvelope) {
		if _, ok := env.Payload.(*TransportPing); ok {
			receivedB <- struct{}{}
		}
	}

	// "host-b" > "host-a" lexicographically, so host-b wins tie-breaking.
	tA, err := NewTransport("host-a", "127.0.0.1:0", handlerA)
	if err != nil {
		t.Fatalf("NewTransport A: %v", err)
	}
	tA.Start()
	defer tA.Stop()

	tB, err := NewTransport("host-b", "127.0.0.1:0", handlerB)
	if err != nil {
		t.Fatalf("NewTransport B: %v", err)
	}
	tB.Start()
	defer tB.Stop()

	pingEnv, _ := Envelope(TransportPing{})

	// Trigger simultaneous connect: both sides dial at the same time.
	errCh := make(chan error, 2)
	go func() { errCh <- tA.SendTo("host-b", tB.Addr(), pingEnv) }()
	go func() { errCh <- tB.SendTo("host-a", tA.Addr(), pingEnv) }()

	// Both sends should succeed (possibly after one reconnect cycle).
	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil {
			t.Fatalf("SendTo %d: %v", i, err)
		}
	}

	// Both sides should receive the ping.
	for i := 0; i < 1; i++ {
		select {
		case <-receivedA:
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for ping on A")
		}
	}
	for i := 0; i < 1; i++ {
		select {
		case <-receivedB:
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for ping on B")
		}
	}

	// Let connections stabilize.
	time.Sleep(100 * time.Millisecond)

	// Send another round — should work without errors on stable connections.
	if err := tA.SendTo("host-b", tB.Addr(), pingEnv); err != nil {
		t.Fatalf("second SendTo A→B: %v", err)
	}
	if err := tB.SendTo("host-a", tA.Addr(), pingEnv); err != nil {
		t.Fatalf("second SendTo B→A: %v", err)
	}

	select {
	case <-receivedB:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for second ping on B")
	}
	select {
	case <-receivedA:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for second ping on A")
	}
}

// --- Envelope error tests ---

func TestEnvelope_ErrorOnUnknown(t *testing.T) {
	_, err := Envelope(struct{ X int }{X: 1})
	if err == nil {
		t.Fatal("expected error for unknown type, got nil")
	}
}

func TestEnvelope_KnownTypes(t *testing.T) {
	cases := []struct {
		name    string
		payload interface{}
		wantTag byte
	}{
		{"ServiceForward", ServiceForward{}, TagServiceForward},
		{"ServiceForwardReply", ServiceForwardReply{}, TagServiceForwardReply},
		{"NotHere", NotHere{}, TagNotHere},
		{"HostFrozen", HostFrozen{}, TagHostFrozen},
		{"Ping", TransportPing{}, TagPing},
		{"Pong", TransportPong{}, TagPong},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env, err := Envelope(tc.payload)
			if err != nil {
				t.Fatalf("Envelope(%s): %v", tc.name, err)
			}
			if env.Tag != tc.wantTag {
				t.Errorf("tag: got %d, want %d", env.Tag, tc.wantTag)
			}
		})
	}
}

// --- full transport integration tests ---

func TestTransport_ForwardAndReply(t *testing.T) {
	replyCh := make(chan *ServiceForwardReply, 1)
	forwardCh := make(chan *ServiceForward, 1)

	var tB *Transport

	handlerA := func(from string, env TransportEnvelope) {
		if msg, ok := env.Payload.(*ServiceForwardReply); ok {
			// The transport recycles the payload struct after the handler
			// returns, so keep a copy.
			cp := *msg
			cp.Payload = append([]byte(nil), msg.Payload...)
			replyCh <- &cp
		}
	}

	handlerB := func(from string, env TransportEnvelope) {
		if msg, ok := env.Payload.(*ServiceForward); ok {
			cp := *msg
			cp.Payload = append([]byte(nil), msg.Payload...)
			forwardCh <- &cp
			// Reply back through the existing inbound connection.
			env, err := Envelope(ServiceForwardReply{
				ReplyID: msg.ReplyID,
				Payload: append([]byte("pong:"), msg.Payload...),
			})
			if err != nil {
				t.Errorf("Envelope reply: %v", err)
				return
			}
			tB.SendTo(from, "", env)
		}
	}

	tA, err := NewTransport("host-a", "127.0.0.1:0", handlerA)
	if err != nil {
		t.Fatalf("NewTransport A: %v", err)
	}
	tA.Start()
	defer tA.Stop()

	tB, err = NewTransport("host-b", "127.0.0.1:0", handlerB)
	if err != nil {
		t.Fatalf("NewTransport B: %v", err)
	}
	tB.Start()
	defer tB.Stop()

	// A sends forward to B.
	fwdEnv, err := Envelope(ServiceForward{
		ServiceName:  "greeter",
		Payload:      []byte("hello"),
		ReplyID:      42,
		SenderHostID: "host-a",
	})
	if err != nil {
		t.Fatalf("Envelope forward: %v", err)
	}
	if err := tA.SendTo("host-b", tB.Addr(), fwdEnv); err != nil {
		t.Fatalf("SendTo: %v", err)
	}

	// Verify B received the forward.
	select {
	case fwd := <-forwardCh:
		if fwd.ServiceName != "greeter" {
			t.Errorf("forward: got name=%q", fwd.ServiceName)
		}
		if fwd.ReplyID != 42 {
			t.Errorf("forward ReplyID: got %d, want 42", fwd.ReplyID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for forward")
	}

	// Verify A received the reply with correct correlation.
	select {
	case reply := <-replyCh:
		if reply.ReplyID != 42 {
			t.Errorf("reply ReplyID: got %d, want 42", reply.ReplyID)
		}
		if string(reply.Payload) != "pong:hello" {
			t.Errorf("reply Payload: got %q, want %q", reply.Payload, "pong:hello")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for reply")
	}
}

func TestTransport_PingPong(t *testing.T) {
	pongCh := make(chan struct{}, 1)
	pingCh := make(chan struct{}, 1)

	var tB *Transport

	handlerA := func(from string, env TransportEnvelope) {
		if _, ok := env.Payload.(*TransportPong); ok {
			pongCh <- struct{}{}
		}
	}

	handlerB := func(from string, env TransportEnvelope) {
		if _, ok := env.Payload.(*TransportPing); ok {
			pingCh <- struct{}{}
			env, err := Envelope(TransportPong{})
			if err != nil {
				return
			}
			tB.SendTo(from, "", env)
		}
	}

	tA, err := NewTransport("host-a", "127.0.0.1:0", handlerA)
	if err != nil {
		t.Fatalf("NewTransport A: %v", err)
	}
	tA.Start()
	defer tA.Stop()

	tB, err = NewTransport("host-b", "127.0.0.1:0", handlerB)
	if err != nil {
		t.Fatalf("NewTransport B: %v", err)
	}
	tB.Start()
	defer tB.Stop()

	pingEnv, err := Envelope(TransportPing{})
	if err != nil {
		t.Fatalf("Envelope ping: %v", err)
	}
	if err := tA.SendTo("host-b", tB.Addr(), pingEnv); err != nil {
		t.Fatalf("SendTo ping: %v", err)
	}

	select {
	case <-pingCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for ping")
	}

	select {
	case <-pongCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for pong")
	}
}

func TestTransport_MultipleMessages(t *testing.T) {
	const count = 50
	received := make(chan int64, count)

	handlerB := func(from string, env TransportEnvelope) {
		if msg, ok := env.Payload.(*ServiceForward); ok {
			received <- msg.ReplyID
		}
	}

	tA, err := NewTransport("host-a", "127.0.0.1:0", nil)
	if err != nil {
		t.Fatalf("NewTransport A: %v", err)
	}
	tA.Start()
	defer tA.Stop()

	tB, err := NewTransport("host-b", "127.0.0.1:0", handlerB)
	if err != nil {
		t.Fatalf("NewTransport B: %v", err)
	}
	tB.Start()
	defer tB.Stop()

	for i := int64(0); i < count; i++ {
		env, err := Envelope(ServiceForward{
			ServiceName:  "counter",
			Payload:      []byte("tick"),
			ReplyID:      i,
			SenderHostID: "host-a",
		})
		if err != nil {
			t.Fatalf("Envelope %d: %v", i, err)
		}
		if err := tA.SendTo("host-b", tB.Addr(), env); err != nil {
			t.Fatalf("SendTo %d: %v", i, err)
		}
	}

	seen := make(map[int64]bool)
	for i := 0; i < count; i++ {
		select {
		case id := <-received:
			seen[id] = true
		case <-time.After(5 * time.Second):
			t.Fatalf("timeout after receiving %d/%d messages", i, count)
		}
	}

	if len(seen) != count {
		t.Fatalf("received %d unique messages, want %d", len(seen), count)
	}
}

// --- benchmarks ---

// benchmarkMessages returns the set of envelopes used across benchmarks.
func benchmarkMessages() map[string]TransportEnvelope {
	return map[string]TransportEnvelope{
		"ServiceForward": testEnvelope(ServiceForward{
			ServiceName:  "greeter",
			Header:       "cmd.greet",
			Payload:      []byte("hello world"),
			ReplyID:      42,
			SenderHostID: "host-a",
		}),
		"ServiceForwardReply": testEnvelope(ServiceForwardReply{
			ReplyID: 99,
			Payload: []byte("response payload"),
			Error:   "something went wrong",
		}),
		"Ping": testEnvelope(TransportPing{}),
	}
}

// encodeFrame encodes an envelope into its wire format (for read-side benchmarks).
func encodeFrame(env TransportEnvelope) []byte {
	var buf []byte
	buf, err := appendEncodedPayload(buf, env)
	if err != nil {
		panic(err)
	}
	frameLen := 1 + len(buf)
	frame := make([]byte, 4+frameLen)
	putFrameHeader(frame, env.Tag, frameLen)
	copy(frame[5:], buf)
	return frame
}

func putFrameHeader(frame []byte, tag byte, frameLen int) {
	frame[0] = byte(frameLen >> 24)
	frame[1] = byte(frameLen >> 16)
	frame[2] = byte(frameLen >> 8)
	frame[3] = byte(frameLen)
	frame[4] = tag
}

// BenchmarkWriteFrame measures the encode + frame-build + write path.
// A goroutine drains the read end of the pipe so writes never block.
func BenchmarkWriteFrame(b *testing.B) {
	for name, env := range benchmarkMessages() {
		b.Run(name, func(b *testing.B) {
			c1, c2 := net.Pipe()
			defer c1.Close()

			// Drain reader in background.
			done := make(chan struct{})
			go func() {
				defer close(done)
				buf := make([]byte, 4096)
				for {
					if _, err := c2.Read(buf); err != nil {
						return
					}
				}
			}()
			defer func() {
				c2.Close()
				<-done
			}()

			p := &transportPeer{hostID: "bench", conn: c1}
			tr := &Transport{}

			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if err := tr.writeFrame(p, env); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

// BenchmarkReadFrame measures the frame-parse + decode path.
func BenchmarkReadFrame(b *testing.B) {
	for name, env := range benchmarkMessages() {
		b.Run(name, func(b *testing.B) {
			single := encodeFrame(env)
			b.ReportMetric(float64(len(single)), "bytes/frame")

			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				r := bytes.NewReader(single)
				if _, err := decodeFrame(r); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

// BenchmarkRoundTrip measures the full production write + read path through
// a net.Pipe, using per-peer encoder and per-connection decoder (matching
// the readLoop path).
func BenchmarkRoundTrip(b *testing.B) {
	for name, env := range benchmarkMessages() {
		b.Run(name, func(b *testing.B) {
			c1, c2 := net.Pipe()
			defer c1.Close()
			defer c2.Close()

			p := &transportPeer{hostID: "bench", conn: c1}
			tr := &Transport{}

			errCh := make(chan error, 1)

			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				go func() {
					errCh <- tr.writeFrame(p, env)
				}()
				if _, err := decodeFrame(c2); err != nil {
					b.Fatal(err)
				}
				if err := <-errCh; err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

// BenchmarkEncodePayload isolates the payload encoding cost (no framing, no IO).
func BenchmarkEncodePayload(b *testing.B) {
	for name, env := range benchmarkMessages() {
		b.Run(name, func(b *testing.B) {
			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				buf := make([]byte, 0, 128)
				if _, err := appendEncodedPayload(buf, env); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

// BenchmarkDecodePayload isolates the payload decoding cost (no framing, no IO).
func BenchmarkDecodePayload(b *testing.B) {
	for name, env := range benchmarkMessages() {
		b.Run(name, func(b *testing.B) {
			var encoded []byte
			encoded, err := appendEncodedPayload(encoded, env)
			if err != nil {
				b.Fatal(err)
			}
			b.ReportMetric(float64(len(encoded)), "bytes/payload")

			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if _, err := decodePayload(env.Tag, encoded); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

// BenchmarkFrameSize reports the wire size of each message type (not a speed benchmark).
func BenchmarkFrameSize(b *testing.B) {
	for name, env := range benchmarkMessages() {
		b.Run(name, func(b *testing.B) {
			frame := encodeFrame(env)
			b.ReportMetric(float64(len(frame)), "wire-bytes")
			b.ReportMetric(float64(len(frame)-5), "payload-bytes")
			for i := 0; i < b.N; i++ {
			}
		})
	}
}
