// Package test drives the reliable RPC pair end to end against the
// testable properties of §8: a Caller, one or more Callees, and the raw
// ROUTER/DEALER hop each request and reply actually crosses.
package test

import (
	"testing"
	"time"

	"github.com/zfl-go/zfl/fabric"
	"github.com/zfl-go/zfl/message"
	"github.com/zfl-go/zfl/rpccallee"
	"github.com/zfl-go/zfl/rpccaller"
)

// echoApplication answers every request's body with "pong", preserving the
// client address envelope, until stop is closed.
func echoApplication(t *testing.T, callee *rpccallee.CalleeCore, stop <-chan struct{}) {
	t.Helper()
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
			}
			m, err := callee.Recv()
			if err != nil {
				return
			}
			// m still carries CallerCore's sequence-number frame ahead of
			// the body; replace only the body so the reply keeps the
			// [seq, body] shape CallerCore's handleBackend expects.
			clientID := m.Unwrap()
			m.BodySet("pong")
			m.Wrap(clientID, nil)
			_ = callee.Send(m)
		}
	}()
}

// (S1) Single-call happy path.
func TestSingleCallHappyPath(t *testing.T) {
	ctx := fabric.NewContext(1)

	callee, err := rpccallee.New(ctx, "master", nil)
	if err != nil {
		t.Fatalf("rpccallee.New: %v", err)
	}
	defer callee.Destroy()
	if err := callee.Bind("inproc://s1-happy-path"); err != nil {
		t.Fatalf("bind: %v", err)
	}
	stop := make(chan struct{})
	defer close(stop)
	echoApplication(t, callee, stop)

	caller, err := rpccaller.New(ctx, nil)
	if err != nil {
		t.Fatalf("rpccaller.New: %v", err)
	}
	defer caller.Destroy()
	if err := caller.Connect("master", "inproc://s1-happy-path"); err != nil {
		t.Fatalf("connect: %v", err)
	}

	// Give the heartbeat a chance to mark the server alive before calling.
	time.Sleep(2 * rpccaller.HeartbeatInterval)

	req := message.New()
	req.BodySet("ping")
	reply, err := caller.Call(req)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if reply.Parts() != 1 {
		t.Fatalf("expected 1 frame, got %d", reply.Parts())
	}
	if reply.BodyGet() != "pong" {
		t.Fatalf("expected pong, got %q", reply.BodyGet())
	}
}

// (S2) Failover: a paused server that answers neither replies nor
// heartbeats never joins the live set, so a call issued while it's paused
// reaches the other, genuinely live server instead.
func TestFailoverToSecondServer(t *testing.T) {
	ctx := fabric.NewContext(1)

	// server-a is a bare, never-serviced ROUTER: it accepts the connection
	// but nothing ever drains or answers it, simulating a process paused
	// mid-heartbeat — a real CalleeCore would auto-echo heartbeats even
	// with no application attached, so a hang has to be modeled beneath
	// that layer.
	pausedServerA, err := ctx.NewSocket(fabric.PatternRouter)
	if err != nil {
		t.Fatalf("new server-a router: %v", err)
	}
	defer pausedServerA.Destroy()
	if err := pausedServerA.Bind("inproc://s2-server-a"); err != nil {
		t.Fatalf("bind A: %v", err)
	}

	liveCallee, err := rpccallee.New(ctx, "server-b", nil)
	if err != nil {
		t.Fatalf("rpccallee.New B: %v", err)
	}
	defer liveCallee.Destroy()
	if err := liveCallee.Bind("inproc://s2-server-b"); err != nil {
		t.Fatalf("bind B: %v", err)
	}
	stop := make(chan struct{})
	defer close(stop)
	echoApplication(t, liveCallee, stop)

	caller, err := rpccaller.New(ctx, nil)
	if err != nil {
		t.Fatalf("rpccaller.New: %v", err)
	}
	defer caller.Destroy()
	if err := caller.Connect("server-a", "inproc://s2-server-a"); err != nil {
		t.Fatalf("connect A: %v", err)
	}
	if err := caller.Connect("server-b", "inproc://s2-server-b"); err != nil {
		t.Fatalf("connect B: %v", err)
	}

	// server-a never answers a heartbeat, so it never enters the alive/LRU
	// queues in the first place; this wait only needs to cover server-b's
	// first heartbeat round trip.
	time.Sleep(2 * rpccaller.HeartbeatInterval)

	req := message.New()
	req.BodySet("ping")

	done := make(chan *message.MultipartMessage, 1)
	go func() {
		reply, err := caller.Call(req)
		if err != nil {
			t.Errorf("call: %v", err)
			return
		}
		done <- reply
	}()

	select {
	case reply := <-done:
		if reply.BodyGet() != "pong" {
			t.Fatalf("expected reply from server-b, got %q", reply.BodyGet())
		}
	case <-time.After(2500 * time.Millisecond):
		t.Fatalf("expected failover reply within 2.5s")
	}
}

// (S2b) Mid-dispatch failover: unlike TestFailoverToSecondServer's
// never-alive server, server-a here genuinely becomes alive by echoing
// real heartbeats, receives the dispatched request, and only then goes
// silent — holding the request past its processing deadline. Asserts the
// caller re-dispatches to server-b with the identical sequence number
// server-a saw, per the processing-deadline failover path in
// rpccaller/coordinator.go's detectLateResponse/dispatchPending.
func TestFailoverMidDispatchSameSequence(t *testing.T) {
	ctx := fabric.NewContext(1)

	rawA, err := ctx.NewSocket(fabric.PatternRouter)
	if err != nil {
		t.Fatalf("new server-a router: %v", err)
	}
	defer rawA.Destroy()
	if err := rawA.Bind("inproc://s2b-server-a"); err != nil {
		t.Fatalf("bind A: %v", err)
	}

	rawB, err := ctx.NewSocket(fabric.PatternRouter)
	if err != nil {
		t.Fatalf("new server-b router: %v", err)
	}
	defer rawB.Destroy()
	if err := rawB.Bind("inproc://s2b-server-b"); err != nil {
		t.Fatalf("bind B: %v", err)
	}

	seqFromA := make(chan string, 1)
	seqFromB := make(chan string, 1)

	// server-a: echoes heartbeats (so it genuinely joins the live set),
	// then on the first dispatched request records its sequence frame and
	// goes silent — no reply, no further heartbeats — simulating a peer
	// that hangs mid-request rather than one that was never alive.
	go func() {
		for {
			parts, err := rawA.RecvMessage()
			if err != nil {
				return
			}
			switch len(parts) {
			case 2: // [identity, ""] heartbeat
				if err := rawA.SendMessage([][]byte{parts[0], nil}); err != nil {
					return
				}
			case 3: // [identity, seq, body] dispatched request
				seqFromA <- string(parts[1])
				return
			}
		}
	}()

	// server-b: always echoes heartbeats and answers whatever request it
	// receives, recording its sequence frame too.
	go func() {
		for {
			parts, err := rawB.RecvMessage()
			if err != nil {
				return
			}
			switch len(parts) {
			case 2:
				if err := rawB.SendMessage([][]byte{parts[0], nil}); err != nil {
					return
				}
			case 3:
				seqFromB <- string(parts[1])
				if err := rawB.SendMessage([][]byte{parts[0], parts[1], []byte("pong-from-b")}); err != nil {
					return
				}
			}
		}
	}()

	caller, err := rpccaller.New(ctx, nil)
	if err != nil {
		t.Fatalf("rpccaller.New: %v", err)
	}
	defer caller.Destroy()
	if err := caller.Connect("server-a", "inproc://s2b-server-a"); err != nil {
		t.Fatalf("connect A: %v", err)
	}

	// Let server-a's heartbeats make it genuinely alive before dispatching.
	time.Sleep(2 * rpccaller.HeartbeatInterval)

	req := message.New()
	req.BodySet("ping")

	done := make(chan *message.MultipartMessage, 1)
	go func() {
		reply, err := caller.Call(req)
		if err != nil {
			t.Errorf("call: %v", err)
			return
		}
		done <- reply
	}()

	// Bring server-b up shortly after the request lands on server-a, so it
	// has joined the live/LRU set well before server-a's processing
	// deadline lapses.
	time.Sleep(100 * time.Millisecond)
	if err := caller.Connect("server-b", "inproc://s2b-server-b"); err != nil {
		t.Fatalf("connect B: %v", err)
	}

	var aSeq string
	select {
	case aSeq = <-seqFromA:
	case <-time.After(1 * time.Second):
		t.Fatalf("server-a never received the dispatched request")
	}

	select {
	case reply := <-done:
		if reply.BodyGet() != "pong-from-b" {
			t.Fatalf("expected reply from server-b, got %q", reply.BodyGet())
		}
	case <-time.After(rpccaller.MaxProcessingTime + 2*time.Second):
		t.Fatalf("expected failover reply after the processing deadline lapsed")
	}

	bSeq := <-seqFromB
	if aSeq != bSeq {
		t.Fatalf("expected server-b to see the same sequence number as server-a, got %q vs %q", aSeq, bSeq)
	}
}

// Delayed first reply: the application answers the first request 50ms
// late (well inside MaxProcessingTime); that reply still reaches the caller,
// and the next call proceeds normally. No stale-sequence reply is sent.
func TestDelayedFirstReplyThenNextCallSucceeds(t *testing.T) {
	ctx := fabric.NewContext(1)

	callee, err := rpccallee.New(ctx, "master", nil)
	if err != nil {
		t.Fatalf("rpccallee.New: %v", err)
	}
	defer callee.Destroy()
	if err := callee.Bind("inproc://s3-late-reply"); err != nil {
		t.Fatalf("bind: %v", err)
	}

	stop := make(chan struct{})
	defer close(stop)
	first := true
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
			}
			m, err := callee.Recv()
			if err != nil {
				return
			}
			clientID := m.Unwrap()
			if first {
				// Delay the first reply, still well inside the processing
				// deadline: it answers correctly once it arrives, and a
				// slow first round trip does not wedge the next call.
				first = false
				time.Sleep(50 * time.Millisecond)
			}
			m.BodySet("pong")
			m.Wrap(clientID, nil)
			_ = callee.Send(m)
		}
	}()

	caller, err := rpccaller.New(ctx, nil)
	if err != nil {
		t.Fatalf("rpccaller.New: %v", err)
	}
	defer caller.Destroy()
	if err := caller.Connect("master", "inproc://s3-late-reply"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	time.Sleep(2 * rpccaller.HeartbeatInterval)

	for i := 0; i < 2; i++ {
		req := message.New()
		req.BodySet("ping")
		reply, err := caller.Call(req)
		if err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
		if reply.BodyGet() != "pong" {
			t.Fatalf("call %d: expected pong, got %q", i, reply.BodyGet())
		}
	}
}

// (S4) Envelope manipulation: Wrap/Unwrap round trip through a real
// ROUTER/DEALER hop, which prepends exactly one routing-identity frame.
func TestEnvelopeManipulationThroughRouter(t *testing.T) {
	ctx := fabric.NewContext(1)

	router, err := ctx.NewSocket(fabric.PatternRouter)
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	defer router.Destroy()
	if err := router.Bind("inproc://s4-envelope"); err != nil {
		t.Fatalf("bind: %v", err)
	}

	dealer, err := ctx.NewSocket(fabric.PatternDealer)
	if err != nil {
		t.Fatalf("new dealer: %v", err)
	}
	defer dealer.Destroy()
	if err := dealer.Connect("inproc://s4-envelope"); err != nil {
		t.Fatalf("connect: %v", err)
	}

	m := message.New()
	m.BodySet("Hello")
	m.Wrap("address1", strPtr(""))
	m.Wrap("address2", nil)
	if m.Parts() != 4 {
		t.Fatalf("expected 4 frames before send, got %d", m.Parts())
	}

	if err := message.Send(m, dealer); err != nil {
		t.Fatalf("send: %v", err)
	}

	received, err := message.Recv(router)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if received.Parts() != 5 {
		t.Fatalf("expected 5 frames at the router (routing identity prepended), got %d", received.Parts())
	}

	received.Unwrap() // drops the routing identity
	if got := received.Unwrap(); got != "address2" {
		t.Fatalf("expected address2, got %q", got)
	}
	if got := received.Unwrap(); got != "address1" {
		t.Fatalf("expected address1 (eating its empty delimiter), got %q", got)
	}
	if received.Parts() != 1 {
		t.Fatalf("expected 1 remaining frame, got %d", received.Parts())
	}
	if received.BodyGet() != "Hello" {
		t.Fatalf("expected body Hello, got %q", received.BodyGet())
	}
}

func strPtr(s string) *string { return &s }
