package test

import (
	"context"
	"testing"

	"github.com/zfl-go/zfl/client"
	"github.com/zfl-go/zfl/fabric"
	"github.com/zfl-go/zfl/middleware"
	"github.com/zfl-go/zfl/rpccallee"
	"github.com/zfl-go/zfl/rpccaller"
	"github.com/zfl-go/zfl/server"
)

type benchArgs struct{ A, B int }
type benchReply struct{ Result int }
type benchArith struct{}

func (a *benchArith) Add(args *benchArgs, reply *benchReply) error {
	reply.Result = args.A + args.B
	return nil
}

// serveDispatcher drives one CalleeCore through d until the socket errors
// on Destroy, the same loop cmd/zflrpcd and client_test.go's serve use.
func serveDispatcher(b *testing.B, callee *rpccallee.CalleeCore, d *server.Dispatcher) {
	b.Helper()
	go func() {
		for {
			m, err := callee.Recv()
			if err != nil {
				return
			}
			clientID := m.Unwrap()
			req := middleware.DecodeEnvelope(m)
			reply := d.Dispatch(context.Background(), req)
			out := middleware.EncodeEnvelope(reply)
			out.Wrap(clientID, nil)
			_ = callee.Send(out)
		}
	}()
}

func newBenchDispatcher(b *testing.B) *server.Dispatcher {
	b.Helper()
	d := server.NewDispatcher()
	if err := d.Register(&benchArith{}); err != nil {
		b.Fatalf("register: %v", err)
	}
	d.Build()
	return d
}

func newBenchCaller(b *testing.B, ctx *fabric.Context, serverID, endpoint string) *rpccaller.CallerCore {
	b.Helper()
	caller, err := rpccaller.New(ctx, nil)
	if err != nil {
		b.Fatalf("rpccaller.New: %v", err)
	}
	if err := caller.Connect(serverID, endpoint); err != nil {
		b.Fatalf("connect: %v", err)
	}
	return caller
}

// BenchmarkSerialCall measures one goroutine issuing round trips back to
// back against a single CalleeCore.
func BenchmarkSerialCall(b *testing.B) {
	ctx := fabric.NewContext(1)
	const endpoint = "inproc://bench-serial"

	callee, err := rpccallee.New(ctx, "bench-serial", nil)
	if err != nil {
		b.Fatalf("rpccallee.New: %v", err)
	}
	defer callee.Destroy()
	if err := callee.Bind(endpoint); err != nil {
		b.Fatalf("bind: %v", err)
	}
	serveDispatcher(b, callee, newBenchDispatcher(b))

	caller := newBenchCaller(b, ctx, "bench-serial", endpoint)
	defer caller.Destroy()
	c := client.New(caller)

	args := &benchArgs{A: 1, B: 2}
	reply := &benchReply{}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := c.Call("benchArith.Add", args, reply); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkConcurrentCall measures many goroutines, each with its own
// CallerCore (CallerCore.Call serializes a single caller's own round
// trips), hammering one CalleeCore concurrently.
func BenchmarkConcurrentCall(b *testing.B) {
	ctx := fabric.NewContext(1)
	const endpoint = "inproc://bench-concurrent"

	callee, err := rpccallee.New(ctx, "bench-concurrent", nil)
	if err != nil {
		b.Fatalf("rpccallee.New: %v", err)
	}
	defer callee.Destroy()
	if err := callee.Bind(endpoint); err != nil {
		b.Fatalf("bind: %v", err)
	}
	serveDispatcher(b, callee, newBenchDispatcher(b))

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		caller := newBenchCaller(b, ctx, "bench-concurrent", endpoint)
		defer caller.Destroy()
		c := client.New(caller)

		args := &benchArgs{A: 1, B: 2}
		reply := &benchReply{}
		for pb.Next() {
			if err := c.Call("benchArith.Add", args, reply); err != nil {
				b.Error(err)
				return
			}
		}
	})
}

// BenchmarkEnvelopeRoundTrip measures the envelope encode/decode every
// call pays on top of its JSON marshaling.
func BenchmarkEnvelopeRoundTrip(b *testing.B) {
	env := &middleware.Envelope{
		ServiceMethod: "benchArith.Add",
		Payload:       []byte(`{"A":1,"B":2}`),
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		wire := middleware.EncodeEnvelope(env)
		_ = middleware.DecodeEnvelope(wire)
	}
}
