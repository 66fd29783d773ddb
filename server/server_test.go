package server

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/zfl-go/zfl/middleware"
)

type Args struct {
	A, B int
}

type Reply struct {
	Result int
}

type Arith struct{}

func (a *Arith) Add(args *Args, reply *Reply) error {
	reply.Result = args.A + args.B
	return nil
}

func (a *Arith) Div(args *Args, reply *Reply) error {
	if args.B == 0 {
		return errDivByZero
	}
	reply.Result = args.A / args.B
	return nil
}

var errDivByZero = dispatcherError("division by zero")

type dispatcherError string

func (e dispatcherError) Error() string { return string(e) }

func newArithDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	d := NewDispatcher()
	if err := d.Register(&Arith{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	d.Build()
	return d
}

func TestDispatchInvokesRegisteredMethod(t *testing.T) {
	d := newArithDispatcher(t)

	payload, _ := json.Marshal(&Args{A: 1, B: 2})
	reply := d.Dispatch(context.Background(), &middleware.Envelope{ServiceMethod: "Arith.Add", Payload: payload})

	if reply.Error != "" {
		t.Fatalf("unexpected error: %s", reply.Error)
	}
	var r Reply
	if err := json.Unmarshal(reply.Payload, &r); err != nil {
		t.Fatalf("unmarshal reply: %v", err)
	}
	if r.Result != 3 {
		t.Fatalf("expected 3, got %d", r.Result)
	}
}

func TestDispatchPropagatesMethodError(t *testing.T) {
	d := newArithDispatcher(t)

	payload, _ := json.Marshal(&Args{A: 1, B: 0})
	reply := d.Dispatch(context.Background(), &middleware.Envelope{ServiceMethod: "Arith.Div", Payload: payload})

	if reply.Error != "division by zero" {
		t.Fatalf("expected division by zero error, got %q", reply.Error)
	}
}

func TestDispatchUnknownService(t *testing.T) {
	d := newArithDispatcher(t)

	reply := d.Dispatch(context.Background(), &middleware.Envelope{ServiceMethod: "Ghost.Add"})
	if reply.Error == "" {
		t.Fatalf("expected an error for an unregistered service")
	}
}

func TestDispatchMalformedServiceMethod(t *testing.T) {
	d := newArithDispatcher(t)

	reply := d.Dispatch(context.Background(), &middleware.Envelope{ServiceMethod: "NoDot"})
	if reply.Error != "invalid service method format" {
		t.Fatalf("expected format error, got %q", reply.Error)
	}
}
