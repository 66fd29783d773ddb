// Package server implements reflection-based service registration and
// dispatch: register a Go struct's RPC-shaped methods, then resolve a
// "Service.Method" envelope against them through an optional middleware
// chain. This is the business-logic half of a reliable RPC server; the
// transport half (accept connections, frame I/O, client liveness) belongs
// to rpccallee.CalleeCore, which hands a Dispatcher one decoded request at
// a time.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/zfl-go/zfl/middleware"
)

// Dispatcher resolves "Service.Method" envelopes against registered
// services through a middleware chain. The zero value is ready to use.
type Dispatcher struct {
	serviceMap  map[string]*service
	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc
}

// NewDispatcher creates a Dispatcher with an empty service map.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{serviceMap: make(map[string]*service)}
}

// Register registers a service receiver (e.g., &Arith{}) with the
// dispatcher. The struct's exported methods matching the RPC signature
// convention become callable as "StructName.MethodName".
func (d *Dispatcher) Register(rcvr any) error {
	svc, err := NewService(rcvr)
	if err != nil {
		return err
	}
	if d.serviceMap == nil {
		d.serviceMap = make(map[string]*service)
	}
	d.serviceMap[svc.name] = svc
	return nil
}

// Use registers a middleware. Middlewares wrap, in the order added, around
// the reflection-dispatch business handler; call Build once registration
// is complete.
func (d *Dispatcher) Use(mw middleware.Middleware) {
	d.middlewares = append(d.middlewares, mw)
}

// Build compiles the middleware chain around the business handler. Must be
// called once, after all Register/Use calls and before the first Dispatch.
func (d *Dispatcher) Build() {
	d.handler = middleware.Chain(d.middlewares...)(d.businessHandler)
}

// Dispatch resolves req against the registered services and returns the
// reply envelope. Build must have been called first; if it has not,
// Dispatch falls back to calling the business handler directly with no
// middleware.
func (d *Dispatcher) Dispatch(ctx context.Context, req *middleware.Envelope) *middleware.Envelope {
	if d.handler == nil {
		return d.businessHandler(ctx, req)
	}
	return d.handler(ctx, req)
}

// businessHandler is the core handler that dispatches RPC requests to
// registered services. Flow: parse "Service.Method" → find service →
// find method → reflect.New(args) → json.Unmarshal(payload, args) →
// reflect.Call → json.Marshal(reply) → return Envelope.
func (d *Dispatcher) businessHandler(ctx context.Context, req *middleware.Envelope) *middleware.Envelope {
	split := strings.SplitN(req.ServiceMethod, ".", 2)
	if len(split) != 2 {
		return &middleware.Envelope{ServiceMethod: req.ServiceMethod, Error: "invalid service method format"}
	}
	serviceName, methodName := split[0], split[1]

	svc, ok := d.serviceMap[serviceName]
	if !ok {
		return &middleware.Envelope{ServiceMethod: req.ServiceMethod, Error: fmt.Sprintf("unknown service %q", serviceName)}
	}
	method, ok := svc.method[methodName]
	if !ok {
		return &middleware.Envelope{ServiceMethod: req.ServiceMethod, Error: fmt.Sprintf("unknown method %q", req.ServiceMethod)}
	}

	argv := reflect.New(method.ArgType)
	replyv := reflect.New(method.ReplyType)

	if err := json.Unmarshal(req.Payload, argv.Interface()); err != nil {
		return &middleware.Envelope{ServiceMethod: req.ServiceMethod, Error: err.Error()}
	}

	methodErr := svc.Call(method, argv, replyv)

	replyPayload, err := json.Marshal(replyv.Interface())
	if err != nil {
		return &middleware.Envelope{ServiceMethod: req.ServiceMethod, Error: err.Error()}
	}

	reply := &middleware.Envelope{ServiceMethod: req.ServiceMethod, Payload: replyPayload}
	if methodErr != nil {
		reply.Error = methodErr.Error()
	}
	return reply
}
