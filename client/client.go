// Package client provides a JSON-args convenience wrapper around a
// CallerCore handle: "Arith.Add" resolves through a single
// already-connected Caller and the reliable-RPC wire envelope instead of
// a registry lookup, a load-balancer pick, and a pooled TCP dial.
package client

import (
	"encoding/json"
	"fmt"

	"github.com/zfl-go/zfl/message"
	"github.com/zfl-go/zfl/middleware"
)

// Caller is the subset of rpccaller.CallerCore a Client needs. Kept as an
// interface so tests can exercise Client without real 0MQ sockets.
type Caller interface {
	Call(request *message.MultipartMessage) (*message.MultipartMessage, error)
}

// Client wraps a Caller with the envelope encode/decode and JSON
// marshaling Call needs around every request/reply pair.
type Client struct {
	caller Caller
}

// New wraps caller, typically a *rpccaller.CallerCore already connected to
// one or more backends via discovery.Registry or direct Connect calls.
func New(caller Caller) *Client {
	return &Client{caller: caller}
}

// Call marshals args to JSON, sends "serviceMethod(args)" over the
// wire envelope, and unmarshals the JSON reply payload into reply.
// A non-empty envelope error is returned as a plain error.
func (c *Client) Call(serviceMethod string, args, reply any) error {
	payload, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("client: marshal args: %w", err)
	}

	req := middleware.EncodeEnvelope(&middleware.Envelope{ServiceMethod: serviceMethod, Payload: payload})
	respMsg, err := c.caller.Call(req)
	if err != nil {
		return fmt.Errorf("client: call %s: %w", serviceMethod, err)
	}

	resp := middleware.DecodeEnvelope(respMsg)
	if resp.Error != "" {
		return fmt.Errorf("server error: %s", resp.Error)
	}
	if reply == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Payload, reply); err != nil {
		return fmt.Errorf("client: unmarshal reply: %w", err)
	}
	return nil
}
