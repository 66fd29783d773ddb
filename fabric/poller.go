package fabric

import (
	"errors"
	"fmt"

	czmq "github.com/zeromq/goczmq/v4"
)

// ErrTerminated is returned from Poller.Wait and socket I/O when the
// messaging context is shutting down. It is the only error a coordinator
// loop does not recover from (§7).
var ErrTerminated = errors.New("fabric: terminated")

// Poller is the multi-channel wait primitive of §6.4: it blocks until one
// of a fixed set of sockets has a message ready, or a timeout elapses.
type Poller struct {
	poller *czmq.Poller
	byRaw  map[*czmq.Sock]*Socket
}

// NewPoller creates a poller watching the given sockets.
func NewPoller(sockets ...*Socket) (*Poller, error) {
	raws := make([]*czmq.Sock, len(sockets))
	byRaw := make(map[*czmq.Sock]*Socket, len(sockets))
	for i, s := range sockets {
		raws[i] = s.sock
		byRaw[s.sock] = s
	}
	p, err := czmq.NewPoller(raws...)
	if err != nil {
		return nil, fmt.Errorf("fabric: new poller: %w", err)
	}
	return &Poller{poller: p, byRaw: byRaw}, nil
}

// Wait blocks up to timeoutMs milliseconds and returns the socket that
// became ready, or nil on timeout. timeoutMs == -1 waits indefinitely.
// Callers computing a timeout from an absolute deadline must clamp negative
// durations to zero themselves before calling Wait (Open Question (a)) —
// Wait treats negative as "forever", not "immediately".
func (p *Poller) Wait(timeoutMs int) (*Socket, error) {
	raw, err := p.poller.Wait(timeoutMs)
	if err != nil {
		return nil, fmt.Errorf("fabric: poller wait: %w", err)
	}
	if raw == nil {
		return nil, nil
	}
	return p.byRaw[raw], nil
}

// Destroy releases the poller.
func (p *Poller) Destroy() {
	p.poller.Destroy()
}

// Proxy forwards frames between frontend and backend indefinitely, the
// built-in proxy primitive of §6.4/§4.5. It never returns under normal
// operation; it returns ErrTerminated when either socket's context is
// shutting down.
func Proxy(frontend, backend *Socket) error {
	poller, err := NewPoller(frontend, backend)
	if err != nil {
		return err
	}
	defer poller.Destroy()

	for {
		ready, err := poller.Wait(-1)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrTerminated, err)
		}
		if ready == nil {
			continue
		}
		var dst *Socket
		switch ready {
		case frontend:
			dst = backend
		case backend:
			dst = frontend
		default:
			continue
		}
		parts, err := ready.RecvMessage()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrTerminated, err)
		}
		if err := dst.SendMessage(parts); err != nil {
			return fmt.Errorf("%w: %v", ErrTerminated, err)
		}
	}
}
