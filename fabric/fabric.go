// Package fabric adapts the external ZeroMQ messaging fabric (§6.4) behind
// a small, explicit-context surface: socket construction by pattern,
// bind/connect/set-option, a multi-channel wait primitive, and a built-in
// proxy. Everything above this package — CallerCore, CalleeCore, Device —
// talks only to this surface, never to goczmq directly; Socket also
// satisfies the message.Sender/Receiver interfaces.
//
// The underlying library (goczmq) keeps a single process-wide CZMQ context;
// Context here is a thin explicit value threaded through constructors so
// callers never reach for a package-level singleton, per the module's
// design notes.
package fabric

import (
	"fmt"

	czmq "github.com/zeromq/goczmq/v4"

	"github.com/zfl-go/zfl/message"
)

// SendFrame flags, the same values as message.FlagNone/message.FlagMore.
const (
	FlagNone = message.FlagNone
	FlagMore = message.FlagMore
)

// Pattern identifies the ZeroMQ socket pattern to create.
type Pattern int

const (
	PatternRouter Pattern = iota
	PatternDealer
	PatternPub
	PatternSub
	PatternPush
	PatternPull
	PatternReq
	PatternRep
	PatternPair
)

// Context is an explicit handle onto the process-wide messaging context.
// It carries no state of its own today (goczmq manages the underlying CZMQ
// context implicitly) but gives every constructor in this module an
// explicit value to thread instead of reaching for global state, and gives
// us one place to hang future per-context options (iothreads).
type Context struct {
	ioThreads int
}

// NewContext returns a Context configured with the given iothreads count
// (1..255; see §6.5). ioThreads is currently advisory — goczmq configures
// its shared context lazily on first socket — but is recorded so a future
// explicit zsys_init(iothreads) hookup has somewhere to read it from.
func NewContext(ioThreads int) *Context {
	if ioThreads <= 0 {
		ioThreads = 1
	}
	return &Context{ioThreads: ioThreads}
}

// Socket wraps a goczmq *Sock behind the Pattern-based constructor this
// package exposes, so callers never see goczmq's per-pattern constructor
// zoo (NewRouter/NewDealer/...) directly.
type Socket struct {
	sock    *czmq.Sock
	pattern Pattern
}

// NewSocket opens a socket of the given pattern, unbound and unconnected.
// Use Bind/Connect to attach it to an endpoint.
func (c *Context) NewSocket(p Pattern) (*Socket, error) {
	zt, err := zmqType(p)
	if err != nil {
		return nil, err
	}
	sock := czmq.NewSock(zt)
	return &Socket{sock: sock, pattern: p}, nil
}

func zmqType(p Pattern) (int, error) {
	switch p {
	case PatternRouter:
		return czmq.Router, nil
	case PatternDealer:
		return czmq.Dealer, nil
	case PatternPub:
		return czmq.Pub, nil
	case PatternSub:
		return czmq.Sub, nil
	case PatternPush:
		return czmq.Push, nil
	case PatternPull:
		return czmq.Pull, nil
	case PatternReq:
		return czmq.Req, nil
	case PatternRep:
		return czmq.Rep, nil
	case PatternPair:
		return czmq.Pair, nil
	default:
		return 0, fmt.Errorf("fabric: unknown pattern %d", p)
	}
}

// Bind binds the socket to endpoint.
func (s *Socket) Bind(endpoint string) error {
	_, err := s.sock.Bind(endpoint)
	if err != nil {
		return fmt.Errorf("fabric: bind %s: %w", endpoint, err)
	}
	return nil
}

// Connect connects the socket to endpoint.
func (s *Socket) Connect(endpoint string) error {
	if err := s.sock.Connect(endpoint); err != nil {
		return fmt.Errorf("fabric: connect %s: %w", endpoint, err)
	}
	return nil
}

// SendFrame sends a single frame with the given flag (message.FlagMore or
// message.FlagNone), satisfying message.Sender.
func (s *Socket) SendFrame(frame []byte, flag int) error {
	return s.sock.SendFrame(frame, flag)
}

// SendMessage sends every frame of parts as one multipart datagram.
func (s *Socket) SendMessage(parts [][]byte) error {
	return s.sock.SendMessage(parts)
}

// RecvMessage reads one complete multipart datagram, satisfying
// message.Receiver.
func (s *Socket) RecvMessage() ([][]byte, error) {
	return s.sock.RecvMessage()
}

// Destroy releases the underlying socket.
func (s *Socket) Destroy() {
	s.sock.Destroy()
}

// SetIdentity sets the socket's outgoing routing identity. It must be
// called before Connect to take effect, and is how a DEALER arranges to be
// addressed by a stable identity frame on the ROUTER side it connects to.
func (s *Socket) SetIdentity(id string) error {
	if err := s.sock.SetOption(czmq.SockSetIdentity(id)); err != nil {
		return fmt.Errorf("fabric: set identity: %w", err)
	}
	return nil
}

// Raw exposes the underlying goczmq socket, for socket options this
// package's Socket type does not wrap.
func (s *Socket) Raw() *czmq.Sock {
	return s.sock
}

// NewInprocPair creads a connected in-process PAIR-socket pipe: side A is
// bound at endpoint, side B connects to it. This is the concurrency
// contract CallerCore/CalleeCore use for their data/control pipes toward
// the user thread — two endpoints, never one, so a control command can be
// issued while a data operation is in flight (see design notes).
func (c *Context) NewInprocPair(endpoint string) (a, b *Socket, err error) {
	a, err = c.NewSocket(PatternPair)
	if err != nil {
		return nil, nil, err
	}
	if err = a.Bind(endpoint); err != nil {
		a.Destroy()
		return nil, nil, err
	}
	b, err = c.NewSocket(PatternPair)
	if err != nil {
		a.Destroy()
		return nil, nil, err
	}
	if err = b.Connect(endpoint); err != nil {
		a.Destroy()
		b.Destroy()
		return nil, nil, err
	}
	return a, b, nil
}
