// Package rpccallee implements the server-side half of the reliable RPC
// pair: CalleeCore. A server application calls Recv to obtain the next
// request and Send to answer it, while a background coordinator tracks
// per-client liveness and funnels concurrent clients through a single
// in-flight hand-off over a ZeroMQ ROUTER frontend. Dispatching a request
// to Go methods is left to the application (see server.Dispatcher).
package rpccallee

import (
	"container/list"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/zfl-go/zfl/fabric"
	"github.com/zfl-go/zfl/message"
	"github.com/zfl-go/zfl/wireframe"
	"github.com/zfl-go/zfl/zfllog"
)

// HeartbeatInterval bounds how long a client may stay silent before its
// record is evicted (§4.4.2, "Periodic chore").
const HeartbeatInterval = time.Second

// clientRecord is the per-client bookkeeping entry (§4.1, "Client record
// (Callee side)").
type clientRecord struct {
	id       string
	lastSeen time.Time
	elem     *list.Element
}

// CalleeCore is the reliable-RPC server coordinator. Zero value is not
// usable; construct with New.
type CalleeCore struct {
	ctx      *fabric.Context
	log      *zap.SugaredLogger
	serverID string

	frontend                  *fabric.Socket
	backendCoord, backendUser *fabric.Socket
	controlCoord, controlUser *fabric.Socket

	recvMu, sendMu, controlMu sync.Mutex

	clients    *list.List
	registry   map[string]*clientRecord
	msgQueue   []*message.MultipartMessage
	serverBusy bool

	limiter *rate.Limiter
	verbose bool

	poller      *fabric.Poller
	pollerDirty bool

	done chan struct{}
}

// Option configures optional CalleeCore behavior at construction.
type Option func(*CalleeCore)

// WithAdmissionLimiter bounds how many client frames the frontend accepts
// per second, protecting a ROUTER frontend fielding many concurrent
// clients from an unbounded msgQueue under load.
func WithAdmissionLimiter(l *rate.Limiter) Option {
	return func(c *CalleeCore) { c.limiter = l }
}

// New spins up the coordinator goroutine under identity serverID and binds
// its "data" (backend, toward the application) and "control" in-process
// endpoints. Pass a nil logger to use a no-op logger.
func New(ctx *fabric.Context, serverID string, log *zap.SugaredLogger, opts ...Option) (*CalleeCore, error) {
	c := &CalleeCore{
		ctx:         ctx,
		log:         zfllog.OrNoop(log),
		serverID:    serverID,
		clients:     list.New(),
		registry:    make(map[string]*clientRecord),
		pollerDirty: true,
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	var err error
	c.frontend, err = ctx.NewSocket(fabric.PatternRouter)
	if err != nil {
		return nil, fmt.Errorf("rpccallee: new frontend: %w", err)
	}

	id := uuid.NewString()
	c.backendCoord, c.backendUser, err = ctx.NewInprocPair("inproc://zfl-callee-data-" + id)
	if err != nil {
		c.frontend.Destroy()
		return nil, fmt.Errorf("rpccallee: new data pipe: %w", err)
	}
	c.controlCoord, c.controlUser, err = ctx.NewInprocPair("inproc://zfl-callee-control-" + id)
	if err != nil {
		c.frontend.Destroy()
		c.backendCoord.Destroy()
		c.backendUser.Destroy()
		return nil, fmt.Errorf("rpccallee: new control pipe: %w", err)
	}

	go c.run()
	return c, nil
}

// SetVerbose toggles whether events are logged at Info instead of Debug
// level.
func (c *CalleeCore) SetVerbose(v bool) {
	c.verbose = v
}

func (c *CalleeCore) logEvent(msg string, keysAndValues ...any) {
	if c.verbose {
		c.log.Infow(msg, keysAndValues...)
		return
	}
	c.log.Debugw(msg, keysAndValues...)
}

// Bind tells the coordinator to bind endpoint on the frontend socket, and
// blocks until it acknowledges.
func (c *CalleeCore) Bind(endpoint string) error {
	c.controlMu.Lock()
	defer c.controlMu.Unlock()

	if err := c.controlUser.SendFrame(wireframe.Encode(wireframe.Bind(endpoint)), fabric.FlagNone); err != nil {
		return fmt.Errorf("rpccallee: bind: %w", err)
	}
	reply, err := c.controlUser.RecvMessage()
	if err != nil {
		return fmt.Errorf("rpccallee: bind ack: %w", err)
	}
	if len(reply) == 0 || string(reply[0]) != "ok" {
		return fmt.Errorf("rpccallee: bind %s: %s", endpoint, firstFrame(reply))
	}
	return nil
}

// Recv blocks for the next client request.
func (c *CalleeCore) Recv() (*message.MultipartMessage, error) {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()

	m, err := message.Recv(c.backendUser)
	if err != nil {
		return nil, fmt.Errorf("rpccallee: recv: %w", err)
	}
	return m, nil
}

// Send answers the request most recently returned by Recv.
func (c *CalleeCore) Send(reply *message.MultipartMessage) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if err := message.Send(reply, c.backendUser); err != nil {
		return fmt.Errorf("rpccallee: send: %w", err)
	}
	return nil
}

// Destroy stops the coordinator, joins it, and releases the frontend and
// both pipe pairs.
func (c *CalleeCore) Destroy() {
	c.controlMu.Lock()
	_ = c.controlUser.SendFrame(wireframe.Encode(wireframe.Stop()), fabric.FlagNone)
	c.controlMu.Unlock()

	<-c.done

	c.backendUser.Destroy()
	c.controlUser.Destroy()
}

func firstFrame(parts [][]byte) string {
	if len(parts) == 0 {
		return ""
	}
	return string(parts[0])
}
