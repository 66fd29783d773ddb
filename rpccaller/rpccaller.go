// Package rpccaller implements the client-side half of the reliable RPC
// pair: CallerCore. The user thread issues synchronous call(request) ->
// reply operations against a handle; underneath, one background coordinator
// goroutine tracks per-server liveness through heartbeats, dispatches the
// single outstanding request to the least-recently-used live server, and
// silently discards late replies from a server that has since been
// superseded.
//
// The coordinator and the user thread never share state directly: they
// exchange messages over two in-process pipe pairs ("data" for calls,
// "control" for administration). A single in-flight slot stands in for a
// pending-call map, since only one call may be outstanding at a time by
// design.
package rpccaller

import (
	"container/list"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zfl-go/zfl/fabric"
	"github.com/zfl-go/zfl/message"
	"github.com/zfl-go/zfl/wireframe"
	"github.com/zfl-go/zfl/zfllog"
)

const (
	// HeartbeatInterval is the outbound heartbeat period (§4.3.2a).
	HeartbeatInterval = 500 * time.Millisecond
	// MaxProcessingTime bounds how long a dispatched request may go
	// unanswered before the next LRU server takes over (§4.3.2c).
	MaxProcessingTime = 2 * time.Second
)

// serverRecord is the per-server bookkeeping entry (§4.1, "Server record
// (Caller side)"): identity, liveness, and the dedicated outbound socket
// used to reach it.
type serverRecord struct {
	id       string
	endpoint string
	sock     *fabric.Socket

	alive             bool
	heartbeatDeadline time.Time

	aliveElem *list.Element
	lruElem   *list.Element
}

// CallerCore is the reliable-RPC client coordinator. Zero value is not
// usable; construct with New.
type CallerCore struct {
	ctx *fabric.Context
	log *zap.SugaredLogger

	dataCoord, dataUser       *fabric.Socket
	controlCoord, controlUser *fabric.Socket

	callMu    sync.Mutex
	controlMu sync.Mutex

	servers        []*serverRecord
	registry       map[string]*serverRecord
	aliveServers   *list.List
	lruQueue       *list.List
	recordBySocket map[*fabric.Socket]*serverRecord

	sequenceNr uint64

	request                *message.MultipartMessage
	currentServer          *serverRecord
	processingDeadline     time.Time
	haveProcessingDeadline bool

	nextHeartbeat time.Time

	poller      *fabric.Poller
	pollerDirty bool

	done chan struct{}
}

// New spins up the coordinator goroutine and binds its two in-process
// endpoints ("data" and "control"). Pass a nil logger to use a no-op
// logger.
func New(ctx *fabric.Context, log *zap.SugaredLogger) (*CallerCore, error) {
	c := &CallerCore{
		ctx:            ctx,
		log:            zfllog.OrNoop(log),
		registry:       make(map[string]*serverRecord),
		aliveServers:   list.New(),
		lruQueue:       list.New(),
		recordBySocket: make(map[*fabric.Socket]*serverRecord),
		nextHeartbeat:  time.Now().Add(HeartbeatInterval),
		pollerDirty:    true,
		done:           make(chan struct{}),
	}

	id := uuid.NewString()
	var err error
	c.dataCoord, c.dataUser, err = ctx.NewInprocPair("inproc://zfl-caller-data-" + id)
	if err != nil {
		return nil, fmt.Errorf("rpccaller: new data pipe: %w", err)
	}
	c.controlCoord, c.controlUser, err = ctx.NewInprocPair("inproc://zfl-caller-control-" + id)
	if err != nil {
		c.dataCoord.Destroy()
		c.dataUser.Destroy()
		return nil, fmt.Errorf("rpccaller: new control pipe: %w", err)
	}

	go c.run()
	return c, nil
}

// Connect tells the coordinator to open a new route to endpoint under
// identity serverID, and blocks until it acknowledges. Connecting the
// same serverID twice is a programmer error (Open Question (b)) and is
// rejected with a returned error rather than silently overwriting the
// existing route.
func (c *CallerCore) Connect(serverID, endpoint string) error {
	c.controlMu.Lock()
	defer c.controlMu.Unlock()

	if err := c.controlUser.SendFrame(wireframe.Encode(wireframe.Connect(serverID, endpoint)), fabric.FlagNone); err != nil {
		return fmt.Errorf("rpccaller: connect: %w", err)
	}
	reply, err := c.controlUser.RecvMessage()
	if err != nil {
		return fmt.Errorf("rpccaller: connect ack: %w", err)
	}
	if len(reply) == 0 || string(reply[0]) != "ok" {
		return fmt.Errorf("rpccaller: connect %s: %s", serverID, firstFrame(reply))
	}
	return nil
}

// Call sends request on the data pipe and blocks for the single matching
// reply. The foreground never observes per-server routing, failover, or
// heartbeat traffic.
func (c *CallerCore) Call(request *message.MultipartMessage) (*message.MultipartMessage, error) {
	c.callMu.Lock()
	defer c.callMu.Unlock()

	if err := message.Send(request, c.dataUser); err != nil {
		return nil, fmt.Errorf("rpccaller: call: %w", err)
	}
	reply, err := message.Recv(c.dataUser)
	if err != nil {
		return nil, fmt.Errorf("rpccaller: call reply: %w", err)
	}
	return reply, nil
}

// Destroy stops the coordinator, joins it, and releases both pipe pairs.
func (c *CallerCore) Destroy() {
	c.controlMu.Lock()
	_ = c.controlUser.SendFrame(wireframe.Encode(wireframe.Stop()), fabric.FlagNone)
	c.controlMu.Unlock()

	<-c.done

	c.dataUser.Destroy()
	c.controlUser.Destroy()
}

func firstFrame(parts [][]byte) string {
	if len(parts) == 0 {
		return ""
	}
	return string(parts[0])
}
