package rpccallee

import (
	"time"

	"github.com/zfl-go/zfl/fabric"
	"github.com/zfl-go/zfl/message"
	"github.com/zfl-go/zfl/wireframe"
)

// run is the single-threaded cooperative coordinator loop (§4.4.2): wait on
// {frontend, backend, control}, dispatch whichever is ready, then run the
// periodic chore (client eviction + dispatch-when-idle).
func (c *CalleeCore) run() {
	defer close(c.done)
	defer c.teardown()

	for {
		if err := c.rebuildPollerIfDirty(); err != nil {
			c.log.Errorw("rpccallee: rebuild poller", "error", err)
			return
		}

		timeout := c.computeTimeout(time.Now())
		ready, err := c.poller.Wait(timeout)
		if err != nil {
			c.log.Errorw("rpccallee: poller wait", "error", err)
			return
		}

		switch ready {
		case nil:
		case c.controlCoord:
			if c.handleControl() {
				return
			}
		case c.frontend:
			c.handleFrontend()
		case c.backendCoord:
			c.handleBackend()
		}

		c.runChore(time.Now())
	}
}

func (c *CalleeCore) teardown() {
	if c.poller != nil {
		c.poller.Destroy()
	}
	c.frontend.Destroy()
	c.backendCoord.Destroy()
	c.controlCoord.Destroy()
}

func (c *CalleeCore) rebuildPollerIfDirty() error {
	if !c.pollerDirty {
		return nil
	}
	if c.poller != nil {
		c.poller.Destroy()
	}
	poller, err := fabric.NewPoller(c.frontend, c.backendCoord, c.controlCoord)
	if err != nil {
		return err
	}
	c.poller = poller
	c.pollerDirty = false
	return nil
}

// computeTimeout bounds the wait by the earliest client eviction deadline
// (§5, "Timeout computation"), clamped to zero if already past (Open
// Question (a)).
func (c *CalleeCore) computeTimeout(now time.Time) int {
	front := c.clients.Front()
	if front == nil {
		return -1
	}
	deadline := front.Value.(*clientRecord).lastSeen.Add(HeartbeatInterval)
	remaining := deadline.Sub(now)
	if remaining < 0 {
		remaining = 0
	}
	ms := int(remaining / time.Millisecond)
	if ms == 0 && remaining > 0 {
		ms = 1
	}
	return ms
}

func (c *CalleeCore) handleControl() bool {
	frames, err := c.controlCoord.RecvMessage()
	if err != nil || len(frames) == 0 {
		c.log.Errorw("rpccallee: control recv", "error", err)
		return false
	}
	cmd, err := wireframe.Decode(frames[0])
	if err != nil {
		c.log.Errorw("rpccallee: control decode", "error", err)
		return false
	}

	switch cmd.Op {
	case wireframe.OpStop:
		return true

	case wireframe.OpBind:
		endpoint := cmd.Args[0]
		if err := c.frontend.Bind(endpoint); err != nil {
			_ = c.controlCoord.SendFrame([]byte("error: "+err.Error()), fabric.FlagNone)
			return false
		}
		c.logEvent("rpccallee: bound", "server_id", c.serverID, "endpoint", endpoint, "event", "bind")
		_ = c.controlCoord.SendFrame([]byte("ok"), fabric.FlagNone)
	}
	return false
}

// handleFrontend processes one frame from a client: a heartbeat (empty
// payload, echoed immediately) or a request (enqueued onto msg_queue with
// its address envelope preserved).
func (c *CalleeCore) handleFrontend() {
	if c.limiter != nil && !c.limiter.Allow() {
		// Admission control: drop the frame under load rather than
		// growing msg_queue without bound. A dropped heartbeat is replaced
		// by the client's next one; a dropped request is re-dispatched by
		// the Caller once its processing deadline lapses.
		_, _ = c.frontend.RecvMessage()
		return
	}

	m, err := message.Recv(c.frontend)
	if err != nil {
		c.log.Errorw("rpccallee: frontend recv", "error", err)
		return
	}
	clientID := m.Unwrap()
	now := time.Now()
	rec := c.recordFor(clientID)

	if m.Parts() > 0 {
		m.Wrap(clientID, nil)
		c.msgQueue = append(c.msgQueue, m)
	} else {
		empty := ""
		reply := message.New()
		reply.Wrap(clientID, &empty)
		if err := message.Send(reply, c.frontend); err != nil {
			c.log.Errorw("rpccallee: heartbeat echo", "error", err)
		}
	}

	c.refreshClient(rec, now)
}

func (c *CalleeCore) recordFor(clientID string) *clientRecord {
	if rec, ok := c.registry[clientID]; ok {
		return rec
	}
	rec := &clientRecord{id: clientID}
	c.registry[clientID] = rec
	rec.elem = c.clients.PushBack(rec)
	return rec
}

// refreshClient moves rec to the tail of clients with an updated
// lastSeen, keeping the queue sorted by eviction deadline ascending.
func (c *CalleeCore) refreshClient(rec *clientRecord, now time.Time) {
	rec.lastSeen = now
	if rec.elem != nil {
		c.clients.Remove(rec.elem)
	}
	rec.elem = c.clients.PushBack(rec)
}

// handleBackend forwards the application's reply (still addressed to a
// client) back out the frontend, and clears the single in-flight slot.
func (c *CalleeCore) handleBackend() {
	m, err := message.Recv(c.backendCoord)
	if err != nil {
		c.log.Errorw("rpccallee: backend recv", "error", err)
		return
	}
	if err := message.Send(m, c.frontend); err != nil {
		c.log.Errorw("rpccallee: frontend forward", "error", err)
	}
	c.serverBusy = false
}

// runChore evicts silent clients and, if the application is idle, hands
// off the next queued request (§4.4.2, "Periodic chore").
func (c *CalleeCore) runChore(now time.Time) {
	c.evictStaleClients(now)

	if !c.serverBusy && len(c.msgQueue) > 0 {
		next := c.msgQueue[0]
		c.msgQueue = c.msgQueue[1:]
		if err := message.Send(next, c.backendCoord); err != nil {
			c.log.Errorw("rpccallee: application dispatch", "error", err)
			return
		}
		c.serverBusy = true
	}
}

// evictStaleClients drops every client record whose last_seen window has
// elapsed. clients is ordered by eviction deadline ascending, so it only
// ever needs to inspect the front.
func (c *CalleeCore) evictStaleClients(now time.Time) {
	for {
		front := c.clients.Front()
		if front == nil {
			return
		}
		rec := front.Value.(*clientRecord)
		if rec.lastSeen.Add(HeartbeatInterval).After(now) {
			return
		}
		c.clients.Remove(front)
		delete(c.registry, rec.id)
	}
}
