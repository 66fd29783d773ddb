package rpccaller

import (
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/zfl-go/zfl/fabric"
	"github.com/zfl-go/zfl/message"
	"github.com/zfl-go/zfl/wireframe"
)

// identityFrame builds a 17-byte ZeroMQ identity (a leading zero byte plus
// a 16-byte UUID) so the connecting DEALER is addressed by a stable,
// human-decodable frame on the Callee's ROUTER side, matching the wire
// identity convention message.Recv/Send round-trip (§3, MultipartMessage).
func identityFrame() string {
	id := uuid.New()
	buf := make([]byte, 17)
	copy(buf[1:], id[:])
	return string(buf)
}

// run is the single-threaded cooperative coordinator loop (§4.3.2/§5): wait
// on {backend.., data, control} with a computed timeout, dispatch whichever
// is ready, then run the three periodic chores. It blocks only inside
// Poller.Wait and inside fabric send/receive calls.
func (c *CallerCore) run() {
	defer close(c.done)
	defer c.teardown()

	for {
		if err := c.rebuildPollerIfDirty(); err != nil {
			c.log.Errorw("rpccaller: rebuild poller", "error", err)
			return
		}

		timeout := c.computeTimeout(time.Now())
		ready, err := c.poller.Wait(timeout)
		if err != nil {
			c.log.Errorw("rpccaller: poller wait", "error", err)
			return
		}

		switch {
		case ready == nil:
		case ready == c.controlCoord:
			if c.handleControl() {
				return
			}
		case ready == c.dataCoord:
			c.handleFrontend()
		default:
			if rec, ok := c.recordBySocket[ready]; ok {
				c.handleBackend(rec)
			}
		}

		now := time.Now()
		c.emitHeartbeats(now)
		c.reapDeadServers(now)
		c.detectLateResponse(now)
		c.dispatchPending(now)
	}
}

func (c *CallerCore) teardown() {
	if c.poller != nil {
		c.poller.Destroy()
	}
	for _, rec := range c.servers {
		rec.sock.Destroy()
	}
	c.dataCoord.Destroy()
	c.controlCoord.Destroy()
}

// rebuildPollerIfDirty recreates the poller whenever a server is connected,
// since fabric.Poller watches a fixed socket set. Connects are
// administrative and rare, so rebuilding on each one is not a concern.
func (c *CallerCore) rebuildPollerIfDirty() error {
	if !c.pollerDirty {
		return nil
	}
	if c.poller != nil {
		c.poller.Destroy()
	}
	sockets := make([]*fabric.Socket, 0, len(c.servers)+2)
	sockets = append(sockets, c.dataCoord, c.controlCoord)
	recordBySocket := make(map[*fabric.Socket]*serverRecord, len(c.servers))
	for _, rec := range c.servers {
		sockets = append(sockets, rec.sock)
		recordBySocket[rec.sock] = rec
	}
	poller, err := fabric.NewPoller(sockets...)
	if err != nil {
		return err
	}
	c.poller = poller
	c.recordBySocket = recordBySocket
	c.pollerDirty = false
	return nil
}

// computeTimeout picks the minimum of the next heartbeat sweep, the
// earliest heartbeat deadline among alive servers, and the processing
// deadline of an outstanding dispatch, clamped to zero if already past
// (Open Question (a): a deadline in the past at loop entry waits with a
// zero timeout rather than blocking negative milliseconds).
func (c *CallerCore) computeTimeout(now time.Time) int {
	deadline := c.nextHeartbeat
	if front := c.aliveServers.Front(); front != nil {
		if d := front.Value.(*serverRecord).heartbeatDeadline; d.Before(deadline) {
			deadline = d
		}
	}
	if c.haveProcessingDeadline && c.processingDeadline.Before(deadline) {
		deadline = c.processingDeadline
	}

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

// handleControl processes one control-pipe command. It returns true when
// the coordinator should stop.
func (c *CallerCore) handleControl() bool {
	frames, err := c.controlCoord.RecvMessage()
	if err != nil || len(frames) == 0 {
		c.log.Errorw("rpccaller: control recv", "error", err)
		return false
	}
	cmd, err := wireframe.Decode(frames[0])
	if err != nil {
		c.log.Errorw("rpccaller: control decode", "error", err)
		return false
	}

	switch cmd.Op {
	case wireframe.OpStop:
		return true

	case wireframe.OpConnect:
		serverID, endpoint := cmd.Args[0], cmd.Args[1]
		if _, exists := c.registry[serverID]; exists {
			c.log.Errorw("rpccaller: connect called twice", "server_id", serverID)
			_ = c.controlCoord.SendFrame([]byte("error: server_id "+serverID+" already connected"), fabric.FlagNone)
			return false
		}
		sock, err := c.ctx.NewSocket(fabric.PatternDealer)
		if err != nil {
			_ = c.controlCoord.SendFrame([]byte("error: "+err.Error()), fabric.FlagNone)
			return false
		}
		if err := sock.SetIdentity(identityFrame()); err != nil {
			sock.Destroy()
			_ = c.controlCoord.SendFrame([]byte("error: "+err.Error()), fabric.FlagNone)
			return false
		}
		if err := sock.Connect(endpoint); err != nil {
			sock.Destroy()
			_ = c.controlCoord.SendFrame([]byte("error: "+err.Error()), fabric.FlagNone)
			return false
		}
		rec := &serverRecord{id: serverID, endpoint: endpoint, sock: sock}
		c.registry[serverID] = rec
		c.servers = append(c.servers, rec)
		c.pollerDirty = true
		c.log.Debugw("rpccaller: connected", "server_id", serverID, "endpoint", endpoint, "event", "connect")
		_ = c.controlCoord.SendFrame([]byte("ok"), fabric.FlagNone)
	}
	return false
}

// handleFrontend stores the user's pending request. Invariant: request ==
// nil and currentServer == nil, guaranteed by Call's blocking round trip.
func (c *CallerCore) handleFrontend() {
	m, err := message.Recv(c.dataCoord)
	if err != nil {
		c.log.Errorw("rpccaller: frontend recv", "error", err)
		return
	}
	c.request = m
}

// handleBackend processes one frame from a connected server: either a
// heartbeat echo (empty payload) or a reply (request_id + body).
func (c *CallerCore) handleBackend(rec *serverRecord) {
	parts, err := rec.sock.RecvMessage()
	if err != nil {
		// Fabric errors on backend are swallowed (§4.3.5); the fabric is
		// assumed to handle reconnection.
		return
	}
	now := time.Now()

	if isEmptyPayload(parts) {
		if !rec.alive {
			rec.alive = true
			rec.lruElem = c.lruQueue.PushBack(rec)
		}
		c.refreshAlive(rec, now)
		return
	}

	if rec != c.currentServer || len(parts) != 2 {
		return // stale or malformed: silently discarded
	}
	reqID, err := strconv.ParseUint(string(parts[0]), 10, 64)
	if err != nil || reqID != c.sequenceNr {
		return // sequence mismatch: stale reply
	}

	c.request.BodySet(string(parts[1]))
	if err := message.Send(c.request, c.dataCoord); err != nil {
		c.log.Errorw("rpccaller: frontend reply send", "error", err)
	}
	c.sequenceNr++
	c.currentServer = nil
	c.haveProcessingDeadline = false
	c.request = nil
	c.log.Debugw("rpccaller: reply", "server_id", rec.id, "seq", reqID, "event", "dispatch")
}

func isEmptyPayload(parts [][]byte) bool {
	if len(parts) == 0 {
		return true
	}
	return len(parts) == 1 && len(parts[0]) == 0
}

// refreshAlive removes rec from aliveServers (if present) and re-appends it
// with a fresh deadline, keeping the queue sorted by deadline ascending
// since every refresh uses the same interval (§4.1).
func (c *CallerCore) refreshAlive(rec *serverRecord, now time.Time) {
	if rec.aliveElem != nil {
		c.aliveServers.Remove(rec.aliveElem)
	}
	rec.heartbeatDeadline = now.Add(HeartbeatInterval)
	rec.aliveElem = c.aliveServers.PushBack(rec)
}

// emitHeartbeats fans a heartbeat out to every connected server once per
// HeartbeatInterval (§4.3.2a).
func (c *CallerCore) emitHeartbeats(now time.Time) {
	if now.Before(c.nextHeartbeat) {
		return
	}
	for _, rec := range c.servers {
		_ = rec.sock.SendFrame(nil, fabric.FlagNone)
	}
	c.nextHeartbeat = now.Add(HeartbeatInterval)
}

// reapDeadServers drops every alive server whose heartbeat deadline has
// passed, removing it from both ordered queues in the same step (§4.3.2b).
func (c *CallerCore) reapDeadServers(now time.Time) {
	for {
		front := c.aliveServers.Front()
		if front == nil {
			return
		}
		rec := front.Value.(*serverRecord)
		if rec.heartbeatDeadline.After(now) {
			return
		}
		c.aliveServers.Remove(front)
		rec.aliveElem = nil
		if rec.lruElem != nil {
			c.lruQueue.Remove(rec.lruElem)
			rec.lruElem = nil
		}
		rec.alive = false
		c.log.Debugw("rpccaller: server dead", "server_id", rec.id, "event", "peer_dead")
	}
}

// detectLateResponse clears currentServer once its processing deadline has
// passed, leaving request pending for re-dispatch to the next LRU server
// (§4.3.2c).
func (c *CallerCore) detectLateResponse(now time.Time) {
	if c.currentServer == nil || !c.haveProcessingDeadline {
		return
	}
	if now.Before(c.processingDeadline) {
		return
	}
	c.log.Debugw("rpccaller: processing deadline exceeded", "server_id", c.currentServer.id, "event", "failover")
	c.currentServer = nil
	c.haveProcessingDeadline = false
}

// dispatchPending sends the pending request to the head of the LRU queue
// if one exists and no server currently holds the request.
func (c *CallerCore) dispatchPending(now time.Time) {
	if c.request == nil || c.currentServer != nil {
		return
	}
	elem := c.lruQueue.Front()
	if elem == nil {
		return
	}
	rec := elem.Value.(*serverRecord)
	seq := strconv.FormatUint(c.sequenceNr, 10)
	body := c.request.BodyGet()
	if err := rec.sock.SendMessage([][]byte{[]byte(seq), []byte(body)}); err != nil {
		c.log.Errorw("rpccaller: dispatch send", "server_id", rec.id, "error", err)
	}
	c.currentServer = rec
	c.processingDeadline = now.Add(MaxProcessingTime)
	c.haveProcessingDeadline = true
	c.lruQueue.MoveToBack(elem)
	c.log.Debugw("rpccaller: dispatch", "server_id", rec.id, "seq", c.sequenceNr, "event", "dispatch")
}
