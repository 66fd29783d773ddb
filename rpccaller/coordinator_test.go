package rpccaller

import (
	"container/list"
	"testing"
	"time"

	"github.com/zfl-go/zfl/zfllog"
)

func newTestCore() *CallerCore {
	return &CallerCore{
		log:          zfllog.Noop(),
		registry:     make(map[string]*serverRecord),
		aliveServers: list.New(),
		lruQueue:     list.New(),
	}
}

func TestComputeTimeoutClampsPastDeadlineToZero(t *testing.T) {
	c := newTestCore()
	now := time.Now()
	c.nextHeartbeat = now.Add(-10 * time.Millisecond)

	if got := c.computeTimeout(now); got != 0 {
		t.Fatalf("expected 0 for a deadline already in the past, got %d", got)
	}
}

func TestComputeTimeoutPicksEarliestDeadline(t *testing.T) {
	c := newTestCore()
	now := time.Now()
	c.nextHeartbeat = now.Add(500 * time.Millisecond)
	c.processingDeadline = now.Add(50 * time.Millisecond)
	c.haveProcessingDeadline = true

	got := c.computeTimeout(now)
	if got <= 0 || got > 50 {
		t.Fatalf("expected timeout bounded by processing deadline (~50ms), got %d", got)
	}
}

func TestReapDeadServersRemovesFromBothQueues(t *testing.T) {
	c := newTestCore()
	now := time.Now()

	rec := &serverRecord{id: "srv-1", alive: true, heartbeatDeadline: now.Add(-time.Millisecond)}
	rec.aliveElem = c.aliveServers.PushBack(rec)
	rec.lruElem = c.lruQueue.PushBack(rec)

	c.reapDeadServers(now)

	if c.aliveServers.Len() != 0 || c.lruQueue.Len() != 0 {
		t.Fatalf("expected dead server removed from both queues")
	}
	if rec.alive {
		t.Fatalf("expected record marked dead")
	}
}

func TestReapDeadServersStopsAtFirstLiveRecord(t *testing.T) {
	c := newTestCore()
	now := time.Now()

	dead := &serverRecord{id: "dead", heartbeatDeadline: now.Add(-time.Millisecond)}
	dead.aliveElem = c.aliveServers.PushBack(dead)
	alive := &serverRecord{id: "alive", heartbeatDeadline: now.Add(time.Hour)}
	alive.aliveElem = c.aliveServers.PushBack(alive)

	c.reapDeadServers(now)

	if c.aliveServers.Len() != 1 {
		t.Fatalf("expected one survivor, got %d", c.aliveServers.Len())
	}
	if c.aliveServers.Front().Value.(*serverRecord).id != "alive" {
		t.Fatalf("expected the live record to survive")
	}
}

func TestDetectLateResponseClearsCurrentServerAfterDeadline(t *testing.T) {
	c := newTestCore()
	now := time.Now()
	c.currentServer = &serverRecord{id: "srv-1"}
	c.processingDeadline = now.Add(-time.Millisecond)
	c.haveProcessingDeadline = true

	c.detectLateResponse(now)

	if c.currentServer != nil || c.haveProcessingDeadline {
		t.Fatalf("expected currentServer cleared once processing deadline elapsed")
	}
}

func TestDetectLateResponseLeavesCurrentServerBeforeDeadline(t *testing.T) {
	c := newTestCore()
	now := time.Now()
	c.currentServer = &serverRecord{id: "srv-1"}
	c.processingDeadline = now.Add(time.Hour)
	c.haveProcessingDeadline = true

	c.detectLateResponse(now)

	if c.currentServer == nil {
		t.Fatalf("expected currentServer to remain set before its deadline")
	}
}

func TestRefreshAliveKeepsQueueSortedByAppending(t *testing.T) {
	c := newTestCore()
	now := time.Now()

	a := &serverRecord{id: "a"}
	b := &serverRecord{id: "b"}
	c.refreshAlive(a, now)
	c.refreshAlive(b, now.Add(time.Millisecond))
	c.refreshAlive(a, now.Add(2*time.Millisecond)) // a refreshes again, moves to tail

	if c.aliveServers.Front().Value.(*serverRecord).id != "b" {
		t.Fatalf("expected b at front after a's refresh moved it to the tail")
	}
}

func TestIsEmptyPayload(t *testing.T) {
	cases := []struct {
		parts [][]byte
		want  bool
	}{
		{nil, true},
		{[][]byte{}, true},
		{[][]byte{{}}, true},
		{[][]byte{[]byte("x")}, false},
		{[][]byte{[]byte("1"), []byte("body")}, false},
	}
	for _, tc := range cases {
		if got := isEmptyPayload(tc.parts); got != tc.want {
			t.Fatalf("isEmptyPayload(%v) = %v, want %v", tc.parts, got, tc.want)
		}
	}
}
