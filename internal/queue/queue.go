// Package queue implements the bounded, priority-ordered, per-client
// outbound message queue: broker-level messages drain before RPT status,
// which drains before RPT data, with RPT data on Device records fairly
// round-robined across source controllers.
package queue

import (
	"sync"

	"github.com/ETCLabs/RDMnet-sub004/internal/brokererrors"
)

// Class identifies which sub-queue an entry belongs to.
type Class int

const (
	ClassBroker Class = iota
	ClassStatus
	ClassRPT
)

type entry struct {
	buf  []byte
	sent int
}

type cursor struct {
	valid   bool
	class   Class
	partIdx int
	entry   *entry
}

// Queue is a per-client outbound queue. It is safe for concurrent use; in
// practice only the scheduler goroutine drains while routing/connfsm
// goroutines push.
type Queue struct {
	mu sync.Mutex

	cap    int // 0 = unbounded
	length int

	broker []*entry
	status []*entry

	// partitioned is true for Device client records: the rpt sub-queue is
	// split by source-controller handle and drained round-robin for
	// fairness. Controller records use a single FIFO instead.
	partitioned bool
	simple      []*entry
	parts       map[int][]*entry
	order       []int // partition keys in first-seen order
	lastIdx     int   // index into order of the partition last fully served

	cur cursor
}

// New returns a Queue with the given total-message cap (0 = unbounded).
// partitioned selects Device-style fair RPT partitioning vs. a plain FIFO.
func New(cap int, partitioned bool) *Queue {
	q := &Queue{cap: cap, partitioned: partitioned, lastIdx: -1}
	if partitioned {
		q.parts = make(map[int][]*entry)
	}
	return q
}

func (q *Queue) pushLocked(buf []byte) error {
	if q.cap > 0 && q.length >= q.cap {
		return brokererrors.ErrQueueFull
	}
	q.length++
	return nil
}

// PushBroker enqueues a broker-protocol message.
func (q *Queue) PushBroker(buf []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.pushLocked(buf); err != nil {
		return err
	}
	q.broker = append(q.broker, &entry{buf: buf})
	return nil
}

// PushStatus enqueues an RPT status message.
func (q *Queue) PushStatus(buf []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.pushLocked(buf); err != nil {
		return err
	}
	q.status = append(q.status, &entry{buf: buf})
	return nil
}

// PushRPT enqueues RPT data. sourceHandle selects the fairness partition on
// a partitioned (Device) queue; it is ignored on a non-partitioned queue.
func (q *Queue) PushRPT(sourceHandle int, buf []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.pushLocked(buf); err != nil {
		return err
	}
	e := &entry{buf: buf}
	if !q.partitioned {
		q.simple = append(q.simple, e)
		return nil
	}
	if _, ok := q.parts[sourceHandle]; !ok {
		q.order = append(q.order, sourceHandle)
	}
	q.parts[sourceHandle] = append(q.parts[sourceHandle], e)
	return nil
}

// PushNullFront enqueues a heartbeat-null at the front of broker_q unless one
// is already pending there, matching the idempotent keep-alive rule.
func (q *Queue) PushNullFront(buf []byte, isNull func([]byte) bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.broker) > 0 && isNull(q.broker[0].buf) {
		return
	}
	q.length++
	q.broker = append([]*entry{{buf: buf}}, q.broker...)
}

// Peek returns the unsent tail of the highest-priority non-empty entry
// without popping it, so the caller can attempt a (possibly partial) write.
// Call Advance with the number of bytes actually written afterward.
func (q *Queue) Peek() (data []byte, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.broker) > 0 {
		e := q.broker[0]
		q.cur = cursor{valid: true, class: ClassBroker, entry: e}
		return e.buf[e.sent:], true
	}
	if len(q.status) > 0 {
		e := q.status[0]
		q.cur = cursor{valid: true, class: ClassStatus, entry: e}
		return e.buf[e.sent:], true
	}
	if q.partitioned {
		n := len(q.order)
		for i := 1; i <= n; i++ {
			idx := (q.lastIdx + i) % n
			key := q.order[idx]
			part := q.parts[key]
			if len(part) > 0 {
				e := part[0]
				q.cur = cursor{valid: true, class: ClassRPT, partIdx: idx, entry: e}
				return e.buf[e.sent:], true
			}
		}
		return nil, false
	}
	if len(q.simple) > 0 {
		e := q.simple[0]
		q.cur = cursor{valid: true, class: ClassRPT, entry: e}
		return e.buf[e.sent:], true
	}
	return nil, false
}

// Advance records n additional bytes sent for the entry returned by the
// most recent Peek, popping it once fully sent.
func (q *Queue) Advance(n int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.cur.valid {
		return
	}
	c := q.cur
	q.cur = cursor{}
	c.entry.sent += n
	if c.entry.sent < len(c.entry.buf) {
		return
	}
	q.length--
	switch c.class {
	case ClassBroker:
		q.broker = q.broker[1:]
	case ClassStatus:
		q.status = q.status[1:]
	case ClassRPT:
		if q.partitioned {
			key := q.order[c.partIdx]
			q.parts[key] = q.parts[key][1:]
			q.lastIdx = c.partIdx
		} else {
			q.simple = q.simple[1:]
		}
	}
}

// DiscardPartition drops every buffered RPT entry sourced from handle,
// without touching the broker/status sub-queues. Used when a controller is
// reaped so its stale partition does not linger in a Device's rpt queue.
func (q *Queue) DiscardPartition(handle int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.partitioned {
		return
	}
	part, ok := q.parts[handle]
	if !ok {
		return
	}
	q.length -= len(part)
	delete(q.parts, handle)
	for i, key := range q.order {
		if key == handle {
			q.order = append(q.order[:i], q.order[i+1:]...)
			if q.lastIdx >= i {
				q.lastIdx--
			}
			break
		}
	}
}

// Len reports the total number of buffered (not-yet-fully-sent) entries
// across all sub-queues.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.length
}

// Empty reports whether every sub-queue is empty.
func (q *Queue) Empty() bool {
	return q.Len() == 0
}
