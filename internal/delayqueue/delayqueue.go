// Package delayqueue holds packets awaiting their release time. A later
// packet with a smaller delay overtakes an earlier one; that is how
// jitter-induced reordering is realized.
package delayqueue

import (
	"container/heap"
	"time"
)

// MaxBytes bounds the queued payload per direction. On overflow the head
// (soonest release) is dropped until the new packet fits.
const MaxBytes = 2 * 1024 * 1024

// Packet is a payload scheduled for release.
type Packet struct {
	Payload        []byte
	ReleaseTime    time.Time
	PacketSeq      uint64
	ProfileVersion uint32
	Direction      uint8

	order uint64 // insertion order, breaks release-time ties
}

type packetHeap []*Packet

func (h packetHeap) Len() int { return len(h) }

func (h packetHeap) Less(i, j int) bool {
	if h[i].ReleaseTime.Equal(h[j].ReleaseTime) {
		return h[i].order < h[j].order
	}
	return h[i].ReleaseTime.Before(h[j].ReleaseTime)
}

func (h packetHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *packetHeap) Push(x any) { *h = append(*h, x.(*Packet)) }

func (h *packetHeap) Pop() any {
	old := *h
	n := len(old)
	pkt := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return pkt
}

// Queue is a min-heap keyed on release time. Not safe for concurrent use;
// the owning session serializes access.
type Queue struct {
	heap       packetHeap
	totalBytes int
	nextOrder  uint64
}

func New() *Queue {
	return &Queue{}
}

// Push enqueues a payload for release. Head packets (soonest release) are
// dropped to make room; a payload larger than MaxBytes is rejected, after
// that loop has already emptied the queue.
func (q *Queue) Push(payload []byte, releaseTime time.Time, packetSeq uint64, profileVersion uint32, direction uint8) bool {
	for q.totalBytes+len(payload) > MaxBytes && len(q.heap) > 0 {
		q.dropOldest()
	}
	if len(payload) > MaxBytes {
		return false
	}

	pkt := &Packet{
		Payload:        payload,
		ReleaseTime:    releaseTime,
		PacketSeq:      packetSeq,
		ProfileVersion: profileVersion,
		Direction:      direction,
		order:          q.nextOrder,
	}
	q.nextOrder++
	q.totalBytes += len(payload)
	heap.Push(&q.heap, pkt)
	return true
}

// PopReady removes and returns the head if its release time has arrived.
func (q *Queue) PopReady(now time.Time) (*Packet, bool) {
	if len(q.heap) == 0 || q.heap[0].ReleaseTime.After(now) {
		return nil, false
	}
	pkt := heap.Pop(&q.heap).(*Packet)
	q.totalBytes -= len(pkt.Payload)
	return pkt, true
}

// HasReady reports whether the head is releasable at now.
func (q *Queue) HasReady(now time.Time) bool {
	return len(q.heap) > 0 && !q.heap[0].ReleaseTime.After(now)
}

// NextReleaseTime returns the head's release time for timer arming.
func (q *Queue) NextReleaseTime() (time.Time, bool) {
	if len(q.heap) == 0 {
		return time.Time{}, false
	}
	return q.heap[0].ReleaseTime, true
}

// Len returns the number of queued packets.
func (q *Queue) Len() int { return len(q.heap) }

// TotalBytes returns the queued payload size.
func (q *Queue) TotalBytes() int { return q.totalBytes }

// Clear discards everything.
func (q *Queue) Clear() {
	q.heap = nil
	q.totalBytes = 0
}

func (q *Queue) dropOldest() {
	pkt := heap.Pop(&q.heap).(*Packet)
	q.totalBytes -= len(pkt.Payload)
}
