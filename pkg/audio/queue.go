package audio

import "sync"

// PacketQueue is the bounded buffer between the network receive path and
// the playback callback. When full, new packets are dropped: playback
// latency never grows past the queue depth.
type PacketQueue struct {
	mu      sync.Mutex
	packets []string
	max     int
	dropped uint64
}

// DefaultQueueDepth holds ~1s of audio at one frame per packet.
const DefaultQueueDepth = 50

func NewPacketQueue(depth int) *PacketQueue {
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	return &PacketQueue{max: depth}
}

// Push appends one hex-encoded packet. Returns false when the queue is
// full and the packet was dropped.
func (q *PacketQueue) Push(data string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.packets) >= q.max {
		q.dropped++
		return false
	}
	q.packets = append(q.packets, data)
	return true
}

// TryPop removes the oldest packet without blocking.
func (q *PacketQueue) TryPop() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.packets) == 0 {
		return "", false
	}
	data := q.packets[0]
	q.packets = q.packets[1:]
	return data, true
}

func (q *PacketQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.packets)
}

// Dropped reports how many packets overflow has discarded.
func (q *PacketQueue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Clear empties the queue, e.g. on speaker mute.
func (q *PacketQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.packets = q.packets[:0]
}
