package broadcast

import (
	"sync"
	"time"
)

// RoomLimiter applies an in-memory sliding window per room. Excess updates for
// a room are dropped, not queued; a fresher update always follows.
type RoomLimiter struct {
	limit  int
	window time.Duration

	mu    sync.Mutex
	rooms map[string][]int64 // room -> request timestamps, unix nanos
}

// NewRoomLimiter creates a limiter allowing limit events per window per room.
func NewRoomLimiter(limit int, window time.Duration) *RoomLimiter {
	return &RoomLimiter{
		limit:  limit,
		window: window,
		rooms:  make(map[string][]int64),
	}
}

// Take records one event for the room and reports whether it is within the
// window limit.
func (l *RoomLimiter) Take(room string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now().UnixNano()
	cutoff := now - l.window.Nanoseconds()

	stamps := l.rooms[room]
	idx := 0
	for idx < len(stamps) && stamps[idx] < cutoff {
		idx++
	}
	stamps = stamps[idx:]

	if len(stamps) >= l.limit {
		l.rooms[room] = stamps
		return false
	}
	l.rooms[room] = append(stamps, now)
	return true
}

// Prune drops rooms with no activity inside the window. Called periodically so
// the map does not grow with every room ever seen.
func (l *RoomLimiter) Prune() {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().UnixNano() - l.window.Nanoseconds()
	for room, stamps := range l.rooms {
		if len(stamps) == 0 || stamps[len(stamps)-1] < cutoff {
			delete(l.rooms, room)
		}
	}
}
