package hub

import (
	"sync"

	"github.com/example/report-form-engine/internal/types"
)

// Registry tracks active connections keyed by room so the presence service
// can notify every member of a report efficiently.
type Registry struct {
	mu    sync.RWMutex
	rooms map[types.ReportID]map[*Conn]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{rooms: make(map[types.ReportID]map[*Conn]struct{})}
}

// Register associates the connection with a room.
func (r *Registry) Register(room types.ReportID, c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rooms[room] == nil {
		r.rooms[room] = make(map[*Conn]struct{})
	}
	r.rooms[room][c] = struct{}{}
	roomConnections.WithLabelValues(string(room)).Set(float64(len(r.rooms[room])))
}

// Unregister removes the connection.
func (r *Registry) Unregister(room types.ReportID, c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conns := r.rooms[room]
	if conns == nil {
		return
	}
	delete(conns, c)
	if len(conns) == 0 {
		delete(r.rooms, room)
	}
	roomConnections.WithLabelValues(string(room)).Set(float64(len(conns)))
}

// Broadcast delivers the envelope to every connection in the room. The
// sender can be skipped to avoid echoing.
func (r *Registry) Broadcast(room types.ReportID, env Envelope, skip *Conn) int {
	r.mu.RLock()
	conns := r.rooms[room]
	if len(conns) == 0 {
		r.mu.RUnlock()
		return 0
	}
	recipients := make([]*Conn, 0, len(conns))
	for c := range conns {
		if c != skip {
			recipients = append(recipients, c)
		}
	}
	r.mu.RUnlock()

	sent := 0
	for _, conn := range recipients {
		if err := conn.Send(env); err == nil {
			sent++
		}
	}
	return sent
}

// Rooms returns the ids of rooms with at least one live connection.
func (r *Registry) Rooms() []types.ReportID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.ReportID, 0, len(r.rooms))
	for room := range r.rooms {
		out = append(out, room)
	}
	return out
}
