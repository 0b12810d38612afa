package session

import (
	"sync"

	"github.com/imhypeboy/haksamate-live/internal/domain"
	"github.com/imhypeboy/haksamate-live/pkg/log"
)

// GapAdvisory is emitted when the out-of-order buffer for a room
// overflows and a frame had to be evicted without delivery. The stream
// may have a permanent hole until the next catch-up fetch.
type GapAdvisory struct {
	RoomID     string `json:"room_id"`
	DroppedSeq uint64 `json:"dropped_seq"`
	Watermark  uint64 `json:"watermark"`
}

// Deduplicator presents each room as a gap-free, duplicate-free,
// sequence-ordered stream. It keeps a per-room watermark (highest
// contiguous sequence delivered) and a bounded buffer for frames that
// arrive ahead of the watermark. Watermarks survive reconnects so
// replaying a catch-up fetch through Observe is idempotent.
type Deduplicator struct {
	mu         sync.Mutex
	rooms      map[string]*roomStream
	bufferSize int
	onGap      func(GapAdvisory)
}

type roomStream struct {
	watermark uint64
	buffer    map[uint64]domain.Message
}

// NewDeduplicator creates a Deduplicator with the given per-room
// buffer bound. onGap may be nil.
func NewDeduplicator(bufferSize int, onGap func(GapAdvisory)) *Deduplicator {
	if bufferSize <= 0 {
		bufferSize = 32
	}
	return &Deduplicator{
		rooms:      make(map[string]*roomStream),
		bufferSize: bufferSize,
		onGap:      onGap,
	}
}

// Observe runs one frame through the pipeline and returns the messages
// now ready for delivery, in sequence order. Duplicates (seq at or
// below the watermark) return nil. A frame ahead of the watermark is
// buffered and returns nil until the gap closes.
func (d *Deduplicator) Observe(msg domain.Message) []domain.Message {
	d.mu.Lock()
	defer d.mu.Unlock()

	rs := d.rooms[msg.RoomID]
	if rs == nil {
		rs = &roomStream{buffer: make(map[uint64]domain.Message)}
		d.rooms[msg.RoomID] = rs
	}

	switch {
	case msg.Seq <= rs.watermark:
		return nil
	case msg.Seq == rs.watermark+1:
		delivered := []domain.Message{msg}
		rs.watermark = msg.Seq
		for {
			next, ok := rs.buffer[rs.watermark+1]
			if !ok {
				break
			}
			delete(rs.buffer, rs.watermark+1)
			rs.watermark++
			delivered = append(delivered, next)
		}
		return delivered
	default:
		if _, ok := rs.buffer[msg.Seq]; ok {
			return nil
		}
		if len(rs.buffer) >= d.bufferSize {
			d.evictLowest(msg.RoomID, rs)
		}
		rs.buffer[msg.Seq] = msg
		return nil
	}
}

// evictLowest drops the lowest buffered sequence. Caller holds d.mu.
func (d *Deduplicator) evictLowest(roomID string, rs *roomStream) {
	var lowest uint64
	for seq := range rs.buffer {
		if lowest == 0 || seq < lowest {
			lowest = seq
		}
	}
	delete(rs.buffer, lowest)
	log.L().Warn().
		Str(log.FieldRoomID, roomID).
		Uint64(log.FieldSeq, lowest).
		Msg("out-of-order buffer overflow, frame evicted")
	if d.onGap != nil {
		d.onGap(GapAdvisory{RoomID: roomID, DroppedSeq: lowest, Watermark: rs.watermark})
	}
}

// Watermark returns the highest contiguous sequence delivered for a
// room, zero if the room has never delivered.
func (d *Deduplicator) Watermark(roomID string) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if rs := d.rooms[roomID]; rs != nil {
		return rs.watermark
	}
	return 0
}

// Watermarks returns a copy of every room's watermark. The reconnect
// path uses this to drive one catch-up fetch per active room.
func (d *Deduplicator) Watermarks() map[string]uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]uint64, len(d.rooms))
	for id, rs := range d.rooms {
		out[id] = rs.watermark
	}
	return out
}

// Track ensures a room has a watermark entry so the reconnect catch-up
// includes it even before its first delivery.
func (d *Deduplicator) Track(roomID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.rooms[roomID]; !ok {
		d.rooms[roomID] = &roomStream{buffer: make(map[uint64]domain.Message)}
	}
}

// DropBuffers discards every room's out-of-order buffer, keeping the
// watermarks. Called on disconnect: buffered frames are best-effort
// state the catch-up fetch will restore.
func (d *Deduplicator) DropBuffers() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, rs := range d.rooms {
		rs.buffer = make(map[uint64]domain.Message)
	}
}
