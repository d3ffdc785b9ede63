package pool

// maxRecentEvents bounds each server's event history.
const maxRecentEvents = 100

// eventRing is a fixed-capacity FIFO of server events. The oldest event
// is overwritten once the ring is full. Not safe for concurrent use; the
// owning entry's lock guards it.
type eventRing struct {
	buf  []ServerEvent
	next int
	full bool
}

func newEventRing(capacity int) *eventRing {
	return &eventRing{buf: make([]ServerEvent, capacity)}
}

func (r *eventRing) add(ev ServerEvent) {
	r.buf[r.next] = ev
	r.next++
	if r.next == len(r.buf) {
		r.next = 0
		r.full = true
	}
}

func (r *eventRing) len() int {
	if r.full {
		return len(r.buf)
	}
	return r.next
}

// list returns the events oldest first.
func (r *eventRing) list() []ServerEvent {
	out := make([]ServerEvent, 0, r.len())
	if r.full {
		out = append(out, r.buf[r.next:]...)
	}
	return append(out, r.buf[:r.next]...)
}
