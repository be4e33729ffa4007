package state

// ring is a fixed-capacity buffer that keeps the most recent entries.
// It is not synchronized; State guards it.
type ring struct {
	buf   []string
	next  int
	count int
}

func newRing(capacity int) *ring {
	if capacity <= 0 {
		capacity = 1
	}
	return &ring{buf: make([]string, capacity)}
}

func (r *ring) push(line string) {
	r.buf[r.next] = line
	r.next = (r.next + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
}

// items returns entries oldest first.
func (r *ring) items() []string {
	out := make([]string, 0, r.count)
	start := (r.next - r.count + len(r.buf)) % len(r.buf)
	for i := 0; i < r.count; i++ {
		out = append(out, r.buf[(start+i)%len(r.buf)])
	}
	return out
}
