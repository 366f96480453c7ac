package connection

import (
	"sync"

	"relaychat/models"
)

// outboundQueue buffers frames produced while the connection is not ready.
// Frames leave the queue strictly in arrival order. The queue never drops
// a frame on its own; only Manager.Close clears it.
type outboundQueue struct {
	mu     sync.Mutex
	frames []models.Frame
}

func (q *outboundQueue) enqueue(f models.Frame) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.frames = append(q.frames, f)
}

// drainInto transmits queued frames in FIFO order. ready is re-checked
// before every transmission; if the transport becomes unready mid-drain,
// the remaining frames stay queued. A transmit error re-queues the frame
// at the front and stops the drain.
func (q *outboundQueue) drainInto(ready func() bool, transmit func(models.Frame) error) {
	for {
		if !ready() {
			return
		}
		q.mu.Lock()
		if len(q.frames) == 0 {
			q.mu.Unlock()
			return
		}
		f := q.frames[0]
		q.frames = q.frames[1:]
		q.mu.Unlock()

		if err := transmit(f); err != nil {
			q.mu.Lock()
			q.frames = append([]models.Frame{f}, q.frames...)
			q.mu.Unlock()
			return
		}
	}
}

func (q *outboundQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}

func (q *outboundQueue) clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.frames = nil
}
