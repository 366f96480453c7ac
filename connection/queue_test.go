package connection

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaychat/models"
)

func TestQueueDrainsInOrder(t *testing.T) {
	q := &outboundQueue{}
	for i := 0; i < 5; i++ {
		q.enqueue(models.Frame{"type": "test", "seq": i})
	}

	var got []int
	q.drainInto(
		func() bool { return true },
		func(f models.Frame) error {
			got = append(got, int(f.Int64("seq")))
			return nil
		},
	)

	assert.Equal(t, []int{0, 1, 2, 3, 4}, got)
	assert.Equal(t, 0, q.len())
}

func TestQueueStopsWhenUnready(t *testing.T) {
	q := &outboundQueue{}
	for i := 0; i < 4; i++ {
		q.enqueue(models.Frame{"type": "test", "seq": i})
	}

	sent := 0
	q.drainInto(
		func() bool { return sent < 2 },
		func(f models.Frame) error {
			sent++
			return nil
		},
	)

	assert.Equal(t, 2, sent)
	assert.Equal(t, 2, q.len(), "remainder stays queued")
}

func TestQueueRequeuesOnTransmitError(t *testing.T) {
	q := &outboundQueue{}
	q.enqueue(models.Frame{"type": "test", "seq": 0})
	q.enqueue(models.Frame{"type": "test", "seq": 1})

	q.drainInto(
		func() bool { return true },
		func(f models.Frame) error { return errors.New("broken pipe") },
	)

	require.Equal(t, 2, q.len(), "no frame is dropped")

	var got []int
	q.drainInto(
		func() bool { return true },
		func(f models.Frame) error {
			got = append(got, int(f.Int64("seq")))
			return nil
		},
	)
	assert.Equal(t, []int{0, 1}, got, "order preserved across failed drain")
}

func TestQueueClear(t *testing.T) {
	q := &outboundQueue{}
	q.enqueue(models.Frame{"type": "test"})
	q.clear()
	assert.Equal(t, 0, q.len())
}
