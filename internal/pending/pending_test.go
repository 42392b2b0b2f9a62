package pending

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReplyInvokesHandlerAndForgetsID(t *testing.T) {
	tr := New()
	var gotFrames [][]byte
	id, err := tr.Register(time.Now().Add(time.Minute), func(hid uuid.UUID, timeout bool, frames [][]byte) []uuid.UUID {
		gotFrames = frames
		assert.False(t, timeout)
		return []uuid.UUID{hid}
	})
	require.NoError(t, err)

	ok := tr.Reply(id, [][]byte{[]byte("0"), []byte("value")})
	assert.True(t, ok)
	assert.Equal(t, [][]byte{[]byte("0"), []byte("value")}, gotFrames)
	assert.Equal(t, 0, tr.Len())
}

func TestReplyToUnknownIDReturnsFalse(t *testing.T) {
	tr := New()
	ok := tr.Reply(uuid.New(), nil)
	assert.False(t, ok)
}

func TestFireTimeoutsInvokesHandlerWithTimeoutTrue(t *testing.T) {
	tr := New()
	fired := false
	id, err := tr.Register(time.Now().Add(-time.Second), func(hid uuid.UUID, timeout bool, frames [][]byte) []uuid.UUID {
		fired = true
		assert.True(t, timeout)
		assert.Nil(t, frames)
		return []uuid.UUID{hid}
	})
	require.NoError(t, err)

	tr.FireTimeouts(time.Now())
	assert.True(t, fired)
	assert.Equal(t, 0, tr.Len())
	_ = id
}

func TestGetFanoutCancelsSiblingsOnFirstSuccess(t *testing.T) {
	tr := New()
	deadline := time.Now().Add(time.Minute)
	answered := false

	var ids []uuid.UUID
	handler := func(hid uuid.UUID, timeout bool, frames [][]byte) []uuid.UUID {
		if answered {
			return []uuid.UUID{hid}
		}
		answered = true
		return ids
	}

	id1, _ := tr.Register(deadline, handler)
	id2, _ := tr.Register(deadline, handler)
	id3, _ := tr.Register(deadline, handler)
	ids = []uuid.UUID{id1, id2, id3}

	tr.Reply(id1, [][]byte{[]byte("0")})
	assert.Equal(t, 0, tr.Len(), "first success should cancel all siblings")
}

func TestSetFanoutForgetsOnlyTimedOutSibling(t *testing.T) {
	tr := New()
	deadline := time.Now().Add(-time.Second)
	laterDeadline := time.Now().Add(time.Minute)

	noop := func(hid uuid.UUID, timeout bool, frames [][]byte) []uuid.UUID {
		return []uuid.UUID{hid}
	}

	timedOut, _ := tr.Register(deadline, noop)
	stillLive, _ := tr.Register(laterDeadline, noop)

	tr.FireTimeouts(time.Now())
	assert.Equal(t, 1, tr.Len(), "the still-live sibling must remain registered")
	_ = timedOut
	_ = stillLive
}

func TestMaxOutstandingRejectsRegistration(t *testing.T) {
	tr := New()
	tr.MaxOutstanding = 1
	_, err := tr.Register(time.Now().Add(time.Minute), func(uuid.UUID, bool, [][]byte) []uuid.UUID { return nil })
	require.NoError(t, err)

	_, err = tr.Register(time.Now().Add(time.Minute), func(uuid.UUID, bool, [][]byte) []uuid.UUID { return nil })
	assert.ErrorIs(t, err, ErrTooManyOutstanding)
}
