package eventstream

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func seqFrames(topic string, payload []byte, seq uint32) [][]byte {
	seqBytes := make([]byte, 4)
	binary.LittleEndian.PutUint32(seqBytes, seq)
	return [][]byte{[]byte(topic), payload, seqBytes}
}

func TestDecodeFrames_ValidThreeFrameMessage(t *testing.T) {
	frames := seqFrames("hashblock", []byte{0xde, 0xad}, 7)
	msg, ok := decodeFrames(frames)
	assert.True(t, ok)
	assert.Equal(t, TopicHashBlock, msg.Topic)
	assert.Equal(t, []byte{0xde, 0xad}, msg.Payload)
	assert.EqualValues(t, 7, msg.Sequence)
}

func TestDecodeFrames_RejectsWrongFrameCount(t *testing.T) {
	_, ok := decodeFrames([][]byte{[]byte("hashblock"), []byte{0x01}})
	assert.False(t, ok)
}

func TestDecodeFrames_RejectsShortSequenceFrame(t *testing.T) {
	_, ok := decodeFrames([][]byte{[]byte("hashblock"), []byte{0x01}, {0x00, 0x00}})
	assert.False(t, ok)
}

func TestSubscriber_InOrder(t *testing.T) {
	s := New(Config{Endpoint: "tcp://127.0.0.1:1", Topics: []Topic{TopicHashTx}}, func(context.Context, Message) {}, nil)

	assert.True(t, s.inOrder(Message{Topic: TopicHashTx, Sequence: 1}), "first message of a topic is always in order")
	assert.True(t, s.inOrder(Message{Topic: TopicHashTx, Sequence: 2}))
	assert.False(t, s.inOrder(Message{Topic: TopicHashTx, Sequence: 4}), "a gap must be reported")
	assert.True(t, s.inOrder(Message{Topic: TopicHashTx, Sequence: 5}), "high-water mark advances even after a gap")
}

func TestReconnectTracker_CapsDelayAtMax(t *testing.T) {
	tr := newReconnectTracker(5, 100*time.Millisecond, 300*time.Millisecond)

	d1, exhausted1 := tr.NextDelay()
	assert.False(t, exhausted1)
	assert.Equal(t, 100*time.Millisecond, d1)

	d2, _ := tr.NextDelay()
	assert.Equal(t, 200*time.Millisecond, d2)

	d3, _ := tr.NextDelay()
	assert.Equal(t, 300*time.Millisecond, d3)

	d4, _ := tr.NextDelay()
	assert.Equal(t, 300*time.Millisecond, d4, "delay must cap at maxDelay, not keep doubling")
}

func TestReconnectTracker_ExhaustsAfterMaxAttempts(t *testing.T) {
	tr := newReconnectTracker(2, time.Millisecond, time.Millisecond)

	_, exhausted1 := tr.NextDelay()
	assert.False(t, exhausted1)
	_, exhausted2 := tr.NextDelay()
	assert.False(t, exhausted2)
	_, exhausted3 := tr.NextDelay()
	assert.True(t, exhausted3)
}

func TestReconnectTracker_ResetClearsCount(t *testing.T) {
	tr := newReconnectTracker(2, time.Millisecond, time.Millisecond)
	tr.NextDelay()
	tr.NextDelay()
	tr.Reset()
	assert.Equal(t, 0, tr.Attempts())
}
