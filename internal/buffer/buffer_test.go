package buffer

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppendConsumeFIFO(t *testing.T) {
	b := New()
	assert.Equal(t, 5, b.Append([]byte("hello")))
	assert.Equal(t, 5, b.Append([]byte("world")))
	assert.Equal(t, []byte("helloworld"), b.Peek())

	assert.Equal(t, 5, b.Consume(5))
	assert.Equal(t, []byte("world"), b.Peek())
	assert.Equal(t, 5, b.Consume(100))
	assert.True(t, b.Empty())
}

func TestShortWriteWhenFull(t *testing.T) {
	b := NewSized(8, 6, 2)
	assert.Equal(t, 8, b.Append([]byte("12345678")))
	assert.Equal(t, 0, b.Append([]byte("x")))
	assert.Equal(t, 8, b.Readable())

	b.Consume(3)
	assert.Equal(t, 3, b.Append([]byte("abcdef")))
	assert.Equal(t, []byte("45678abc"), b.Peek())
}

func TestCompactionReclaimsFront(t *testing.T) {
	b := NewSized(8, 6, 2)
	b.Append([]byte("abcdefgh"))
	b.Consume(6)
	// Write region is exhausted; append must slide the remaining 2 bytes
	// to the front and accept 6 more.
	assert.Equal(t, 6, b.Append([]byte("123456")))
	assert.Equal(t, []byte("gh123456"), b.Peek())
}

func TestWatermarks(t *testing.T) {
	b := New()
	assert.True(t, b.ShouldResumeReading())
	assert.False(t, b.ShouldPauseReading())

	b.Append(bytes.Repeat([]byte{0xaa}, HighWatermark))
	assert.True(t, b.ShouldPauseReading())
	assert.False(t, b.ShouldResumeReading())

	b.Consume(HighWatermark - LowWatermark)
	assert.False(t, b.ShouldPauseReading())
	assert.True(t, b.ShouldResumeReading())
}

func TestReadableNeverExceedsCapacity(t *testing.T) {
	b := New()
	for i := 0; i < 100; i++ {
		b.Append(bytes.Repeat([]byte{1}, 10000))
		if b.Readable() > b.Capacity() {
			t.Fatalf("readable %d exceeds capacity %d", b.Readable(), b.Capacity())
		}
		if i%3 == 0 {
			b.Consume(4000)
		}
	}
}

func TestPrepareCommitWrite(t *testing.T) {
	b := NewSized(16, 12, 4)
	span := b.PrepareWrite(8)
	assert.Len(t, span, 8)
	copy(span, "abcdefgh")
	b.CommitWrite(8)
	assert.Equal(t, []byte("abcdefgh"), b.Peek())

	b.Consume(8)
	span = b.PrepareWrite(16)
	assert.Len(t, span, 16)
}

func TestClear(t *testing.T) {
	b := New()
	b.Append([]byte("data"))
	b.Clear()
	assert.True(t, b.Empty())
	assert.Equal(t, b.Capacity(), b.Writable())
}
