package buffer

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLRUReplacerVictimOrder(t *testing.T) {
	replacer := NewLRUReplacer(7)

	// Scenario: unpin six frames, i.e. add them to the replacer.
	for i := FrameID(1); i <= 6; i++ {
		replacer.Unpin(i)
	}
	assert.Equal(t, uint32(6), replacer.Size())

	// Scenario: victims come back in least-recently-unpinned order.
	assert.Equal(t, FrameID(1), *replacer.Victim())
	assert.Equal(t, FrameID(2), *replacer.Victim())
	assert.Equal(t, FrameID(3), *replacer.Victim())

	// Scenario: pin frames 3 and 4. Frame 3 was already victimized, so only
	// frame 4 leaves the replacer.
	replacer.Pin(3)
	replacer.Pin(4)
	assert.Equal(t, uint32(2), replacer.Size())

	// Scenario: unpin frame 4 again. It becomes the most recently unpinned.
	replacer.Unpin(4)

	// Scenario: the remaining victims are 5, 6, 4.
	assert.Equal(t, FrameID(5), *replacer.Victim())
	assert.Equal(t, FrameID(6), *replacer.Victim())
	assert.Equal(t, FrameID(4), *replacer.Victim())

	// Scenario: an empty replacer has no victim.
	assert.Nil(t, replacer.Victim())
	assert.Equal(t, uint32(0), replacer.Size())
}

func TestLRUReplacerRepeatedUnpinKeepsPosition(t *testing.T) {
	replacer := NewLRUReplacer(5)

	replacer.Unpin(1)
	replacer.Unpin(2)
	replacer.Unpin(3)
	// Scenario: unpinning an already tracked frame does not reorder it.
	replacer.Unpin(1)
	assert.Equal(t, uint32(3), replacer.Size())

	assert.Equal(t, FrameID(1), *replacer.Victim())
	assert.Equal(t, FrameID(2), *replacer.Victim())
	assert.Equal(t, FrameID(3), *replacer.Victim())
}

func TestLRUReplacerCapacity(t *testing.T) {
	replacer := NewLRUReplacer(3)

	replacer.Unpin(1)
	replacer.Unpin(2)
	replacer.Unpin(3)
	// Scenario: inserting into a full replacer drops the least recently
	// unpinned frame.
	replacer.Unpin(4)
	assert.Equal(t, uint32(3), replacer.Size())

	assert.Equal(t, FrameID(2), *replacer.Victim())
	assert.Equal(t, FrameID(3), *replacer.Victim())
	assert.Equal(t, FrameID(4), *replacer.Victim())
	assert.Nil(t, replacer.Victim())
}
