package bitmap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestTileReceivedMarksCorrectIndex(t *testing.T) {
	b := New(63)
	b.TileReceived(62) // first fragment of a fresh window
	assert.True(t, b.Bits()[0])
	assert.True(t, b.HasMissing()) // window is not yet complete
}

func TestHasMissingAndGetMissing(t *testing.T) {
	b := New(4)
	b.TileReceived(3) // index 0
	b.TileReceived(1) // index 2
	assert.True(t, b.HasMissing())

	idx, ok := b.GetMissing(0)
	assert.True(t, ok)
	assert.Equal(t, 1, idx)
	assert.Equal(t, 2, b.ToFCN(idx))

	idx, ok = b.GetMissing(idx + 1)
	assert.True(t, ok)
	assert.Equal(t, 3, idx)

	_, ok = b.GetMissing(idx + 1)
	assert.False(t, ok)
}

func TestGenerateCompressAllSetCollapses(t *testing.T) {
	b := New(63)
	for i := 0; i < 63; i++ {
		b.bits[i] = true
	}
	compressed := b.GenerateCompress(11, 8) // rule 20: H = 8+0+2+1 = 11
	assert.True(t, len(compressed) < 63)
	assert.Equal(t, 0, (len(compressed)+11)%8)
}

func TestGenerateCompressAllUnsetKeepsFullWidth(t *testing.T) {
	b := New(63)
	compressed := b.GenerateCompress(11, 8)
	assert.GreaterOrEqual(t, len(compressed), 63)
}

func TestExpandFillsTrailingOnes(t *testing.T) {
	compressed := []bool{true, false, true}
	exp := Expand(compressed, 6)
	assert.Equal(t, []bool{true, false, true, true, true, true}, exp.Bits())
}

func TestCompressExpandRoundTripsPrefix(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		size := rapid.IntRange(1, 63).Draw(t, "size")
		b := New(size)
		for i := 0; i < size; i++ {
			if rapid.Bool().Draw(t, "bit") {
				b.bits[i] = true
			}
		}
		compressed := b.GenerateCompress(11, 8)
		if (len(compressed)+11)%8 != 0 && size > 1 {
			t.Fatalf("compressed length %d does not word-align with header 11", len(compressed))
		}
		expanded := Expand(compressed, size)
		for i := 0; i < len(compressed) && i < size; i++ {
			if expanded.Bits()[i] != compressed[i] {
				t.Fatalf("expand did not preserve compressed prefix at %d", i)
			}
		}
	})
}
