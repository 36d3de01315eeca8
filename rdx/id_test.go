package rdx

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCases(t *testing.T) {
	id := NewID(0x1e, 0x1ab)
	zip := id.ZipBytes()
	assert.Equal(t, 3, len(zip))
	assert.Equal(t, id, IDFromZipBytes(zip))

	assert.Equal(t, id, IDFromBytes(id.Bytes()))
	assert.True(t, ID0.IsZero())
	assert.Equal(t, 0, len(ID0.ZipBytes()))
}

func TestParseID(t *testing.T) {
	ids := []string{
		"0-0",
		"3-1",
		"fa3-57",
		"ffffffff-ffffffffa",
	}
	for _, str := range ids {
		id := IDFromString(str)
		assert.NotEqual(t, BadId, id)
		assert.Equal(t, str, id.String())
	}
	assert.Equal(t, BadId, IDFromString("12"))
	assert.Equal(t, BadId, IDFromString("1-2x"))
	assert.Equal(t, BadId, IDFromString("1ffffffff-2"))
}

func TestIDOrder(t *testing.T) {
	a := NewID(1, 10)
	b := NewID(2, 1)
	c := NewID(2, 3)
	assert.True(t, a.Less(b))
	assert.True(t, b.Less(c))
	assert.False(t, c.Less(a))
	assert.Equal(t, 0, b.Compare(b))
	assert.Equal(t, -1, a.Compare(c))
	assert.Equal(t, NewID(2, 4), c.Next())
}

func TestZipPairs(t *testing.T) {
	pairs := [][2]uint64{
		{0, 0}, {1, 0}, {0, 1}, {0xff, 0xff}, {0x100, 1}, {1, 0x100},
		{0x10000, 1}, {0x10000, 0x100}, {1, 0x10000}, {1 << 40, 0},
		{1 << 40, 0x100}, {1 << 40, 0x10000}, {1 << 40, 1 << 40},
	}
	for _, p := range pairs {
		zip := ZipUint64Pair(p[0], p[1])
		assert.True(t, ZipPairLenValid(len(zip)))
		big, lil := UnzipUint64Pair(zip)
		assert.Equal(t, p[0], big)
		assert.Equal(t, p[1], lil)
	}
	_, err := IDFromZipBytesWary([]byte{1, 2, 3, 4, 5, 6, 7})
	assert.ErrorIs(t, err, ErrBadID)
}

func TestClock(t *testing.T) {
	c := NewClock(7)
	assert.Equal(t, NewID(7, 1), c.Tick())
	assert.Equal(t, NewID(7, 2), c.Tick())
	c.See(10)
	assert.Equal(t, NewID(7, 11), c.Tick())
	c.See(3)
	assert.Equal(t, NewID(7, 11), c.Last())

	src := RandomSrc()
	assert.NotZero(t, src)
	assert.LessOrEqual(t, src, uint64(MaxSrc))
}
