package protocol

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTLVAppend(t *testing.T) {
	buf := []byte{}
	buf = Append(buf, 'A', []byte{'A'})
	buf = Append(buf, 'b', []byte{'B', 'B'})
	correct2 := []byte{'a', 1, 'A', '2', 'B', 'B'}
	assert.Equal(t, correct2, buf, "basic TLV fail")

	var c256 [256]byte
	for n := range c256 {
		c256[n] = 'c'
	}
	buf = Append(buf, 'C', c256[:])
	assert.Equal(t, len(correct2)+1+4+len(c256), len(buf))
	assert.Equal(t, uint8('C'), buf[len(correct2)])
	assert.Equal(t, uint8(1), buf[len(correct2)+2])

	lit, body, buf, err := TakeAnyWary(buf)
	assert.Nil(t, err)
	assert.Equal(t, uint8('A'), lit)
	assert.Equal(t, []byte{'A'}, body)

	body2, _, err2 := TakeWary('B', buf)
	assert.Nil(t, err2)
	assert.Equal(t, []byte{'B', 'B'}, body2)
}

func TestFeedHeader(t *testing.T) {
	buf := []byte{}
	l, buf := OpenHeader(buf, 'A')
	text := "some text"
	buf = append(buf, text...)
	CloseHeader(buf, l)
	lit, body, rest, err := TakeAnyWary(buf)
	assert.Nil(t, err)
	assert.Equal(t, uint8('A'), lit)
	assert.Equal(t, text, string(body))
	assert.Equal(t, 0, len(rest))
}

func TestTinyRecord(t *testing.T) {
	body := "12"
	tiny := TinyRecord('X', []byte(body))
	assert.Equal(t, "212", string(tiny))
}

func TestSplit(t *testing.T) {
	one := Record('U', []byte("hello"))
	two := Record('W', bytes.Repeat([]byte{'x'}, 300))
	var buf bytes.Buffer
	buf.Write(one)
	buf.Write(two[:100])

	recs, err := Split(&buf)
	assert.ErrorIs(t, err, ErrIncomplete)
	require.Len(t, recs, 1)
	assert.Equal(t, one, recs[0])

	buf.Write(two[100:])
	recs, err = Split(&buf)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, byte('W'), Lit(recs[0]))
	assert.Equal(t, 0, buf.Len())

	buf.Write([]byte{'%', 1, 2})
	_, err = Split(&buf)
	assert.ErrorIs(t, err, ErrBadRecord)
}

func TestSplitBytes(t *testing.T) {
	msg := Records{Record('H', []byte("vv")), Record('U', []byte("ops"))}.Bytes()
	recs, err := SplitBytes(msg)
	require.NoError(t, err)
	assert.Len(t, recs, 2)

	_, err = SplitBytes(msg[:len(msg)-1])
	assert.ErrorIs(t, err, ErrIncomplete)

	_, _, _, err = TakeAnyWary([]byte{'!', 0})
	assert.ErrorIs(t, err, ErrBadRecord)
}
