package rdx

import (
	"encoding/binary"
	"errors"
	"strconv"
)

/*
	ID identifies one operation of a replica: the source (replica id)
	and the sequence number of the op in that replica's log.
	Sequence numbers start at 1, so a zero ID never names an op and
	is used as "no reference" (e.g. an insert at the very start).

0...............16..............32..............48.............64
+-------+-------+-------+-------+-------+-------+-------+-------
|........................source.(64.bits)......................|
|.......................sequence.(64.bits)......................|
*/
type ID struct {
	src uint64
	seq uint64
}

// MaxSrc is the largest replica id; ids are kept to 32 bits so they
// zip into short records.
const MaxSrc = (1 << 32) - 1

var ID0 ID = ID{}

var BadId = ID{^uint64(0), ^uint64(0)}

var ErrBadID = errors.New("umbra: bad id")

func NewID(src, seq uint64) ID {
	return ID{src, seq}
}

// Src is the replica id. That is normally a small number.
func (id ID) Src() uint64 {
	return id.src
}

// Seq is the op sequence number (each replica generates its own
// sequence numbers)
func (id ID) Seq() uint64 {
	return id.seq
}

func (id ID) IsZero() bool {
	return id == ID0
}

// Less is the total order of ids: source first, then sequence.
// Concurrent inserts at the same spot are ordered by it.
func (id ID) Less(other ID) bool {
	if id.src != other.src {
		return id.src < other.src
	}
	return id.seq < other.seq
}

func (id ID) Compare(other ID) int {
	switch {
	case id == other:
		return 0
	case id.Less(other):
		return -1
	default:
		return 1
	}
}

func (id ID) Next() ID {
	return ID{id.src, id.seq + 1}
}

func (id ID) Bytes() []byte {
	var ret [16]byte
	binary.BigEndian.PutUint64(ret[:8], id.src)
	binary.BigEndian.PutUint64(ret[8:16], id.seq)
	return ret[:]
}

func IDFromBytes(by []byte) ID {
	if len(by) != 16 {
		return BadId
	}
	return ID{
		src: binary.BigEndian.Uint64(by[:8]),
		seq: binary.BigEndian.Uint64(by[8:16]),
	}
}

func (id ID) ZipBytes() []byte {
	return ZipUint64Pair(id.src, id.seq)
}

func IDFromZipBytes(zip []byte) ID {
	src, seq := UnzipUint64Pair(zip)
	return ID{src, seq}
}

// IDFromZipBytesWary is IDFromZipBytes for untrusted input.
func IDFromZipBytesWary(zip []byte) (ID, error) {
	if !ZipPairLenValid(len(zip)) {
		return BadId, ErrBadID
	}
	return IDFromZipBytes(zip), nil
}

func (id ID) String() string {
	var buf [40]byte
	b := buf[:0]
	b = strconv.AppendUint(b, id.src, 16)
	b = append(b, '-')
	b = strconv.AppendUint(b, id.seq, 16)
	return string(b)
}

// IDFromString parses the src-seq hex form produced by String.
func IDFromString(idstr string) ID {
	id, rest := readIDFromString([]byte(idstr))
	if len(rest) != 0 {
		return BadId
	}
	return id
}

func readIDFromString(idstr []byte) (ID, []byte) {
	var parts [2]uint64
	i, p := 0, 0
	for i < len(idstr) && p < 2 {
		c := idstr[i]
		if c >= '0' && c <= '9' {
			parts[p] = (parts[p] << 4) | uint64(c-'0')
		} else if c >= 'A' && c <= 'F' {
			parts[p] = (parts[p] << 4) | uint64(10+c-'A')
		} else if c >= 'a' && c <= 'f' {
			parts[p] = (parts[p] << 4) | uint64(10+c-'a')
		} else if c == '-' {
			p++
		} else {
			break
		}
		i++
	}
	rest := idstr[i:]
	if p != 1 || parts[0] > MaxSrc {
		return BadId, rest
	}
	return ID{parts[0], parts[1]}, rest
}
