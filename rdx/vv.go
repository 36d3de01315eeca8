package rdx

import (
	"errors"
	"maps"
	"slices"

	"github.com/Team1-2308-Capstone/Umbra/protocol"
)

// VV is a version vector (state vector), max sequence seen from each
// known replica. Sequences are gapless per replica, so VV[src]=n means
// ops src-1..src-n are all known.
type VV map[uint64]uint64

var ErrBadVRecord = errors.New("umbra: bad V record")

func (vv VV) Get(src uint64) (seq uint64) {
	return vv[src]
}

// Set the progress for the specified source
func (vv VV) Set(src, seq uint64) {
	vv[src] = seq
}

// Put the src-seq pair to the VV, returns whether it was
// unseen (i.e. made any difference)
func (vv VV) Put(src, seq uint64) bool {
	pre, ok := vv[src]
	if ok && pre >= seq {
		return false
	}
	vv[src] = seq
	return true
}

// Adds the id to the VV, returns whether it was unseen
func (vv VV) PutID(id ID) bool {
	return vv.Put(id.Src(), id.Seq())
}

// Covers tells whether the op id is already accounted for.
func (vv VV) Covers(id ID) bool {
	return id.Seq() <= vv[id.Src()]
}

// IsNext tells whether id is the very next op expected from its source.
func (vv VV) IsNext(id ID) bool {
	return id.Seq() == vv[id.Src()]+1
}

// GetID returns the last seen id of the source
func (vv VV) GetID(src uint64) ID {
	return NewID(src, vv[src])
}

// Whether this VV has progress unknown to b
func (vv VV) ProgressedOver(b VV) bool {
	for src, seq := range vv {
		if seq > b[src] {
			return true
		}
	}
	return false
}

// InterestOver lists, for every source this VV is ahead in,
// the progress b has already seen.
func (vv VV) InterestOver(b VV) VV {
	ahead := make(VV)
	for src, seq := range vv {
		bseq := b[src]
		if seq > bseq {
			ahead[src] = bseq
		}
	}
	return ahead
}

// Seen tells whether everything bb has seen is also seen by vv.
func (vv VV) Seen(bb VV) bool {
	for src, seq := range bb {
		if seq > vv[src] {
			return false
		}
	}
	return true
}

func (vv VV) Equal(bb VV) bool {
	return vv.Seen(bb) && bb.Seen(vv)
}

func (vv VV) Clone() VV {
	if vv == nil {
		return make(VV)
	}
	return maps.Clone(vv)
}

func (vv VV) IDs() (ids []ID) {
	for src, seq := range vv {
		if seq == 0 {
			continue
		}
		ids = append(ids, NewID(src, seq))
	}
	slices.SortFunc(ids, ID.Compare)
	return
}

// TLV V record body, nil for empty
func (vv VV) TLV() (ret []byte) {
	for _, id := range vv.IDs() {
		ret = protocol.Append(ret, 'V', id.ZipBytes())
	}
	return
}

// consumes: V records
func (vv VV) PutTLV(rec []byte) (err error) {
	rest := rec
	for len(rest) > 0 {
		var val []byte
		val, rest, err = protocol.TakeWary('V', rest)
		if err != nil {
			return errors.Join(ErrBadVRecord, err)
		}
		id, err := IDFromZipBytesWary(val)
		if err != nil || id.Src() > MaxSrc {
			return ErrBadVRecord
		}
		vv.PutID(id)
	}
	return nil
}

func VVFromTLV(tlv []byte) (vv VV, err error) {
	vv = make(VV)
	err = vv.PutTLV(tlv)
	return
}

func (vv VV) String() string {
	ids := vv.IDs()
	ret := make([]byte, 0, len(ids)*16)
	for i, id := range ids {
		if i > 0 {
			ret = append(ret, ',')
		}
		ret = append(ret, id.String()...)
	}
	return string(ret)
}

func VVFromString(vvs string) (vv VV) {
	vv = make(VV)
	rest := []byte(vvs)
	for len(rest) > 0 {
		var id ID
		id, rest = readIDFromString(rest)
		if id == BadId {
			break
		}
		vv.PutID(id)
		if len(rest) > 0 && rest[0] == ',' {
			rest = rest[1:]
		}
	}
	return
}
