/*
Package protocol implements the TLV (type-length-value) framing every
umbra message and op travels in.

# Record format

A record header is picked by body size:

 1. Tiny (1 byte): ['0'+len], bodies 0..9 bytes, lowercase types only.
    The type is not preserved, readers accept it in place of any type.
 2. Short (2 bytes): [lowercase type, len], bodies up to 255 bytes.
 3. Long (5 bytes): [uppercase type, len as uint32 little endian].

Types are letters A..Z. Records nest: a record body is usually a
sequence of records itself, so a batch of ops is just a concatenation
of op records and can be split and decoded one op at a time.

# Parsing

Take/TakeAny trust their input and signal errors with nil bodies.
TakeWary/TakeAnyWary are for bytes that came off the network and
return ErrIncomplete or ErrBadRecord.
*/
package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

const CaseBit uint8 = 'a' - 'A'

var (
	ErrIncomplete = errors.New("umbra: incomplete data")
	ErrBadRecord  = errors.New("umbra: bad TLV record format")
)

// ProbeHeader analyzes a record header.
//
// Returns:
//   - lit: record type ('A'-'Z', '0' for tiny, '-' for error, 0 for incomplete)
//   - hdrlen: header length (1, 2, or 5 bytes)
//   - bodylen: body length in bytes
func ProbeHeader(data []byte) (lit byte, hdrlen, bodylen int) {
	if len(data) == 0 {
		return 0, 0, 0
	}
	dlit := data[0]
	if dlit >= '0' && dlit <= '9' { // tiny
		lit = '0'
		bodylen = int(dlit - '0')
		hdrlen = 1
	} else if dlit >= 'a' && dlit <= 'z' { // short
		if len(data) < 2 {
			return
		}
		lit = dlit - CaseBit
		hdrlen = 2
		bodylen = int(data[1])
	} else if dlit >= 'A' && dlit <= 'Z' { // long
		if len(data) < 5 {
			return
		}
		bl := binary.LittleEndian.Uint32(data[1:5])
		if bl > 0x7fffffff {
			lit = '-'
			return
		}
		lit = dlit
		bodylen = int(bl)
		hdrlen = 5
	} else {
		lit = '-'
	}
	return
}

// Split cuts complete records off the front of the buffer, leaving an
// incomplete tail (if any) for the next read.
func Split(data *bytes.Buffer) (recs Records, err error) {
	for data.Len() > 0 {
		lit, hlen, blen := ProbeHeader(data.Bytes())
		if lit == '-' {
			if len(recs) == 0 {
				err = ErrBadRecord
			}
			return
		}
		if lit == 0 { // incomplete header
			return
		}
		if hlen+blen > data.Len() {
			err = errors.Join(ErrIncomplete, fmt.Errorf("packet size %d, len %d", hlen+blen, data.Len()))
			return
		}
		record := make([]byte, hlen+blen)
		if _, err = data.Read(record); err != nil {
			return recs, err
		}
		recs = append(recs, record)
	}
	return
}

// SplitBytes splits a complete message (e.g. one websocket frame) into records.
func SplitBytes(data []byte) (recs Records, err error) {
	for len(data) > 0 {
		lit, hlen, blen := ProbeHeader(data)
		if lit == '-' {
			return recs, ErrBadRecord
		}
		if lit == 0 || hlen+blen > len(data) {
			return recs, ErrIncomplete
		}
		recs = append(recs, data[:hlen+blen])
		data = data[hlen+blen:]
	}
	return
}

// AppendHeader appends a record header for a body of the given length.
// Lowercase lit enables the tiny format for small bodies.
func AppendHeader(into []byte, lit byte, bodylen int) (ret []byte) {
	biglit := lit &^ CaseBit
	if biglit < 'A' || biglit > 'Z' {
		panic("TLV record type is A..Z")
	}
	if bodylen < 10 && (lit&CaseBit) != 0 {
		ret = append(into, byte('0'+bodylen))
	} else if bodylen > 0xff {
		if bodylen > 0x7fffffff {
			panic("oversized TLV record")
		}
		ret = append(into, biglit)
		ret = binary.LittleEndian.AppendUint32(ret, uint32(bodylen))
	} else {
		ret = append(into, lit|CaseBit, byte(bodylen))
	}
	return ret
}

// Take extracts a record of the given type from trusted data.
func Take(lit byte, data []byte) (body, rest []byte) {
	flit, hdrlen, bodylen := ProbeHeader(data)
	if flit == 0 || hdrlen+bodylen > len(data) {
		return nil, data // Incomplete
	}
	if flit != lit && flit != '0' {
		return nil, nil // BadRecord
	}
	body = data[hdrlen : hdrlen+bodylen]
	rest = data[hdrlen+bodylen:]
	return
}

// TakeAny extracts a record of any type from trusted data.
func TakeAny(data []byte) (lit byte, body, rest []byte) {
	if len(data) == 0 {
		return 0, nil, nil
	}
	lit = Lit(data)
	body, rest = Take(lit, data)
	return
}

// TakeWary extracts a record of the given type from untrusted data.
func TakeWary(lit byte, data []byte) (body, rest []byte, err error) {
	flit, hdrlen, bodylen := ProbeHeader(data)
	if flit == '-' {
		return nil, nil, ErrBadRecord
	}
	if flit == 0 || hdrlen+bodylen > len(data) {
		return nil, data, ErrIncomplete
	}
	if flit != lit && flit != '0' {
		return nil, nil, ErrBadRecord
	}
	body = data[hdrlen : hdrlen+bodylen]
	rest = data[hdrlen+bodylen:]
	return
}

// TakeAnyWary extracts a record of any type from untrusted data.
func TakeAnyWary(data []byte) (lit byte, body, rest []byte, err error) {
	if len(data) == 0 {
		return 0, nil, nil, ErrIncomplete
	}
	lit = Lit(data)
	if lit == '-' {
		return 0, nil, nil, ErrBadRecord
	}
	body, rest, err = TakeWary(lit, data)
	return
}

func TotalLen(inputs [][]byte) (sum int) {
	for _, input := range inputs {
		sum += len(input)
	}
	return
}

// Lit returns the canonical record type ('A'-'Z', '0' for tiny, '-' for invalid).
func Lit(rec []byte) byte {
	if len(rec) == 0 {
		return '-'
	}
	b := rec[0]
	if b >= 'a' && b <= 'z' {
		return b - CaseBit
	} else if b >= 'A' && b <= 'Z' {
		return b
	} else if b >= '0' && b <= '9' {
		return '0'
	} else {
		return '-'
	}
}

// Append appends a complete record to the buffer.
func Append(into []byte, lit byte, body ...[]byte) (res []byte) {
	total := TotalLen(body)
	res = AppendHeader(into, lit, total)
	for _, b := range body {
		res = append(res, b...)
	}
	return res
}

// Record creates a complete record.
func Record(lit byte, body ...[]byte) []byte {
	total := TotalLen(body)
	ret := make([]byte, 0, total+5)
	return Append(ret, lit, body...)
}

// TinyRecord is Record with the tiny format allowed.
func TinyRecord(lit byte, body []byte) (tiny []byte) {
	return Record((lit&^CaseBit)|CaseBit, body)
}

// Concat concatenates byte slices with one allocation.
func Concat(msg ...[]byte) []byte {
	ret := make([]byte, 0, TotalLen(msg))
	for _, b := range msg {
		ret = append(ret, b...)
	}
	return ret
}

// OpenHeader starts a record whose body length is not known yet.
// Pair with CloseHeader:
//
//	bookmark, buf := OpenHeader(buf, 'X')
//	buf = append(buf, bodyData...)
//	CloseHeader(buf, bookmark)
//
// The long (5-byte) header is always used.
func OpenHeader(buf []byte, lit byte) (bookmark int, res []byte) {
	lit &= ^CaseBit
	if lit < 'A' || lit > 'Z' {
		panic("TLV liters are uppercase A-Z")
	}
	res = append(buf, lit, 0, 0, 0, 0)
	return len(res), res
}

// CloseHeader writes the actual body length of a record started with OpenHeader.
func CloseHeader(buf []byte, bookmark int) {
	if bookmark < 5 || len(buf) < bookmark {
		panic("check the API docs")
	}
	binary.LittleEndian.PutUint32(buf[bookmark-4:bookmark], uint32(len(buf)-bookmark))
}
