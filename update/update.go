// Package update is the wire codec for document ops and state vectors.
// A batch of ops is a plain concatenation of op records, each one
// self-contained, so a batch can be decoded record by record:
//
//	insert: I{ I<id> O<origin> R<rightOrigin> S<text> }
//	delete: D{ I<id> T<target> }
//
// Ids are zipped src/seq pairs; ID0 zips to an empty body.
package update

import (
	"errors"
	"fmt"

	"github.com/Team1-2308-Capstone/Umbra/protocol"
	"github.com/Team1-2308-Capstone/Umbra/rdx"
	"github.com/Team1-2308-Capstone/Umbra/text"
)

var ErrMalformed = errors.New("umbra: malformed update")

// AppendOp appends the op record to the buffer.
func AppendOp(into []byte, op text.Op) []byte {
	switch op.Kind {
	case text.OpInsert:
		return protocol.Append(into, 'I',
			protocol.TinyRecord('I', op.ID.ZipBytes()),
			protocol.TinyRecord('O', op.Origin.ZipBytes()),
			protocol.TinyRecord('R', op.RightOrigin.ZipBytes()),
			protocol.Record('S', []byte(op.Text)),
		)
	case text.OpDelete:
		return protocol.Append(into, 'D',
			protocol.TinyRecord('I', op.ID.ZipBytes()),
			protocol.TinyRecord('T', op.Target.ZipBytes()),
		)
	}
	return into
}

func EncodeOps(ops []text.Op) (data []byte) {
	for _, op := range ops {
		data = AppendOp(data, op)
	}
	return
}

func takeID(lit byte, body []byte) (id rdx.ID, rest []byte, err error) {
	var zip []byte
	zip, rest, err = protocol.TakeWary(lit, body)
	if err != nil {
		return
	}
	id, err = rdx.IDFromZipBytesWary(zip)
	return
}

// DecodeOp decodes exactly one op record and validates its shape.
func DecodeOp(rec []byte) (op text.Op, err error) {
	lit, body, rest, err := protocol.TakeAnyWary(rec)
	if err != nil {
		return op, errors.Join(ErrMalformed, err)
	}
	if len(rest) != 0 {
		return op, fmt.Errorf("%w: trailing bytes", ErrMalformed)
	}
	switch lit {
	case 'I':
		op.Kind = text.OpInsert
		var str []byte
		if op.ID, body, err = takeID('I', body); err == nil {
			if op.Origin, body, err = takeID('O', body); err == nil {
				if op.RightOrigin, body, err = takeID('R', body); err == nil {
					str, body, err = protocol.TakeWary('S', body)
				}
			}
		}
		op.Text = string(str)
	case 'D':
		op.Kind = text.OpDelete
		if op.ID, body, err = takeID('I', body); err == nil {
			op.Target, body, err = takeID('T', body)
		}
	default:
		return op, fmt.Errorf("%w: record %c", ErrMalformed, lit)
	}
	if err == nil && len(body) != 0 {
		err = fmt.Errorf("trailing %d bytes in %c", len(body), lit)
	}
	if err == nil {
		err = op.Validate()
	}
	if err != nil {
		return op, errors.Join(ErrMalformed, err)
	}
	return op, nil
}

// DecodeOps decodes a batch. Records with bad content are skipped and
// reported; broken framing stops the decoding. Either way the ops
// decoded so far are returned.
func DecodeOps(data []byte) (ops []text.Op, err error) {
	var errs []error
	for len(data) > 0 {
		_, _, rest, ferr := protocol.TakeAnyWary(data)
		if ferr != nil {
			errs = append(errs, errors.Join(ErrMalformed, ferr))
			break
		}
		op, oerr := DecodeOp(data[:len(data)-len(rest)])
		if oerr != nil {
			errs = append(errs, oerr)
		} else {
			ops = append(ops, op)
		}
		data = rest
	}
	return ops, errors.Join(errs...)
}

func EncodeStateVector(vv rdx.VV) []byte {
	return vv.TLV()
}

func DecodeStateVector(data []byte) (rdx.VV, error) {
	vv, err := rdx.VVFromTLV(data)
	if err != nil {
		return nil, errors.Join(ErrMalformed, err)
	}
	return vv, nil
}

// Source is anything holding an op log, e.g. a text.Replica.
type Source interface {
	Since(vv rdx.VV) []text.Op
}

// Diff lists every op of local the remote state vector does not cover.
func Diff(local Source, remote rdx.VV) []text.Op {
	if remote == nil {
		remote = rdx.VV{}
	}
	return local.Since(remote)
}
