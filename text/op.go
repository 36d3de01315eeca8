package text

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/Team1-2308-Capstone/Umbra/rdx"
)

type OpKind byte

const (
	OpInsert OpKind = 'I'
	OpDelete OpKind = 'D'
)

func (k OpKind) String() string {
	switch k {
	case OpInsert:
		return "insert"
	case OpDelete:
		return "delete"
	default:
		return fmt.Sprintf("op(%c)", byte(k))
	}
}

var (
	ErrInvalidOp  = errors.New("umbra: invalid op")
	ErrOutOfRange = errors.New("umbra: position out of range")
)

// Op is an immutable document operation. Every op, inserts and deletes
// alike, takes an id from its author's clock, so one version vector
// accounts for the entire log.
type Op struct {
	Kind OpKind
	ID   rdx.ID
	// Insert: neighbours at insertion time, ID0 for the document edges.
	Origin      rdx.ID
	RightOrigin rdx.ID
	Text        string
	// Delete: the insert whose item gets a tombstone.
	Target rdx.ID
}

func (op Op) String() string {
	switch op.Kind {
	case OpInsert:
		return fmt.Sprintf("%s ins %q (%s|%s)", op.ID, op.Text, op.Origin, op.RightOrigin)
	case OpDelete:
		return fmt.Sprintf("%s del %s", op.ID, op.Target)
	default:
		return fmt.Sprintf("%s %s", op.ID, op.Kind)
	}
}

func validRef(id rdx.ID) bool {
	return id.IsZero() || (id.Src() != 0 && id.Src() <= rdx.MaxSrc && id.Seq() != 0)
}

// Validate checks the shape of an op; it says nothing about whether
// its dependencies are known.
func (op Op) Validate() error {
	if op.ID.Src() == 0 || op.ID.Src() > rdx.MaxSrc || op.ID.Seq() == 0 {
		return fmt.Errorf("%w: bad id %s", ErrInvalidOp, op.ID)
	}
	switch op.Kind {
	case OpInsert:
		if utf8.RuneCountInString(op.Text) != 1 || !utf8.ValidString(op.Text) {
			return fmt.Errorf("%w: insert %s carries %q", ErrInvalidOp, op.ID, op.Text)
		}
		if !validRef(op.Origin) || !validRef(op.RightOrigin) || !op.Target.IsZero() {
			return fmt.Errorf("%w: insert %s refs", ErrInvalidOp, op.ID)
		}
	case OpDelete:
		if op.Target.IsZero() || !validRef(op.Target) || op.Text != "" {
			return fmt.Errorf("%w: delete %s target %s", ErrInvalidOp, op.ID, op.Target)
		}
	default:
		return fmt.Errorf("%w: kind %s", ErrInvalidOp, op.Kind)
	}
	return nil
}

// IDs lists the op ids, e.g. to record them in an undo frame.
func IDs(ops []Op) []rdx.ID {
	ids := make([]rdx.ID, len(ops))
	for i, op := range ops {
		ids[i] = op.ID
	}
	return ids
}
