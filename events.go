package umbra

import (
	"slices"

	"github.com/Team1-2308-Capstone/Umbra/awareness"
	"github.com/Team1-2308-Capstone/Umbra/replication"
)

type Event interface {
	event()
}

// DocumentChanged is a new text snapshot.
type DocumentChanged struct {
	Text string
	// Remote is set when peers caused the change.
	Remote bool
}

// ParticipantChanged reports someone joining, updating their presence
// or leaving.
type ParticipantChanged struct {
	Kind        awareness.ChangeKind
	Participant Participant
}

// ConnectivityChanged mirrors the sync session; a Fatal one means the
// room cannot be joined.
type ConnectivityChanged struct {
	replication.ConnectivityEvent
}

func (DocumentChanged) event()     {}
func (ParticipantChanged) event()  {}
func (ConnectivityChanged) event() {}

// Selection is a cursor resolved to text indexes.
type Selection struct {
	Anchor, Head int
}

type Participant struct {
	ID       uint64
	Local    bool
	Name     awareness.Name
	Color    awareness.Color
	Language awareness.Language
	// nil if the participant shares no cursor, or it points at text
	// not yet received
	Cursor *Selection
}

// loop-owned
func (u *Umbra) participant(e awareness.Entry) Participant {
	p := Participant{
		ID:       e.Participant,
		Local:    e.Participant == u.opts.Src,
		Name:     e.Name(),
		Color:    e.Color(),
		Language: e.Language(),
	}
	if c, ok := e.Cursor(); ok {
		anchor, head := u.replica.PosOf(c.Anchor), u.replica.PosOf(c.Head)
		if anchor >= 0 && head >= 0 {
			p.Cursor = &Selection{Anchor: anchor, Head: head}
		}
	}
	return p
}

func (u *Umbra) participantChanged(change awareness.Change) {
	_ = u.do(u.ctx, func() {
		u.emit(ParticipantChanged{Kind: change.Kind, Participant: u.participant(change.Entry)})
	})
}

// Participants lists everyone present, the local participant included,
// ordered by id.
func (u *Umbra) Participants() (list []Participant, err error) {
	snap := u.aware.Snapshot()
	err = u.do(u.ctx, func() {
		for _, e := range snap {
			list = append(list, u.participant(e))
		}
	})
	slices.SortFunc(list, func(a, b Participant) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return
}
