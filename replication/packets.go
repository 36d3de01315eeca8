package replication

import (
	"errors"
	"fmt"

	"github.com/Team1-2308-Capstone/Umbra/protocol"
	"github.com/Team1-2308-Capstone/Umbra/rdx"
	"github.com/Team1-2308-Capstone/Umbra/text"
	"github.com/Team1-2308-Capstone/Umbra/update"
)

// Packet types. A connection starts with AUTH (client to relay), then
// both sides send SYNC_STEP1 with their state vector and SYNC_STEP2 with
// what the other side misses; UPDATE and AWARENESS flow after that.
// BYE ends the conversation.
const (
	PacketAuth      = 'A'
	PacketStep1     = 'H'
	PacketStep2     = 'D'
	PacketUpdate    = 'U'
	PacketAwareness = 'W'
	PacketBye       = 'B'
)

var (
	ErrBadPacket        = errors.New("umbra: bad packet")
	ErrUnauthorized     = errors.New("umbra: unauthorized")
	ErrTooManyFaults    = errors.New("umbra: too many protocol faults")
	ErrHandshakeTimeout = errors.New("umbra: handshake timeout")
	ErrClosed           = errors.New("umbra: sync closed")
)

// ByeUnauthorized is the BYE reason a relay gives for a rejected AUTH.
const ByeUnauthorized = "unauthorized"

// Auth is presented once per connection, before anything else.
type Auth struct {
	Room  string
	Token string
	// the replica source, also the awareness participant id
	Src uint64
}

func AuthPacket(a Auth) []byte {
	return protocol.Record(PacketAuth,
		protocol.Record('R', []byte(a.Room)),
		protocol.Record('T', []byte(a.Token)),
		protocol.TinyRecord('S', rdx.ZipUint64(a.Src)),
	)
}

func ParseAuth(body []byte) (a Auth, err error) {
	var room, token, src []byte
	if room, body, err = protocol.TakeWary('R', body); err == nil {
		if token, body, err = protocol.TakeWary('T', body); err == nil {
			src, body, err = protocol.TakeWary('S', body)
		}
	}
	if err == nil && (len(body) != 0 || len(src) > 8) {
		err = fmt.Errorf("trailing bytes")
	}
	if err != nil {
		return a, errors.Join(ErrBadPacket, err)
	}
	a.Room, a.Token, a.Src = string(room), string(token), rdx.UnzipUint64(src)
	if a.Src == 0 || a.Src > rdx.MaxSrc {
		return a, fmt.Errorf("%w: auth source %d", ErrBadPacket, a.Src)
	}
	return a, nil
}

func Step1Packet(vv rdx.VV) []byte {
	return protocol.Record(PacketStep1, update.EncodeStateVector(vv))
}

func Step2Packet(ops []text.Op) []byte {
	return protocol.Record(PacketStep2, update.EncodeOps(ops))
}

func UpdatePacket(ops []text.Op) []byte {
	return protocol.Record(PacketUpdate, update.EncodeOps(ops))
}

func AwarenessPacket(msg []byte) []byte {
	return protocol.Record(PacketAwareness, msg)
}

func ByePacket(reason string) []byte {
	return protocol.Record(PacketBye, []byte(reason))
}

// ParsePacket splits a packet into its type and body.
func ParsePacket(rec []byte) (lit byte, body []byte, err error) {
	lit, body, rest, err := protocol.TakeAnyWary(rec)
	if err == nil && len(rest) != 0 {
		err = fmt.Errorf("%w: trailing bytes", ErrBadPacket)
	}
	if err != nil {
		return 0, nil, errors.Join(ErrBadPacket, err)
	}
	return
}
