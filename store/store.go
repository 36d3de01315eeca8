// Package store keeps what outlives a process: local preferences (the
// display name) and the op logs of relay rooms. It is a thin layer over
// pebble; an empty Dir keeps everything in memory.
//
// Keys:
//
//	P<key>          preference value
//	O<xxhash(room)> concatenated op records of the room (merge operator)
//	R<xxhash(room)> room name, to detect hash collisions
package store

import (
	"errors"
	"fmt"
	"io"

	"github.com/Team1-2308-Capstone/Umbra/text"
	"github.com/Team1-2308-Capstone/Umbra/update"
	"github.com/Team1-2308-Capstone/Umbra/utils"
	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
)

var (
	ErrClosed        = errors.New("umbra: store is closed")
	ErrRoomCollision = errors.New("umbra: room key collision")
)

type Options struct {
	// Dir is the pebble directory; empty means in-memory.
	Dir string
	// Sync makes every write durable before returning.
	Sync bool
	Log  utils.Logger
}

type Store struct {
	db    *pebble.DB
	log   utils.Logger
	wopts *pebble.WriteOptions
}

// opsMerger concatenates op records in write order, so appending to a
// room log is a blind write.
type opsMerger struct {
	vals [][]byte
}

func (m *opsMerger) MergeNewer(value []byte) error {
	m.vals = append(m.vals, append([]byte(nil), value...))
	return nil
}

func (m *opsMerger) MergeOlder(value []byte) error {
	m.vals = append([][]byte{append([]byte(nil), value...)}, m.vals...)
	return nil
}

func (m *opsMerger) Finish(includesBase bool) ([]byte, io.Closer, error) {
	var res []byte
	for _, v := range m.vals {
		res = append(res, v...)
	}
	return res, nil, nil
}

var merger = &pebble.Merger{
	Name: "umbra.ops",
	Merge: func(key, value []byte) (pebble.ValueMerger, error) {
		m := &opsMerger{}
		return m, m.MergeNewer(value)
	},
}

func Open(opts Options) (*Store, error) {
	popts := &pebble.Options{Merger: merger}
	dir := opts.Dir
	if dir == "" {
		popts.FS = vfs.NewMem()
		dir = "umbra"
	}
	db, err := pebble.Open(dir, popts)
	if err != nil {
		return nil, fmt.Errorf("open store %q: %w", opts.Dir, err)
	}
	s := &Store{db: db, log: utils.LoggerOr(opts.Log), wopts: pebble.NoSync}
	if opts.Sync {
		s.wopts = pebble.Sync
	}
	return s, nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return ErrClosed
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *Store) DB() *pebble.DB {
	return s.db
}

func prefKey(key string) []byte {
	return append([]byte{'P'}, key...)
}

func roomKey(lit byte, room string) []byte {
	h := xxhash.Sum64String(room)
	return []byte{lit,
		byte(h >> 56), byte(h >> 48), byte(h >> 40), byte(h >> 32),
		byte(h >> 24), byte(h >> 16), byte(h >> 8), byte(h)}
}

func (s *Store) get(key []byte) (val []byte, ok bool, err error) {
	if s.db == nil {
		return nil, false, ErrClosed
	}
	v, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	val = append([]byte(nil), v...)
	_ = closer.Close()
	return val, true, nil
}

// Get reads a preference.
func (s *Store) Get(key string) (string, bool, error) {
	val, ok, err := s.get(prefKey(key))
	return string(val), ok, err
}

// Set writes a preference.
func (s *Store) Set(key, value string) error {
	if s.db == nil {
		return ErrClosed
	}
	return s.db.Set(prefKey(key), []byte(value), s.wopts)
}

func (s *Store) checkRoom(b *pebble.Batch, room string) error {
	name, ok, err := s.get(roomKey('R', room))
	if err != nil {
		return err
	}
	if ok && string(name) != room {
		return fmt.Errorf("%w: %q and %q", ErrRoomCollision, room, name)
	}
	if !ok {
		return b.Set(roomKey('R', room), []byte(room), nil)
	}
	return nil
}

// AppendOps adds ops to the log of a room.
func (s *Store) AppendOps(room string, ops []text.Op) error {
	if s.db == nil {
		return ErrClosed
	}
	if len(ops) == 0 {
		return nil
	}
	b := s.db.NewBatch()
	defer b.Close()
	if err := s.checkRoom(b, room); err != nil {
		return err
	}
	if err := b.Merge(roomKey('O', room), update.EncodeOps(ops), nil); err != nil {
		return err
	}
	return b.Commit(s.wopts)
}

// LoadOps reads the log of a room back; records that fail to decode are
// skipped and reported.
func (s *Store) LoadOps(room string) ([]text.Op, error) {
	name, ok, err := s.get(roomKey('R', room))
	if err != nil || !ok {
		return nil, err
	}
	if string(name) != room {
		return nil, fmt.Errorf("%w: %q and %q", ErrRoomCollision, room, name)
	}
	data, _, err := s.get(roomKey('O', room))
	if err != nil {
		return nil, err
	}
	ops, err := update.DecodeOps(data)
	if err != nil {
		s.log.Warn("store: damaged room log", "room", room, "ops", len(ops), "err", err)
	}
	return ops, err
}

// Compact rewrites the log of a room as exactly the given ops, e.g. a
// replica's full history with duplicates gone.
func (s *Store) Compact(room string, ops []text.Op) error {
	if s.db == nil {
		return ErrClosed
	}
	b := s.db.NewBatch()
	defer b.Close()
	if err := s.checkRoom(b, room); err != nil {
		return err
	}
	if err := b.Set(roomKey('O', room), update.EncodeOps(ops), nil); err != nil {
		return err
	}
	return b.Commit(s.wopts)
}

func (s *Store) DropRoom(room string) error {
	if s.db == nil {
		return ErrClosed
	}
	b := s.db.NewBatch()
	defer b.Close()
	_ = b.Delete(roomKey('O', room), nil)
	_ = b.Delete(roomKey('R', room), nil)
	return b.Commit(s.wopts)
}
