package relish

import (
	"encoding/binary"
	"fmt"
)

// Kind distinguishes relation pages from the other objects stored in the repository.
type Kind uint8

const (
	KindRelation Kind = iota + 1
	KindSlru
	KindFileNodeMap
	KindTwoPhase
	KindCheckpoint
	KindControlFile
)

func (k Kind) String() string {
	switch k {
	case KindRelation:
		return "rel"
	case KindSlru:
		return "slru"
	case KindFileNodeMap:
		return "filenodemap"
	case KindTwoPhase:
		return "twophase"
	case KindCheckpoint:
		return "checkpoint"
	case KindControlFile:
		return "controlfile"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// SlruKind names one of the simple LRU buffered areas.
type SlruKind uint8

const (
	Clog SlruKind = iota
	MultiXactOffsets
	MultiXactMembers
)

func (s SlruKind) String() string {
	switch s {
	case Clog:
		return "pg_xact"
	case MultiXactOffsets:
		return "pg_multixact/offsets"
	case MultiXactMembers:
		return "pg_multixact/members"
	default:
		return fmt.Sprintf("slru(%d)", uint8(s))
	}
}

// Tag identifies a stored object. Only the fields relevant to Kind are set,
// so two tags for the same object always compare equal.
type Tag struct {
	Kind Kind

	// KindRelation
	Rel RelTag

	// KindSlru
	Slru  SlruKind
	SegNo uint32

	// KindFileNodeMap
	SpcNode uint32
	DbNode  uint32

	// KindTwoPhase
	Xid uint32
}

// TagSize is the serialized size of a Tag: kind (1) + four u32 slots (16)
const TagSize = 17

func Relation(rel RelTag) Tag {
	return Tag{Kind: KindRelation, Rel: rel}
}

func Slru(kind SlruKind, segno uint32) Tag {
	return Tag{Kind: KindSlru, Slru: kind, SegNo: segno}
}

func FileNodeMap(spcnode, dbnode uint32) Tag {
	return Tag{Kind: KindFileNodeMap, SpcNode: spcnode, DbNode: dbnode}
}

func TwoPhase(xid uint32) Tag {
	return Tag{Kind: KindTwoPhase, Xid: xid}
}

func Checkpoint() Tag {
	return Tag{Kind: KindCheckpoint}
}

func ControlFile() Tag {
	return Tag{Kind: KindControlFile}
}

// IsRelation reports whether the tag names a relation fork.
func (t Tag) IsRelation() bool {
	return t.Kind == KindRelation
}

func (t Tag) String() string {
	switch t.Kind {
	case KindRelation:
		return t.Rel.String()
	case KindSlru:
		return fmt.Sprintf("%s/%04X", t.Slru, t.SegNo)
	case KindFileNodeMap:
		return fmt.Sprintf("relmapper file for spc %d db %d", t.SpcNode, t.DbNode)
	case KindTwoPhase:
		return fmt.Sprintf("pg_twophase/%08X", t.Xid)
	default:
		return t.Kind.String()
	}
}

// WriteTo serializes the tag. The buffer must hold TagSize bytes.
func (t Tag) WriteTo(data []byte) {
	if len(data) < TagSize {
		panic("buffer too small")
	}
	for i := range data[:TagSize] {
		data[i] = 0
	}
	data[0] = byte(t.Kind)
	slots := data[1:TagSize]

	switch t.Kind {
	case KindRelation:
		slots[0] = t.Rel.ForkNum
		binary.BigEndian.PutUint32(slots[4:], t.Rel.SpcNode)
		binary.BigEndian.PutUint32(slots[8:], t.Rel.DbNode)
		binary.BigEndian.PutUint32(slots[12:], t.Rel.RelNode)
	case KindSlru:
		slots[0] = byte(t.Slru)
		binary.BigEndian.PutUint32(slots[4:], t.SegNo)
	case KindFileNodeMap:
		binary.BigEndian.PutUint32(slots[4:], t.SpcNode)
		binary.BigEndian.PutUint32(slots[8:], t.DbNode)
	case KindTwoPhase:
		binary.BigEndian.PutUint32(slots[4:], t.Xid)
	}
}

// LoadFrom deserializes a tag written by WriteTo.
func (t *Tag) LoadFrom(data []byte) error {
	if len(data) < TagSize {
		return fmt.Errorf("tag: need %d bytes, have %d", TagSize, len(data))
	}
	slots := data[1:TagSize]

	switch Kind(data[0]) {
	case KindRelation:
		*t = Relation(RelTag{
			ForkNum: slots[0],
			SpcNode: binary.BigEndian.Uint32(slots[4:]),
			DbNode:  binary.BigEndian.Uint32(slots[8:]),
			RelNode: binary.BigEndian.Uint32(slots[12:]),
		})
	case KindSlru:
		if SlruKind(slots[0]) > MultiXactMembers {
			return fmt.Errorf("tag: unknown slru kind %d", slots[0])
		}
		*t = Slru(SlruKind(slots[0]), binary.BigEndian.Uint32(slots[4:]))
	case KindFileNodeMap:
		*t = FileNodeMap(binary.BigEndian.Uint32(slots[4:]), binary.BigEndian.Uint32(slots[8:]))
	case KindTwoPhase:
		*t = TwoPhase(binary.BigEndian.Uint32(slots[4:]))
	case KindCheckpoint:
		*t = Checkpoint()
	case KindControlFile:
		*t = ControlFile()
	default:
		return fmt.Errorf("tag: unknown kind %d", data[0])
	}
	return nil
}
