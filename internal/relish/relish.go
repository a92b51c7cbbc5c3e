package relish

import (
	"encoding/binary"
	"fmt"
)

// Fork numbers of a relation.
const (
	MainForkNum       uint8 = 0
	FSMForkNum        uint8 = 1
	VisibilityForkNum uint8 = 2
	InitForkNum       uint8 = 3
)

// RelTag identifies a relation fork. It is comparable and can be used as a map key.
type RelTag struct {
	ForkNum uint8
	SpcNode uint32
	DbNode  uint32
	RelNode uint32
}

func (r RelTag) String() string {
	if r.ForkNum == MainForkNum {
		return fmt.Sprintf("%d/%d/%d", r.SpcNode, r.DbNode, r.RelNode)
	}
	return fmt.Sprintf("%d/%d/%d_%s", r.SpcNode, r.DbNode, r.RelNode, forkName(r.ForkNum))
}

func forkName(forkNum uint8) string {
	switch forkNum {
	case FSMForkNum:
		return "fsm"
	case VisibilityForkNum:
		return "vm"
	case InitForkNum:
		return "init"
	default:
		return fmt.Sprintf("fork%d", forkNum)
	}
}

// BufferTag is a relation plus block number, the unique id of one page in the cluster.
type BufferTag struct {
	Rel    RelTag
	BlkNum uint32
}

// BufferTagSize is the serialized size of a BufferTag:
// forknum (1) + spcnode (4) + dbnode (4) + relnode (4) + blknum (4)
const BufferTagSize = 17

func (b BufferTag) String() string {
	return fmt.Sprintf("%s blk %d", b.Rel, b.BlkNum)
}

// WriteTo serializes the BufferTag in big-endian order. The buffer must hold BufferTagSize bytes.
func (b BufferTag) WriteTo(data []byte) {
	if len(data) < BufferTagSize {
		panic("buffer too small")
	}
	data[0] = b.Rel.ForkNum
	binary.BigEndian.PutUint32(data[1:], b.Rel.SpcNode)
	binary.BigEndian.PutUint32(data[5:], b.Rel.DbNode)
	binary.BigEndian.PutUint32(data[9:], b.Rel.RelNode)
	binary.BigEndian.PutUint32(data[13:], b.BlkNum)
}

// LoadFrom deserializes a BufferTag written by WriteTo.
func (b *BufferTag) LoadFrom(data []byte) {
	if len(data) < BufferTagSize {
		panic("buffer too small")
	}
	b.Rel.ForkNum = data[0]
	b.Rel.SpcNode = binary.BigEndian.Uint32(data[1:])
	b.Rel.DbNode = binary.BigEndian.Uint32(data[5:])
	b.Rel.RelNode = binary.BigEndian.Uint32(data[9:])
	b.BlkNum = binary.BigEndian.Uint32(data[13:])
}
