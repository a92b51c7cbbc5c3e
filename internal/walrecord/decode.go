package walrecord

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/joeandaverde/pageserver/internal/relish"
)

// XLogRecord Header Format (little endian)
// Offset	Size	Description
// 0			4	Total length of the record
// 4			4	Transaction id
// 8			8	Position of the previous record
// 16			1	Flag bits, the high 4 bits are resource manager specific
// 17			1	Resource manager id
// 18			2	Padding
// 20			4	CRC of the record

const (
	HeaderSize = 24

	blockIDMax       = 32
	blockIDOrigin    = 253
	blockIDDataLong  = 254
	blockIDDataShort = 255
	blockIDTopXid    = 252

	bkpBlockForkMask = 0x0F
	bkpBlockHasImage = 0x10
	bkpBlockHasData  = 0x20
	bkpBlockWillInit = 0x40
	bkpBlockSameRel  = 0x80

	bkpImageHasHole      = 0x01
	bkpImageIsCompressed = 0x02
)

// Resource manager ids.
const (
	RmXlogID      uint8 = 0
	RmXactID      uint8 = 1
	RmSmgrID      uint8 = 2
	RmClogID      uint8 = 3
	RmDbaseID     uint8 = 4
	RmTblspcID    uint8 = 5
	RmMultiXactID uint8 = 6
	RmRelmapID    uint8 = 7
	RmStandbyID   uint8 = 8
	RmHeap2ID     uint8 = 9
	RmHeapID      uint8 = 10
)

// XlrRmgrInfoMask selects the resource manager specific bits of Info.
const XlrRmgrInfoMask = 0xF0

var errShortRecord = errors.New("walrecord: record too short")

// BlockRef is a block referenced by a record.
type BlockRef struct {
	ID       uint8
	Rel      relish.RelTag
	BlkNum   uint32
	HasImage bool
	WillInit bool
	Image    []byte
	Data     []byte
}

// Decoded is a record split into header fields, block references and main data.
type Decoded struct {
	TotLen uint32
	Xid    uint32
	Prev   uint64
	Info   uint8
	Rmid   uint8

	Blocks   []BlockRef
	MainData []byte

	// MainDataOffset is the offset of MainData within the raw record.
	MainDataOffset uint32
}

// Decode parses a raw record. The returned slices alias buf.
func Decode(buf []byte) (*Decoded, error) {
	if len(buf) < HeaderSize {
		return nil, errShortRecord
	}

	d := &Decoded{
		TotLen: binary.LittleEndian.Uint32(buf[0:]),
		Xid:    binary.LittleEndian.Uint32(buf[4:]),
		Prev:   binary.LittleEndian.Uint64(buf[8:]),
		Info:   buf[16],
		Rmid:   buf[17],
	}
	if int(d.TotLen) > len(buf) {
		return nil, fmt.Errorf("walrecord: total length %d exceeds buffer of %d", d.TotLen, len(buf))
	}
	if d.TotLen != 0 {
		buf = buf[:d.TotLen]
	}

	r := reader{buf: buf, pos: HeaderSize}

	type lengths struct {
		image int
		data  int
	}
	var blockLens []lengths
	var mainDataLen int
	var prevRel *relish.RelTag
	maxBlockID := -1
	dataTotal := 0

	// Headers are consumed until only the payload they describe is left.
	// The main data header is always the last one.
headers:
	for r.remaining() > dataTotal {
		id, err := r.u8()
		if err != nil {
			return nil, err
		}

		switch {
		case id == blockIDDataShort:
			n, err := r.u8()
			if err != nil {
				return nil, err
			}
			mainDataLen = int(n)
			dataTotal += mainDataLen
			break headers
		case id == blockIDDataLong:
			n, err := r.u32()
			if err != nil {
				return nil, err
			}
			mainDataLen = int(n)
			dataTotal += mainDataLen
			break headers
		case id == blockIDOrigin:
			if _, err := r.u16(); err != nil {
				return nil, err
			}
		case id == blockIDTopXid:
			if _, err := r.u32(); err != nil {
				return nil, err
			}
		case id <= blockIDMax:
			if int(id) <= maxBlockID {
				return nil, fmt.Errorf("walrecord: out-of-order block id %d", id)
			}
			maxBlockID = int(id)

			forkFlags, err := r.u8()
			if err != nil {
				return nil, err
			}
			dataLen, err := r.u16()
			if err != nil {
				return nil, err
			}

			blk := BlockRef{
				ID:       id,
				HasImage: forkFlags&bkpBlockHasImage != 0,
				WillInit: forkFlags&bkpBlockWillInit != 0,
			}
			if forkFlags&bkpBlockHasData == 0 && dataLen != 0 {
				return nil, fmt.Errorf("walrecord: block %d has data length %d but no data flag", id, dataLen)
			}

			var imageLen uint16
			if blk.HasImage {
				if imageLen, err = r.u16(); err != nil {
					return nil, err
				}
				if _, err := r.u16(); err != nil { // hole offset
					return nil, err
				}
				bimgInfo, err := r.u8()
				if err != nil {
					return nil, err
				}
				if bimgInfo&bkpImageHasHole != 0 && bimgInfo&bkpImageIsCompressed != 0 {
					if _, err := r.u16(); err != nil { // hole length
						return nil, err
					}
				}
			}

			if forkFlags&bkpBlockSameRel != 0 {
				if prevRel == nil {
					return nil, fmt.Errorf("walrecord: block %d refers to previous relation but there is none", id)
				}
				blk.Rel = *prevRel
			} else {
				var rel relish.RelTag
				if rel.SpcNode, err = r.u32(); err != nil {
					return nil, err
				}
				if rel.DbNode, err = r.u32(); err != nil {
					return nil, err
				}
				if rel.RelNode, err = r.u32(); err != nil {
					return nil, err
				}
				blk.Rel = rel
			}
			blk.Rel.ForkNum = forkFlags & bkpBlockForkMask
			prevRel = &blk.Rel

			if blk.BlkNum, err = r.u32(); err != nil {
				return nil, err
			}

			d.Blocks = append(d.Blocks, blk)
			blockLens = append(blockLens, lengths{image: int(imageLen), data: int(dataLen)})
			dataTotal += int(imageLen) + int(dataLen)
		default:
			return nil, fmt.Errorf("walrecord: invalid block id %d", id)
		}
	}

	if r.remaining() != dataTotal {
		return nil, fmt.Errorf("walrecord: %d payload bytes described, %d present", dataTotal, r.remaining())
	}

	// Block images and data follow the headers, in block order, then the main data.
	for i := range d.Blocks {
		img, err := r.bytes(blockLens[i].image)
		if err != nil {
			return nil, err
		}
		data, err := r.bytes(blockLens[i].data)
		if err != nil {
			return nil, err
		}
		d.Blocks[i].Image = img
		d.Blocks[i].Data = data
	}

	d.MainDataOffset = uint32(r.pos)
	main, err := r.bytes(mainDataLen)
	if err != nil {
		return nil, err
	}
	d.MainData = main

	return d, nil
}

type reader struct {
	buf []byte
	pos int
}

func (r *reader) remaining() int {
	return len(r.buf) - r.pos
}

func (r *reader) bytes(n int) ([]byte, error) {
	if n < 0 || r.remaining() < n {
		return nil, errShortRecord
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func (r *reader) u8() (uint8, error) {
	b, err := r.bytes(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *reader) u16() (uint16, error) {
	b, err := r.bytes(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (r *reader) u32() (uint32, error) {
	b, err := r.bytes(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// Encode builds a raw record with no block references, carrying only main data.
// The CRC field is left zero.
func Encode(xid uint32, rmid uint8, info uint8, mainData []byte) []byte {
	hdrLen := 2
	if len(mainData) > 255 {
		hdrLen = 5
	}

	buf := make([]byte, HeaderSize+hdrLen+len(mainData))
	binary.LittleEndian.PutUint32(buf[0:], uint32(len(buf)))
	binary.LittleEndian.PutUint32(buf[4:], xid)
	buf[16] = info
	buf[17] = rmid

	if hdrLen == 2 {
		buf[HeaderSize] = blockIDDataShort
		buf[HeaderSize+1] = uint8(len(mainData))
	} else {
		buf[HeaderSize] = blockIDDataLong
		binary.LittleEndian.PutUint32(buf[HeaderSize+1:], uint32(len(mainData)))
	}
	copy(buf[HeaderSize+hdrLen:], mainData)

	return buf
}
