package walredo

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/joeandaverde/pageserver/internal/lsn"
	"github.com/joeandaverde/pageserver/internal/relish"
	"github.com/joeandaverde/pageserver/internal/walrecord"
)

// PageSize is the size of every page image exchanged with the redo process.
const PageSize = 8192

// Messages understood by postgres --wal-redo. Each message is a type byte
// followed by a big-endian u32 length that counts itself but not the type byte.
//
// Type	Body
// B		BufferTag				begin redo for block
// P		BufferTag, page image	push base page
// A		lsn (u64), record		apply record
// G		BufferTag				get page, ends the request
type messageType byte

const (
	msgBeginRedo   messageType = 'B'
	msgPushPage    messageType = 'P'
	msgApplyRecord messageType = 'A'
	msgGetPage     messageType = 'G'
)

const (
	msgHeaderLen = 5
	tagMsgLen    = 4 + relish.BufferTagSize
	pageMsgLen   = tagMsgLen + PageSize
)

// serializeRequest encodes one redo request: begin, optional base page, each record in order, get page.
func serializeRequest(tag relish.BufferTag, baseImg []byte, records []walrecord.Record) []byte {
	size := 2 * (1 + tagMsgLen)
	if baseImg != nil {
		size += 1 + pageMsgLen
	}
	for _, r := range records {
		size += msgHeaderLen + 8 + len(r.Rec)
	}

	buf := make([]byte, 0, size)
	buf = appendTagMessage(buf, msgBeginRedo, tag)
	if baseImg != nil {
		buf = appendHeader(buf, msgPushPage, pageMsgLen)
		buf = appendTag(buf, tag)
		buf = append(buf, baseImg...)
	}
	for _, r := range records {
		buf = appendHeader(buf, msgApplyRecord, 4+8+len(r.Rec))
		buf = binary.BigEndian.AppendUint64(buf, uint64(r.LSN))
		buf = append(buf, r.Rec...)
	}
	buf = appendTagMessage(buf, msgGetPage, tag)

	return buf
}

func appendHeader(buf []byte, t messageType, length int) []byte {
	buf = append(buf, byte(t))
	return binary.BigEndian.AppendUint32(buf, uint32(length))
}

func appendTag(buf []byte, tag relish.BufferTag) []byte {
	var scratch [relish.BufferTagSize]byte
	tag.WriteTo(scratch[:])
	return append(buf, scratch[:]...)
}

func appendTagMessage(buf []byte, t messageType, tag relish.BufferTag) []byte {
	buf = appendHeader(buf, t, tagMsgLen)
	return appendTag(buf, tag)
}

// EngineRequest is a redo request as seen by the redo process.
type EngineRequest struct {
	Tag       relish.BufferTag
	BaseImage []byte
	Records   []EngineRecord
}

// EngineRecord is one apply message.
type EngineRecord struct {
	LSN lsn.Lsn
	Rec []byte
}

// DecodeRequest reads one request from the stream, up to and including its get page message.
// It is the counterpart of the encoding written to the redo process.
func DecodeRequest(r io.Reader) (*EngineRequest, error) {
	var header [msgHeaderLen]byte
	var req *EngineRequest

	for {
		if _, err := io.ReadFull(r, header[:]); err != nil {
			return nil, err
		}

		t := messageType(header[0])
		length := binary.BigEndian.Uint32(header[1:])
		if length < 4 {
			return nil, fmt.Errorf("message %q: invalid length %d", t, length)
		}

		body := make([]byte, length-4)
		if _, err := io.ReadFull(r, body); err != nil {
			return nil, err
		}

		if req == nil && t != msgBeginRedo {
			return nil, fmt.Errorf("message %q before begin redo", t)
		}

		switch t {
		case msgBeginRedo:
			if req != nil {
				return nil, fmt.Errorf("duplicate begin redo")
			}
			if len(body) != relish.BufferTagSize {
				return nil, fmt.Errorf("begin redo: invalid length %d", length)
			}
			req = &EngineRequest{}
			req.Tag.LoadFrom(body)

		case msgPushPage:
			if len(body) != relish.BufferTagSize+PageSize {
				return nil, fmt.Errorf("push page: invalid length %d", length)
			}
			if err := checkTag(req.Tag, body); err != nil {
				return nil, err
			}
			req.BaseImage = body[relish.BufferTagSize:]

		case msgApplyRecord:
			if len(body) < 8 {
				return nil, fmt.Errorf("apply record: invalid length %d", length)
			}
			req.Records = append(req.Records, EngineRecord{
				LSN: lsn.Lsn(binary.BigEndian.Uint64(body)),
				Rec: body[8:],
			})

		case msgGetPage:
			if len(body) != relish.BufferTagSize {
				return nil, fmt.Errorf("get page: invalid length %d", length)
			}
			if err := checkTag(req.Tag, body); err != nil {
				return nil, err
			}
			return req, nil

		default:
			return nil, fmt.Errorf("unknown message type %d", header[0])
		}
	}
}

func checkTag(want relish.BufferTag, body []byte) error {
	var got relish.BufferTag
	got.LoadFrom(body)
	if got != want {
		return fmt.Errorf("message for %s inside request for %s", got, want)
	}
	return nil
}
