package server

import (
	"encoding/binary"
	"strconv"

	"github.com/pkg/errors"

	"github.com/joeandaverde/pageserver/internal/lsn"
	"github.com/joeandaverde/pageserver/internal/relish"
	"github.com/joeandaverde/pageserver/internal/tenant"
	"github.com/joeandaverde/pageserver/internal/walrecord"
	"github.com/joeandaverde/pageserver/internal/walredo"
)

type (
	Control byte

	Response byte

	// ErrorCode tells the client which kind of failure a ResponseError carries.
	ErrorCode byte

	Command struct {
		Control
		Payload []byte
	}
)

// Every message in either direction is a control or response byte, a
// big-endian u32 payload length and the payload.
const HeaderSize = 5

const (
	ResponseError Response = 'E'
	ResponsePage  Response = 'D'
)

const (
	ControlRedo Control = 'R'
)

const (
	CodeInternal ErrorCode = iota
	CodeInvalidState
	CodeBadPageImage
	CodeIO
)

func (c Control) String() string {
	switch c {
	case ControlRedo:
		return "CONTROL_REDO"
	default:
		return strconv.Itoa(int(c))
	}
}

var errMalformedRequest = errors.New("malformed redo request")

// RedoRequest is the payload of ControlRedo.
//
// Field			Size
// tenant			16
// tag				17
// blkno			4
// lsn				8
// has image		1
// image			8192, only if has image
// record count		4
// per record:
//   lsn			8
//   will init		1
//   main data off	4
//   length			4
//   record			length
type RedoRequest struct {
	Tenant    tenant.ID
	Tag       relish.Tag
	BlkNum    uint32
	LSN       lsn.Lsn
	BaseImage []byte
	Records   []walrecord.Record
}

const (
	fixedRequestSize = tenant.Size + relish.TagSize + 4 + 8 + 1 + 4
	recordHeaderSize = 8 + 1 + 4 + 4
)

// Encode appends the payload of the request to buf.
func (r *RedoRequest) Encode(buf []byte) []byte {
	buf = append(buf, r.Tenant[:]...)

	var tag [relish.TagSize]byte
	r.Tag.WriteTo(tag[:])
	buf = append(buf, tag[:]...)

	buf = binary.BigEndian.AppendUint32(buf, r.BlkNum)
	buf = binary.BigEndian.AppendUint64(buf, uint64(r.LSN))
	if r.BaseImage != nil {
		buf = append(buf, 1)
		buf = append(buf, r.BaseImage...)
	} else {
		buf = append(buf, 0)
	}

	buf = binary.BigEndian.AppendUint32(buf, uint32(len(r.Records)))
	for _, rec := range r.Records {
		buf = binary.BigEndian.AppendUint64(buf, uint64(rec.LSN))
		if rec.WillInit {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
		buf = binary.BigEndian.AppendUint32(buf, rec.MainDataOffset)
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(rec.Rec)))
		buf = append(buf, rec.Rec...)
	}
	return buf
}

// DecodeRedoRequest parses a ControlRedo payload. The image and record
// payloads alias data.
func DecodeRedoRequest(data []byte) (*RedoRequest, error) {
	if len(data) < fixedRequestSize {
		return nil, errors.Wrapf(errMalformedRequest, "payload of %d bytes", len(data))
	}

	req := &RedoRequest{}
	copy(req.Tenant[:], data)
	data = data[tenant.Size:]

	if err := req.Tag.LoadFrom(data); err != nil {
		return nil, errors.Wrap(errMalformedRequest, err.Error())
	}
	data = data[relish.TagSize:]

	req.BlkNum = binary.BigEndian.Uint32(data)
	req.LSN = lsn.Lsn(binary.BigEndian.Uint64(data[4:]))
	hasImage := data[12]
	data = data[13:]

	switch hasImage {
	case 0:
	case 1:
		if len(data) < walredo.PageSize+4 {
			return nil, errors.Wrap(errMalformedRequest, "truncated base image")
		}
		req.BaseImage = data[:walredo.PageSize]
		data = data[walredo.PageSize:]
	default:
		return nil, errors.Wrapf(errMalformedRequest, "image flag %d", hasImage)
	}

	n := binary.BigEndian.Uint32(data)
	data = data[4:]
	if uint64(n)*recordHeaderSize > uint64(len(data)) {
		return nil, errors.Wrapf(errMalformedRequest, "%d records in %d bytes", n, len(data))
	}

	req.Records = make([]walrecord.Record, n)
	for i := range req.Records {
		if len(data) < recordHeaderSize {
			return nil, errors.Wrapf(errMalformedRequest, "truncated record %d", i)
		}
		rec := &req.Records[i]
		rec.LSN = lsn.Lsn(binary.BigEndian.Uint64(data))
		rec.WillInit = data[8] != 0
		rec.MainDataOffset = binary.BigEndian.Uint32(data[9:])
		size := binary.BigEndian.Uint32(data[13:])
		data = data[recordHeaderSize:]

		if uint64(size) > uint64(len(data)) {
			return nil, errors.Wrapf(errMalformedRequest, "truncated record %d", i)
		}
		rec.Rec = data[:size:size]
		data = data[size:]
	}

	if len(data) != 0 {
		return nil, errors.Wrapf(errMalformedRequest, "%d trailing bytes", len(data))
	}
	return req, nil
}

// errorResponse classifies a manager error for the client.
func errorResponse(err error) (ErrorCode, string) {
	var ioErr *walredo.IOError
	switch {
	case errors.Is(err, walredo.ErrInvalidState):
		return CodeInvalidState, err.Error()
	case errors.Is(err, walredo.ErrBadPageImage):
		return CodeBadPageImage, err.Error()
	case errors.As(err, &ioErr):
		return CodeIO, ioErr.Err.Error()
	default:
		return CodeInternal, err.Error()
	}
}

// ErrorFromResponse rebuilds a manager error from a ResponseError payload:
// the error code followed by the message.
func ErrorFromResponse(payload []byte) error {
	if len(payload) == 0 {
		return errors.New("empty error response")
	}

	msg := string(payload[1:])
	switch ErrorCode(payload[0]) {
	case CodeInvalidState:
		return walredo.ErrInvalidState
	case CodeBadPageImage:
		return walredo.ErrBadPageImage
	case CodeIO:
		return &walredo.IOError{Err: errors.New(msg)}
	default:
		return errors.New(msg)
	}
}
