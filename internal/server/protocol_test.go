package server

import (
	"bytes"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/joeandaverde/pageserver/internal/lsn"
	"github.com/joeandaverde/pageserver/internal/relish"
	"github.com/joeandaverde/pageserver/internal/tenant"
	"github.com/joeandaverde/pageserver/internal/walrecord"
	"github.com/joeandaverde/pageserver/internal/walredo"
)

func testRequest() *RedoRequest {
	return &RedoRequest{
		Tenant:    tenant.Generate(),
		Tag:       relish.Relation(relish.RelTag{ForkNum: relish.VisibilityForkNum, SpcNode: 1663, DbNode: 13010, RelNode: 16384}),
		BlkNum:    42,
		LSN:       lsn.Lsn(0x16B374D848),
		BaseImage: bytes.Repeat([]byte{0x9E}, walredo.PageSize),
		Records: []walrecord.Record{
			{LSN: 0x16B374D800, WillInit: true, MainDataOffset: 24, Rec: []byte("init page")},
			{LSN: 0x16B374D848, Rec: []byte("insert tuple")},
		},
	}
}

func TestRedoRequest_EncodeDecode(t *testing.T) {
	assert := require.New(t)

	req := testRequest()
	payload := req.Encode(nil)
	assert.Len(payload, fixedRequestSize+walredo.PageSize+2*recordHeaderSize+len("init page")+len("insert tuple"))

	decoded, err := DecodeRedoRequest(payload)
	assert.NoError(err)
	assert.Equal(req, decoded)

	req.BaseImage = nil
	req.Records = nil
	decoded, err = DecodeRedoRequest(req.Encode(nil))
	assert.NoError(err)
	assert.Nil(decoded.BaseImage)
	assert.Empty(decoded.Records)
	assert.Equal(req.Tag, decoded.Tag)
}

func TestDecodeRedoRequest_Malformed(t *testing.T) {
	assert := require.New(t)

	valid := testRequest().Encode(nil)
	noImage := testRequest()
	noImage.BaseImage = nil
	short := noImage.Encode(nil)

	badFlag := append([]byte{}, short...)
	badFlag[tenant.Size+relish.TagSize+12] = 7

	badKind := append([]byte{}, valid...)
	badKind[tenant.Size] = 0xEE

	tooManyRecords := append([]byte{}, short...)
	tooManyRecords[fixedRequestSize-4] = 0xFF

	inputs := map[string][]byte{
		"empty":            nil,
		"truncated":        valid[:len(valid)-1],
		"trailing":         append(append([]byte{}, valid...), 0x00),
		"image flag":       badFlag,
		"tag kind":         badKind,
		"record count":     tooManyRecords,
		"truncated image":  valid[:fixedRequestSize+100],
		"truncated header": short[:len(short)-len("insert tuple")-3],
	}

	for name, in := range inputs {
		_, err := DecodeRedoRequest(in)
		assert.ErrorIs(err, errMalformedRequest, name)
	}
}

func TestErrorResponse(t *testing.T) {
	assert := require.New(t)

	cases := []struct {
		err  error
		code ErrorCode
	}{
		{walredo.ErrInvalidState, CodeInvalidState},
		{walredo.ErrBadPageImage, CodeBadPageImage},
		{&walredo.IOError{Err: errors.New("read page from wal redo process: EOF")}, CodeIO},
		{errors.New("something else"), CodeInternal},
	}

	for _, c := range cases {
		code, msg := errorResponse(c.err)
		assert.Equal(c.code, code)

		err := ErrorFromResponse(append([]byte{byte(code)}, msg...))
		assert.Equal(c.err.Error(), err.Error())
	}

	var ioErr *walredo.IOError
	assert.True(errors.As(ErrorFromResponse([]byte{byte(CodeIO), 'x'}), &ioErr))
	assert.ErrorIs(ErrorFromResponse([]byte{byte(CodeInvalidState)}), walredo.ErrInvalidState)
	assert.Error(ErrorFromResponse(nil))
}
