package walredo

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/joeandaverde/pageserver/internal/lsn"
	"github.com/joeandaverde/pageserver/internal/relish"
	"github.com/joeandaverde/pageserver/internal/walrecord"
)

// engine plays the postgres side of the streams.
type engine func(stdin io.Reader, stdout io.Writer)

// serveRequests decodes requests one after another and lets handle answer each.
func serveRequests(handle func(req *EngineRequest, stdout io.Writer)) engine {
	return func(stdin io.Reader, stdout io.Writer) {
		for {
			req, err := DecodeRequest(stdin)
			if err != nil {
				return
			}
			handle(req, stdout)
		}
	}
}

// answerWith replies to every request with the page computed by f.
func answerWith(f func(req *EngineRequest) []byte) engine {
	return serveRequests(func(req *EngineRequest, stdout io.Writer) {
		_, _ = stdout.Write(f(req))
	})
}

// startFakeProcess connects a redo process handle to an in-memory engine.
// net.Pipe ends support deadlines like the pipes of a real child.
func startFakeProcess(pid int, run engine) *redoProcess {
	hostIn, engineIn := net.Pipe()
	engineOut, hostOut := net.Pipe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		run(engineIn, engineOut)
	}()

	var once sync.Once
	terminate := func() error {
		once.Do(func() {
			for _, c := range []net.Conn{hostIn, engineIn, engineOut, hostOut} {
				_ = c.Close()
			}
			<-done
		})
		return nil
	}
	return newRedoProcess(pid, hostIn, hostOut, terminate)
}

func testTag() relish.BufferTag {
	return relish.BufferTag{
		Rel:    relish.RelTag{SpcNode: 1663, DbNode: 13010, RelNode: 16384},
		BlkNum: 7,
	}
}

func testRecords(payloads ...string) []walrecord.Record {
	records := make([]walrecord.Record, len(payloads))
	for i, p := range payloads {
		records[i] = walrecord.Record{LSN: lsn.Lsn(0x1000 + i*0x10), Rec: []byte(p)}
	}
	return records
}

// echoPage writes the observed records into a page: u32 count, then per record lsn and payload length-prefixed.
func echoPage(req *EngineRequest) []byte {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.BigEndian, uint32(len(req.Records)))
	for _, r := range req.Records {
		_ = binary.Write(&buf, binary.BigEndian, uint64(r.LSN))
		_ = binary.Write(&buf, binary.BigEndian, uint32(len(r.Rec)))
		buf.Write(r.Rec)
	}
	page := make([]byte, PageSize)
	copy(page, buf.Bytes())
	return page
}

func decodeEchoPage(page []byte) []walrecord.Record {
	r := bytes.NewReader(page)
	var n uint32
	_ = binary.Read(r, binary.BigEndian, &n)
	records := make([]walrecord.Record, n)
	for i := range records {
		var l uint64
		var size uint32
		_ = binary.Read(r, binary.BigEndian, &l)
		_ = binary.Read(r, binary.BigEndian, &size)
		rec := make([]byte, size)
		_, _ = io.ReadFull(r, rec)
		records[i] = walrecord.Record{LSN: lsn.Lsn(l), Rec: rec}
	}
	return records
}

func TestApplyWALRecords_PreservesOrder(t *testing.T) {
	assert := require.New(t)

	p := startFakeProcess(1, answerWith(echoPage))
	defer p.terminate()

	records := testRecords("r1", "r2", "r3", "r4", "r5")
	page, err := p.applyWALRecords(testTag(), nil, records, time.Second)
	assert.NoError(err)
	assert.Len(page, PageSize)
	assert.Equal(records, decodeEchoPage(page))
}

func TestApplyWALRecords_BaseImage(t *testing.T) {
	assert := require.New(t)

	var seen [][]byte
	p := startFakeProcess(1, answerWith(func(req *EngineRequest) []byte {
		seen = append(seen, req.BaseImage)
		page := make([]byte, PageSize)
		copy(page, req.BaseImage)
		page[0]++
		return page
	}))
	defer p.terminate()

	base := bytes.Repeat([]byte{0x5A}, PageSize)
	page, err := p.applyWALRecords(testTag(), base, testRecords("r1"), time.Second)
	assert.NoError(err)
	assert.Equal(byte(0x5B), page[0])
	assert.Equal(base[1:], page[1:])

	_, err = p.applyWALRecords(testTag(), nil, testRecords("r1"), time.Second)
	assert.NoError(err)

	assert.Len(seen, 2)
	assert.Len(seen[0], PageSize)
	assert.Nil(seen[1])
}

func TestApplyWALRecords_EngineAnswersBeforeReadingRequest(t *testing.T) {
	assert := require.New(t)

	// The engine writes the whole page before consuming any input. With
	// synchronous pipes a write-then-read host would never finish.
	p := startFakeProcess(1, func(stdin io.Reader, stdout io.Writer) {
		for {
			if _, err := stdout.Write(make([]byte, PageSize)); err != nil {
				return
			}
			if _, err := DecodeRequest(stdin); err != nil {
				return
			}
		}
	})
	defer p.terminate()

	big := string(bytes.Repeat([]byte{'x'}, 3*PageSize))
	for i := 0; i < 3; i++ {
		page, err := p.applyWALRecords(testTag(), make([]byte, PageSize), testRecords(big, big), time.Second)
		assert.NoError(err)
		assert.Len(page, PageSize)
	}
}

func TestApplyWALRecords_Timeout(t *testing.T) {
	assert := require.New(t)

	// Reads every request, never answers.
	p := startFakeProcess(1, serveRequests(func(*EngineRequest, io.Writer) {}))
	defer p.terminate()

	timeout := 200 * time.Millisecond
	start := time.Now()
	_, err := p.applyWALRecords(testTag(), nil, testRecords("r1"), timeout)
	elapsed := time.Since(start)

	assert.Error(err)
	assert.True(IsTimeout(err), "expected timeout, got %v", err)
	assert.GreaterOrEqual(elapsed, timeout)
	assert.Less(elapsed, timeout+time.Second)
}

func TestApplyWALRecords_WriteTimeout(t *testing.T) {
	assert := require.New(t)

	// Never reads the request, so the write half cannot complete.
	block := make(chan struct{})
	p := startFakeProcess(1, func(io.Reader, io.Writer) { <-block })
	defer p.terminate()
	defer close(block)

	timeout := 200 * time.Millisecond
	start := time.Now()
	_, err := p.applyWALRecords(testTag(), make([]byte, PageSize), testRecords("r1"), timeout)
	elapsed := time.Since(start)

	assert.True(IsTimeout(err), "expected timeout, got %v", err)
	assert.GreaterOrEqual(elapsed, timeout)
	assert.Less(elapsed, timeout+time.Second)
}

func TestApplyWALRecords_StreamClosed(t *testing.T) {
	assert := require.New(t)

	// Consumes the request, then goes away without answering.
	p := startFakeProcess(1, func(stdin io.Reader, stdout io.Writer) {
		_, _ = DecodeRequest(stdin)
		_ = stdout.(net.Conn).Close()
	})
	defer p.terminate()

	start := time.Now()
	_, err := p.applyWALRecords(testTag(), nil, testRecords("r1"), 5*time.Second)

	assert.Error(err)
	assert.False(IsTimeout(err))
	assert.True(errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF), "got %v", err)
	assert.Less(time.Since(start), time.Second)
}

func TestApplyWALRecords_ShortAnswer(t *testing.T) {
	assert := require.New(t)

	p := startFakeProcess(1, func(stdin io.Reader, stdout io.Writer) {
		_, _ = DecodeRequest(stdin)
		_, _ = stdout.Write(make([]byte, 100))
		_ = stdout.(net.Conn).Close()
	})
	defer p.terminate()

	_, err := p.applyWALRecords(testTag(), nil, testRecords("r1"), 5*time.Second)
	assert.ErrorIs(err, io.ErrUnexpectedEOF)
}

func TestDrainStderr(t *testing.T) {
	assert := require.New(t)

	log, hook := newTestLogger()
	drainStderr(log, bytes.NewBufferString("first line\n\xff\xfe\nsecond line\nno newline"))

	var lines []string
	for _, e := range hook.AllEntries() {
		lines = append(lines, e.Level.String()+" "+e.Message)
	}
	assert.Equal([]string{
		"error wal-redo-postgres: first line",
		"debug could not convert line to utf-8",
		"error wal-redo-postgres: second line",
		"error wal-redo-postgres: no newline",
	}, lines)
}
