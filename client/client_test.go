package client

import (
	"bytes"
	"context"
	"net"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/joeandaverde/pageserver/internal/lsn"
	"github.com/joeandaverde/pageserver/internal/relish"
	"github.com/joeandaverde/pageserver/internal/server"
	"github.com/joeandaverde/pageserver/internal/tenant"
	"github.com/joeandaverde/pageserver/internal/walrecord"
	"github.com/joeandaverde/pageserver/internal/walredo"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type managerFunc func(tag relish.Tag, blkno uint32, l lsn.Lsn, baseImg []byte, records []walrecord.Record) ([]byte, error)

func (f managerFunc) RequestRedo(tag relish.Tag, blkno uint32, l lsn.Lsn, baseImg []byte, records []walrecord.Record) ([]byte, error) {
	return f(tag, blkno, l, baseImg, records)
}

type managers func(id tenant.ID) walredo.Manager

func (f managers) Get(id tenant.ID) walredo.Manager { return f(id) }

// startServer serves the managers on a loopback port until the test ends.
func startServer(t *testing.T, m server.Managers) string {
	log, _ := test.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := server.NewServer(log, server.Config{}, m)
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ln) }()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, srv.Shutdown(ctx))
		require.ErrorIs(t, <-served, server.ErrServerClosed)
	})
	return ln.Addr().String()
}

func dial(t *testing.T, addr string, id tenant.ID) *Client {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := Dial(ctx, addr, id)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestClient_RequestRedo(t *testing.T) {
	assert := require.New(t)

	id := tenant.Generate()
	tag := relish.Relation(relish.RelTag{SpcNode: 1663, DbNode: 13010, RelNode: 2619})
	base := bytes.Repeat([]byte{0x01}, walredo.PageSize)
	records := []walrecord.Record{
		{LSN: 0x1000, WillInit: true, Rec: []byte("r1")},
		{LSN: 0x1010, MainDataOffset: 40, Rec: []byte("r2")},
	}

	addr := startServer(t, managers(func(got tenant.ID) walredo.Manager {
		assert.Equal(id, got)
		return managerFunc(func(gotTag relish.Tag, blkno uint32, l lsn.Lsn, baseImg []byte, recs []walrecord.Record) ([]byte, error) {
			assert.Equal(tag, gotTag)
			assert.Equal(uint32(3), blkno)
			assert.Equal(lsn.Lsn(0x1010), l)
			assert.Equal(base, baseImg)
			assert.Equal(records, recs)

			page := make([]byte, walredo.PageSize)
			copy(page, baseImg)
			page[0] = byte(len(recs))
			return page, nil
		})
	}))

	c := dial(t, addr, id)
	for i := 0; i < 3; i++ {
		page, err := c.RequestRedo(tag, 3, 0x1010, base, records)
		assert.NoError(err)
		assert.Len(page, walredo.PageSize)
		assert.Equal(byte(2), page[0])
		assert.Equal(base[1:], page[1:])
	}
}

func TestClient_RefusingRegistry(t *testing.T) {
	assert := require.New(t)

	log, _ := test.NewNullLogger()
	registry := walredo.NewRegistry(log, walredo.Config{Disabled: true}, nil)
	defer registry.Close()

	c := dial(t, startServer(t, registry), tenant.Generate())

	_, err := c.RequestRedo(relish.Checkpoint(), 0, 0x10, nil, nil)
	assert.ErrorIs(err, walredo.ErrInvalidState)
}

func TestClient_IOError(t *testing.T) {
	assert := require.New(t)

	addr := startServer(t, managers(func(tenant.ID) walredo.Manager {
		return managerFunc(func(relish.Tag, uint32, lsn.Lsn, []byte, []walrecord.Record) ([]byte, error) {
			return nil, &walredo.IOError{Err: os.ErrDeadlineExceeded}
		})
	}))

	c := dial(t, addr, tenant.Generate())
	_, err := c.RequestRedo(relish.Slru(relish.Clog, 0), 1, 0x10, nil, nil)

	var ioErr *walredo.IOError
	assert.ErrorAs(err, &ioErr)
	assert.Contains(err.Error(), os.ErrDeadlineExceeded.Error())
}

func TestClient_BadPageImage(t *testing.T) {
	assert := require.New(t)

	client, conn := net.Pipe()
	defer conn.Close()

	c := New(client, tenant.Generate())
	defer c.Close()

	_, err := c.RequestRedo(relish.Checkpoint(), 0, 0x10, make([]byte, 100), nil)
	assert.ErrorIs(err, walredo.ErrBadPageImage)
}

func TestClient_Timeout(t *testing.T) {
	assert := require.New(t)

	release := make(chan struct{})
	addr := startServer(t, managers(func(tenant.ID) walredo.Manager {
		return managerFunc(func(relish.Tag, uint32, lsn.Lsn, []byte, []walrecord.Record) ([]byte, error) {
			<-release
			return make([]byte, walredo.PageSize), nil
		})
	}))
	// before the server shuts down
	t.Cleanup(func() { close(release) })

	c := dial(t, addr, tenant.Generate())
	c.Timeout = 200 * time.Millisecond

	start := time.Now()
	_, err := c.RequestRedo(relish.Checkpoint(), 0, 0x10, nil, nil)
	assert.ErrorIs(err, os.ErrDeadlineExceeded)
	assert.Less(time.Since(start), 2*time.Second)
}

func TestClient_TimeoutBreaksConnection(t *testing.T) {
	assert := require.New(t)

	var calls atomic.Int32
	addr := startServer(t, managers(func(tenant.ID) walredo.Manager {
		return managerFunc(func(relish.Tag, uint32, lsn.Lsn, []byte, []walrecord.Record) ([]byte, error) {
			n := calls.Add(1)
			if n == 1 {
				time.Sleep(300 * time.Millisecond)
			}
			page := make([]byte, walredo.PageSize)
			page[0] = byte(n)
			return page, nil
		})
	}))

	c := dial(t, addr, tenant.Generate())
	c.Timeout = 100 * time.Millisecond

	_, err := c.RequestRedo(relish.Checkpoint(), 0, 0x10, nil, nil)
	assert.ErrorIs(err, os.ErrDeadlineExceeded)

	// the late answer to the first request must never be taken for this one
	time.Sleep(400 * time.Millisecond)
	page, err := c.RequestRedo(relish.Checkpoint(), 0, 0x20, nil, nil)
	assert.ErrorIs(err, ErrConnectionBroken)
	assert.Nil(page)
	assert.Equal(int32(1), calls.Load())

	// a fresh connection is in step again
	fresh := dial(t, addr, tenant.Generate())
	page, err = fresh.RequestRedo(relish.Checkpoint(), 0, 0x20, nil, nil)
	assert.NoError(err)
	assert.Equal(byte(2), page[0])
}

func TestClient_ErrorResponseKeepsConnection(t *testing.T) {
	assert := require.New(t)

	var calls atomic.Int32
	addr := startServer(t, managers(func(tenant.ID) walredo.Manager {
		return managerFunc(func(relish.Tag, uint32, lsn.Lsn, []byte, []walrecord.Record) ([]byte, error) {
			if calls.Add(1) == 1 {
				return nil, walredo.ErrInvalidState
			}
			return make([]byte, walredo.PageSize), nil
		})
	}))

	c := dial(t, addr, tenant.Generate())
	_, err := c.RequestRedo(relish.Checkpoint(), 0, 0x10, nil, nil)
	assert.ErrorIs(err, walredo.ErrInvalidState)

	page, err := c.RequestRedo(relish.Checkpoint(), 0, 0x10, nil, nil)
	assert.NoError(err)
	assert.Len(page, walredo.PageSize)
}
