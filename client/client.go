// Package client talks to the redo service of a pageserver.
package client

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/joeandaverde/pageserver/internal/lsn"
	"github.com/joeandaverde/pageserver/internal/relish"
	"github.com/joeandaverde/pageserver/internal/server"
	"github.com/joeandaverde/pageserver/internal/tenant"
	"github.com/joeandaverde/pageserver/internal/walrecord"
	"github.com/joeandaverde/pageserver/internal/walredo"
)

// ErrConnectionBroken is returned by every request after one failed in transit.
// The connection is closed at that point since a late answer could still arrive on it.
var ErrConnectionBroken = errors.New("client: connection broken by an earlier request")

// Client replays WAL for one tenant over a connection to the redo service.
// It satisfies walredo.Manager; requests on one client are sent one at a time.
type Client struct {
	tenant tenant.ID
	conn   net.Conn

	// Timeout bounds each request. Zero means no limit.
	Timeout time.Duration

	mu      sync.Mutex
	broken  error
	scratch [server.HeaderSize]byte
}

var _ walredo.Manager = (*Client)(nil)

// Dial connects to the redo service at addr.
func Dial(ctx context.Context, addr string, tenantID tenant.ID) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "dial redo service")
	}
	return New(conn, tenantID), nil
}

// New wraps an established connection.
func New(conn net.Conn, tenantID tenant.ID) *Client {
	return &Client{tenant: tenantID, conn: conn}
}

// RequestRedo sends the request to the service and waits for the page image.
func (c *Client) RequestRedo(tag relish.Tag, blkno uint32, l lsn.Lsn, baseImg []byte, records []walrecord.Record) ([]byte, error) {
	if baseImg != nil && len(baseImg) != walredo.PageSize {
		return nil, walredo.ErrBadPageImage
	}

	req := server.RedoRequest{
		Tenant:    c.tenant,
		Tag:       tag,
		BlkNum:    blkno,
		LSN:       l,
		BaseImage: baseImg,
		Records:   records,
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.broken != nil {
		return nil, errors.Wrapf(ErrConnectionBroken, "%v", c.broken)
	}

	res, payload, err := c.roundTrip(req.Encode(nil))
	if err != nil {
		c.markBroken(err)
		return nil, err
	}

	switch res {
	case server.ResponsePage:
		if len(payload) != walredo.PageSize {
			err = fmt.Errorf("unexpected page size %d", len(payload))
			c.markBroken(err)
			return nil, err
		}
		return payload, nil
	case server.ResponseError:
		return nil, server.ErrorFromResponse(payload)
	default:
		err = fmt.Errorf("unexpected response %q", byte(res))
		c.markBroken(err)
		return nil, err
	}
}

// roundTrip sends one redo command and reads its response. The caller holds c.mu.
func (c *Client) roundTrip(payload []byte) (server.Response, []byte, error) {
	if c.Timeout > 0 {
		if err := c.conn.SetDeadline(time.Now().Add(c.Timeout)); err != nil {
			return 0, nil, errors.Wrap(err, "set deadline")
		}
	}

	if err := c.sendCommand(server.ControlRedo, payload); err != nil {
		return 0, nil, err
	}
	return c.readResponse()
}

// markBroken closes a connection that is no longer in step with the server.
// The caller holds c.mu.
func (c *Client) markBroken(err error) {
	c.broken = err
	_ = c.conn.Close()
}

// Close closes the connection. It does not wait for a request in flight,
// which then fails and leaves the client broken.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) sendCommand(ctrl server.Control, payload []byte) error {
	c.scratch[0] = byte(ctrl)
	binary.BigEndian.PutUint32(c.scratch[1:], uint32(len(payload)))

	// let the server know what to expect
	if _, err := c.conn.Write(c.scratch[:]); err != nil {
		return errors.Wrap(err, "send command header")
	}

	// write the data
	if _, err := c.conn.Write(payload); err != nil {
		return errors.Wrap(err, "send command payload")
	}
	return nil
}

func (c *Client) readResponse() (server.Response, []byte, error) {
	if _, err := io.ReadFull(c.conn, c.scratch[:]); err != nil {
		return 0, nil, errors.Wrap(err, "read response header")
	}

	res := server.Response(c.scratch[0])
	size := binary.BigEndian.Uint32(c.scratch[1:])
	if size > server.DefaultMaxRecvSize {
		return 0, nil, fmt.Errorf("response too big: %d", size)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(c.conn, payload); err != nil {
		return 0, nil, errors.Wrap(err, "read response payload")
	}
	return res, payload, nil
}
