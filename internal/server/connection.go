package server

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/joeandaverde/pageserver/internal/tenant"
	"github.com/joeandaverde/pageserver/internal/walredo"
)

// Managers resolves the redo manager of a tenant.
type Managers interface {
	Get(id tenant.ID) walredo.Manager
}

// Connection is a session that can be used to issue related requests
type Connection struct {
	sync.Mutex
	net.Conn

	log      logrus.FieldLogger
	managers Managers

	recvBuffer []byte
	scratch    [HeaderSize]byte
}

func NewConnection(log logrus.FieldLogger, managers Managers, conn net.Conn) *Connection {
	return &Connection{
		Conn:     conn,
		log:      log,
		managers: managers,
	}
}

// Handle processes a command on a connection. Only one command can be handled at a time per connection.
//
// A failed redo is reported to the client and the session goes on. A
// returned error means the session can't continue.
func (c *Connection) Handle(ctx context.Context, cmd Command) error {
	c.Lock()
	defer c.Unlock()

	c.log.Debugf("handling command: %s payload size: %v", cmd.Control, len(cmd.Payload))

	switch cmd.Control {
	case ControlRedo:
		req, err := DecodeRedoRequest(cmd.Payload)
		if err != nil {
			_ = c.writeError(CodeInternal, err.Error())
			return err
		}
		return c.redo(ctx, req)

	default:
		return fmt.Errorf("unknown control character: %d", cmd.Control)
	}
}

func (c *Connection) redo(ctx context.Context, req *RedoRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	log := c.log.WithField("tenant", req.Tenant.String())
	start := time.Now()

	page, err := c.managers.Get(req.Tenant).RequestRedo(req.Tag, req.BlkNum, req.LSN, req.BaseImage, req.Records)
	if err != nil {
		log.WithError(err).Warnf("redo of %s blk %d at %s failed", req.Tag, req.BlkNum, req.LSN)
		return c.writeError(errorResponse(err))
	}

	log.Debugf("redo of %s blk %d at %s took %s", req.Tag, req.BlkNum, req.LSN, time.Since(start))
	return c.writeMessage(byte(ResponsePage), page)
}

// readCommand reads the next framed command. The payload is only valid until the next call.
func (c *Connection) readCommand(maxRecvSize int) (Command, error) {
	// 1 byte for control
	// 4 bytes for payload length
	if _, err := io.ReadFull(c, c.scratch[:]); err != nil {
		return Command{}, err
	}

	control := Control(c.scratch[0])
	payloadLen := binary.BigEndian.Uint32(c.scratch[1:])
	if uint64(payloadLen) > uint64(maxRecvSize) {
		return Command{}, fmt.Errorf("invalid payload size %d, limit is %d", payloadLen, maxRecvSize)
	}

	if cap(c.recvBuffer) < int(payloadLen) {
		c.recvBuffer = make([]byte, payloadLen)
	}
	payload := c.recvBuffer[:payloadLen]
	if _, err := io.ReadFull(c, payload); err != nil {
		return Command{}, err
	}

	return Command{Control: control, Payload: payload}, nil
}

func (c *Connection) writeError(code ErrorCode, msg string) error {
	payload := make([]byte, 0, 1+len(msg))
	payload = append(payload, byte(code))
	payload = append(payload, msg...)
	return c.writeMessage(byte(ResponseError), payload)
}

func (c *Connection) writeMessage(t byte, payload []byte) error {
	buf := make([]byte, HeaderSize, HeaderSize+len(payload))
	buf[0] = t
	binary.BigEndian.PutUint32(buf[1:], uint32(len(payload)))
	buf = append(buf, payload...)

	_, err := c.Write(buf)
	return err
}
