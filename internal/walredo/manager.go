// Package walredo replays WAL records over page images.
//
// Relation pages are handed to a Postgres process running in a special
// wal redo mode, similar to single-user mode. The previous page image, if
// any, and the WAL records are written to its stdin and the new page image
// is read back from its stdout. Pages of other objects are reconstructed
// in-process.
//
// The Postgres process is assumed to be secure against malicious WAL
// records. It drops privileges before replaying anything, so a hijacked
// process cannot escape.
package walredo

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/joeandaverde/pageserver/internal/lsn"
	"github.com/joeandaverde/pageserver/internal/relish"
	"github.com/joeandaverde/pageserver/internal/tenant"
	"github.com/joeandaverde/pageserver/internal/walrecord"
)

// Manager replays WAL records. It is safe for concurrent use.
type Manager interface {
	// RequestRedo applies records over baseImg, which is nil when there is
	// no prior image, and returns the new page image.
	RequestRedo(tag relish.Tag, blkno uint32, lsn lsn.Lsn, baseImg []byte, records []walrecord.Record) ([]byte, error)
}

// RefusingManager doesn't allow replaying anything. It is used where a
// repository must exist without a live redo process, e.g. while bootstrapping.
type RefusingManager struct{}

func (RefusingManager) RequestRedo(relish.Tag, uint32, lsn.Lsn, []byte, []walrecord.Record) ([]byte, error) {
	return nil, ErrInvalidState
}

type request struct {
	tag     relish.Tag
	blkno   uint32
	lsn     lsn.Lsn
	baseImg []byte
	records []walrecord.Record
}

type processState int

const (
	processUninitialized processState = iota
	processRunning
	processFailed
	processClosed
)

func (s processState) String() string {
	switch s {
	case processUninitialized:
		return "uninitialized"
	case processRunning:
		return "running"
	case processFailed:
		return "failed"
	case processClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// PostgresRedoManager replays WAL with a Postgres process. Only one request
// can use the process at a time; the process is launched on first use and
// launched again after an exchange with it failed.
type PostgresRedoManager struct {
	tenantID tenant.ID
	conf     Config
	log      logrus.FieldLogger
	metrics  *Metrics
	launch   func() (*redoProcess, error)

	mu      sync.Mutex
	state   processState
	process *redoProcess
}

// NewPostgresRedoManager creates a manager for one tenant. The process is not launched until the first request.
func NewPostgresRedoManager(log logrus.FieldLogger, conf Config, metrics *Metrics, tenantID tenant.ID) *PostgresRedoManager {
	if metrics == nil {
		metrics = NewMetrics()
	}
	log = log.WithField("tenant", tenantID.String())

	m := &PostgresRedoManager{
		tenantID: tenantID,
		conf:     conf,
		log:      log,
		metrics:  metrics,
	}
	m.launch = func() (*redoProcess, error) {
		return launchPostgres(log, conf, tenantID)
	}
	return m
}

// RequestRedo asks the manager to apply records over an old page image.
func (m *PostgresRedoManager) RequestRedo(tag relish.Tag, blkno uint32, lsn lsn.Lsn, baseImg []byte, records []walrecord.Record) ([]byte, error) {
	if baseImg != nil && len(baseImg) != PageSize {
		return nil, ErrBadPageImage
	}

	req := &request{
		tag:     tag,
		blkno:   blkno,
		lsn:     lsn,
		baseImg: baseImg,
		records: records,
	}

	startTime := time.Now()
	var lockTime time.Time
	img, err := func() ([]byte, error) {
		m.mu.Lock()
		defer m.mu.Unlock()
		lockTime = time.Now()

		return m.handleRequest(req)
	}()
	endTime := time.Now()

	m.metrics.WaitTime.Observe(lockTime.Sub(startTime).Seconds())
	m.metrics.RedoTime.Observe(endTime.Sub(lockTime).Seconds())

	if err != nil {
		return nil, err
	}
	m.metrics.RecordsReplayed.Add(float64(len(records)))
	return img, nil
}

// handleRequest processes one request. The caller holds m.mu.
func (m *PostgresRedoManager) handleRequest(req *request) ([]byte, error) {
	process, err := m.runningProcess()
	if err != nil {
		return nil, err
	}

	if !req.tag.IsRelation() {
		return applyNonRel(req), nil
	}

	start := time.Now()
	img, err := process.applyWALRecords(relish.BufferTag{Rel: req.tag.Rel, BlkNum: req.blkno}, req.baseImg, req.records, m.conf.timeout())
	duration := time.Since(start)

	m.log.Debugf("applied %d WAL records in %d ms to reconstruct page image at LSN %s",
		len(req.records), duration.Milliseconds(), req.lsn)

	if err != nil {
		m.log.WithError(err).Errorf("could not apply %d WAL records to %s blk %d at LSN %s after %d ms",
			len(req.records), req.tag, req.blkno, req.lsn, duration.Milliseconds())
		m.fail()
		return nil, &IOError{Err: err}
	}
	return img, nil
}

// runningProcess returns the process, launching it when there is none or
// the previous one failed. The caller holds m.mu.
func (m *PostgresRedoManager) runningProcess() (*redoProcess, error) {
	switch m.state {
	case processRunning:
		return m.process, nil
	case processClosed:
		return nil, ErrInvalidState
	}

	m.log.Infof("launching WAL redo process, previous state %s", m.state)

	p, err := m.launch()
	if err != nil {
		m.log.WithError(err).Error("could not launch WAL redo process")
		return nil, &IOError{Err: err}
	}

	m.process = p
	m.state = processRunning
	return p, nil
}

// fail terminates a process whose streams can no longer be trusted. The caller holds m.mu.
func (m *PostgresRedoManager) fail() {
	if m.process != nil {
		if err := m.process.terminate(); err != nil {
			m.log.WithError(err).Warn("could not terminate WAL redo process")
		}
	}
	m.process = nil
	m.state = processFailed
}

// Close terminates the process. Later requests fail with ErrInvalidState.
func (m *PostgresRedoManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var err error
	if m.process != nil {
		err = m.process.terminate()
	}
	m.process = nil
	m.state = processClosed
	return err
}
