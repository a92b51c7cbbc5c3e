package walredo

import (
	"bufio"
	"bytes"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/joeandaverde/pageserver/internal/relish"
	"github.com/joeandaverde/pageserver/internal/tenant"
	"github.com/joeandaverde/pageserver/internal/walrecord"
)

// Settings appended to the scratch cluster configuration. Redo output can
// always be derived again, so fsync is not needed.
var walRedoSettings = []string{
	"shared_buffers=128kB",
	"fsync=off",
	"shared_preload_libraries=zenith",
	"zenith.wal_redo=on",
}

type deadlineWriter interface {
	io.Writer
	SetWriteDeadline(t time.Time) error
}

type deadlineReader interface {
	io.Reader
	SetReadDeadline(t time.Time) error
}

// redoProcess is the handle to a postgres process running in wal redo mode
type redoProcess struct {
	pid    int
	stdin  deadlineWriter
	stdout deadlineReader
	input  *bufio.Writer

	// terminate stops the process and releases its streams.
	terminate func() error
}

func newRedoProcess(pid int, stdin deadlineWriter, stdout deadlineReader, terminate func() error) *redoProcess {
	return &redoProcess{
		pid:       pid,
		stdin:     stdin,
		stdout:    stdout,
		input:     bufio.NewWriterSize(stdin, 64*1024),
		terminate: terminate,
	}
}

// libraryEnv is the whole environment of the initdb and postgres processes, apart from PGDATA.
func libraryEnv(conf Config) []string {
	return []string{
		"LD_LIBRARY_PATH=" + conf.PgLibDir(),
		"DYLD_LIBRARY_PATH=" + conf.PgLibDir(),
	}
}

// launchPostgres creates a scratch cluster for the tenant and starts postgres in wal redo mode on it.
//
// The scratch directory has a fixed name, so only one launch per tenant may run at a time.
func launchPostgres(log logrus.FieldLogger, conf Config, tenantID tenant.ID) (*redoProcess, error) {
	datadir := conf.datadir(tenantID)

	if _, err := os.Stat(datadir); err == nil {
		log.Infof("directory %s exists, removing", datadir)
		if err := os.RemoveAll(datadir); err != nil {
			log.WithError(err).Error("could not remove old wal-redo-datadir")
		}
	}

	if err := os.MkdirAll(filepath.Dir(datadir), 0o755); err != nil {
		return nil, errors.Wrap(err, "create tenant directory")
	}

	log.Infof("running initdb in %s", datadir)
	initdb := exec.Command(filepath.Join(conf.PgBinDir(), "initdb"), "-D", datadir, "-N")
	initdb.Env = libraryEnv(conf)

	var initdbOut, initdbErr bytes.Buffer
	initdb.Stdout = &initdbOut
	initdb.Stderr = &initdbErr

	// A broken initdb means the host itself is broken, not this request.
	if err := initdb.Run(); err != nil {
		log.Fatalf("initdb failed: %v\nstdout:\n%s\nstderr:\n%s", err, initdbOut.String(), initdbErr.String())
		return nil, errors.Wrap(err, "initdb")
	}

	if err := appendSettings(filepath.Join(datadir, "postgresql.conf")); err != nil {
		return nil, err
	}

	return spawnPostgres(log, conf, datadir)
}

func appendSettings(path string) error {
	config, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		return errors.Wrap(err, "open postgresql.conf")
	}
	defer config.Close()

	for _, setting := range walRedoSettings {
		if _, err := config.WriteString(setting + "\n"); err != nil {
			return errors.Wrap(err, "write postgresql.conf")
		}
	}
	return config.Sync()
}

// spawnPostgres starts postgres --wal-redo with all three standard streams piped.
func spawnPostgres(log logrus.FieldLogger, conf Config, datadir string) (*redoProcess, error) {
	cmd := exec.Command(filepath.Join(conf.PgBinDir(), "postgres"), "--wal-redo")
	cmd.Env = append(libraryEnv(conf), "PGDATA="+datadir)

	// os.Pipe ends support deadlines, which bound every exchange step.
	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return nil, errors.Wrap(err, "stdin pipe")
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		closeAll(stdinR, stdinW)
		return nil, errors.Wrap(err, "stdout pipe")
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		closeAll(stdinR, stdinW, stdoutR, stdoutW)
		return nil, errors.Wrap(err, "stderr pipe")
	}

	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		closeAll(stdinR, stdinW, stdoutR, stdoutW, stderrR, stderrW)
		return nil, errors.Wrap(err, "postgres --wal-redo command failed to start")
	}

	// The child owns its ends now.
	closeAll(stdinR, stdoutW, stderrW)

	pid := cmd.Process.Pid
	log = log.WithField("pid", pid)
	log.Infof("launched WAL redo postgres process on %s", datadir)

	drained := make(chan struct{})
	go func() {
		defer close(drained)
		drainStderr(log, stderrR)
		_ = stderrR.Close()
	}()

	exited := make(chan struct{})
	go func() {
		defer close(exited)
		err := cmd.Wait()
		log.WithError(err).Info("WAL redo postgres process exited")
	}()

	var once sync.Once
	terminate := func() error {
		var err error
		once.Do(func() {
			if killErr := cmd.Process.Kill(); killErr != nil && !errors.Is(killErr, os.ErrProcessDone) {
				err = killErr
			}
			closeAll(stdinW, stdoutR)
			<-exited
			<-drained
		})
		return err
	}

	return newRedoProcess(pid, stdinW, stdoutR, terminate), nil
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}

// drainStderr forwards every line the process writes to stderr to the log, until end of stream.
func drainStderr(log logrus.FieldLogger, stderr io.Reader) {
	r := bufio.NewReader(stderr)
	for {
		line, err := r.ReadBytes('\n')
		if len(line) > 0 {
			if utf8.Valid(line) {
				log.Errorf("wal-redo-postgres: %s", bytes.TrimSpace(line))
			} else {
				log.Debug("could not convert line to utf-8")
			}
		}

		if err == io.EOF {
			return
		}
		if err != nil {
			log.WithError(err).Debug("stopped reading wal-redo-postgres stderr")
			return
		}
	}
}

// applyWALRecords sends the base image and records to the process and reads back the new page image.
//
// Writing and reading happen concurrently: the process may start answering
// before it has consumed the whole request.
func (p *redoProcess) applyWALRecords(tag relish.BufferTag, baseImg []byte, records []walrecord.Record, timeout time.Duration) ([]byte, error) {
	buf := serializeRequest(tag, baseImg, records)
	page := make([]byte, PageSize)
	x := &exchange{p: p}

	if err := x.setReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}

	var g errgroup.Group
	g.Go(func() error {
		if err := x.setWriteDeadline(time.Now().Add(timeout)); err != nil {
			return x.abort(err)
		}
		if _, err := p.input.Write(buf); err != nil {
			return x.abort(errors.Wrap(err, "write to wal redo process"))
		}

		if err := x.setWriteDeadline(time.Now().Add(timeout)); err != nil {
			return x.abort(err)
		}
		if err := p.input.Flush(); err != nil {
			return x.abort(errors.Wrap(err, "flush wal redo process input"))
		}
		return nil
	})
	g.Go(func() error {
		if _, err := io.ReadFull(p.stdout, page); err != nil {
			return x.abort(errors.Wrap(err, "read page from wal redo process"))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, x.err(err)
	}
	return page, nil
}

// exchange coordinates the two halves of one request. The first half to
// fail expires the other's deadline so neither waits out its full timeout.
type exchange struct {
	p *redoProcess

	mu      sync.Mutex
	aborted bool
	cause   error
}

func (x *exchange) setWriteDeadline(t time.Time) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.aborted {
		return errExchangeAborted
	}
	return errors.Wrap(x.p.stdin.SetWriteDeadline(t), "set write deadline")
}

func (x *exchange) setReadDeadline(t time.Time) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.aborted {
		return errExchangeAborted
	}
	return errors.Wrap(x.p.stdout.SetReadDeadline(t), "set read deadline")
}

func (x *exchange) abort(err error) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if !x.aborted {
		x.aborted = true
		x.cause = err
		now := time.Now()
		_ = x.p.stdin.SetWriteDeadline(now)
		_ = x.p.stdout.SetReadDeadline(now)
	}
	return err
}

// err returns the failure that aborted the exchange, ahead of the one it caused.
func (x *exchange) err(fallback error) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.cause != nil {
		return x.cause
	}
	return fallback
}
