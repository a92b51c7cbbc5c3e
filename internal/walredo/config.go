package walredo

import (
	"path/filepath"
	"time"

	"github.com/joeandaverde/pageserver/internal/tenant"
)

// DefaultTimeout bounds each write, flush and read against the redo process.
const DefaultTimeout = 20 * time.Second

// Config describes where the redo process and its scratch data live
type Config struct {
	// WorkDir holds one directory per tenant under tenants/.
	WorkDir string

	// PgDistribDir is a Postgres installation with bin/ and lib/ below it.
	PgDistribDir string

	// Timeout overrides DefaultTimeout when positive.
	Timeout time.Duration

	// Disabled makes every manager refuse redo requests.
	Disabled bool
}

func (c Config) TenantPath(id tenant.ID) string {
	return filepath.Join(c.WorkDir, "tenants", id.String())
}

func (c Config) PgBinDir() string {
	return filepath.Join(c.PgDistribDir, "bin")
}

func (c Config) PgLibDir() string {
	return filepath.Join(c.PgDistribDir, "lib")
}

func (c Config) datadir(id tenant.ID) string {
	return filepath.Join(c.TenantPath(id), "wal-redo-datadir")
}

func (c Config) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return DefaultTimeout
}
