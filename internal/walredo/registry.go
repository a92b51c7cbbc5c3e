package walredo

import (
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/sirupsen/logrus"

	"github.com/joeandaverde/pageserver/internal/tenant"
)

// Registry hands out one manager per tenant.
type Registry struct {
	log      logrus.FieldLogger
	conf     Config
	metrics  *Metrics
	managers *xsync.MapOf[tenant.ID, Manager]
}

func NewRegistry(log logrus.FieldLogger, conf Config, metrics *Metrics) *Registry {
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &Registry{
		log:      log,
		conf:     conf,
		metrics:  metrics,
		managers: xsync.NewMapOf[tenant.ID, Manager](),
	}
}

// Get returns the tenant's manager, creating it on first use.
func (r *Registry) Get(id tenant.ID) Manager {
	m, _ := r.managers.LoadOrCompute(id, func() Manager {
		if r.conf.Disabled {
			return RefusingManager{}
		}
		return NewPostgresRedoManager(r.log, r.conf, r.metrics, id)
	})
	return m
}

// Close terminates the redo processes of all tenants.
func (r *Registry) Close() {
	r.managers.Range(func(id tenant.ID, m Manager) bool {
		if c, ok := m.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				r.log.WithError(err).WithField("tenant", id.String()).Warn("could not close WAL redo manager")
			}
		}
		return true
	})
}
