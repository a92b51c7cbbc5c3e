package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v2"

	"github.com/joeandaverde/pageserver/internal/server"
	"github.com/joeandaverde/pageserver/internal/walredo"
)

const shutdownTimeout = 10 * time.Second

type ListenConfig struct {
	Addr           string        `yaml:"addr"`
	WorkDir        string        `yaml:"workdir"`
	PgDistribDir   string        `yaml:"pg_distrib_dir"`
	LogLevel       logrus.Level  `yaml:"log_level"`
	RedoTimeout    time.Duration `yaml:"redo_timeout"`
	MaxConnections int           `yaml:"max_connections"`
	MaxRecvSize    int           `yaml:"max_recv_size"`
	MetricsAddr    string        `yaml:"metrics_addr"`

	// WalRedo turns off redo when false. Tenants then get a manager that refuses every request.
	WalRedo bool `yaml:"wal_redo"`
}

func defaultListenConfig() ListenConfig {
	return ListenConfig{
		Addr:         "127.0.0.1:64000",
		WorkDir:      ".",
		PgDistribDir: "tmp_install",
		LogLevel:     logrus.InfoLevel,
		RedoTimeout:  walredo.DefaultTimeout,
		WalRedo:      true,
	}
}

func loadConfig(path string) (*ListenConfig, error) {
	configFile, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open config file")
	}
	defer configFile.Close()

	config := defaultListenConfig()
	if err := yaml.NewDecoder(configFile).Decode(&config); err != nil {
		return nil, errors.Wrap(err, "parse config file")
	}
	return &config, nil
}

func (c *ListenConfig) walredoConfig() walredo.Config {
	return walredo.Config{
		WorkDir:      c.WorkDir,
		PgDistribDir: c.PgDistribDir,
		Timeout:      c.RedoTimeout,
		Disabled:     !c.WalRedo,
	}
}

func (c *ListenConfig) serverConfig() server.Config {
	return server.Config{
		MaxRecvSize:    c.MaxRecvSize,
		MaxConnections: c.MaxConnections,
	}
}

type ListenCommand struct {
	ShutDownCh <-chan struct{}
}

func (i *ListenCommand) Help() string {
	helpText := `
Usage: pageserver listen [options]

Options:

	-config=""	Pageserver configuration file
`

	return strings.TrimSpace(helpText)
}

func (i *ListenCommand) Synopsis() string {
	return "Serves WAL redo requests for page reconstruction"
}

func (i *ListenCommand) Run(args []string) int {
	var configPath string

	cmdFlags := flag.NewFlagSet("listen", flag.ContinueOnError)
	cmdFlags.StringVar(&configPath, "config", "pageserver.yaml", "config file")

	if err := cmdFlags.Parse(args); err != nil {
		return 1
	}

	config, err := loadConfig(configPath)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Error loading config: %s\n", err.Error())
		return 1
	}

	logger := logrus.New()
	logger.SetLevel(config.LogLevel)

	if err := i.serve(logger, config); err != nil {
		logger.WithError(err).Error("pageserver stopped")
		return 1
	}
	return 0
}

func (i *ListenCommand) serve(logger *logrus.Logger, config *ListenConfig) error {
	metrics := walredo.NewMetrics()
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	registry.MustRegister(collectors.NewGoCollector())
	metrics.InitMetrics(registry)

	redo := walredo.NewRegistry(logger, config.walredoConfig(), metrics)
	defer redo.Close()

	ln, err := net.Listen("tcp", config.Addr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", config.Addr)
	}
	defer ln.Close()

	redoServer := server.NewServer(logger, config.serverConfig(), redo)

	var metricsServer *http.Server
	if config.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		metricsServer = &http.Server{Addr: config.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	}

	g, ctx := errgroup.WithContext(context.Background())
	g.Go(func() error {
		if err := redoServer.Serve(ln); !errors.Is(err, server.ErrServerClosed) {
			return err
		}
		return nil
	})
	if metricsServer != nil {
		g.Go(func() error {
			logger.Infof("serving metrics on %s", config.MetricsAddr)
			if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return errors.Wrap(err, "metrics server")
			}
			return nil
		})
	}
	g.Go(func() error {
		select {
		case <-i.ShutDownCh:
		case <-ctx.Done():
		}
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if metricsServer != nil {
			if err := metricsServer.Shutdown(shutdownCtx); err != nil {
				logger.WithError(err).Warn("could not shut down metrics server")
			}
		}
		return redoServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
