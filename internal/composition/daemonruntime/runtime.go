// Package daemonruntime wires the daemon: config resolution, storage, the
// relay pool with its metrics, the orchestrator, the local RPC surface and
// the optional metrics endpoint, plus ordered shutdown.
package daemonruntime

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"audioplayer/syncd/internal/adapters/rpc"
	"audioplayer/syncd/internal/app"
	"audioplayer/syncd/internal/bootstrap/syncconfig"
	"audioplayer/syncd/internal/identity"
	"audioplayer/syncd/internal/relay"
	"audioplayer/syncd/internal/storage"
)

type Options struct {
	ConfigPath  string
	DataDir     string
	MetricsAddr string
	RPCAddr     string
	Npub        string
	Secret      string
	Logger      *slog.Logger
}

type Runtime struct {
	cfg     syncconfig.Config
	logger  *slog.Logger
	store   *storage.Store
	client  *relay.Client
	orch    *app.Orchestrator
	rpcSrv  *rpc.Server
	metrics *http.Server
	npub    string
	secret  string
}

// Build resolves configuration and assembles the daemon. Flag values in
// opts win over the file and environment.
func Build(opts Options) (*Runtime, error) {
	cfg := syncconfig.LoadFromPath(opts.ConfigPath)
	if opts.DataDir != "" {
		cfg.DataDir = opts.DataDir
	}
	if opts.MetricsAddr != "" {
		cfg.MetricsAddr = opts.MetricsAddr
	}
	if opts.RPCAddr != "" {
		cfg.RPCAddr = opts.RPCAddr
	}
	if cfg.RPCAddr == "" {
		cfg.RPCAddr = rpc.DefaultAddr
	}
	logger := opts.Logger
	if logger == nil {
		logger = app.DefaultLogger()
	}

	store, err := storage.Open(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	client := relay.New(cfg.Relay, logger, relay.NewMetrics(reg))
	orch := app.New(cfg.Sync, client, store, logger)

	rpcSrv, err := rpc.NewServer(cfg.RPCAddr, orch)
	if err != nil {
		_ = orch.Close()
		_ = client.Close()
		_ = store.Close()
		return nil, err
	}

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		metricsSrv = &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	return &Runtime{
		cfg:     cfg,
		logger:  logger,
		store:   store,
		client:  client,
		orch:    orch,
		rpcSrv:  rpcSrv,
		metrics: metricsSrv,
		npub:    opts.Npub,
		secret:  opts.Secret,
	}, nil
}

// Run starts the daemon and blocks until ctx is cancelled, then tears the
// components down in dependency order.
func (r *Runtime) Run(ctx context.Context) error {
	if r.metrics != nil {
		go func() {
			if err := r.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				r.logger.Error("metrics endpoint failed", "error", err)
			}
		}()
		r.logger.Info("metrics endpoint listening", "addr", r.cfg.MetricsAddr)
	}

	_, notices, cancelNotices := r.orch.Notices().Subscribe(0)
	defer cancelNotices()
	go func() {
		for n := range notices {
			r.logger.Info("sync notice", "kind", n.Kind, "seq", n.Seq)
		}
	}()

	rpcErr := make(chan error, 1)
	go func() {
		rpcErr <- r.rpcSrv.Run(ctx)
	}()
	r.logger.Info("rpc endpoint listening", "addr", r.cfg.RPCAddr)

	if err := r.orch.Start(ctx); err != nil {
		r.shutdown()
		return err
	}
	if r.npub != "" {
		if err := r.orch.SetIdentifier(ctx, r.npub); err != nil {
			if errors.Is(err, identity.ErrInvalidFormat) {
				r.shutdown()
				return err
			}
			r.logger.Warn("identifier setup incomplete", "error", err)
		}
	}
	if r.secret != "" {
		if err := r.orch.ProvideSecret(ctx, r.secret); err != nil {
			if errors.Is(err, identity.ErrInvalidFormat) || errors.Is(err, app.ErrNoIdentifier) {
				r.shutdown()
				return err
			}
			// Transport and decryption failures are held by the session
			// state machine; the daemon keeps running.
			r.logger.Warn("secret setup incomplete", "error", err)
		}
	}

	select {
	case <-ctx.Done():
		r.logger.Info("shutdown requested")
		// The rpc server watches the same ctx and stops on its own.
		err := <-rpcErr
		r.shutdown()
		return err
	case err := <-rpcErr:
		r.logger.Error("rpc endpoint stopped", "error", err)
		r.shutdown()
		return err
	}
}

func (r *Runtime) shutdown() {
	if r.metrics != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = r.metrics.Shutdown(sctx)
		cancel()
	}
	_ = r.orch.Close()
	_ = r.client.Close()
	if err := r.store.Close(); err != nil {
		r.logger.Warn("cache close failed", "error", err)
	}
}
