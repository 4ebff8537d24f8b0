// Package server provides the HTTP ingress and periodic tick loop that
// drive the reconciliation core: a push-update webhook, a drain
// trigger, health, a read-only pool/runner API, and the Prometheus
// metrics listener.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/opsloop/runnerpool/internal/cloud"
	"github.com/opsloop/runnerpool/internal/config"
	"github.com/opsloop/runnerpool/internal/factory"
	"github.com/opsloop/runnerpool/internal/hostedci"
	"github.com/opsloop/runnerpool/internal/metrics"
	"github.com/opsloop/runnerpool/internal/poolcontroller"
	"github.com/opsloop/runnerpool/internal/reconciler"
	"github.com/opsloop/runnerpool/internal/runner"
	"github.com/opsloop/runnerpool/internal/store"
)

const (
	tickInterval     = 5 * time.Second
	reapOrphansEvery = 12 // once per minute at the default tick interval
)

// Server owns every process dependency the reconciliation loop needs
// and exposes it over HTTP.
type Server struct {
	cfg *config.Config
	log *logrus.Logger

	st          store.Store
	fac         *factory.Factory
	rc          *reconciler.Reconciler
	controllers []*poolcontroller.Controller
}

// New wires the Store, CloudClient, HostedCiClient, Factory,
// PoolControllers and Reconciler from a loaded Config.
func New(cfg *config.Config, log *logrus.Logger) (*Server, error) {
	st, err := store.New(cfg.StoreKind, cfg.StoreSettings)
	if err != nil {
		return nil, fmt.Errorf("server: building store: %w", err)
	}

	cloudClient, err := cloud.New(cfg.Cloud, cfg.CloudSettings, log)
	if err != nil {
		return nil, fmt.Errorf("server: building cloud client: %w", err)
	}

	hostedCIClient, err := hostedci.New(cfg.HostedCI, cfg.HostedCISettings, log)
	if err != nil {
		return nil, fmt.Errorf("server: building hosted-ci client: %w", err)
	}

	fac := factory.New(st, cloudClient, hostedCIClient, cfg.Cloud, cfg.GitHubOrganization, 0, log)

	var controllers []*poolcontroller.Controller
	for i, spec := range cfg.RunnerPool {
		vmType, err := runner.NewVmType(spec.Tags, spec.Config, runner.Quantity{Min: spec.Quantity.Min, Max: spec.Quantity.Max})
		if err != nil {
			return nil, fmt.Errorf("server: runnerPool[%d]: %w", i, err)
		}
		entry := log.WithField("pool", vmType.TagsKey())
		controllers = append(controllers, poolcontroller.New(vmType, fac, st, cfg.ExtraRunnerTimer, cfg.TimeoutRunnerTimer, entry))
	}

	if err := restoreRunners(st, controllers, log); err != nil {
		return nil, fmt.Errorf("server: restoring runners from store: %w", err)
	}

	rc := reconciler.New(fac, hostedCIClient, cloudClient, st, cfg.GitHubOrganization, controllers, log.WithField("component", "reconciler"))

	return &Server{cfg: cfg, log: log, st: st, fac: fac, rc: rc, controllers: controllers}, nil
}

// restoreRunners reconstructs every persisted runner record and
// assigns it to the controller whose VmType tags match, so a restart
// resumes tracking rather than re-creating already-live runners.
func restoreRunners(st store.Store, controllers []*poolcontroller.Controller, log *logrus.Logger) error {
	records, err := st.List(context.Background())
	if err != nil {
		return err
	}
	for _, rec := range records {
		r, err := rec.ToRunner(log.WithField("runner", rec.Name))
		if err != nil {
			log.WithError(err).WithField("runner", rec.Name).Warn("dropping unreconstructable stored runner")
			continue
		}
		for _, c := range controllers {
			if c.VmType().MatchesTags(r.VmType.Tags()) {
				c.Add(r)
				break
			}
		}
	}
	return nil
}

// Run starts the tick loop and HTTP listeners, blocking until ctx is
// cancelled, then shuts everything down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.fac.Start()
	metrics.SetServerUp()

	errCh := make(chan error, 2)

	apiServer := &http.Server{Addr: s.cfg.Server.Address, Handler: s.apiRouter()}
	go func() {
		s.log.Infof("starting api server on %s", s.cfg.Server.Address)
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()

	metricsServer := &http.Server{Addr: s.cfg.Server.MetricsAddress, Handler: promhttp.Handler()}
	go func() {
		s.log.Infof("starting metrics server on %s", s.cfg.Server.MetricsAddress)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	tickCtx, cancelTick := context.WithCancel(ctx)
	go s.tickLoop(tickCtx)

	select {
	case <-ctx.Done():
		s.log.Info("shutting down")
	case err := <-errCh:
		cancelTick()
		return err
	}

	cancelTick()
	metrics.SetServerDown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		s.log.WithError(err).Error("shutting down api server")
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		s.log.WithError(err).Error("shutting down metrics server")
	}
	s.fac.Stop()

	return nil
}

func (s *Server) tickLoop(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	count := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.rc.Tick(ctx); err != nil {
				s.log.WithError(err).Error("tick failed")
			}
			count++
			if count%reapOrphansEvery == 0 {
				if err := s.rc.ReapOrphans(ctx); err != nil {
					s.log.WithError(err).Error("reap_orphans failed")
				}
			}
		}
	}
}

func (s *Server) apiRouter() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/api/v1/pools", s.handlePoolList)
	mux.HandleFunc("/api/v1/runners", s.handleRunnerList)
	mux.HandleFunc("/api/v1/runner-update", s.handlePushUpdate)
	mux.HandleFunc("/api/v1/drain", s.handleDrain)
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
}

type poolView struct {
	Tags    []string `json:"tags"`
	Min     int      `json:"min"`
	Max     int      `json:"max"`
	Current int      `json:"current"`
}

func (s *Server) handlePoolList(w http.ResponseWriter, _ *http.Request) {
	views := make([]poolView, 0, len(s.controllers))
	for _, c := range s.controllers {
		views = append(views, poolView{
			Tags:    c.VmType().Tags(),
			Min:     c.MinRunnerNumber(),
			Max:     c.MaxRunnerNumber(),
			Current: len(c.Runners()),
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"pools": views})
}

type runnerView struct {
	Pool   string `json:"pool"`
	Name   string `json:"name"`
	Status string `json:"status"`
	VMID   string `json:"vm_id,omitempty"`
}

func (s *Server) handleRunnerList(w http.ResponseWriter, _ *http.Request) {
	views := make([]runnerView, 0)
	for _, c := range s.controllers {
		pool := c.VmType().TagsKey()
		for _, r := range c.Runners() {
			snap := r.Snapshot()
			views = append(views, runnerView{Pool: pool, Name: snap.Name, Status: string(snap.Status), VMID: snap.VMID})
		}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"runners": views})
}

// handlePushUpdate accepts a single hosted-CI observation, the webhook
// counterpart to the periodic Tick.
func (s *Server) handlePushUpdate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var obs runner.Observation
	if err := json.NewDecoder(r.Body).Decode(&obs); err != nil {
		http.Error(w, fmt.Sprintf("invalid observation: %v", err), http.StatusBadRequest)
		return
	}
	s.rc.Push(r.Context(), obs)
	w.WriteHeader(http.StatusAccepted)
}

// handleDrain halts provisioning and tears down every managed runner.
func (s *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.rc.Drain(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
