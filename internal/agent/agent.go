// Package agent wires the components together and drives the control
// loop: probe, heartbeat, command, reconcile.
package agent

import (
	"context"
	"io"
	"path/filepath"
	"time"

	"github.com/digiplayer/agent/internal/audit"
	"github.com/digiplayer/agent/internal/command"
	"github.com/digiplayer/agent/internal/config"
	"github.com/digiplayer/agent/internal/connectivity"
	"github.com/digiplayer/agent/internal/content"
	"github.com/digiplayer/agent/internal/health"
	"github.com/digiplayer/agent/internal/heartbeat"
	"github.com/digiplayer/agent/internal/identity"
	"github.com/digiplayer/agent/internal/logging"
	"github.com/digiplayer/agent/internal/provision"
	"github.com/digiplayer/agent/internal/store"
	"github.com/digiplayer/agent/internal/sysinfo"
	"github.com/digiplayer/agent/internal/workerpool"
	"github.com/digiplayer/agent/pkg/api"
)

var log = logging.L("agent")

// State is the loop's mutable state. It lives on the Run stack and is
// passed through the phases explicitly, so each phase can be exercised
// in isolation with a constructed value.
type State struct {
	Mode          connectivity.State
	LastHeartbeat time.Time
	LastError     string
	CyclesRun     int64
}

// Agent owns the component graph and the control loop.
type Agent struct {
	cfg        *config.Config
	st         *store.Store
	apiClient  *api.Client
	monitor    *connectivity.Monitor
	prov       *provision.Provisioner
	hb         *heartbeat.Client
	executor   *command.Executor
	reconciler *content.Reconciler
	pool       *workerpool.Pool
	healthMon  *health.Monitor
	auditLog   *audit.Logger
	version    string
}

// New builds the full component graph. The only fatal condition is an
// unwritable identity store; everything else degrades at runtime.
func New(cfg *config.Config, version string) (*Agent, error) {
	deviceID, err := identity.GetOrCreateDeviceID(cfg)
	if err != nil {
		return nil, err
	}

	statePath := filepath.Join(cfg.DataDir, "state.db")
	st, err := store.Open(statePath)
	if err != nil {
		// Only identity bootstrap is allowed to halt the agent. Run in
		// memory and retry the open each cycle until the file recovers.
		log.Warn("state db unavailable, continuing in memory", logging.KeyError, err)
		st = store.NewMemory(statePath)
	}

	var auditLog *audit.Logger
	if cfg.AuditEnabled {
		auditLog, err = audit.NewLogger(cfg.DataDir, cfg.LogMaxSizeMB, cfg.LogMaxBackups)
		if err != nil {
			// Audit is best-effort; a read-only data dir must not keep
			// the player off the air.
			log.Warn("audit logger unavailable", logging.KeyError, err)
		}
	}

	a := &Agent{
		cfg:       cfg,
		st:        st,
		apiClient: api.NewClient(cfg.APIURL(), deviceID),
		pool:      workerpool.New(2, 16),
		healthMon: health.NewMonitor(),
		auditLog:  auditLog,
		version:   version,
	}

	a.prov = provision.New(provision.Config{
		Interface:  cfg.WirelessInterface,
		DeviceID:   deviceID,
		PortalPort: cfg.PortalPort,
		Notify: func() {
			if a.monitor != nil {
				a.monitor.TriggerProbe()
			}
		},
		AuditLog: auditLog,
	})

	a.monitor = connectivity.NewMonitor(connectivity.Config{
		ProbeInterval: time.Duration(cfg.ProbeIntervalSeconds) * time.Second,
		GraceProbes:   cfg.FallbackGraceProbes,
		ServerProbe:   a.apiClient.Health,
		Fallback:      a.prov,
	})

	downloader := content.NewDownloader(cfg.MediaDir, a.apiClient.MediaURL)
	a.reconciler = content.NewReconciler(st, downloader, cfg.MaxConcurrentDownloads, a.healthMon, auditLog)

	a.executor = command.NewExecutor(st, auditLog)

	screenshot := command.NewScreenshotTaker(func(ctx context.Context, name string, image io.Reader) error {
		return a.apiClient.UploadScreenshot(ctx, a.cfg.PlayerID, name, image)
	}, a.pool, func(err error) {
		a.executor.ReportFailure(api.CmdScreenshot, err)
	})

	a.executor.RegisterDefaults(command.Deps{
		Display:    command.NewDisplayController(),
		Screenshot: screenshot,
		Refresher:  a.reconciler,
	})

	a.hb = heartbeat.NewClient(heartbeat.Config{
		Cfg:              cfg,
		API:              a.apiClient,
		Store:            st,
		Collector:        sysinfo.NewCollector(cfg.MediaDir),
		Health:           a.healthMon,
		Monitor:          a.monitor,
		LastCommandError: a.executor.TakeLastError,
		CurrentVersion:   a.reconciler.CurrentVersion,
		AgentVersion:     version,
	})

	return a, nil
}

// Run executes the control loop until the context is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	log.Info("agent starting",
		logging.KeyDeviceID, a.cfg.DeviceID,
		"playerId", a.cfg.PlayerID,
		"server", a.cfg.ServerURL,
		"version", a.version)
	a.auditLog.Log(audit.EventAgentStart, "", map[string]any{"version": a.version})

	// The connectivity monitor probes on its own cadence; the portal it
	// may bring up must answer even while a heartbeat is in flight.
	go a.monitor.Run(ctx)

	// Spread first contact across the fleet after a site-wide power
	// restore.
	select {
	case <-time.After(a.hb.StartupJitter()):
	case <-ctx.Done():
		return a.shutdown()
	}

	state := &State{}
	a.cycle(ctx, state)

	timer := time.NewTimer(a.hb.NextDelay())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return a.shutdown()
		case <-timer.C:
			a.cycle(ctx, state)
			timer.Reset(a.hb.NextDelay())
		}
	}
}

// cycle runs the phases once: probe (read the monitor), heartbeat,
// command, reconcile. Every phase failure degrades instead of aborting.
func (a *Agent) cycle(ctx context.Context, s *State) {
	s.CyclesRun++
	s.Mode = a.monitor.State()

	if !a.st.Persistent() {
		if err := a.st.TryReopen(); err != nil {
			a.healthMon.Update("store", health.Degraded, "state db unavailable, operating in memory")
		} else {
			log.Info("state db recovered, in-memory state flushed")
			a.healthMon.Update("store", health.Healthy, "")
		}
	}

	if s.Mode == connectivity.NoNetwork {
		// Nothing to send; the monitor owns fallback activation.
		log.Debug("skipping heartbeat, no network")
		return
	}

	result, err := a.hb.Cycle(ctx)
	if err != nil {
		s.LastError = err.Error()
		return
	}
	s.LastHeartbeat = time.Now()
	s.LastError = ""

	if result == nil {
		return
	}

	if result.Command != nil {
		if err := a.executor.Execute(ctx, result.Command); err != nil {
			log.Warn("command phase failed", logging.KeyError, err)
			if a.healthMon != nil {
				a.healthMon.Update("command", health.Degraded, err.Error())
			}
		} else if a.healthMon != nil {
			a.healthMon.Update("command", health.Healthy, "")
		}
	}

	if result.Assignment != nil {
		if err := a.reconciler.Reconcile(ctx, result.Assignment); err != nil {
			log.Warn("reconcile phase failed", logging.KeyError, err)
		}
	}
}

func (a *Agent) shutdown() error {
	log.Info("agent stopping")
	a.auditLog.Log(audit.EventAgentStop, "", nil)

	a.pool.StopAccepting()
	drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	a.pool.Drain(drainCtx)

	if err := a.auditLog.Close(); err != nil {
		log.Warn("audit log close failed", logging.KeyError, err)
	}
	return a.st.Close()
}
