// Package connectivity tracks reachability of the local network and the
// control server, and drives access point fallback when the device is
// fully isolated.
package connectivity

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/digiplayer/agent/internal/logging"
)

var log = logging.L("connectivity")

// State is the connectivity mode the agent operates in.
type State int

const (
	// NoNetwork means not even the local network is reachable.
	NoNetwork State = iota
	// NetworkNoServer means the local network is up but the control
	// server does not answer.
	NetworkNoServer
	// ServerOnline means heartbeats can be delivered.
	ServerOnline
)

func (s State) String() string {
	switch s {
	case NoNetwork:
		return "no_network"
	case NetworkNoServer:
		return "network_no_server"
	case ServerOnline:
		return "server_online"
	default:
		return "unknown"
	}
}

// LocalProbe reports whether the local network is reachable.
type LocalProbe func(ctx context.Context) bool

// ServerProbe reports whether the control server answers.
type ServerProbe func(ctx context.Context) error

// FallbackHandler is notified when access point fallback should start or
// stop. Activate and Deactivate are never called concurrently.
type FallbackHandler interface {
	Activate(ctx context.Context) error
	Deactivate(ctx context.Context) error
}

// Monitor is the connectivity state machine. A configurable number of
// consecutive failed local probes must elapse before fallback activates,
// so a transient blip never drops a working deployment into provisioning
// mode. One successful probe deactivates fallback immediately.
type Monitor struct {
	localProbe  LocalProbe
	serverProbe ServerProbe
	fallback    FallbackHandler
	interval    time.Duration
	graceProbes int

	probeNow chan struct{}

	mu              sync.Mutex
	state           State
	noNetworkStreak int
	fallbackActive  bool
	hbFailures      int
	hbDegraded      bool
}

// Config carries the monitor's tunables.
type Config struct {
	ProbeInterval time.Duration
	GraceProbes   int
	LocalProbe    LocalProbe
	ServerProbe   ServerProbe
	Fallback      FallbackHandler
}

func NewMonitor(cfg Config) *Monitor {
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = 10 * time.Second
	}
	if cfg.GraceProbes < 1 {
		cfg.GraceProbes = 1
	}
	if cfg.LocalProbe == nil {
		cfg.LocalProbe = DefaultLocalProbe
	}

	return &Monitor{
		localProbe:  cfg.LocalProbe,
		serverProbe: cfg.ServerProbe,
		fallback:    cfg.Fallback,
		interval:    cfg.ProbeInterval,
		graceProbes: cfg.GraceProbes,
		probeNow:    make(chan struct{}, 1),
		state:       NoNetwork,
	}
}

// State returns the current connectivity state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// FallbackActive reports whether access point fallback is currently up.
func (m *Monitor) FallbackActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fallbackActive
}

// ReportHeartbeat feeds heartbeat delivery results into the server
// reachability signal. Three consecutive failures mark the server
// degraded even while the lightweight probe still answers; one success
// clears it.
func (m *Monitor) ReportHeartbeat(ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ok {
		m.hbFailures = 0
		if m.hbDegraded {
			m.hbDegraded = false
			log.Info("server reachability recovered via heartbeat")
		}
		return
	}

	m.hbFailures++
	if m.hbFailures >= 3 && !m.hbDegraded {
		m.hbDegraded = true
		log.Warn("server reachability degraded after consecutive heartbeat failures", "failures", m.hbFailures)
	}
}

// TriggerProbe requests an immediate probe cycle, used after credential
// application so recovery is not delayed by the scheduled interval.
func (m *Monitor) TriggerProbe() {
	select {
	case m.probeNow <- struct{}{}:
	default:
	}
}

// Run executes probe cycles until the context is cancelled. Fallback is
// deactivated on exit so the agent never leaves a stray access point up.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Probe(ctx)
	for {
		select {
		case <-ctx.Done():
			m.deactivateFallback(context.Background())
			return
		case <-ticker.C:
			m.Probe(ctx)
		case <-m.probeNow:
			m.Probe(ctx)
		}
	}
}

// Probe runs one probe cycle and returns the resulting state.
func (m *Monitor) Probe(ctx context.Context) State {
	localOK := m.localProbe(ctx)

	serverOK := false
	if localOK && m.serverProbe != nil {
		serverOK = m.serverProbe(ctx) == nil
	}

	m.mu.Lock()
	prev := m.state

	switch {
	case !localOK:
		m.state = NoNetwork
		m.noNetworkStreak++
	case serverOK && !m.hbDegraded:
		m.state = ServerOnline
		m.noNetworkStreak = 0
	default:
		m.state = NetworkNoServer
		m.noNetworkStreak = 0
	}

	state := m.state
	streak := m.noNetworkStreak
	active := m.fallbackActive
	m.mu.Unlock()

	if state != prev {
		log.Info("connectivity state changed", "from", prev.String(), "to", state.String())
	}

	if state == NoNetwork {
		if !active && streak >= m.graceProbes {
			m.activateFallback(ctx)
		}
	} else if active {
		// Leaving NoNetwork for any reason tears fallback down.
		m.deactivateFallback(ctx)
	}

	return state
}

func (m *Monitor) activateFallback(ctx context.Context) {
	if m.fallback == nil {
		return
	}
	log.Warn("activating access point fallback", "graceProbes", m.graceProbes)
	if err := m.fallback.Activate(ctx); err != nil {
		log.Error("fallback activation failed", logging.KeyError, err)
		return
	}
	m.mu.Lock()
	m.fallbackActive = true
	m.mu.Unlock()
}

func (m *Monitor) deactivateFallback(ctx context.Context) {
	m.mu.Lock()
	active := m.fallbackActive
	m.mu.Unlock()
	if !active || m.fallback == nil {
		return
	}
	log.Info("deactivating access point fallback")
	if err := m.fallback.Deactivate(ctx); err != nil {
		log.Error("fallback deactivation failed", logging.KeyError, err)
	}
	m.mu.Lock()
	m.fallbackActive = false
	m.mu.Unlock()
}

// defaultProbeTargets are public resolvers on port 53; reaching any one
// proves the device has a usable network path.
var defaultProbeTargets = []string{"1.1.1.1:53", "8.8.8.8:53"}

// DefaultLocalProbe dials well-known DNS endpoints over TCP. Venue
// gateways often drop ICMP and refuse LAN connections, so the probe
// targets public resolvers instead.
func DefaultLocalProbe(ctx context.Context) bool {
	dialer := &net.Dialer{Timeout: 3 * time.Second}
	for _, target := range defaultProbeTargets {
		conn, err := dialer.DialContext(ctx, "tcp", target)
		if err == nil {
			conn.Close()
			return true
		}
	}
	return false
}
