// Package heartbeat delivers the periodic status report and receives the
// server's pending command and content assignment in the same response.
// The heartbeat is the sole inbound channel; there is no push transport.
package heartbeat

import (
	"context"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/digiplayer/agent/internal/config"
	"github.com/digiplayer/agent/internal/connectivity"
	"github.com/digiplayer/agent/internal/health"
	"github.com/digiplayer/agent/internal/httputil"
	"github.com/digiplayer/agent/internal/logging"
	"github.com/digiplayer/agent/internal/store"
	"github.com/digiplayer/agent/internal/sysinfo"
	"github.com/digiplayer/agent/pkg/api"
)

var log = logging.L("heartbeat")

// CycleResult carries what the server delivered in one heartbeat.
type CycleResult struct {
	Command    *api.Command
	Assignment *api.ContentAssignment
}

// Client owns the heartbeat cadence, the cycle-level backoff, and the
// registration handshake for devices without a player id yet.
type Client struct {
	cfg       *config.Config
	api       *api.Client
	st        *store.Store
	collector *sysinfo.Collector
	healthMon *health.Monitor
	monitor   *connectivity.Monitor

	// Supplied by the command executor and the content reconciler.
	lastCommandError func() string
	currentVersion   func() string

	// sessionID distinguishes boots of the same device server-side.
	sessionID    string
	agentVersion string

	interval time.Duration
	delay    time.Duration
	failures int
}

type Config struct {
	Cfg              *config.Config
	API              *api.Client
	Store            *store.Store
	Collector        *sysinfo.Collector
	Health           *health.Monitor
	Monitor          *connectivity.Monitor
	LastCommandError func() string
	CurrentVersion   func() string
	AgentVersion     string
}

func NewClient(c Config) *Client {
	interval := time.Duration(c.Cfg.HeartbeatIntervalSeconds) * time.Second

	// In-call retries stay off; the cycle-level backoff owns retry policy.
	c.API.WithRetryConfig(httputil.NoRetryConfig())

	return &Client{
		cfg:              c.Cfg,
		api:              c.API,
		st:               c.Store,
		collector:        c.Collector,
		healthMon:        c.Health,
		monitor:          c.Monitor,
		lastCommandError: c.LastCommandError,
		currentVersion:   c.CurrentVersion,
		sessionID:        uuid.NewString(),
		agentVersion:     c.AgentVersion,
		interval:         interval,
		delay:            interval,
	}
}

// StartupJitter returns a random delay before the first cycle, so a
// site-wide power restore does not land every player's first heartbeat
// in the same second.
func (c *Client) StartupJitter() time.Duration {
	window := c.interval / 3
	if window <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(window)))
}

// NextDelay is the wait before the next cycle: the nominal interval
// after success, exponentially grown after consecutive failures, never
// exceeding ten times the nominal interval.
func (c *Client) NextDelay() time.Duration {
	return c.delay
}

// Cycle runs one heartbeat. For an unregistered device it polls the
// lookup endpoint instead, adopting the player id once an operator has
// created the player server-side. Returns the delivered command and
// assignment, nil when there is nothing to do.
func (c *Client) Cycle(ctx context.Context) (*CycleResult, error) {
	if !c.cfg.Registered() {
		return nil, c.pollRegistration(ctx)
	}

	req := c.buildRequest(ctx)

	resp, err := c.api.Heartbeat(ctx, c.cfg.PlayerID, req)
	if err != nil {
		c.recordFailure(err)
		return nil, err
	}

	c.recordSuccess()

	// A moved player id means the device was re-registered server-side.
	if resp.PlayerID > 0 && resp.PlayerID != c.cfg.PlayerID {
		c.adoptPlayerID(resp.PlayerID)
	}

	return &CycleResult{
		Command:    resp.PendingCommand,
		Assignment: resp.ContentAssignment,
	}, nil
}

// buildRequest assembles a fresh snapshot. Nothing is cached across
// cycles; a stale reading is worse than a slightly slower cycle.
func (c *Client) buildRequest(ctx context.Context) *api.HeartbeatRequest {
	snap := c.collector.Collect(ctx)

	req := &api.HeartbeatRequest{
		DeviceID:         c.cfg.DeviceID,
		SessionID:        c.sessionID,
		Status:           "online",
		AgentVersion:     c.agentVersion,
		IPAddress:        snap.IPAddress,
		MACAddress:       snap.MACAddress,
		ScreenResolution: snap.ScreenResolution,
		StorageUsed:      snap.StorageUsed,
		StorageTotal:     snap.StorageTotal,
		UptimeSeconds:    snap.UptimeSeconds,
	}

	if c.healthMon != nil {
		req.Health = c.healthMon.Summary()
	}
	if c.lastCommandError != nil {
		req.LastCommandError = c.lastCommandError()
	}
	if c.currentVersion != nil {
		req.PlaylistVersion = c.currentVersion()
	}
	return req
}

// pollRegistration asks the server whether an operator has registered
// this device id yet.
func (c *Client) pollRegistration(ctx context.Context) error {
	resp, err := c.api.Lookup(ctx)
	if err != nil {
		c.recordFailure(err)
		return err
	}

	c.recordSuccess()

	if !resp.Registered {
		log.Debug("device not registered yet", logging.KeyDeviceID, c.cfg.DeviceID)
		return nil
	}

	log.Info("device registered", "playerId", resp.PlayerID, "name", resp.Name)
	c.adoptPlayerID(resp.PlayerID)
	return nil
}

// adoptPlayerID persists the assigned player id. Config on disk is the
// source of truth, so the write happens before the id is used.
func (c *Client) adoptPlayerID(playerID int64) {
	old := c.cfg.PlayerID
	c.cfg.PlayerID = playerID
	if err := config.Save(c.cfg); err != nil {
		c.cfg.PlayerID = old
		log.Error("persisting player id failed", "playerId", playerID, logging.KeyError, err)
		return
	}
	log.Info("player id adopted", "playerId", playerID)
}

func (c *Client) recordSuccess() {
	c.failures = 0
	c.delay = c.interval
	if c.monitor != nil {
		c.monitor.ReportHeartbeat(true)
	}
	if err := c.st.SetLastOnline(time.Now()); err != nil {
		log.Warn("recording last online time failed", logging.KeyError, err)
	}
}

func (c *Client) recordFailure(err error) {
	c.failures++

	next := c.delay * 2
	if limit := 10 * c.interval; next > limit {
		next = limit
	}
	c.delay = next

	if c.monitor != nil {
		c.monitor.ReportHeartbeat(false)
	}

	log.Warn("heartbeat cycle failed",
		"failures", c.failures,
		"nextDelay", c.delay.String(),
		"transport", httputil.IsTransport(err),
		logging.KeyError, err)
}
