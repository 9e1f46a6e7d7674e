// Package provision recovers a device from total connectivity loss. It
// stands up a wireless access point named after the device id and serves
// a small configuration portal where an operator enters network
// credentials.
package provision

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/digiplayer/agent/internal/audit"
	"github.com/digiplayer/agent/internal/logging"
)

var log = logging.L("provision")

// ErrBusy is returned when a credential application is already in
// flight. Submissions are rejected, never queued.
var ErrBusy = errors.New("another provisioning attempt is in progress")

// Credentials is an operator-supplied wireless network login.
type Credentials struct {
	SSID       string
	Passphrase string
}

// NetworkTool abstracts the OS network manager. The production
// implementation shells out to nmcli.
type NetworkTool interface {
	StartHotspot(ctx context.Context, iface, ssid string) error
	StopHotspot(ctx context.Context, iface string) error
	Connect(ctx context.Context, iface string, creds Credentials) error
	ScanNetworks(ctx context.Context, iface string) ([]string, error)
}

// Provisioner manages the access point lifecycle and serializes
// credential application.
type Provisioner struct {
	tool       NetworkTool
	iface      string
	ssid       string
	portalPort int
	notify     func()
	auditLog   *audit.Logger

	portal *Portal

	// applyMu is the single-slot lock around credential application.
	applyMu sync.Mutex

	mu     sync.Mutex
	active bool
}

// Config carries the provisioner's wiring.
type Config struct {
	Tool       NetworkTool
	Interface  string
	DeviceID   string
	PortalPort int
	// Notify is invoked after credentials apply successfully so the
	// connectivity monitor re-probes immediately.
	Notify   func()
	AuditLog *audit.Logger
}

func New(cfg Config) *Provisioner {
	if cfg.Tool == nil {
		cfg.Tool = &NmcliTool{}
	}
	if cfg.PortalPort <= 0 {
		cfg.PortalPort = 8080
	}

	p := &Provisioner{
		tool:       cfg.Tool,
		iface:      cfg.Interface,
		ssid:       hotspotSSID(cfg.DeviceID),
		portalPort: cfg.PortalPort,
		notify:     cfg.Notify,
		auditLog:   cfg.AuditLog,
	}
	p.portal = NewPortal(p)
	return p
}

// SSID returns the access point name the provisioner advertises.
func (p *Provisioner) SSID() string { return p.ssid }

// Activate brings up the access point and the configuration portal.
// Idempotent while already active.
func (p *Provisioner) Activate(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active {
		return nil
	}

	if err := p.tool.StartHotspot(ctx, p.iface, p.ssid); err != nil {
		return fmt.Errorf("start hotspot: %w", err)
	}
	if err := p.portal.Start(fmt.Sprintf(":%d", p.portalPort)); err != nil {
		p.tool.StopHotspot(ctx, p.iface)
		return fmt.Errorf("start portal: %w", err)
	}

	p.active = true
	log.Info("access point fallback active", "ssid", p.ssid, "port", p.portalPort)
	p.auditLog.Log(audit.EventNetworkFallback, "", map[string]any{"action": "activate", "ssid": p.ssid})
	return nil
}

// Deactivate tears down the portal and the access point. Idempotent.
// The active flag clears even when hotspot teardown fails: a successful
// Apply has already removed the hotspot profile, and a wedged flag would
// make the next Activate a permanent no-op with the device offline.
func (p *Provisioner) Deactivate(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.active {
		return nil
	}
	p.active = false

	p.portal.Stop(ctx)
	err := p.tool.StopHotspot(ctx, p.iface)
	if err != nil {
		log.Warn("hotspot teardown failed", logging.KeyError, err)
	}

	log.Info("access point fallback deactivated")
	p.auditLog.Log(audit.EventNetworkFallback, "", map[string]any{"action": "deactivate"})
	return err
}

// Active reports whether the access point is up.
func (p *Provisioner) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// Apply tears down the access point, joins the operator-supplied
// network, and signals the connectivity monitor. On any failure the
// access point is re-armed so the device never ends up with no network
// path at all. A concurrent call returns ErrBusy.
func (p *Provisioner) Apply(ctx context.Context, creds Credentials) error {
	if creds.SSID == "" {
		return errors.New("ssid must not be empty")
	}
	if !p.applyMu.TryLock() {
		return ErrBusy
	}
	defer p.applyMu.Unlock()

	log.Info("applying network credentials", "ssid", creds.SSID)

	// The radio cannot host the hotspot and join a network at once.
	if err := p.tool.StopHotspot(ctx, p.iface); err != nil {
		log.Warn("hotspot teardown before connect failed", logging.KeyError, err)
	}

	if err := p.tool.Connect(ctx, p.iface, creds); err != nil {
		log.Error("joining network failed, re-arming access point", "ssid", creds.SSID, logging.KeyError, err)
		p.auditLog.Log(audit.EventCredentialsApply, "", map[string]any{"ssid": creds.SSID, "ok": false})
		if armErr := p.tool.StartHotspot(ctx, p.iface, p.ssid); armErr != nil {
			log.Error("re-arming access point failed", logging.KeyError, armErr)
		}
		return fmt.Errorf("connect to %q: %w", creds.SSID, err)
	}

	p.auditLog.Log(audit.EventCredentialsApply, "", map[string]any{"ssid": creds.SSID, "ok": true})
	log.Info("network credentials applied", "ssid", creds.SSID)

	if p.notify != nil {
		p.notify()
	}
	return nil
}

// ScanNetworks lists nearby wireless networks for the portal form.
func (p *Provisioner) ScanNetworks(ctx context.Context) []string {
	networks, err := p.tool.ScanNetworks(ctx, p.iface)
	if err != nil {
		log.Warn("network scan failed", logging.KeyError, err)
		return nil
	}
	return networks
}

// hotspotSSID derives the advertised network name from the device id so
// an operator standing in front of several players can tell them apart.
func hotspotSSID(deviceID string) string {
	if deviceID == "" {
		return "DIGIPLAYER-SETUP"
	}
	return deviceID + "-SETUP"
}

const nmcliTimeout = 30 * time.Second

// NmcliTool drives NetworkManager via the nmcli CLI. The hotspot runs as
// a named connection profile so teardown works across process restarts.
type NmcliTool struct{}

const hotspotProfile = "digiplayer-setup"

func (t *NmcliTool) StartHotspot(ctx context.Context, iface, ssid string) error {
	return t.run(ctx, "device", "wifi", "hotspot",
		"ifname", iface, "con-name", hotspotProfile, "ssid", ssid)
}

// StopHotspot brings the hotspot profile down and deletes it so it
// cannot auto-activate on the next boot. A profile that is already gone,
// for example after a successful credential apply, counts as stopped.
func (t *NmcliTool) StopHotspot(ctx context.Context, iface string) error {
	if err := t.run(ctx, "connection", "down", hotspotProfile); err != nil && !profileMissing(err) {
		return err
	}
	if err := t.run(ctx, "connection", "delete", hotspotProfile); err != nil && !profileMissing(err) {
		return err
	}
	return nil
}

// profileMissing classifies nmcli's "nothing to stop" errors.
func profileMissing(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unknown connection") ||
		strings.Contains(msg, "not an active connection")
}

func (t *NmcliTool) Connect(ctx context.Context, iface string, creds Credentials) error {
	args := []string{"device", "wifi", "connect", creds.SSID, "ifname", iface}
	if creds.Passphrase != "" {
		args = append(args, "password", creds.Passphrase)
	}
	return t.run(ctx, args...)
}

func (t *NmcliTool) ScanNetworks(ctx context.Context, iface string) ([]string, error) {
	runCtx, cancel := context.WithTimeout(ctx, nmcliTimeout)
	defer cancel()

	out, err := exec.CommandContext(runCtx, "nmcli", "-t", "-f", "SSID", "device", "wifi", "list", "ifname", iface).Output()
	if err != nil {
		return nil, fmt.Errorf("nmcli wifi list: %w", err)
	}

	seen := make(map[string]bool)
	var networks []string
	for _, line := range strings.Split(string(out), "\n") {
		ssid := strings.TrimSpace(line)
		if ssid == "" || seen[ssid] {
			continue
		}
		seen[ssid] = true
		networks = append(networks, ssid)
	}
	return networks, nil
}

func (t *NmcliTool) run(ctx context.Context, args ...string) error {
	runCtx, cancel := context.WithTimeout(ctx, nmcliTimeout)
	defer cancel()

	out, err := exec.CommandContext(runCtx, "nmcli", args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("nmcli %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}
