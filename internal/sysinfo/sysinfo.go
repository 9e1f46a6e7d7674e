// Package sysinfo collects the system snapshot reported in heartbeats.
package sysinfo

import (
	"context"
	"net"
	"os"
	"os/exec"
	"regexp"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/digiplayer/agent/internal/logging"
)

var log = logging.L("sysinfo")

// Snapshot is the point-in-time system state for one heartbeat cycle.
type Snapshot struct {
	IPAddress        string
	MACAddress       string
	ScreenResolution string
	StorageUsed      uint64
	StorageTotal     uint64
	UptimeSeconds    int64
	CPUPercent       float64
	RAMPercent       float64
}

// Collector gathers snapshots. Screen resolution is cached after the
// first successful probe since it requires spawning a tool.
type Collector struct {
	mediaPath        string
	cachedResolution string
}

func NewCollector(mediaPath string) *Collector {
	return &Collector{mediaPath: mediaPath}
}

// Collect builds a fresh snapshot. Individual probe failures degrade to
// zero values rather than failing the snapshot; the heartbeat must go
// out even on a half-broken box.
func (c *Collector) Collect(ctx context.Context) Snapshot {
	snap := Snapshot{
		IPAddress:        outboundIP(),
		MACAddress:       primaryMAC(),
		ScreenResolution: c.screenResolution(ctx),
	}

	if usage, err := disk.UsageWithContext(ctx, storagePath(c.mediaPath)); err != nil {
		log.Debug("disk usage probe failed", "error", err)
	} else {
		snap.StorageUsed = usage.Used
		snap.StorageTotal = usage.Total
	}

	if bootTime, err := host.BootTimeWithContext(ctx); err != nil {
		log.Debug("boot time probe failed", "error", err)
	} else if bootTime > 0 {
		snap.UptimeSeconds = time.Now().Unix() - int64(bootTime)
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		snap.RAMPercent = vm.UsedPercent
	}

	// Instantaneous reading; a sampling interval would stall the cycle.
	if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
		snap.CPUPercent = pct[0]
	}

	return snap
}

func storagePath(mediaPath string) string {
	if mediaPath != "" {
		if _, err := os.Stat(mediaPath); err == nil {
			return mediaPath
		}
	}
	return "/"
}

// outboundIP determines the local address the default route would use.
// No packet is sent; UDP connect only resolves the source address.
func outboundIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "0.0.0.0"
	}
	defer conn.Close()

	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP.String()
	}
	return "0.0.0.0"
}

func primaryMAC() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || len(iface.HardwareAddr) == 0 {
			continue
		}
		return iface.HardwareAddr.String()
	}
	return ""
}

var (
	fbsetGeometryRe  = regexp.MustCompile(`geometry (\d+) (\d+)`)
	xrandrCurrentRe  = regexp.MustCompile(`current (\d+) x (\d+)`)
	resolutionProbes = []struct {
		name string
		args []string
		re   *regexp.Regexp
		env  []string
	}{
		{"fbset", []string{"-s"}, fbsetGeometryRe, nil},
		{"xrandr", []string{"--current"}, xrandrCurrentRe, []string{"DISPLAY=:0"}},
	}
)

// screenResolution probes the framebuffer first, then X. Returns
// "unknown" when neither tool answers (headless dev machines).
func (c *Collector) screenResolution(ctx context.Context) string {
	if c.cachedResolution != "" {
		return c.cachedResolution
	}

	for _, probe := range resolutionProbes {
		probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		cmd := exec.CommandContext(probeCtx, probe.name, probe.args...)
		if probe.env != nil {
			cmd.Env = append(os.Environ(), probe.env...)
		}
		out, err := cmd.Output()
		cancel()
		if err != nil {
			continue
		}
		if m := probe.re.FindSubmatch(out); m != nil {
			c.cachedResolution = string(m[1]) + "x" + string(m[2])
			return c.cachedResolution
		}
	}

	return "unknown"
}
