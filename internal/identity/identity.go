// Package identity derives and persists the stable device identifier.
// The id is a function of hardware characteristics, so re-flashing the
// same physical unit reproduces the same id.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/shirou/gopsutil/v3/host"

	"github.com/digiplayer/agent/internal/config"
	"github.com/digiplayer/agent/internal/logging"
	"github.com/digiplayer/agent/internal/store"
)

var log = logging.L("identity")

// Prefix and hex length of the display format, e.g. DIG4F2A91C03BE.
const (
	idPrefix = "DIG"
	idHexLen = 11
)

// StorageError means the persistence medium rejected the identity write.
// Fatal at startup: without a device id no heartbeat is possible.
type StorageError struct {
	Op    string
	Cause error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("identity storage: %s: %v", e.Op, e.Cause)
}

func (e *StorageError) Unwrap() error { return e.Cause }

// GetOrCreateDeviceID returns the persisted device id, deriving and
// persisting one from the hardware fingerprint on first run. The id is
// never regenerated automatically once written.
func GetOrCreateDeviceID(cfg *config.Config) (string, error) {
	if cfg.DeviceID != "" {
		return cfg.DeviceID, nil
	}

	id := DeriveID(Fingerprint())
	cfg.DeviceID = id

	if err := config.Save(cfg); err != nil {
		cfg.DeviceID = ""
		return "", &StorageError{Op: "persist device id", Cause: err}
	}

	log.Info("device id generated", logging.KeyDeviceID, id)
	return id, nil
}

// ResetRegistration clears the player id and the command watermark while
// preserving the device id. The next heartbeat behaves as a fresh,
// unregistered device.
func ResetRegistration(cfg *config.Config, st *store.Store) error {
	cfg.PlayerID = 0
	if err := config.Save(cfg); err != nil {
		return &StorageError{Op: "clear registration", Cause: err}
	}
	if st != nil {
		if err := st.ClearCommandWatermark(); err != nil {
			return &StorageError{Op: "clear command watermark", Cause: err}
		}
	}
	log.Info("registration reset", logging.KeyDeviceID, cfg.DeviceID)
	return nil
}

// DeriveID hashes a fingerprint into the fixed display format:
// "DIG" followed by 11 uppercase hex characters.
func DeriveID(fingerprint string) string {
	sum := sha256.Sum256([]byte(fingerprint))
	return idPrefix + strings.ToUpper(hex.EncodeToString(sum[:]))[:idHexLen]
}

// Fingerprint builds a stable hardware fingerprint from the CPU serial
// and the primary network interface MAC. Falls back to the OS host id so
// development machines without either still get a stable identity.
func Fingerprint() string {
	serial := cpuSerial()
	mac := primaryMAC()

	if serial == "" && mac == "" {
		if hostID, err := host.HostID(); err == nil && hostID != "" {
			return "hostid-" + hostID
		}
		if hostname, err := os.Hostname(); err == nil {
			return "hostname-" + hostname
		}
	}

	return serial + "-" + mac
}

// cpuSerial reads the SoC serial from /proc/cpuinfo (present on the
// Raspberry Pi class hardware the players run on).
func cpuSerial() string {
	data, err := os.ReadFile("/proc/cpuinfo")
	if err != nil {
		return ""
	}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(line, "Serial") {
			if _, value, found := strings.Cut(line, ":"); found {
				return strings.TrimSpace(value)
			}
		}
	}
	return ""
}

// primaryMAC returns the MAC of the first physical, non-loopback
// interface, preferring wired interface names.
func primaryMAC() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}

	// Prefer conventional wired/wireless names so the fingerprint does
	// not shift when a USB adapter enumerates first.
	for _, preferred := range []string{"eth0", "wlan0", "en0", "enp0s3"} {
		for _, iface := range ifaces {
			if iface.Name == preferred && len(iface.HardwareAddr) > 0 {
				return normalizeMAC(iface.HardwareAddr)
			}
		}
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || len(iface.HardwareAddr) == 0 {
			continue
		}
		return normalizeMAC(iface.HardwareAddr)
	}
	return ""
}

func normalizeMAC(addr net.HardwareAddr) string {
	return strings.ReplaceAll(addr.String(), ":", "")
}
