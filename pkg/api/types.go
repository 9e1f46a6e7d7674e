package api

import "time"

// Command kinds the agent understands. Anything else in a heartbeat
// response is rejected safely, never dispatched.
const (
	CmdReboot     = "reboot"
	CmdRefresh    = "refresh"
	CmdScreenOn   = "screen_on"
	CmdScreenOff  = "screen_off"
	CmdScreenshot = "screenshot"
)

// KnownKind reports whether kind belongs to the closed command set.
func KnownKind(kind string) bool {
	switch kind {
	case CmdReboot, CmdRefresh, CmdScreenOn, CmdScreenOff, CmdScreenshot:
		return true
	}
	return false
}

// Command is a server-issued instruction, delivered in heartbeat responses.
// The server re-sends the current pending command every cycle until it is
// superseded; the agent's watermark keeps execution at-most-once.
type Command struct {
	ID       string    `json:"id"`
	Kind     string    `json:"kind"`
	IssuedAt time.Time `json:"issued_at"`
}

// MediaItem is one entry of a content assignment. Checksum is the SHA-256
// hex digest of the media file, which doubles as its content address in
// the local store.
type MediaItem struct {
	Ref      string `json:"media_ref"`
	Duration int    `json:"duration"`
	Checksum string `json:"checksum"`
}

// ContentAssignment is the server-declared playlist for this player.
// PlaylistVersion is an opaque token; the agent only compares it for
// equality, never orders it.
type ContentAssignment struct {
	PlaylistVersion string      `json:"playlist_version"`
	Items           []MediaItem `json:"items"`
}

// HeartbeatRequest is the status snapshot sent each cycle. Built fresh
// every time; never cached across cycles.
type HeartbeatRequest struct {
	DeviceID         string         `json:"unique_id"`
	SessionID        string         `json:"session_id"`
	Status           string         `json:"status"`
	AgentVersion     string         `json:"agent_version"`
	IPAddress        string         `json:"ip_address"`
	MACAddress       string         `json:"mac_address"`
	ScreenResolution string         `json:"screen_resolution"`
	StorageUsed      uint64         `json:"storage_used"`
	StorageTotal     uint64         `json:"storage_total"`
	UptimeSeconds    int64          `json:"uptime,omitempty"`
	PlaylistVersion  string         `json:"current_playlist_version,omitempty"`
	LastCommandError string         `json:"last_command_error,omitempty"`
	Health           map[string]any `json:"health,omitempty"`
}

// HeartbeatResponse carries everything inbound: an optional pending
// command, an optional content assignment, and the player id once the
// operator has registered the device server-side.
type HeartbeatResponse struct {
	Status            string             `json:"status"`
	PlayerID          int64              `json:"player_id,omitempty"`
	PendingCommand    *Command           `json:"pending_command,omitempty"`
	ContentAssignment *ContentAssignment `json:"content_assignment,omitempty"`
}

// LookupResponse is the registration poll answer for an unregistered device.
type LookupResponse struct {
	Registered   bool   `json:"registered"`
	PlayerID     int64  `json:"player_id,omitempty"`
	Name         string `json:"name,omitempty"`
	GroupName    string `json:"group_name,omitempty"`
	PlaylistName string `json:"playlist_name,omitempty"`
}
