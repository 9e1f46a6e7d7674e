package command

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/digiplayer/agent/internal/logging"
)

// displayTool is one way of switching panel power on a given platform.
type displayTool struct {
	name    string
	onArgs  []string
	offArgs []string
	env     []string
}

// Tool chain in preference order: the firmware interface on current
// Raspberry Pi OS, the legacy HDMI tool, then X DPMS for generic boxes.
var displayTools = []displayTool{
	{name: "vcgencmd", onArgs: []string{"display_power", "1"}, offArgs: []string{"display_power", "0"}},
	{name: "tvservice", onArgs: []string{"-p"}, offArgs: []string{"-o"}},
	{name: "xset", onArgs: []string{"dpms", "force", "on"}, offArgs: []string{"dpms", "force", "off"}, env: []string{"DISPLAY=:0"}},
}

// DisplayController switches panel power. Both directions are idempotent
// at the hardware level, so replaying screen_on against a lit panel is
// harmless.
type DisplayController struct {
	mu   sync.Mutex
	tool *displayTool
}

func NewDisplayController() *DisplayController {
	return &DisplayController{}
}

func (d *DisplayController) PowerOn(ctx context.Context) error {
	return d.setPower(ctx, true)
}

func (d *DisplayController) PowerOff(ctx context.Context) error {
	return d.setPower(ctx, false)
}

// setPower walks the tool chain until one succeeds. The working tool is
// remembered, so subsequent calls skip the probing.
func (d *DisplayController) setPower(ctx context.Context, on bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.tool != nil {
		return runDisplayTool(ctx, *d.tool, on)
	}

	var lastErr error
	for i := range displayTools {
		tool := displayTools[i]
		if err := runDisplayTool(ctx, tool, on); err != nil {
			lastErr = err
			continue
		}
		d.tool = &displayTools[i]
		log.Debug("display tool selected", "tool", tool.name)
		return nil
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no display tool available")
	}
	return fmt.Errorf("set display power: %w", lastErr)
}

func runDisplayTool(ctx context.Context, tool displayTool, on bool) error {
	args := tool.offArgs
	if on {
		args = tool.onArgs
	}

	runCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	cmd := exec.CommandContext(runCtx, tool.name, args...)
	if tool.env != nil {
		cmd.Env = append(os.Environ(), tool.env...)
	}
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%s: %w: %s", tool.name, err, string(out))
	}
	return nil
}

// Reboot restarts the machine. The caller must persist the command
// watermark before invoking this; the process does not survive it.
func Reboot(ctx context.Context) error {
	runCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if out, err := exec.CommandContext(runCtx, "systemctl", "reboot").CombinedOutput(); err == nil {
		return nil
	} else {
		log.Debug("systemctl reboot failed, trying reboot binary", logging.KeyError, err, "output", string(out))
	}

	if out, err := exec.CommandContext(runCtx, "reboot").CombinedOutput(); err != nil {
		return fmt.Errorf("reboot: %w: %s", err, string(out))
	}
	return nil
}
