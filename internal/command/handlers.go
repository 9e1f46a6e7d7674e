package command

import (
	"context"

	"github.com/digiplayer/agent/pkg/api"
)

// Refresher re-runs content reconciliation on demand.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// Deps wires the side-effect implementations into the default handlers.
type Deps struct {
	Display    *DisplayController
	Screenshot *ScreenshotTaker
	Refresher  Refresher
	// Rebooter defaults to the system reboot. Tests substitute a fake.
	Rebooter func(ctx context.Context) error
}

// RegisterDefaults installs handlers for every known command kind.
func (e *Executor) RegisterDefaults(deps Deps) {
	rebooter := deps.Rebooter
	if rebooter == nil {
		rebooter = Reboot
	}

	e.Register(api.CmdReboot, func(ctx context.Context, _ api.Command) error {
		return rebooter(ctx)
	})

	e.Register(api.CmdRefresh, func(ctx context.Context, _ api.Command) error {
		return deps.Refresher.Refresh(ctx)
	})

	e.Register(api.CmdScreenOn, func(ctx context.Context, _ api.Command) error {
		return deps.Display.PowerOn(ctx)
	})

	e.Register(api.CmdScreenOff, func(ctx context.Context, _ api.Command) error {
		return deps.Display.PowerOff(ctx)
	})

	e.Register(api.CmdScreenshot, func(ctx context.Context, _ api.Command) error {
		return deps.Screenshot.CaptureAndUpload(ctx)
	})
}
