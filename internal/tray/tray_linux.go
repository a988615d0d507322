//go:build linux

package tray

import (
	"github.com/yubilite/pcsc-agent/internal/pcsc"
)

// TrayApp is a no-op on Linux. Tray support there depends on desktop
// environment specifics (AppIndicator vs legacy tray), so the agent runs
// headless and is managed via systemd instead.
type TrayApp struct {
	onQuit func()
}

// New creates a new TrayApp instance
func New(serverAddr string, layer *pcsc.Layer, onQuit func()) *TrayApp {
	return &TrayApp{onQuit: onQuit}
}

// Run blocks forever; there is no tray to show.
func (t *TrayApp) Run() {
	select {}
}

// RunWithServer starts the server and blocks.
func (t *TrayApp) RunWithServer(serverStart func()) {
	if serverStart != nil {
		go serverStart()
	}
	select {}
}

// IsSupported returns true if the system tray is supported on this platform
func IsSupported() bool {
	return false
}
