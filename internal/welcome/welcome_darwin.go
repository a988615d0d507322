//go:build darwin

package welcome

import (
	"os/exec"
	"strings"
)

const welcomeTitle = "PCSC Agent"
const welcomeMessage = `PCSC Agent is now running!

The app runs quietly in your menu bar and provides an API that allows web applications to communicate with your YubiKey over a PC/SC style interface.

You can access the health endpoint at:
http://127.0.0.1:32147/v1/health

Click the menu bar icon anytime to check status or quit.`

const aboutMessage = `PCSC Agent

A lightweight background service that exposes a PC/SC compatible interface to a connected YubiKey, so web applications can talk to the key without a native smart card stack.

Features:
- Automatic YubiKey detection
- Secure local API (127.0.0.1 only)
- Cross-platform support

Health endpoint: http://127.0.0.1:32147/v1/health

© YubiLite`

// ShowWelcome displays a native welcome dialog on macOS
func ShowWelcome() {
	script := `display dialog "` + escapeAppleScript(welcomeMessage) + `" with title "` + welcomeTitle + `" buttons {"Got it!"} default button 1 with icon note`
	exec.Command("osascript", "-e", script).Run()
}

// ShowAbout displays a native about dialog on macOS
func ShowAbout(version string) {
	msg := aboutMessage + "\nVersion: " + version
	script := `display dialog "` + escapeAppleScript(msg) + `" with title "About PCSC Agent" buttons {"OK"} default button 1 with icon note`
	exec.Command("osascript", "-e", script).Run()
}

func escapeAppleScript(s string) string {
	result := ""
	for _, c := range s {
		if c == '"' {
			result += `\"`
		} else if c == '\\' {
			result += `\\`
		} else {
			result += string(c)
		}
	}
	return result
}

const autostartPromptMessage = `Would you like PCSC Agent to start automatically when you log in?

This ensures the agent is always available when a web application needs your key.

You can change this later by reinstalling the agent.`

// PromptAutostart shows a dialog asking if the user wants to enable auto-start.
// Returns true if the user clicked "Yes".
func PromptAutostart() bool {
	script := `display dialog "` + escapeAppleScript(autostartPromptMessage) + `" with title "` + welcomeTitle + `" buttons {"No", "Yes"} default button 2 with icon note`
	out, err := exec.Command("osascript", "-e", script).Output()
	if err != nil {
		return false
	}
	return strings.Contains(string(out), "Yes")
}

const crashReportingPromptMessage = `Help improve PCSC Agent by sending anonymous crash reports?

If the app crashes, diagnostic information will be sent to help us fix bugs faster. No personal data is collected.

You can change this later in the agent settings.`

// PromptCrashReporting shows a dialog asking if the user wants to enable crash reporting.
// Returns true if the user clicked "Yes".
func PromptCrashReporting() bool {
	script := `display dialog "` + escapeAppleScript(crashReportingPromptMessage) + `" with title "` + welcomeTitle + `" buttons {"No", "Yes"} default button 2 with icon note`
	out, err := exec.Command("osascript", "-e", script).Output()
	if err != nil {
		return false
	}
	return strings.Contains(string(out), "Yes")
}
