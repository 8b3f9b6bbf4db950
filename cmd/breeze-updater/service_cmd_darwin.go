//go:build darwin

package main

import (
	"fmt"
	"os/exec"
)

const (
	serviceManager  = "launchd"
	serviceUnitPath = "/Library/LaunchDaemons/com.breeze.updater.plist"
	serviceLogDir   = "/Library/Logs/Breeze"
	serviceLogHint  = "tail -f /Library/Logs/Breeze/updater.log"
	darwinLabel     = "com.breeze.updater"
)

var serviceStatusArgs = []string{"launchctl", "print", "system/" + darwinLabel}

const serviceUnit = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>com.breeze.updater</string>

    <key>ProgramArguments</key>
    <array>
        <string>/usr/local/bin/breeze-updater</string>
        <string>run</string>
    </array>

    <key>RunAtLoad</key>
    <true/>

    <key>KeepAlive</key>
    <dict>
        <key>SuccessfulExit</key>
        <false/>
    </dict>

    <key>ThrottleInterval</key>
    <integer>5</integer>

    <key>WorkingDirectory</key>
    <string>/Library/Application Support/Breeze/updater</string>

    <key>StandardOutPath</key>
    <string>/Library/Logs/Breeze/updater.log</string>

    <key>StandardErrorPath</key>
    <string>/Library/Logs/Breeze/updater.err</string>
</dict>
</plist>
`

// registerService leaves loading to "service start"; a daemon bootstrapped
// here would start immediately because of RunAtLoad.
func registerService() error { return nil }

func unregisterService() {
	bootout()
}

func startSystemService() error {
	if loaded() {
		if err := runTool("launchctl", "kickstart", "system/"+darwinLabel); err != nil {
			return fmt.Errorf("failed to start service: %w", err)
		}
		return nil
	}
	if err := runTool("launchctl", "bootstrap", "system", serviceUnitPath); err != nil {
		// Older macOS releases only understand load.
		if err2 := runTool("launchctl", "load", serviceUnitPath); err2 != nil {
			return fmt.Errorf("failed to start service: %w", err)
		}
	}
	return nil
}

func stopSystemService() error {
	if !loaded() {
		return nil
	}
	return bootout()
}

func bootout() error {
	if err := runTool("launchctl", "bootout", "system/"+darwinLabel); err != nil {
		if err2 := runTool("launchctl", "unload", serviceUnitPath); err2 != nil {
			return fmt.Errorf("failed to stop service: %w", err)
		}
	}
	return nil
}

func loaded() bool {
	return exec.Command("launchctl", "print", "system/"+darwinLabel).Run() == nil
}
