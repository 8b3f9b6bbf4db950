//go:build linux

package main

import (
	"fmt"
	"os"
	"os/exec"
)

const (
	serviceManager  = "systemd"
	serviceUnitPath = "/etc/systemd/system/breeze-updater.service"
	serviceLogDir   = "/var/log/breeze"
	serviceLogHint  = "journalctl -u breeze-updater -f"
	linuxUnitName   = "breeze-updater"
)

var serviceStatusArgs = []string{"systemctl", "status", linuxUnitName, "--no-pager"}

const serviceUnit = `[Unit]
Description=Breeze Background Updater
Documentation=https://github.com/breeze-rmm/updater
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
ExecStart=/usr/local/bin/breeze-updater run
WorkingDirectory=/var/lib/breeze-updater
Restart=on-failure
RestartSec=5
StartLimitIntervalSec=60
StartLimitBurst=5

ProtectHome=read-only
PrivateTmp=true

StandardOutput=journal
StandardError=journal
SyslogIdentifier=breeze-updater

LimitNOFILE=8192

[Install]
WantedBy=multi-user.target
`

func registerService() error {
	if err := runTool("systemctl", "daemon-reload"); err != nil {
		return fmt.Errorf("failed to reload systemd: %w", err)
	}
	if err := runTool("systemctl", "enable", linuxUnitName); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to enable service: %v\n", err)
	}
	// Control socket directory, shared with the breeze group.
	exec.Command("groupadd", "--system", "breeze").Run()
	os.MkdirAll("/var/run/breeze", 0o770)
	exec.Command("chown", "root:breeze", "/var/run/breeze").Run()
	return nil
}

func unregisterService() {
	exec.Command("systemctl", "stop", linuxUnitName).Run()
	exec.Command("systemctl", "disable", linuxUnitName).Run()
	os.Remove(serviceUnitPath)
	exec.Command("systemctl", "daemon-reload").Run()
}

func startSystemService() error {
	if err := runTool("systemctl", "start", linuxUnitName); err != nil {
		return fmt.Errorf("failed to start service: %w", err)
	}
	return nil
}

func stopSystemService() error {
	if err := runTool("systemctl", "stop", linuxUnitName); err != nil {
		return fmt.Errorf("failed to stop service: %w", err)
	}
	return nil
}
