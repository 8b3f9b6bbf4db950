//go:build windows

package main

import (
	"fmt"

	"golang.org/x/sys/windows/svc"

	"github.com/breeze-rmm/updater/internal/logging"
)

// isWindowsService reports whether the process was started by the Windows
// Service Control Manager. Must be called early, before any console I/O.
func isWindowsService() bool {
	ok, err := svc.IsWindowsService()
	if err != nil {
		return false
	}
	return ok
}

// updaterService implements svc.Handler for the Windows SCM.
type updaterService struct {
	startFn func() (*runningService, error)
}

// runAsService runs the updater under the Windows Service Control Manager.
func runAsService(startFn func() (*runningService, error)) error {
	return svc.Run(windowsServiceName, &updaterService{startFn: startFn})
}

// Execute is the SCM callback. It signals SERVICE_RUNNING once the service
// has started, then blocks until the SCM sends Stop or Shutdown or the
// service exits on its own.
func (s *updaterService) Execute(args []string, r <-chan svc.ChangeRequest, changes chan<- svc.Status) (bool, uint32) {
	const accepted = svc.AcceptStop | svc.AcceptShutdown

	changes <- svc.Status{State: svc.StartPending}

	running, err := s.startFn()
	if err != nil {
		log.Error("updater start failed", logging.KeyError, err)
		changes <- svc.Status{State: svc.StopPending}
		return true, 1
	}

	changes <- svc.Status{State: svc.Running, Accepts: accepted}
	log.Info("updater running as Windows service")

	for {
		select {
		case <-running.exited:
			changes <- svc.Status{State: svc.StopPending}
			if running.Stop() != nil {
				return true, 2
			}
			return false, 0
		case cr := <-r:
			switch cr.Cmd {
			case svc.Interrogate:
				changes <- cr.CurrentStatus
			case svc.Stop, svc.Shutdown:
				log.Info("SCM requested stop")
				changes <- svc.Status{State: svc.StopPending}
				running.Stop()
				return false, 0
			default:
				log.Warn(fmt.Sprintf("unexpected SCM control request #%d", cr.Cmd))
			}
		}
	}
}
