package process

import (
	"errors"
	"os"
	"syscall"

	gopsproc "github.com/shirou/gopsutil/v3/process"
)

// errProcessGone reports that the queried process no longer exists.
var errProcessGone = errors.New("process gone")

// procTable is the view of the OS process table used by StopTree.
type procTable interface {
	// Children lists the direct children of pid.
	// It returns errProcessGone if pid itself no longer exists.
	Children(pid int32) ([]int32, error)

	// Terminate sends SIGTERM to pid. A pid that is already gone is not an error.
	Terminate(pid int32) error
}

// systemTable reads the process table through gopsutil.
type systemTable struct{}

func (systemTable) Children(pid int32) ([]int32, error) {
	p, err := gopsproc.NewProcess(pid)
	if err != nil {
		return nil, errProcessGone
	}

	kids, err := p.Children()
	if err != nil {
		if errors.Is(err, gopsproc.ErrorNoChildren) {
			return nil, nil
		}
		if exists, _ := gopsproc.PidExists(pid); !exists {
			return nil, errProcessGone
		}
		return nil, err
	}

	pids := make([]int32, 0, len(kids))
	for _, k := range kids {
		pids = append(pids, k.Pid)
	}
	return pids, nil
}

func (systemTable) Terminate(pid int32) error {
	p, err := gopsproc.NewProcess(pid)
	if err != nil {
		return nil
	}
	if err := p.Terminate(); err != nil && !isGone(err) {
		return err
	}
	return nil
}

// isGone reports whether a signal error means the target already exited.
func isGone(err error) bool {
	return errors.Is(err, os.ErrProcessDone) ||
		errors.Is(err, syscall.ESRCH) ||
		errors.Is(err, gopsproc.ErrorProcessNotRunning)
}
