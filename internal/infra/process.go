// Package infra implements infrastructure concerns (process control,
// PIN storage, encryption key, browser discovery and transport).
package infra

import (
	"fmt"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/eliteGoblin/focusd/focus_guard/internal/domain"
)

// terminateGrace is how long a process gets to exit after SIGTERM
// before it is killed.
const terminateGrace = 3 * time.Second

// ProcessControllerImpl implements domain.ProcessController using gopsutil.
type ProcessControllerImpl struct{}

// NewProcessController creates a new process controller.
func NewProcessController() domain.ProcessController {
	return &ProcessControllerImpl{}
}

// List enumerates running processes. Processes that exit mid-enumeration
// are skipped.
func (pc *ProcessControllerImpl) List() ([]domain.ProcessInfo, error) {
	procs, err := process.Processes()
	if err != nil {
		return nil, err
	}

	infos := make([]domain.ProcessInfo, 0, len(procs))
	for _, p := range procs {
		name, err := p.Name()
		if err != nil {
			continue // process may have exited
		}
		exe, _ := p.Exe() // best effort, often needs privileges
		infos = append(infos, domain.ProcessInfo{
			PID:  p.Pid,
			Name: name,
			Exe:  exe,
		})
	}
	return infos, nil
}

// Terminate asks the process to exit and kills it if still running after
// the grace period.
func (pc *ProcessControllerImpl) Terminate(pid int32) error {
	p, err := process.NewProcess(pid)
	if err != nil {
		return fmt.Errorf("process %d: %w", pid, err)
	}

	if err := p.Terminate(); err != nil {
		return fmt.Errorf("terminate %d: %w", pid, err)
	}

	deadline := time.Now().Add(terminateGrace)
	for time.Now().Before(deadline) {
		running, err := p.IsRunning()
		if err != nil || !running {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	if err := p.Kill(); err != nil {
		return fmt.Errorf("kill %d: %w", pid, err)
	}
	return nil
}

// CurrentPID returns the current process PID.
func (pc *ProcessControllerImpl) CurrentPID() int32 {
	return int32(os.Getpid())
}

// Ensure ProcessControllerImpl implements domain.ProcessController.
var _ domain.ProcessController = (*ProcessControllerImpl)(nil)
