// Package monitor contains the per-session enforcement loops: the
// process sweep and the browser domain lock.
package monitor

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/focus_guard/internal/domain"
)

// ProcessMonitor sweeps the process table against a policy and
// terminates disallowed processes. Each termination is recorded as a
// violation in the ledger.
type ProcessMonitor struct {
	processes domain.ProcessController
	ledger    domain.Ledger
	logger    *zap.Logger
}

// NewProcessMonitor creates a process monitor.
func NewProcessMonitor(pc domain.ProcessController, ledger domain.Ledger, logger *zap.Logger) *ProcessMonitor {
	return &ProcessMonitor{
		processes: pc,
		ledger:    ledger,
		logger:    logger,
	}
}

// Tick runs one sweep and returns the actions taken. The caller owns
// the polling loop; a failed sweep is retried on the next tick.
func (m *ProcessMonitor) Tick(ctx context.Context, policy domain.Policy) ([]domain.Action, error) {
	procs, err := m.processes.List()
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}

	self := m.processes.CurrentPID()
	actions := make([]domain.Action, 0)

	for _, p := range procs {
		if ctx.Err() != nil {
			return actions, ctx.Err()
		}
		reason, disallowed := classify(policy, p)
		if !disallowed {
			continue
		}
		if p.PID == self || domain.IsProtectedProcess(p.Name) {
			m.logger.Debug("skipping protected process",
				zap.Int32("pid", p.PID),
				zap.String("name", p.Name))
			continue
		}

		detail := fmt.Sprintf("process=%s pid=%d reason=%s", p.Name, p.PID, reason)
		if err := m.processes.Terminate(p.PID); err != nil {
			// Already exited or access denied; never fatal to the
			// sweep, but the resisted attempt is still a violation.
			m.logger.Warn("failed to terminate process",
				zap.Int32("pid", p.PID),
				zap.String("name", p.Name),
				zap.Error(err))
			detail += fmt.Sprintf(" terminate_failed=%q", err.Error())
			if _, err := m.ledger.Append(domain.EventViolationDetected, detail); err != nil {
				m.logger.Error("failed to record violation", zap.Error(err))
			}
			continue
		}

		m.logger.Info("terminated process",
			zap.String("policy", policy.ID),
			zap.Int32("pid", p.PID),
			zap.String("name", p.Name),
			zap.String("reason", reason))
		actions = append(actions, domain.Action{PID: p.PID, Name: p.Name, Reason: reason})

		if _, err := m.ledger.Append(domain.EventViolationDetected, detail); err != nil {
			m.logger.Error("failed to record violation", zap.Error(err))
		}
	}

	return actions, nil
}

// classify decides whether a process is disallowed under the policy.
// An explicit deny wins over an allow listing the same process.
func classify(policy domain.Policy, p domain.ProcessInfo) (string, bool) {
	for _, m := range policy.DeniedApps {
		if m.Matches(p) {
			return "denied_app", true
		}
	}
	if policy.WhitelistOnly {
		for _, m := range policy.AllowedApps {
			if m.Matches(p) {
				return "", false
			}
		}
		return "not_whitelisted", true
	}
	return "", false
}
