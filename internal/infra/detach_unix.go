//go:build !windows

package infra

import "syscall"

// detachedSysProcAttr detaches a spawned process from our session so it
// survives the engine exiting.
func detachedSysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setsid: true}
}
