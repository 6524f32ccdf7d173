//go:build !linux

package terminal

import "syscall"

func setParentDeathSignal(*syscall.SysProcAttr) {}
