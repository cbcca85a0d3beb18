package main

import (
	"os/exec"
	"syscall"
)

// setDetached puts the spawned recurringd in its own session so it
// survives recurringctl's exit (§4.7: "the parent forks/backgrounds").
func setDetached(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}
