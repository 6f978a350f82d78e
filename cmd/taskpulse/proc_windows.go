//go:build windows

package main

import "os/exec"

func configureReplayProc(cmd *exec.Cmd) {
	// Windows spawns the replay server independent enough without a
	// new session.
}
