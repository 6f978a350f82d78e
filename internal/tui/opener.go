package tui

import (
	"fmt"
	"os/exec"
	"runtime"
)

// openPath opens a saved artifact with the platform's default handler.
func openPath(path string) error {
	var name string
	var args []string

	switch runtime.GOOS {
	case "darwin":
		name = "open"
	case "windows":
		name = "cmd"
		args = []string{"/c", "start", ""}
	default:
		name = "xdg-open"
	}

	bin, err := exec.LookPath(name)
	if err != nil {
		return fmt.Errorf("no file opener on this system: %w", err)
	}
	return exec.Command(bin, append(args, path)...).Start()
}
