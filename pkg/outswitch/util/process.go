package util

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	ps "github.com/mitchellh/go-ps"
)

// OtherInstanceRunning reports whether another process runs the same executable as we do
func OtherInstanceRunning() (bool, error) {
	self, err := os.Executable()
	if err != nil {
		return false, fmt.Errorf("get own executable: %w", err)
	}

	processes, err := ps.Processes()
	if err != nil {
		return false, fmt.Errorf("list processes: %w", err)
	}

	return otherInstanceIn(processes, filepath.Base(self), os.Getpid()), nil
}

func otherInstanceIn(processes []ps.Process, executable string, selfPID int) bool {
	for _, process := range processes {
		if process.Pid() == selfPID {
			continue
		}

		if strings.EqualFold(process.Executable(), executable) {
			return true
		}
	}

	return false
}
