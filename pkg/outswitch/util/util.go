package util

import (
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"syscall"

	"go.uber.org/zap"
)

// EnsureDirExists creates the given directory path if it doesn't already exist
func EnsureDirExists(path string) error {
	if err := os.MkdirAll(path, os.ModePerm); err != nil {
		return fmt.Errorf("ensure directory exists (%s): %w", path, err)
	}

	return nil
}

// FileExists reports whether filename exists and is a regular file (or at least not a directory)
func FileExists(filename string) bool {
	info, err := os.Stat(filename)
	if err != nil {
		return false
	}
	return !info.IsDir()
}

// Linux returns true if we're running on Linux
func Linux() bool {
	return runtime.GOOS == "linux"
}

// SetupCloseHandler returns a channel that receives SIGINT/SIGTERM
func SetupCloseHandler() chan os.Signal {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	return c
}

// DumpAllGoroutines writes stack traces of all goroutines to the logger
func DumpAllGoroutines(logger *zap.SugaredLogger) {
	buf := make([]byte, 1024*1024) // 1MB buffer
	n := runtime.Stack(buf, true)
	logger.Errorw("All goroutines stack trace", "stack", string(buf[:n]))
}

// OpenInEditor opens path in the platform's text editor without waiting for it to exit.
// on linux $EDITOR wins over xdg-open
func OpenInEditor(logger *zap.SugaredLogger, path string) error {
	command := exec.Command("cmd.exe", "/C", "start", "/b", "notepad.exe", path)

	if Linux() {
		editor := os.Getenv("EDITOR")
		if editor == "" {
			editor = "xdg-open"
		}

		command = exec.Command(editor, path)
	}

	if err := command.Start(); err != nil {
		logger.Warnw("Failed to spawn editor",
			"command", command.Path,
			"path", path,
			"error", err)

		return fmt.Errorf("spawn editor: %w", err)
	}

	// reap it in the background so it doesn't linger as a zombie
	go command.Wait()

	return nil
}
