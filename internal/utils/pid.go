package utils

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"syscall"
	"time"
)

type PIDManager struct {
	dir string
	cm  *ConfigManager
}

func NewPIDManager(cm *ConfigManager) (*PIDManager, error) {
	paths := GetAppPaths("")

	return &PIDManager{
		dir: paths.DataDir,
		cm:  cm,
	}, nil
}

func (p *PIDManager) pidFilePath() (string, error) {
	pidFileName := p.cm.GetConfigWithDefault("pid_path", "unibos-node.pid")

	switch runtime.GOOS {
	case "linux", "darwin":
		pidFileName = filepath.ToSlash(pidFileName)
	case "windows":
		pidFileName = filepath.FromSlash(pidFileName)
	default:
		return "", fmt.Errorf("unsupported OS type `%s`", runtime.GOOS)
	}

	return filepath.Join(p.dir, pidFileName), nil
}

func (p *PIDManager) WritePID(pid int) error {
	path, err := p.pidFilePath()
	if err != nil {
		return err
	}

	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory for PID file: %v", err)
	}

	pidStr := strconv.Itoa(pid)
	return os.WriteFile(path, []byte(pidStr), 0644)
}

func (p *PIDManager) ReadPID() (int, error) {
	path, err := p.pidFilePath()
	if err != nil {
		return 0, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, errors.New("PID file does not exist - node is not running")
		}
		return 0, fmt.Errorf("failed to read PID file: %v", err)
	}

	pid, err := strconv.Atoi(string(data))
	if err != nil {
		return 0, fmt.Errorf("invalid PID format in file: %v", err)
	}

	return pid, nil
}

func (p *PIDManager) StopProcess(pid int) error {
	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("failed to find process with PID %d: %v", pid, err)
	}

	if runtime.GOOS == "windows" {
		// On Windows, Kill() is the only option
		return process.Kill()
	}

	// On Unix-like systems, try graceful termination first
	err = process.Signal(syscall.SIGTERM)
	if err != nil {
		return fmt.Errorf("failed to send SIGTERM to process %d: %v", pid, err)
	}

	// Wait for graceful termination (10 seconds grace period)
	gracePeriod := 10 * time.Second
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	timeout := time.After(gracePeriod)

	for {
		select {
		case <-timeout:
			// Grace period expired, force kill
			fmt.Printf("Grace period expired, force killing process %d\n", pid)
			return process.Signal(syscall.SIGKILL)
		case <-ticker.C:
			// Signal 0 checks existence
			err := process.Signal(syscall.Signal(0))
			if err != nil {
				fmt.Printf("Process %d terminated gracefully\n", pid)
				return nil
			}
		}
	}
}

func (p *PIDManager) RemovePIDFile() error {
	path, err := p.pidFilePath()
	if err != nil {
		return err
	}

	err = os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove PID file: %v", err)
	}
	return nil
}

func (p *PIDManager) IsProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	if runtime.GOOS == "windows" {
		// On Windows, if FindProcess succeeds, process exists
		return true
	}

	err = process.Signal(syscall.Signal(0))
	return err == nil
}
