package daemon

import (
	"errors"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/leonletto/anchord/internal/storage"
)

// PIDFileName is the PID file inside the data directory.
const PIDFileName = "anchord.pid"

// PIDInfo contains daemon process metadata stored in the PID file.
type PIDInfo struct {
	PID       int       `json:"pid"`
	DataDir   string    `json:"data_dir,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
	Listen    string    `json:"listen,omitempty"`
	WSListen  string    `json:"ws_listen,omitempty"`
	OrbitURL  string    `json:"orbit_url,omitempty"`
}

// WritePIDFile writes process information to the PID file.
func WritePIDFile(path string, info PIDInfo) error {
	return storage.WriteJSON(path, info)
}

// ReadPIDFile reads process information from the PID file. A missing file
// returns an error satisfying errors.Is(err, os.ErrNotExist).
func ReadPIDFile(path string) (PIDInfo, error) {
	var info PIDInfo
	found, err := storage.ReadJSON(path, &info)
	if err != nil {
		return PIDInfo{}, err
	}
	if !found {
		return PIDInfo{}, os.ErrNotExist
	}
	return info, nil
}

// CheckPIDFile checks if the PID file exists and if the process is running.
// A missing file is not an error.
func CheckPIDFile(path string) (bool, PIDInfo, error) {
	info, err := ReadPIDFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, PIDInfo{}, nil
		}
		return false, PIDInfo{}, err
	}
	return isProcessRunning(info.PID), info, nil
}

// SameDataDir reports whether info was written by a daemon for dataDir.
// Empty paths never match; the flock is the arbiter when affinity is unknown.
func SameDataDir(info PIDInfo, dataDir string) bool {
	if info.DataDir == "" {
		return false
	}
	return filepath.Clean(info.DataDir) == filepath.Clean(dataDir)
}

// RemovePIDFile removes the PID file.
func RemovePIDFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// isProcessRunning checks if a process with the given PID is running.
func isProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Signal 0 checks existence without delivering anything.
	err = process.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	// EPERM means the process exists but belongs to someone else.
	return errors.Is(err, syscall.EPERM)
}
