package daemon

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/natefinch/atomic"
)

// PortFilePath returns the port file for a named listener, e.g. tcp.port.
func PortFilePath(dataDir, name string) string {
	return filepath.Join(dataDir, name+".port")
}

// PortFromAddr extracts the numeric port of a bound "host:port" address.
func PortFromAddr(addr string) (int, error) {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(portStr)
}

// WritePortFile writes the port number to path atomically.
func WritePortFile(path string, port int) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create port file directory: %w", err)
	}
	content := strconv.Itoa(port) + "\n"
	if err := atomic.WriteFile(path, strings.NewReader(content)); err != nil {
		return fmt.Errorf("failed to write port file: %w", err)
	}
	return nil
}

// ReadPortFile reads the port number from the specified file.
func ReadPortFile(path string) (int, error) {
	content, err := os.ReadFile(path) //nolint:gosec // G304 - path inside the daemon data dir
	if err != nil {
		return 0, err
	}

	portStr := strings.TrimSpace(string(content))
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0, fmt.Errorf("invalid port in file: %s", portStr)
	}
	if port < 1 || port > 65535 {
		return 0, fmt.Errorf("port out of valid range: %d", port)
	}
	return port, nil
}

// RemovePortFile removes the port file. A missing file is not an error.
func RemovePortFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove port file: %w", err)
	}
	return nil
}
