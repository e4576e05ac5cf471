// Package util holds listener helpers shared by the server and its commands.
package util

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

// ListenFdsEnvKey is the environment variable listing inherited listener file
// descriptors, colon separated.
const ListenFdsEnvKey = "LISTEN_FDS"

// SetCloexec sets or clears the close-on-exec flag for a file descriptor.
func SetCloexec(fd uintptr, enabled bool) error {
	flags, err := unix.FcntlInt(fd, unix.F_GETFD, 0)
	if err != nil {
		return fmt.Errorf("fcntl F_GETFD failed for fd %d: %w", fd, err)
	}
	if enabled {
		flags |= unix.FD_CLOEXEC
	} else {
		flags &^= unix.FD_CLOEXEC
	}
	if _, err := unix.FcntlInt(fd, unix.F_SETFD, flags); err != nil {
		return fmt.Errorf("fcntl F_SETFD failed for fd %d: %w", fd, err)
	}
	return nil
}

// reuseAddr is a net.ListenConfig control hook that sets SO_REUSEADDR, so a
// restarted server can bind while old connections sit in TIME_WAIT.
func reuseAddr(network, address string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	if sockErr != nil {
		return fmt.Errorf("setsockopt SO_REUSEADDR on %s %s: %w", network, address, sockErr)
	}
	return nil
}

// CreateListener creates a TCP listener on address with SO_REUSEADDR set.
func CreateListener(network, address string) (net.Listener, error) {
	if network != "tcp" && network != "tcp4" && network != "tcp6" {
		return nil, fmt.Errorf("unsupported network type: %s, only 'tcp', 'tcp4', or 'tcp6' are supported for CreateListener", network)
	}
	lc := net.ListenConfig{Control: reuseAddr}
	l, err := lc.Listen(context.Background(), network, address)
	if err != nil {
		return nil, fmt.Errorf("failed to create listener on %s %s: %w", network, address, err)
	}
	return l, nil
}

// NewListenerFromFD creates a net.Listener from an inherited file descriptor.
// The descriptor is marked close-on-exec so it is not leaked to child processes.
func NewListenerFromFD(fd uintptr) (net.Listener, error) {
	if err := SetCloexec(fd, true); err != nil {
		return nil, err
	}
	file := os.NewFile(fd, fmt.Sprintf("inherited-listener-%d", fd))
	if file == nil {
		return nil, fmt.Errorf("os.NewFile returned nil for FD %d", fd)
	}
	// net.FileListener duplicates the descriptor.
	defer file.Close()
	l, err := net.FileListener(file)
	if err != nil {
		return nil, fmt.Errorf("net.FileListener failed for FD %d: %w", fd, err)
	}
	return l, nil
}

// ParseInheritedListenerFDs returns the descriptors listed in envVarName, or
// nil when the variable is unset.
func ParseInheritedListenerFDs(envVarName string) ([]uintptr, error) {
	fdsEnv := os.Getenv(envVarName)
	if fdsEnv == "" {
		return nil, nil
	}
	parts := strings.Split(fdsEnv, ":")
	fds := make([]uintptr, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid FD number in environment variable %s (value: %q): %s (%w)", envVarName, fdsEnv, p, err)
		}
		if n < 0 {
			return nil, fmt.Errorf("invalid negative FD number in environment variable %s (value: %q): %d", envVarName, fdsEnv, n)
		}
		fds = append(fds, uintptr(n))
	}
	return fds, nil
}

// InheritedListeners converts the descriptors listed in envVarName into
// listeners. On error every listener created so far is closed.
func InheritedListeners(envVarName string) ([]net.Listener, error) {
	fds, err := ParseInheritedListenerFDs(envVarName)
	if err != nil {
		return nil, err
	}
	listeners := make([]net.Listener, 0, len(fds))
	for _, fd := range fds {
		l, err := NewListenerFromFD(fd)
		if err != nil {
			for _, prev := range listeners {
				_ = prev.Close()
			}
			return nil, err
		}
		listeners = append(listeners, l)
	}
	return listeners, nil
}

// IsAddrInUse checks if the error indicates an "address already in use" condition.
func IsAddrInUse(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, unix.EADDRINUSE) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "address already in use")
}
