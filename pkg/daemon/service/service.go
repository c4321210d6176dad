// Package service installs diaglogd as a systemd user unit.
package service

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// UnitName is the systemd unit diaglogd runs under.
const UnitName = "diaglogd.service"

// UnitContents renders the unit for the given daemon binary. An empty
// configPath runs the daemon with its defaults.
func UnitContents(binaryPath, configPath string) string {
	var b strings.Builder
	b.WriteString("[Unit]\n")
	b.WriteString("Description=diaglog daemon, bounded in-memory diagnostic log buffer\n")
	b.WriteString("Documentation=https://github.com/modoterra/diaglog\n\n")
	b.WriteString("[Service]\n")
	b.WriteString("Type=notify\n")
	b.WriteString("NotifyAccess=main\n")
	b.WriteString("ExecStart=" + binaryPath)
	if configPath != "" {
		b.WriteString(" --config " + configPath)
	}
	b.WriteString("\n")
	b.WriteString("ExecReload=/bin/kill -USR1 $MAINPID\n")
	b.WriteString("WatchdogSec=30\n")
	b.WriteString("Restart=on-failure\n")
	b.WriteString("RestartSec=5\n\n")
	b.WriteString("[Install]\n")
	b.WriteString("WantedBy=default.target\n")
	return b.String()
}

// Manager installs and inspects the unit. The zero value is not usable;
// start from Default.
type Manager struct {
	// UnitDir holds the unit file, normally ~/.config/systemd/user.
	UnitDir string
	// Binary is the daemon executable. Empty means look up diaglogd in PATH.
	Binary string
	// Systemctl runs `systemctl --user` with args and returns its stdout.
	Systemctl func(args ...string) ([]byte, error)
}

// Default returns a Manager for the current user.
func Default() (*Manager, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return nil, fmt.Errorf("user config directory: %w", err)
	}
	return &Manager{
		UnitDir:   filepath.Join(configDir, "systemd", "user"),
		Systemctl: systemctl,
	}, nil
}

// UnitPath is where the unit file lives.
func (m *Manager) UnitPath() string {
	return filepath.Join(m.UnitDir, UnitName)
}

// Install writes the unit, reloads systemd and enables the service.
func (m *Manager) Install(configPath string) error {
	binary, err := m.binary()
	if err != nil {
		return err
	}
	if configPath != "" {
		if configPath, err = filepath.Abs(configPath); err != nil {
			return fmt.Errorf("resolve config path: %w", err)
		}
	}

	if err := os.MkdirAll(m.UnitDir, 0o755); err != nil {
		return fmt.Errorf("create unit directory: %w", err)
	}
	if err := os.WriteFile(m.UnitPath(), []byte(UnitContents(binary, configPath)), 0o644); err != nil {
		return fmt.Errorf("write unit: %w", err)
	}

	if _, err := m.Systemctl("daemon-reload"); err != nil {
		return err
	}
	_, err = m.Systemctl("enable", "--now", UnitName)
	return err
}

// Uninstall disables the service and removes the unit. A service that is
// not running is not an error.
func (m *Manager) Uninstall() error {
	m.Systemctl("disable", "--now", UnitName)

	if err := os.Remove(m.UnitPath()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove unit: %w", err)
	}
	_, err := m.Systemctl("daemon-reload")
	return err
}

// Status describes the daemon as seen from outside.
type Status struct {
	Socket       string
	SocketExists bool
	Installed    bool
	// State is the output of `systemctl --user is-active`, empty when the
	// unit is not installed.
	State string
}

func (s Status) String() string {
	socket := "missing"
	if s.SocketExists {
		socket = "present"
	}
	service := "not installed"
	if s.Installed {
		service = s.State
	}
	return fmt.Sprintf("socket: %s (%s)\nsystemd user service: %s", socket, s.Socket, service)
}

// Status reports whether the socket exists and the unit's active state.
func (m *Manager) Status(socketPath string) Status {
	st := Status{Socket: socketPath}
	if _, err := os.Stat(socketPath); err == nil {
		st.SocketExists = true
	}
	if _, err := os.Stat(m.UnitPath()); err != nil {
		return st
	}
	st.Installed = true
	// is-active exits non-zero for inactive units but still prints the state.
	out, _ := m.Systemctl("is-active", UnitName)
	st.State = strings.TrimSpace(string(out))
	if st.State == "" {
		st.State = "unknown"
	}
	return st
}

func (m *Manager) binary() (string, error) {
	path := m.Binary
	if path == "" {
		var err error
		if path, err = exec.LookPath("diaglogd"); err != nil {
			return "", fmt.Errorf("diaglogd not found in PATH: %w", err)
		}
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve diaglogd path: %w", err)
	}
	return abs, nil
}

func systemctl(args ...string) ([]byte, error) {
	cmd := exec.Command("systemctl", append([]string{"--user"}, args...)...)
	cmd.Stderr = os.Stderr
	out, err := cmd.Output()
	if err != nil {
		return out, fmt.Errorf("systemctl --user %s: %w", strings.Join(args, " "), err)
	}
	return out, nil
}
