// Package config loads a fleet of device definitions from one YAML
// document, with atomic rename-on-write and an RWMutex-guarded in-memory
// copy, seeding each device's Options from shared fleet-level defaults.
package config

import (
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tuyago/localtuya/pkg/device"
	"github.com/tuyago/localtuya/pkg/protocol"
	"github.com/tuyago/localtuya/pkg/tuyaerr"
)

// Defaults are fleet-level values that seed every DeviceEntry before its own
// fields override them.
type Defaults struct {
	Port                  int              `yaml:"port"`
	Version               protocol.Version `yaml:"version"`
	HeartbeatIntervalSec  int              `yaml:"heartbeatIntervalSec"`
	ResponseTimeout       float64          `yaml:"responseTimeout"`
	IssueGetOnConnect     bool             `yaml:"issueGetOnConnect"`
	IssueRefreshOnConnect bool             `yaml:"issueRefreshOnConnect"`
	IssueRefreshOnPing    bool             `yaml:"issueRefreshOnPing"`
}

// DeviceEntry is one fleet member as written in the YAML document.
type DeviceEntry struct {
	ID      string `yaml:"id"`
	IP      string `yaml:"ip"`
	Key     string `yaml:"key"`
	Cid     string `yaml:"cid,omitempty"`
	Version string `yaml:"version,omitempty"`
	Port    int    `yaml:"port,omitempty"`
}

// Fleet is the top-level YAML document shape.
type Fleet struct {
	Defaults Defaults      `yaml:"defaults"`
	Devices  []DeviceEntry `yaml:"devices"`
}

// Manager owns a fleet config file, reloadable and saved atomically.
type Manager struct {
	mu         sync.RWMutex
	configPath string
	fleet      Fleet
}

// NewManager loads path and returns a Manager over its contents.
func NewManager(configPath string) (*Manager, error) {
	m := &Manager{configPath: configPath}
	if err := m.loadConfig(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) loadConfig() error {
	data, err := os.ReadFile(m.configPath)
	if err != nil {
		return tuyaerr.Wrap(tuyaerr.ConfigError, "read fleet config file", err)
	}

	var fleet Fleet
	if err := yaml.Unmarshal(data, &fleet); err != nil {
		return tuyaerr.Wrap(tuyaerr.ConfigError, "parse fleet config file", err)
	}

	m.mu.Lock()
	m.fleet = fleet
	m.mu.Unlock()
	return nil
}

// saveConfig writes to a temp file and renames over the target, an atomic
// write on POSIX filesystems.
func (m *Manager) saveConfig() error {
	m.mu.RLock()
	data, err := yaml.Marshal(m.fleet)
	m.mu.RUnlock()
	if err != nil {
		return tuyaerr.Wrap(tuyaerr.ConfigError, "marshal fleet config", err)
	}

	tmpFile := m.configPath + ".tmp"
	if err := os.WriteFile(tmpFile, data, 0o644); err != nil {
		return tuyaerr.Wrap(tuyaerr.ConfigError, "write temp fleet config", err)
	}
	if err := os.Rename(tmpFile, m.configPath); err != nil {
		return tuyaerr.Wrap(tuyaerr.ConfigError, "rename fleet config into place", err)
	}
	return nil
}

// Reload re-reads the config file from disk.
func (m *Manager) Reload() error { return m.loadConfig() }

// Fleet returns a copy of the current fleet document.
func (m *Manager) Fleet() Fleet {
	m.mu.RLock()
	defer m.mu.RUnlock()
	devices := make([]DeviceEntry, len(m.fleet.Devices))
	copy(devices, m.fleet.Devices)
	return Fleet{Defaults: m.fleet.Defaults, Devices: devices}
}

// AddDevice appends an entry and persists the fleet file.
func (m *Manager) AddDevice(entry DeviceEntry) error {
	m.mu.Lock()
	m.fleet.Devices = append(m.fleet.Devices, entry)
	m.mu.Unlock()
	return m.saveConfig()
}

// Options builds a device.Options for the fleet member with the given id,
// with fleet Defaults applied first and the entry's own fields overriding
// them.
func (m *Manager) Options(id string, key []byte) (device.Options, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var entry *DeviceEntry
	for i := range m.fleet.Devices {
		if m.fleet.Devices[i].ID == id {
			entry = &m.fleet.Devices[i]
			break
		}
	}
	if entry == nil {
		return device.Options{}, tuyaerr.New(tuyaerr.ConfigError, fmt.Sprintf("no fleet entry for device id %q", id))
	}

	opts := device.Options{
		ID:                    entry.ID,
		IP:                    entry.IP,
		Cid:                   entry.Cid,
		Key:                   key,
		Port:                  m.fleet.Defaults.Port,
		IssueGetOnConnect:     m.fleet.Defaults.IssueGetOnConnect,
		IssueRefreshOnConnect: m.fleet.Defaults.IssueRefreshOnConnect,
		IssueRefreshOnPing:    m.fleet.Defaults.IssueRefreshOnPing,
		HeartbeatInterval:     time.Duration(m.fleet.Defaults.HeartbeatIntervalSec) * time.Second,
		ResponseTimeout:       m.fleet.Defaults.ResponseTimeout,
		Version:               m.fleet.Defaults.Version,
	}
	if entry.Port != 0 {
		opts.Port = entry.Port
	}
	if entry.Version != "" {
		v, err := protocol.ParseVersion(entry.Version)
		if err != nil {
			return device.Options{}, err
		}
		opts.Version = v
	}
	return opts, nil
}
