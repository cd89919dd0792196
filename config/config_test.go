package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/ardnew/softheci/bus"
	"github.com/ardnew/softheci/pkg"
	"github.com/ardnew/softheci/pkg/prof"
	"github.com/ardnew/softheci/transport"
	"github.com/ardnew/softheci/transport/capture"
	"github.com/ardnew/softheci/transport/fifo"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "heci.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, bus.DefaultConfig(), cfg.BusConfig())
	assert.Equal(t, TransportFIFO, cfg.Transport.Kind)
	assert.Equal(t, transport.IPCMaxPayload, cfg.Transport.MaxPayload)
	assert.False(t, cfg.Capture.Enable)
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
bus:
  max_clients: 8
  credit_timeout: 250ms
host:
  request_timeout: 3s
transport:
  kind: FIFO
  dir: /tmp/heci-test
log:
  level: debug
  format: json
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Bus.MaxClients)
	assert.Equal(t, 250*time.Millisecond, cfg.Bus.CreditTimeout)
	assert.Equal(t, bus.MaxMessageSize, cfg.Bus.MaxMessageSize)
	assert.Equal(t, 3*time.Second, cfg.Host.RequestTimeout)
	assert.Equal(t, TransportFIFO, cfg.Transport.Kind)
	assert.Equal(t, "/tmp/heci-test", cfg.Transport.Dir)
	assert.Equal(t, "debug", cfg.Log.Level)

	bc := cfg.BusConfig()
	assert.Equal(t, 8, bc.MaxClients)
	assert.Equal(t, 250*time.Millisecond, bc.CreditTimeout)

	hc := cfg.HostConfig()
	assert.Equal(t, 3*time.Second, hc.RequestTimeout)
	assert.Equal(t, 250*time.Millisecond, hc.CreditTimeout)

	opts := cfg.LogOptions()
	assert.Equal(t, "json", opts.Format)
	assert.Equal(t, []string{"stderr"}, opts.Outputs)
}

func TestLoad_Env(t *testing.T) {
	t.Setenv("HECI_BUS_MAX_CLIENTS", "5")
	t.Setenv("HECI_TRANSPORT_KIND", "mem")

	cfg, err := Load(writeConfig(t, "log:\n  level: info\n"))
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Bus.MaxClients)
	assert.Equal(t, TransportMem, cfg.Transport.Kind)
}

func TestLoad_Missing(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().Bus, cfg.Bus)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"max clients", "bus:\n  max_clients: 300\n"},
		{"message size", "bus:\n  max_message_size: 5000\n"},
		{"credit timeout", "bus:\n  credit_timeout: 0s\n"},
		{"bus version", "bus:\n  hbm_major: 0\n  hbm_minor: 0\n"},
		{"transport kind", "transport:\n  kind: usb\n"},
		{"max payload", "transport:\n  max_payload: 4\n"},
		{"capture path", "capture:\n  enable: true\n  path: \"\"\n"},
		{"log level", "log:\n  level: loud\n"},
		{"profile snapshot", "profile:\n  enable: true\n  snapshots: [cpu]\n"},
		{"profile dir", "profile:\n  enable: true\n  dir: \"\"\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestValidate_Errors(t *testing.T) {
	cfg := Default()
	cfg.Bus.MaxClients = 0
	assert.ErrorIs(t, cfg.Validate(), pkg.ErrInvalidParameter)

	cfg = Default()
	cfg.Host.RequestTimeout = 0
	assert.ErrorIs(t, cfg.Validate(), pkg.ErrInvalidParameter)

	cfg = Default()
	cfg.Transport.Dir = ""
	assert.ErrorIs(t, cfg.Validate(), pkg.ErrInvalidParameter)
}

func TestProfileOptions(t *testing.T) {
	path := writeConfig(t, `
profile:
  enable: true
  dir: /tmp/heci-prof
  cpu: false
  snapshots: [Heap, mutex]
  mutex_fraction: 5
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	opts, err := cfg.ProfileOptions()
	require.NoError(t, err)
	assert.Equal(t, prof.Options{
		Dir:           "/tmp/heci-prof",
		Snapshots:     []prof.Profile{prof.ProfileHeap, prof.ProfileMutex},
		MutexFraction: 5,
	}, opts)

	// Disabled sections are not checked
	cfg = Default()
	cfg.Profile.Snapshots = []string{"trace"}
	assert.NoError(t, cfg.Validate())
}

func TestYAML(t *testing.T) {
	cfg := Default()
	out, err := cfg.YAML()
	require.NoError(t, err)
	assert.Contains(t, string(out), "max_clients: 2")
	assert.Contains(t, string(out), "credit_timeout: 1s")

	var back Config
	require.NoError(t, yaml.Unmarshal(out, &back))
	assert.Equal(t, *cfg, back)
}

func TestOpenTransport(t *testing.T) {
	dir := t.TempDir()
	cfg := Default()
	cfg.Transport.Dir = dir
	cfg.Capture.Enable = true
	cfg.Capture.Path = filepath.Join(dir, "out", "heci.capture")

	tr, closer, err := cfg.OpenTransport(fifo.RoleFirmware)
	require.NoError(t, err)
	_, ok := tr.(*capture.Transport)
	assert.True(t, ok)
	require.NoError(t, closer.Close())

	_, err = os.Stat(cfg.Capture.Path)
	assert.NoError(t, err)

	cfg.Capture.Enable = false
	tr, closer, err = cfg.OpenTransport(fifo.RoleHost)
	require.NoError(t, err)
	_, ok = tr.(*fifo.Transport)
	assert.True(t, ok)
	assert.NoError(t, closer.Close())

	cfg.Transport.Kind = TransportMem
	_, _, err = cfg.OpenTransport(fifo.RoleHost)
	assert.ErrorIs(t, err, pkg.ErrInvalidParameter)
}
