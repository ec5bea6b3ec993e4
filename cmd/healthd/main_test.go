package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keithlinneman/resourcehealth/internal/health"
	v "github.com/keithlinneman/resourcehealth/internal/version"
)

func writeChecks(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "healthd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(&out)
	root.SetErr(io.Discard)
	err := root.Execute()
	return out.String(), err
}

// Version

func TestVersionCmd(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, v.AppName+" "), "got %q", out)
	assert.Contains(t, out, "commit=")
}

func TestVersionCmd_SkipsConfigValidation(t *testing.T) {
	_, err := execute(t, "version", "--admin-port", "0")
	require.NoError(t, err)
}

// Config

func TestRoot_InvalidConfig(t *testing.T) {
	_, err := execute(t, "check", "--admin-port", "0")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ADMIN_PORT")
}

func TestCheck_MissingFile(t *testing.T) {
	_, err := execute(t, "check", "--config", filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read checker file")
}

func TestCheck_UnknownType(t *testing.T) {
	path := writeChecks(t, `
resourceHealthChecker:
  checks:
    - type: carrier-pigeon
      name: coop
`)
	_, err := execute(t, "check", "--config", path)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrUnhealthy))
}

// Check

func TestCheck_NoCheckers(t *testing.T) {
	path := writeChecks(t, "")
	out, err := execute(t, "check", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "aggregate: NotCheckedYet")
	assert.Contains(t, out, "stage Processing")
}

func TestCheck_HealthyFolder(t *testing.T) {
	dir := t.TempDir()
	path := writeChecks(t, `
resourceHealthChecker:
  checks:
    - type: filesystem
      name: scratch
      config:
        folderPath: `+dir+`
`)
	out, err := execute(t, "check", "--config", path, "--startup-timeout", "10s")
	require.NoError(t, err)
	assert.Contains(t, out, "scratch")
	assert.Contains(t, out, "aggregate: Healthy")
}

func TestCheck_UnhealthyFolder(t *testing.T) {
	path := writeChecks(t, `
resourceHealthChecker:
  checks:
    - type: filesystem
      name: gone
      config:
        folderPath: `+filepath.Join(t.TempDir(), "missing")+`
`)
	out, err := execute(t, "check", "--config", path, "--startup-timeout", "200ms")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnhealthy))
	assert.Contains(t, out, "gone")
	assert.NotContains(t, out, "aggregate: Healthy")
}

func TestCheck_JSON(t *testing.T) {
	path := writeChecks(t, "")
	out, err := execute(t, "check", "--config", path, "--json")
	require.NoError(t, err)

	var r health.Report
	require.NoError(t, json.Unmarshal([]byte(out), &r))
	assert.Equal(t, health.StageProcessing, r.Stage)
	assert.True(t, r.Ready)
	assert.Empty(t, r.Checkers)
}

func TestCheck_ConfigFromEnv(t *testing.T) {
	t.Setenv("HEALTHD_CONFIG", writeChecks(t, ""))
	out, err := execute(t, "check")
	require.NoError(t, err)
	assert.Contains(t, out, "aggregate:")
}

// Systemd

func TestNotifySystemd_NoSocket(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	require.Error(t, notifySystemd())
}

func TestNotifySystemd_SendsReady(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "notify.sock")
	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: sock, Net: "unixgram"})
	require.NoError(t, err)
	defer conn.Close()
	t.Setenv("NOTIFY_SOCKET", sock)

	require.NoError(t, notifySystemd())

	buf := make([]byte, 64)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, err := conn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "READY=1", string(buf[:n]))
}
