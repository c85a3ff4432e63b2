package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const consoleSensor = `
sensor:
  name: RainSensor
  info: {formatVersion: 1.02, createdContact: ops@example.org}
  schema:
    - {type: datetime, name: time}
    - {type: float, name: latitude, unit: degree}
    - {type: float, name: longitude, unit: degree}
    - {type: float, name: rainfall, unit: mm}
  primary_keys: [time]
store_type: console
filter_type: limited_buffer_filter
source: {type: csv_files, files: ["{PROJECT_HOME}/in/*.csv"]}
parser: {type: csv}
log: {file_enabled: false}
`

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeConfig(t *testing.T, content string) (home, path string) {
	t.Helper()
	home = t.TempDir()
	path = filepath.Join(home, "conf", "sensor.yaml")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return home, path
}

func TestVersionCmd(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "udscrawl version "+Version)
}

func TestValidateCmd(t *testing.T) {
	home, path := writeConfig(t, consoleSensor)

	out, err := execute(t, "validate", "-c", path)
	require.NoError(t, err)
	assert.Contains(t, out, "is valid")

	out, err = execute(t, "validate", "-c", path, "--print")
	require.NoError(t, err)
	assert.Contains(t, out, "name: RainSensor")
	assert.Contains(t, out, filepath.Join(home, "_out", "m2m_data"))
}

func TestValidateCmd_Invalid(t *testing.T) {
	_, path := writeConfig(t, "sensor: {name: RainSensor}\nstore_type: mysql\n")
	_, err := execute(t, "validate", "-c", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store_type")

	_, err = execute(t, "validate", "-c", path, "--log-level", "loud")
	assert.ErrorContains(t, err, "invalid log level")
}

func TestRunCmd_ConsoleSensor(t *testing.T) {
	home, path := writeConfig(t, consoleSensor)
	require.NoError(t, os.MkdirAll(filepath.Join(home, "in"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(home, "in", "rain.csv"),
		[]byte("time,latitude,longitude,rainfall\n2020-01-01 09:00:00,35.6895,139.6917,0.5\n"), 0o644))

	_, err := execute(t, "run", "-c", path, "--log-format", "json")
	require.NoError(t, err)
}

func TestSetupLogger_File(t *testing.T) {
	file := filepath.Join(t.TempDir(), "log", "rain.log")
	logger, closeLog, err := setupLogger("debug", "json", file)
	require.NoError(t, err)
	logger.Info("hello", "k", "v")
	require.NoError(t, closeLog())

	data, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"hello"`)
	assert.Contains(t, string(data), `"service":"udscrawl"`)
}
