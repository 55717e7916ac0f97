package main

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ulikunitz/xz"

	"github.com/orrn/printd/internal/quota"
)

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "printd.yaml")
	cfg := `
database:
  path: ` + filepath.Join(dir, "printd.db") + `
spool:
  scratch_dir: ` + filepath.Join(dir, "scratch") + `
classifier:
  binary: /nonexistent/gs
logging:
  level: error
destinations:
  static:
    - name: lab-dummy
      queue: lab
`
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o644))
	return path
}

func TestRunRequiresCommand(t *testing.T) {
	assert.Error(t, run(nil, io.Discard))
	assert.Error(t, run([]string{"-config", writeConfig(t), "bogus"}, io.Discard))
}

func TestUserAndQuota(t *testing.T) {
	cfg := writeConfig(t)

	var out bytes.Buffer
	require.NoError(t, run([]string{"-config", cfg, "user", "-id", "u1", "-semesters", "F2016, W2017", "-color"}, &out))
	assert.Contains(t, out.String(), `"F2016"`)

	out.Reset()
	require.NoError(t, run([]string{"-config", cfg, "quota", "-user", "u1"}, &out))

	var snap quota.Snapshot
	require.NoError(t, json.Unmarshal(out.Bytes(), &snap))
	assert.Equal(t, 1500, snap.Maximum)
	assert.Equal(t, 1500, snap.Remaining)
	assert.Zero(t, snap.TotalPrinted)

	assert.Error(t, run([]string{"-config", cfg, "quota", "-user", "nobody"}, io.Discard))
}

func TestSweepAndDestinations(t *testing.T) {
	cfg := writeConfig(t)

	var out bytes.Buffer
	require.NoError(t, run([]string{"-config", cfg, "sweep"}, &out))
	assert.Equal(t, "timed out 0 job(s)\n", out.String())

	out.Reset()
	require.NoError(t, run([]string{"-config", cfg, "destinations"}, &out))
	assert.Contains(t, out.String(), "lab-dummy")
	assert.Contains(t, out.String(), "(dummy)")
	assert.Contains(t, out.String(), "up")
}

func TestDestinationIDIsStable(t *testing.T) {
	assert.Equal(t, destinationID("lab-1"), destinationID("lab-1"))
	assert.NotEqual(t, destinationID("lab-1"), destinationID("lab-2"))
}

func TestReadDocument(t *testing.T) {
	dir := t.TempDir()
	plain := filepath.Join(dir, "doc.ps")
	require.NoError(t, os.WriteFile(plain, []byte("%!PS-Adobe-3.0\nshowpage\n"), 0o644))

	got, err := readDocument(plain)
	require.NoError(t, err)
	r, err := xz.NewReader(bytes.NewReader(got))
	require.NoError(t, err)
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "%!PS-Adobe-3.0\nshowpage\n", string(data))

	packed := filepath.Join(dir, "doc.ps.xz")
	require.NoError(t, os.WriteFile(packed, got, 0o644))
	again, err := readDocument(packed)
	require.NoError(t, err)
	assert.Equal(t, got, again, "xz input is passed through")

	_, err = readDocument(filepath.Join(dir, "missing.ps"))
	assert.Error(t, err)
}

func TestParseSemesters(t *testing.T) {
	sems, err := parseSemesters("F2016, winter 2017,,")
	require.NoError(t, err)
	assert.Equal(t, []quota.Semester{quota.Fall(2016), quota.Winter(2017)}, sems)

	_, err = parseSemesters("X2016")
	assert.Error(t, err)

	sems, err = parseSemesters("")
	require.NoError(t, err)
	assert.Empty(t, sems)
}
