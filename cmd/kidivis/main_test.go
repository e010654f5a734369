package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/motty-mio2/kicad-diff-visualizer/internal/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	stdout, _, err := runCommandStreams(t, args...)
	return stdout, err
}

func runCommandStreams(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestOverlayCommand(t *testing.T) {
	dir := t.TempDir()
	head := "<?xml version=\"1.0\" standalone=\"no\"?>\n" + `<svg viewBox="0 0 10 10" xmlns="http://www.w3.org/2000/svg">`
	writeFile(t, filepath.Join(dir, "old.svg"), head+`<g style="fill:#000000;"><path d="M0 0"/></g></svg>`)
	writeFile(t, filepath.Join(dir, "new.svg"), head+`<g style="stroke:#000000;"><path d="M1 1"/></g></svg>`)

	output, err := runCommand(t, "overlay", "--only-svg-tag", filepath.Join(dir, "old.svg"), filepath.Join(dir, "new.svg"))
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(output, "<svg "), output)
	assert.Contains(t, output, `<g id="bottom-g">`)
	assert.Contains(t, output, `fill:#ff0000;`)
	assert.Contains(t, output, `<g id="top-g" style="mix-blend-mode:screen;">`)
	assert.Contains(t, output, `stroke:#00ffff;`)
}

func TestOverlayCommandRequiresTwoFiles(t *testing.T) {
	_, err := runCommand(t, "overlay", "only-one.svg")
	assert.Error(t, err)
}

func TestSheetsCommand(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "amp.kicad_pro"), "{}")
	writeFile(t, filepath.Join(dir, "amp.kicad_sch"), `(kicad_sch (version 20231120)
  (sheet (at 10 10) (property "Sheetname" "Power") (property "Sheetfile" "power.kicad_sch"))
  (sheet_instances (path "/" (page "1")))
)`)
	writeFile(t, filepath.Join(dir, "power.kicad_sch"), `(kicad_sch (version 20231120))`)

	output, err := runCommand(t, "sheets", dir)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(output), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, []string{"amp", "amp.kicad_sch"}, strings.Fields(lines[0]))
	assert.Equal(t, []string{"power", "power.kicad_sch"}, strings.Fields(lines[1]))
}

func TestSnapshotsCommand(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "amp.kicad_pro"), "{}")
	writeFile(t, filepath.Join(dir, "amp.kicad_pcb"), "(kicad_pcb)")
	writeFile(t, filepath.Join(dir, "amp-backups", "amp-2024-01-01_000000.zip"), "")
	writeFile(t, filepath.Join(dir, "amp-backups", "amp-2024-06-01_120000.zip"), "")
	writeFile(t, filepath.Join(dir, "amp-backups", "readme.txt"), "")

	output, err := runCommand(t, "snapshots", dir)
	require.NoError(t, err)
	assert.Equal(t, "2024-06-01_120000\n2024-01-01_000000\n", output)
}

func TestSnapshotsCommandWithoutBackups(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "amp.kicad_pro"), "{}")
	writeFile(t, filepath.Join(dir, "amp.kicad_pcb"), "(kicad_pcb)")

	stdout, stderr, err := runCommandStreams(t, "snapshots", dir)
	require.NoError(t, err)
	assert.Empty(t, stdout)
	assert.Contains(t, stderr, "no snapshots in "+filepath.Join(dir, "amp-backups"))
}

func TestTokenCommand(t *testing.T) {
	t.Setenv("KIDIVIS_AUTH_SIGNING_SECRET", "cli-secret")

	output, err := runCommand(t, "token", "--subject", "alice")
	require.NoError(t, err)

	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{SigningSecret: []byte("cli-secret")})
	require.NoError(t, err)
	claims, err := validator.ValidateToken(strings.TrimSpace(output))
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Subject)
}

func TestTokenCommandWithoutSecret(t *testing.T) {
	t.Setenv("KIDIVIS_AUTH_SIGNING_SECRET", "")

	_, err := runCommand(t, "token")
	assert.Error(t, err)
}
