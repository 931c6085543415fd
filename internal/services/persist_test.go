package services

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iptablesd/pkg/iptables/iptablestest"
)

func TestExportImportRoundTrip(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "iptables"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "iptables", "rules.v4"), []byte("*filter\nCOMMIT\n"), 0644))

	archive, err := NewPersistService(src).ExportConfig()
	require.NoError(t, err)

	dst := t.TempDir()
	require.NoError(t, NewPersistService(dst).ImportConfig(bytes.NewReader(archive)))

	data, err := os.ReadFile(filepath.Join(dst, "iptables", "rules.v4"))
	require.NoError(t, err)
	assert.Equal(t, "*filter\nCOMMIT\n", string(data))
}

func TestImportRejectsTraversal(t *testing.T) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	body := []byte("pwned")
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "../escape", Mode: 0644, Size: int64(len(body)), Typeflag: tar.TypeReg}))
	_, err := tw.Write(body)
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())

	parent := t.TempDir()
	dir := filepath.Join(parent, "config")
	require.NoError(t, os.MkdirAll(dir, 0755))

	err = NewPersistService(dir).ImportConfig(&buf)
	assert.ErrorContains(t, err, "invalid path")
	assert.NoFileExists(t, filepath.Join(parent, "escape"))
}

func TestImportRejectsGarbage(t *testing.T) {
	err := NewPersistService(t.TempDir()).ImportConfig(bytes.NewReader([]byte("not gzip")))
	assert.Error(t, err)
}

func TestRestoreAll(t *testing.T) {
	fw, fake := newTestFirewall(t, false)
	require.NoError(t, os.MkdirAll(filepath.Join(fw.configDir, "iptables"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(fw.configDir, "iptables", "rules.v4"), []byte("*filter\nCOMMIT\n"), 0644))

	persist := NewPersistService(fw.configDir)
	require.NoError(t, persist.RestoreAll(context.Background(), fw))
	assert.Equal(t, []string{"iptables-restore --wait"}, fake.Commands())

	fake.On(iptablestest.Response{ExitCode: 1, Stderr: "iptables-restore: line 2 failed\n"}, "iptables-restore")
	err := persist.RestoreAll(context.Background(), fw)
	assert.ErrorContains(t, err, "line 2 failed")
}

func TestGenerateSystemdService(t *testing.T) {
	unit := NewPersistService("/etc/iptablesd").GenerateSystemdService("/usr/local/bin/iptablesd", "/etc/iptablesd/config.yaml")
	assert.Contains(t, unit, "ExecStart=/usr/local/bin/iptablesd serve --config /etc/iptablesd/config.yaml")
	assert.Contains(t, unit, "WorkingDirectory=/usr/local/bin")
}

func TestInterfaceExists(t *testing.T) {
	s := &InterfaceService{linkNames: func() ([]string, error) {
		return []string{"lo", "eth0"}, nil
	}}

	assert.True(t, s.Exists("eth0"))
	assert.True(t, s.Exists("!lo"))
	assert.True(t, s.Exists("wg+"))
	assert.False(t, s.Exists("eth1"))
	assert.False(t, s.Exists(""))
	assert.False(t, s.Exists("!"))
}
