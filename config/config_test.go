package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func TestLoad_YAML(t *testing.T) {
	p := writeFile(t, "tasks.yaml", `
- id: 11111111-1111-1111-1111-111111111111
  name: photos
  local: /home/me/photos
  remote: /backup/photos
  remote_cfg:
    type: sftp
    host: example.com:22
    user: me
`)
	tasks, err := Load(p)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "photos", tasks[0].Name)
	assert.Equal(t, int64(DefaultScanMS), tasks[0].ScanMS)
	assert.Equal(t, DefaultRetryMax, tasks[0].RetryMax)
	assert.Equal(t, int64(DefaultRetryBackoffMS), tasks[0].RetryBackoffMS)
}

func TestLoad_JSONBySuffix(t *testing.T) {
	p := writeFile(t, "tasks.json", `[{
		"id": "11111111-1111-1111-1111-111111111111",
		"name": "docs",
		"local": "/home/me/docs",
		"remote": "/backup/docs",
		"remote_cfg": {"type": "sftp", "host": "example.com"}
	}]`)
	tasks, err := Load(p)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "docs", tasks[0].Name)
}

func TestLoad_UnknownExtensionFallsBackToYAML(t *testing.T) {
	p := writeFile(t, "tasks.conf", `
- name: docs
  local: /a
  remote: /b
  remote_cfg:
    type: sftp
    host: h
`)
	tasks, err := Load(p)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
}

func TestLoad_EmptyListIsFatal(t *testing.T) {
	p := writeFile(t, "empty.yaml", `[]`)
	_, err := Load(p)
	assert.Error(t, err)
}

func TestLoad_MissingRemoteCfgTypeIsFatal(t *testing.T) {
	p := writeFile(t, "tasks.yaml", `
- name: docs
  local: /a
  remote: /b
`)
	_, err := Load(p)
	assert.Error(t, err)
}

func TestLoad_UnsupportedRemoteKindIsFatal(t *testing.T) {
	p := writeFile(t, "tasks.yaml", `
- name: docs
  local: /a
  remote: /b
  remote_cfg:
    type: http
`)
	_, err := Load(p)
	assert.Error(t, err)
}

func TestParseSizeRange(t *testing.T) {
	two := func(v uint64) *uint64 { return &v }

	cases := []struct {
		in       string
		min, max *uint64
	}{
		{"", nil, nil},
		{"100..200", two(100), two(200)},
		{"..200", nil, two(200)},
		{"100..", two(100), nil},
		{"100", two(100), nil},
	}
	for _, c := range cases {
		min, max := ParseSizeRange(c.in)
		if c.min == nil {
			assert.Nil(t, min, "case %q", c.in)
		} else {
			require.NotNil(t, min, "case %q", c.in)
			assert.Equal(t, *c.min, *min, "case %q", c.in)
		}
		if c.max == nil {
			assert.Nil(t, max, "case %q", c.in)
		} else {
			require.NotNil(t, max, "case %q", c.in)
			assert.Equal(t, *c.max, *max, "case %q", c.in)
		}
	}
}
