package sftpremote

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParentDir(t *testing.T) {
	cases := map[string]string{
		"/a/b/c.txt": "/a/b",
		"/a.txt":     "/",
		"a.txt":      "/",
		"/":          "/",
	}
	for in, want := range cases {
		assert.Equal(t, want, parentDir(in), "input %q", in)
	}
}

func TestSplitHostPort_DefaultsTo22(t *testing.T) {
	host, port, err := splitHostPort("example.com")
	assert.NoError(t, err)
	assert.Equal(t, "example.com", host)
	assert.Equal(t, 22, port)
}

func TestSplitHostPort_ExplicitPort(t *testing.T) {
	host, port, err := splitHostPort("example.com:2222")
	assert.NoError(t, err)
	assert.Equal(t, "example.com", host)
	assert.Equal(t, 2222, port)
}

func TestSplitHostPort_InvalidPort(t *testing.T) {
	_, _, err := splitHostPort("example.com:not-a-port")
	assert.Error(t, err)
}

func TestOpName(t *testing.T) {
	assert.Equal(t, "upload", opName(0))
}
