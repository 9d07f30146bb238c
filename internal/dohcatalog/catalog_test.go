package dohcatalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuiltin_NotEmpty(t *testing.T) {
	assert.NotEmpty(t, Builtin())
}

func TestSelect_ByName(t *testing.T) {
	c := New(Builtin())
	s, ok := c.Select("quad9")
	require.True(t, ok)
	assert.Equal(t, "9.9.9.9:443", s.Address)
}

func TestSelect_ByTag(t *testing.T) {
	c := New(Builtin())
	s, ok := c.Select("malware")
	require.True(t, ok)
	assert.Equal(t, "quad9", s.Name)
}

func TestSelect_EmptyReturnsFirst(t *testing.T) {
	c := New(Builtin())
	_, ok := c.Select("")
	assert.True(t, ok)
}

func TestSelect_Unknown(t *testing.T) {
	c := New(Builtin())
	_, ok := c.Select("does-not-exist")
	assert.False(t, ok)
}

func TestLoad_OverlayOverridesBuiltin(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.yaml")
	yamlDoc := `
servers:
  - name: cloudflare
    address: "127.0.0.1:8443"
    sni_host: "cloudflare-dns.com"
    request: "POST /dns-query HTTP/1.1\r\nHost: cloudflare-dns.com\r\nContent-Type: application/dns-message\r\nContent-Length: %d\r\n\r\n"
`
	require.NoError(t, os.WriteFile(path, []byte(yamlDoc), 0o644))

	c, err := Load(path)
	require.NoError(t, err)

	s, ok := c.Select("cloudflare")
	require.True(t, ok)
	assert.Equal(t, "127.0.0.1:8443", s.Address)

	// Untouched built-ins survive the overlay.
	_, ok = c.Select("quad9")
	assert.True(t, ok)
}
