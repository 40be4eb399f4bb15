package sshconfig

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
Host gpu
  HostName gpu1.lab.example
  User ana
  Port 2200
  IdentityFile ~/.ssh/lab_ed25519

Host *.lab.example
  User labuser
`

func resolver(t *testing.T) *Resolver {
	t.Helper()
	r, err := NewResolver(strings.NewReader(sample))
	require.NoError(t, err)
	return r
}

func TestResolveAlias(t *testing.T) {
	got, err := resolver(t).Resolve("gpu")
	require.NoError(t, err)
	assert.Equal(t, "gpu", got.Alias)
	assert.Equal(t, "ana@gpu1.lab.example:2200", got.Identity.Key())
	assert.True(t, strings.HasSuffix(got.IdentityFile, filepath.Join(".ssh", "lab_ed25519")))
	assert.False(t, strings.HasPrefix(got.IdentityFile, "~"))
}

func TestResolveExplicitPartsOverrideAlias(t *testing.T) {
	got, err := resolver(t).Resolve("root@gpu:22")
	require.NoError(t, err)
	assert.Equal(t, "root@gpu1.lab.example:22", got.Identity.Key())
}

func TestResolveWildcardHost(t *testing.T) {
	got, err := resolver(t).Resolve("node7.lab.example")
	require.NoError(t, err)
	assert.Equal(t, "labuser@node7.lab.example:22", got.Identity.Key())
}

func TestResolvePlainTarget(t *testing.T) {
	got, err := resolver(t).Resolve("bob@10.0.0.5:2022")
	require.NoError(t, err)
	assert.Empty(t, got.Alias)
	assert.Equal(t, "bob@10.0.0.5:2022", got.Identity.Key())
	assert.Empty(t, got.IdentityFile)
}

func TestResolveErrors(t *testing.T) {
	r := resolver(t)
	for _, target := range []string{"", "ana@", "ana@host:x", "ana@host:70000"} {
		_, err := r.Resolve(target)
		assert.Error(t, err, target)
	}
}

func TestLoadResolverMissingFile(t *testing.T) {
	r, err := LoadResolver(filepath.Join(t.TempDir(), "config"))
	require.NoError(t, err)
	got, err := r.Resolve("ana@somewhere")
	require.NoError(t, err)
	assert.Equal(t, "ana@somewhere:22", got.Identity.Key())
}
