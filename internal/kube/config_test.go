package kube

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKubeconfig = `apiVersion: v1
kind: Config
current-context: first
clusters:
- name: one
  cluster:
    server: https://one.example:6443
- name: two
  cluster:
    server: https://two.example:6443
users:
- name: admin
  user:
    token: from-kubeconfig
contexts:
- name: first
  context:
    cluster: one
    user: admin
- name: second
  context:
    cluster: two
    user: admin
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

func TestRESTConfig_ExplicitServer(t *testing.T) {
	tokenFile := writeFile(t, "token", "  secret-token\n")

	cfg, err := RESTConfig(ConnOptions{
		Server:    "https://api.example:6443",
		TokenFile: tokenFile,
		Insecure:  true,
		QPS:       50,
		Burst:     100,
	})
	require.NoError(t, err)
	assert.Equal(t, "https://api.example:6443", cfg.Host)
	assert.Equal(t, "secret-token", cfg.BearerToken)
	assert.True(t, cfg.TLSClientConfig.Insecure)
	assert.Equal(t, float32(50), cfg.QPS)
	assert.Equal(t, 100, cfg.Burst)
	assert.Equal(t, "kubefs", cfg.UserAgent)
}

func TestRESTConfig_TokenBeatsTokenFile(t *testing.T) {
	cfg, err := RESTConfig(ConnOptions{
		Server:    "https://api.example:6443",
		Token:     "inline",
		TokenFile: "/does/not/exist",
	})
	require.NoError(t, err)
	assert.Equal(t, "inline", cfg.BearerToken)
}

func TestRESTConfig_EmptyTokenFile(t *testing.T) {
	_, err := RESTConfig(ConnOptions{Server: "https://x", TokenFile: writeFile(t, "token", "\n")})
	assert.ErrorContains(t, err, "empty")
}

func TestRESTConfig_KubeconfigContext(t *testing.T) {
	path := writeFile(t, "config", testKubeconfig)

	cfg, err := RESTConfig(ConnOptions{Kubeconfig: path})
	require.NoError(t, err)
	assert.Equal(t, "https://one.example:6443", cfg.Host)
	assert.Equal(t, "from-kubeconfig", cfg.BearerToken)

	cfg, err = RESTConfig(ConnOptions{Kubeconfig: path, Context: "second", Token: "override"})
	require.NoError(t, err)
	assert.Equal(t, "https://two.example:6443", cfg.Host)
	assert.Equal(t, "override", cfg.BearerToken)
}

func TestRESTConfig_MissingKubeconfig(t *testing.T) {
	_, err := RESTConfig(ConnOptions{Kubeconfig: filepath.Join(t.TempDir(), "missing")})
	assert.Error(t, err)
}
