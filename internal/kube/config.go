package kube

import (
	"fmt"
	"os"
	"strings"

	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

const userAgent = "kubefs"

// ConnOptions selects how to reach the API server.
type ConnOptions struct {
	// Kubeconfig is an explicit kubeconfig path. Empty uses the default
	// loading rules ($KUBECONFIG, ~/.kube/config, in-cluster).
	Kubeconfig string
	// Context overrides the kubeconfig's current context.
	Context string
	// Server, when set, bypasses kubeconfig and talks to this URL directly.
	Server string
	// Token is a bearer token. It overrides any kubeconfig credentials.
	Token string
	// TokenFile is read for a bearer token when Token is empty.
	TokenFile string
	// Insecure skips TLS verification when Server is set.
	Insecure bool
	// QPS and Burst bound the client's request rate. Zero keeps client-go defaults.
	QPS   float32
	Burst int
}

// RESTConfig builds a client-go config from opts.
func RESTConfig(opts ConnOptions) (*rest.Config, error) {
	token, err := bearerToken(opts)
	if err != nil {
		return nil, err
	}

	var cfg *rest.Config
	if opts.Server != "" {
		cfg = &rest.Config{
			Host:            opts.Server,
			TLSClientConfig: rest.TLSClientConfig{Insecure: opts.Insecure},
		}
	} else {
		rules := clientcmd.NewDefaultClientConfigLoadingRules()
		rules.ExplicitPath = opts.Kubeconfig
		overrides := &clientcmd.ConfigOverrides{CurrentContext: opts.Context}
		cfg, err = clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, overrides).ClientConfig()
		if err != nil {
			return nil, fmt.Errorf("load kubeconfig: %w", err)
		}
	}

	if token != "" {
		cfg.BearerToken = token
		cfg.BearerTokenFile = ""
		cfg.Username, cfg.Password = "", ""
		cfg.CertFile, cfg.KeyFile = "", ""
		cfg.CertData, cfg.KeyData = nil, nil
		cfg.ExecProvider = nil
		cfg.AuthProvider = nil
	}
	if opts.QPS > 0 {
		cfg.QPS = opts.QPS
	}
	if opts.Burst > 0 {
		cfg.Burst = opts.Burst
	}
	cfg.UserAgent = userAgent
	return cfg, nil
}

func bearerToken(opts ConnOptions) (string, error) {
	if opts.Token != "" {
		return opts.Token, nil
	}
	if opts.TokenFile == "" {
		return "", nil
	}
	b, err := os.ReadFile(opts.TokenFile)
	if err != nil {
		return "", fmt.Errorf("read token file: %w", err)
	}
	token := strings.TrimSpace(string(b))
	if token == "" {
		return "", fmt.Errorf("token file %s is empty", opts.TokenFile)
	}
	return token, nil
}
