package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/agentic-research/kubefs/internal/config"
	"github.com/agentic-research/kubefs/internal/kube"
	"github.com/agentic-research/kubefs/internal/logging"
	"github.com/agentic-research/kubefs/internal/metrics"
	"github.com/agentic-research/kubefs/internal/snapshot"
)

var (
	configPath string

	// Populated by the root command's PersistentPreRunE.
	cfg       *config.Config
	logger    *slog.Logger
	logCloser io.Closer
)

// globalFlags maps config keys to persistent flags.
var globalFlags = map[string]string{
	"kube.kubeconfig":      "kubeconfig",
	"kube.context":         "context",
	"kube.server":          "server",
	"kube.token":           "token",
	"kube.token_file":      "token-file",
	"kube.insecure":        "insecure-skip-tls-verify",
	"layout.kinds":         "kinds",
	"fetch.concurrency":    "concurrency",
	"fetch.max_elapsed":    "fetch-timeout",
	"logging.level":        "log-level",
	"logging.format":       "log-format",
	"logging.output":       "log-output",
	"render.cache_size":    "cache-size",
	"layout.manifest_name": "manifest-name",
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&configPath, "config", "c", "", "Path to a YAML or JSON config file")
	pf.String("kubeconfig", "", "Path to kubeconfig (default: $KUBECONFIG or ~/.kube/config)")
	pf.String("context", "", "Kubeconfig context to use")
	pf.String("server", "", "API server URL; bypasses kubeconfig")
	pf.String("token", "", "Bearer token (also $KUBE_TOKEN)")
	pf.String("token-file", "", "File holding a bearer token")
	pf.Bool("insecure-skip-tls-verify", false, "Skip TLS verification when --server is set")
	pf.StringSlice("kinds", nil, "Allow-listed kinds, e.g. configmaps,deployments.apps")
	pf.Int("concurrency", snapshot.DefaultConcurrency, "Concurrent list calls while building the snapshot")
	pf.Duration("fetch-timeout", 0, "Give up retrying a list call after this long (negative disables retries)")
	pf.String("log-level", "", "DEBUG, INFO, WARN or ERROR")
	pf.String("log-format", "", "text or json")
	pf.String("log-output", "", "stderr, stdout or a file path")
	pf.Int("cache-size", 0, "Rendered files kept in memory")
	pf.String("manifest-name", "", "Name of the per-namespace manifest file")

	rootCmd.AddCommand(mountCmd, inspectCmd)
}

var rootCmd = &cobra.Command{
	Use:   "kubefs",
	Short: "kubefs: browse a Kubernetes cluster as a read-only filesystem",
	Long: `kubefs takes one snapshot of a cluster's namespaced resources and serves it
as files: /<namespace>/<kind>/<name>.yaml plus /<namespace>/manifest.yaml.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		v := config.New()
		if err := config.BindFlags(v, cmd.Flags(), globalFlags); err != nil {
			return err
		}
		if err := config.BindFlags(v, cmd.Flags(), localFlags(cmd)); err != nil {
			return err
		}
		c, err := config.Load(v, configPath)
		if err != nil {
			return err
		}
		l, closer, err := logging.New(c.Logging)
		if err != nil {
			return err
		}
		logging.RouteKlog(l)
		cfg, logger, logCloser = c, l, closer
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if logCloser != nil {
			return logCloser.Close()
		}
		return nil
	},
}

// localFlags returns the key mapping for flags a subcommand defines itself.
func localFlags(cmd *cobra.Command) map[string]string {
	if cmd == mountCmd {
		return mountFlags
	}
	return nil
}

// newSource connects to the cluster described by c.
func newSource(c *config.Config, l *slog.Logger) (kube.Source, error) {
	rc, err := kube.RESTConfig(kube.ConnOptions{
		Kubeconfig: c.Kube.Kubeconfig,
		Context:    c.Kube.Context,
		Server:     c.Kube.Server,
		Token:      c.Kube.Token,
		TokenFile:  c.Kube.TokenFile,
		Insecure:   c.Kube.Insecure,
		QPS:        c.Kube.QPS,
		Burst:      c.Kube.Burst,
	})
	if err != nil {
		return nil, err
	}
	src, err := kube.NewClientSource(rc, kube.ClientOptions{
		PageSize:   c.Fetch.PageSize,
		MaxElapsed: c.Fetch.MaxElapsed,
		Logger:     l,
	})
	if err != nil {
		return nil, err
	}
	return src, nil
}

// takeSnapshot builds the one snapshot the process serves.
func takeSnapshot(ctx context.Context, c *config.Config, src kube.Source, l *slog.Logger, m *metrics.Metrics) (*snapshot.Snapshot, error) {
	b := &snapshot.Builder{
		Source:      src,
		Layout:      c.Layout,
		Concurrency: c.Fetch.Concurrency,
		Logger:      l,
		Metrics:     m,
	}
	return b.Build(ctx)
}

func newMetrics(c *config.Config) *metrics.Metrics {
	if c.Metrics.Addr == "" {
		return nil
	}
	return metrics.New(prometheus.NewRegistry())
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
