package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentic-research/kubefs/internal/adapter"
	"github.com/agentic-research/kubefs/internal/config"
	kubefs "github.com/agentic-research/kubefs/internal/fs"
	"github.com/agentic-research/kubefs/internal/metrics"
	"github.com/agentic-research/kubefs/internal/nfsmount"
	"github.com/agentic-research/kubefs/internal/render"
)

// mountFlags maps config keys to flags local to the mount command.
var mountFlags = map[string]string{
	"backend":      "backend",
	"allow_other":  "allow-other",
	"metrics.addr": "metrics-addr",
	"nfs.addr":     "nfs-addr",
}

func init() {
	f := mountCmd.Flags()
	f.String("backend", "fuse", "Mount backend: fuse or nfs")
	f.Bool("allow-other", false, "Let other users access the mount (FUSE only)")
	f.String("metrics-addr", "", "Serve Prometheus metrics on this address, e.g. 127.0.0.1:9090")
	f.String("nfs-addr", "", "Listen address for the NFS backend (default 127.0.0.1:0)")
}

var mountCmd = &cobra.Command{
	Use:   "mount <mountpoint>",
	Short: "Snapshot the cluster and mount it read-only",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mountpoint := cfg.Mountpoint
		if len(args) == 1 {
			mountpoint = args[0]
		}
		if mountpoint == "" {
			return errors.New("mountpoint required (argument or mountpoint in config)")
		}
		if fi, err := os.Stat(mountpoint); err != nil || !fi.IsDir() {
			return fmt.Errorf("mountpoint %s is not a directory", mountpoint)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		m := newMetrics(cfg)
		stopMetrics := serveMetrics(cfg.Metrics.Addr, m, logger)
		defer stopMetrics()

		a, err := prepare(ctx, cfg, m, logger)
		if err != nil {
			return err
		}
		defer func() { _ = a.Close() }()

		switch cfg.Backend {
		case "nfs":
			return mountNFS(ctx, a, mountpoint, cfg.NFS.Addr, logger)
		default:
			return mountFUSE(ctx, a, mountpoint, cfg.AllowOther, logger)
		}
	},
}

// prepare takes the snapshot and wires the renderer and adapter over it.
// Startup fails if the namespace list cannot be fetched.
func prepare(ctx context.Context, c *config.Config, m *metrics.Metrics, l *slog.Logger) (*adapter.Adapter, error) {
	src, err := newSource(c, l)
	if err != nil {
		return nil, err
	}
	snap, err := takeSnapshot(ctx, c, src, l, m)
	if err != nil {
		return nil, err
	}
	if err := snap.Err(); err != nil {
		l.Warn("snapshot is partial", "warnings", len(snap.Warnings))
	}

	r, err := render.New(snap.Tree, render.Options{
		CacheSize:      c.Render.CacheSize,
		ManifestFields: c.Render.FieldPaths(),
		Metrics:        m,
		Logger:         l,
	})
	if err != nil {
		return nil, err
	}
	return adapter.New(snap.Tree, r, adapter.Options{
		Uid:       uint32(os.Getuid()),
		Gid:       uint32(os.Getgid()),
		StartTime: snap.TakenAt,
		Metrics:   m,
		Logger:    l,
	}), nil
}

func mountFUSE(ctx context.Context, a *adapter.Adapter, mountpoint string, allowOther bool, l *slog.Logger) error {
	host := kubefs.NewHost(kubefs.NewKubeFS(a, l))

	go func() {
		<-ctx.Done()
		l.Info("unmounting", "mountpoint", mountpoint)
		host.Unmount()
	}()

	l.Info("mounting", "mountpoint", mountpoint, "backend", "fuse")
	opts := kubefs.MountOptions(uint32(os.Getuid()), uint32(os.Getgid()), allowOther)
	if !host.Mount(mountpoint, opts) {
		return fmt.Errorf("mount %s failed", mountpoint)
	}
	return nil
}

func mountNFS(ctx context.Context, a *adapter.Adapter, mountpoint, addr string, l *slog.Logger) error {
	srv, err := nfsmount.NewServer(nfsmount.NewGraphFS(a), addr, l)
	if err != nil {
		return err
	}
	defer func() { _ = srv.Close() }()

	l.Info("mounting", "mountpoint", mountpoint, "backend", "nfs", "port", srv.Port())
	if err := nfsmount.Mount(srv.Port(), mountpoint); err != nil {
		return err
	}

	<-ctx.Done()
	l.Info("unmounting", "mountpoint", mountpoint)
	return nfsmount.Unmount(mountpoint)
}

// serveMetrics starts the /metrics endpoint when addr is set. The returned
// func shuts it down.
func serveMetrics(addr string, m *metrics.Metrics, l *slog.Logger) func() {
	if addr == "" || m == nil {
		return func() {}
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.Error("metrics server stopped", "err", err)
		}
	}()
	l.Info("serving metrics", "addr", addr)
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
