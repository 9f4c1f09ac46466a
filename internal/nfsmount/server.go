package nfsmount

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os/exec"
	"runtime"

	billy "github.com/go-git/go-billy/v5"
	nfs "github.com/willscott/go-nfs"
	nfshelper "github.com/willscott/go-nfs/helpers"
)

// handleCacheSize bounds go-nfs's file handle cache.
const handleCacheSize = 4096

// Server manages the NFS server lifecycle.
type Server struct {
	listener net.Listener
	port     int
	done     chan error
}

// NewServer starts an NFS server on addr backed by the given filesystem.
// An empty addr, or one with port 0, picks an ephemeral localhost port.
func NewServer(fs billy.Filesystem, addr string, log *slog.Logger) (*Server, error) {
	if addr == "" {
		addr = "127.0.0.1:0"
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("nfs listen: %w", err)
	}
	port := listener.Addr().(*net.TCPAddr).Port

	handler := nfshelper.NewNullAuthHandler(fs)
	cacheHelper := nfshelper.NewCachingHandler(handler, handleCacheSize)

	s := &Server{listener: listener, port: port, done: make(chan error, 1)}
	go func() {
		err := nfs.Serve(listener, cacheHelper)
		if err != nil && !errors.Is(err, net.ErrClosed) {
			log.Error("nfs server stopped", "err", err)
		}
		s.done <- err
	}()
	log.Info("nfs server listening", "addr", listener.Addr().String())

	return s, nil
}

// Port returns the TCP port the NFS server is listening on.
func (s *Server) Port() int {
	return s.port
}

// Close stops the NFS server by closing the listener.
func (s *Server) Close() error {
	err := s.listener.Close()
	<-s.done
	return err
}

// mountArgs builds the read-only mount command for the host OS.
func mountArgs(goos string, port int, mountpoint string) ([]string, error) {
	switch goos {
	case "darwin":
		opts := fmt.Sprintf("port=%d,mountport=%d,vers=3,tcp,locallocks,noresvport,rdonly", port, port)
		return []string{"mount", "-t", "nfs", "-o", opts, "localhost:/", mountpoint}, nil
	case "linux":
		opts := fmt.Sprintf("port=%d,mountport=%d,vers=3,tcp,local_lock=all,nolock,ro", port, port)
		return []string{"mount", "-t", "nfs", "-o", opts, "localhost:/", mountpoint}, nil
	default:
		return nil, fmt.Errorf("unsupported OS: %s", goos)
	}
}

// Mount calls the system mount command to mount the NFS server at
// mountpoint, read-only. Requires sudo.
func Mount(port int, mountpoint string) error {
	args, err := mountArgs(runtime.GOOS, port, mountpoint)
	if err != nil {
		return err
	}
	cmd := exec.Command("sudo", args...)
	cmd.Stdin = nil // sudo may need terminal for password
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("mount failed: %w\n%s", err, string(output))
	}
	return nil
}

// Unmount calls the system unmount command on the mountpoint.
func Unmount(mountpoint string) error {
	var cmd *exec.Cmd

	switch runtime.GOOS {
	case "darwin":
		// Try diskutil first (no sudo needed for user NFS mounts)
		cmd = exec.Command("diskutil", "unmount", mountpoint)
		if err := cmd.Run(); err == nil {
			return nil
		}
		cmd = exec.Command("sudo", "umount", mountpoint)
	default:
		cmd = exec.Command("sudo", "umount", mountpoint)
	}

	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("unmount failed: %w\n%s", err, string(output))
	}
	return nil
}
