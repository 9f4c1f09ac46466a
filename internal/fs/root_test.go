package fs

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/winfsp/cgofuse/fuse"

	"github.com/agentic-research/kubefs/api"
	"github.com/agentic-research/kubefs/internal/adapter"
	"github.com/agentic-research/kubefs/internal/graph"
	"github.com/agentic-research/kubefs/internal/render"
)

var mountTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func configMap(name, greeting string) api.ResourceObject {
	return api.ResourceObject{
		Name: name,
		Document: map[string]any{
			"apiVersion": "v1",
			"kind":       "ConfigMap",
			"metadata":   map[string]any{"name": name},
			"data":       map[string]any{"greeting": greeting},
		},
	}
}

// newTestFS mounts nothing; it wires KubeFS over a small snapshot with a
// populated default namespace and an empty kube-system.
func newTestFS(t *testing.T) *KubeFS {
	t.Helper()
	b := graph.NewBuilder(api.DefaultLayout())
	for _, ns := range []string{"default", "kube-system"} {
		if err := b.AddNamespace(ns); err != nil {
			t.Fatal(err)
		}
	}
	err := b.AddObjects("default", "configmaps", []api.ResourceObject{
		configMap("app-config", "hello"),
		configMap("kube-root-ca.crt", "world"),
	})
	if err != nil {
		t.Fatal(err)
	}
	tree := b.Build()
	r, err := render.New(tree, render.Options{})
	if err != nil {
		t.Fatal(err)
	}
	a := adapter.New(tree, r, adapter.Options{Uid: 501, Gid: 20, StartTime: mountTime})
	return NewKubeFS(a, nil)
}

func TestKubeFS_Open(t *testing.T) {
	kfs := newTestFS(t)

	tests := []struct {
		name    string
		path    string
		flags   int
		wantErr int
	}{
		{"open object file", "/default/configmaps/app-config.yaml", os.O_RDONLY, 0},
		{"open manifest", "/kube-system/manifest.yaml", os.O_RDONLY, 0},
		{"open non-existent path", "/does-not-exist", os.O_RDONLY, -fuse.ENOENT},
		{"open directory returns EISDIR", "/default", os.O_RDONLY, -fuse.EISDIR},
		{"open for write returns EROFS", "/default/manifest.yaml", os.O_WRONLY, -fuse.EROFS},
		{"open with truncate returns EROFS", "/default/manifest.yaml", os.O_RDONLY | os.O_TRUNC, -fuse.EROFS},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errCode, fh := kfs.Open(tt.path, tt.flags)
			if errCode != tt.wantErr {
				t.Errorf("Open() errCode = %v, want %v", errCode, tt.wantErr)
			}
			if tt.wantErr == 0 && (fh == 0 || fh == noHandle) {
				t.Errorf("Open() fh = %v, want an inode", fh)
			}
		})
	}
}

func TestKubeFS_Getattr(t *testing.T) {
	kfs := newTestFS(t)

	tests := []struct {
		name      string
		path      string
		wantErr   int
		checkStat func(*testing.T, *fuse.Stat_t)
	}{
		{
			name: "stat root directory",
			path: "/",
			checkStat: func(t *testing.T, stat *fuse.Stat_t) {
				if stat.Mode != fuse.S_IFDIR|0o555 {
					t.Errorf("Root mode = %o, want dir 0555", stat.Mode)
				}
				if stat.Ino != 1 {
					t.Errorf("Root ino = %v, want 1", stat.Ino)
				}
				if stat.Nlink != 4 {
					t.Errorf("Root nlink = %v, want 4", stat.Nlink)
				}
			},
		},
		{
			name: "stat empty kind directory",
			path: "/kube-system/configmaps",
			checkStat: func(t *testing.T, stat *fuse.Stat_t) {
				if stat.Mode&fuse.S_IFMT != fuse.S_IFDIR {
					t.Errorf("mode = %o, want directory", stat.Mode)
				}
				if stat.Nlink != 2 {
					t.Errorf("nlink = %v, want 2", stat.Nlink)
				}
			},
		},
		{
			name: "stat object file",
			path: "/default/configmaps/app-config.yaml",
			checkStat: func(t *testing.T, stat *fuse.Stat_t) {
				if stat.Mode != fuse.S_IFREG|0o444 {
					t.Errorf("mode = %o, want file 0444", stat.Mode)
				}
				if stat.Size <= 0 {
					t.Errorf("size = %v, want > 0", stat.Size)
				}
				if stat.Blocks != (stat.Size+511)/512 {
					t.Errorf("blocks = %v for size %v", stat.Blocks, stat.Size)
				}
				if stat.Uid != 501 || stat.Gid != 20 {
					t.Errorf("owner = %v:%v, want 501:20", stat.Uid, stat.Gid)
				}
				if stat.Mtim != fuse.NewTimespec(mountTime) {
					t.Errorf("mtime = %v, want mount time", stat.Mtim)
				}
			},
		},
		{
			name:    "stat missing path",
			path:    "/default/secrets",
			wantErr: -fuse.ENOENT,
		},
		{
			name:    "stat below a file",
			path:    "/default/manifest.yaml/x",
			wantErr: -fuse.ENOTDIR,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stat fuse.Stat_t
			errCode := kfs.Getattr(tt.path, &stat, noHandle)
			if errCode != tt.wantErr {
				t.Errorf("Getattr() errCode = %v, want %v", errCode, tt.wantErr)
			}
			if tt.checkStat != nil && errCode == 0 {
				tt.checkStat(t, &stat)
			}
		})
	}
}

func readdirAll(t *testing.T, kfs *KubeFS, path string, ofst int64, fh uint64) []string {
	t.Helper()
	var entries []string
	fill := func(name string, stat *fuse.Stat_t, ofst int64) bool {
		entries = append(entries, name)
		return true
	}
	if errCode := kfs.Readdir(path, fill, ofst, fh); errCode != 0 {
		t.Fatalf("Readdir(%s) errCode = %v", path, errCode)
	}
	return entries
}

func TestKubeFS_Readdir(t *testing.T) {
	kfs := newTestFS(t)

	tests := []struct {
		path        string
		wantEntries []string
	}{
		{"/", []string{".", "..", "default", "kube-system"}},
		{"/default", []string{".", "..", "configmaps", "manifest.yaml"}},
		{"/default/configmaps", []string{".", "..", "app-config.yaml", "kube-root-ca.crt.yaml"}},
		{"/kube-system/configmaps", []string{".", ".."}},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			entries := readdirAll(t, kfs, tt.path, 0, noHandle)
			if strings.Join(entries, ",") != strings.Join(tt.wantEntries, ",") {
				t.Errorf("Readdir() = %v, want %v", entries, tt.wantEntries)
			}
		})
	}

	fill := func(string, *fuse.Stat_t, int64) bool { return true }
	if errCode := kfs.Readdir("/default/manifest.yaml", fill, 0, noHandle); errCode != -fuse.ENOTDIR {
		t.Errorf("Readdir(file) = %v, want ENOTDIR", errCode)
	}
}

func TestKubeFS_Readdir_BufferFull(t *testing.T) {
	kfs := newTestFS(t)

	var entries []string
	var offsets []int64
	fill := func(name string, stat *fuse.Stat_t, ofst int64) bool {
		entries = append(entries, name)
		offsets = append(offsets, ofst)
		return len(entries) < 3
	}
	if errCode := kfs.Readdir("/", fill, 0, noHandle); errCode != 0 {
		t.Fatalf("Readdir errCode = %v", errCode)
	}
	if len(entries) != 3 {
		t.Fatalf("got %v, want to stop after 3 entries", entries)
	}
	if offsets[2] != 3 {
		t.Errorf("third entry offset = %v, want 3", offsets[2])
	}

	// Resume from the last accepted cookie.
	rest := readdirAll(t, kfs, "/", offsets[1], noHandle)
	if strings.Join(rest, ",") != "default,kube-system" {
		t.Errorf("resumed listing = %v", rest)
	}
}

func TestKubeFS_Opendir_Readdir_Releasedir(t *testing.T) {
	kfs := newTestFS(t)

	errCode, fh := kfs.Opendir("/default/configmaps")
	if errCode != 0 {
		t.Fatalf("Opendir errCode = %v", errCode)
	}
	entries := readdirAll(t, kfs, "/default/configmaps", 2, fh)
	if strings.Join(entries, ",") != "app-config.yaml,kube-root-ca.crt.yaml" {
		t.Errorf("page after .. = %v", entries)
	}
	if rc := kfs.Releasedir("/default/configmaps", fh); rc != 0 {
		t.Errorf("Releasedir = %v", rc)
	}

	if errCode, _ := kfs.Opendir("/nonexistent"); errCode != -fuse.ENOENT {
		t.Errorf("Opendir(nonexistent) = %v, want ENOENT", errCode)
	}
	if errCode, _ := kfs.Opendir("/default/manifest.yaml"); errCode != -fuse.ENOTDIR {
		t.Errorf("Opendir(file) = %v, want ENOTDIR", errCode)
	}
}

func TestKubeFS_Read(t *testing.T) {
	kfs := newTestFS(t)
	path := "/default/configmaps/app-config.yaml"

	errCode, fh := kfs.Open(path, os.O_RDONLY)
	if errCode != 0 {
		t.Fatalf("Open errCode = %v", errCode)
	}
	var stat fuse.Stat_t
	if rc := kfs.Getattr(path, &stat, fh); rc != 0 {
		t.Fatalf("Getattr errCode = %v", rc)
	}
	full := make([]byte, stat.Size+64)
	n := kfs.Read(path, full, 0, fh)
	if int64(n) != stat.Size {
		t.Fatalf("Read() n = %v, want %v", n, stat.Size)
	}
	content := string(full[:n])
	if !strings.Contains(content, "greeting: hello") {
		t.Errorf("content = %q", content)
	}

	tests := []struct {
		name     string
		ofst     int64
		bufSize  int
		wantData string
	}{
		{"first bytes", 0, 11, content[:11]},
		{"tail clamped", stat.Size - 4, 100, content[stat.Size-4:]},
		{"at EOF", stat.Size, 10, ""},
		{"past EOF", stat.Size + 10, 10, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := make([]byte, tt.bufSize)
			n := kfs.Read(path, buf, tt.ofst, fh)
			if n != len(tt.wantData) {
				t.Errorf("Read() n = %v, want %v", n, len(tt.wantData))
			}
			if got := string(buf[:max(n, 0)]); got != tt.wantData {
				t.Errorf("Read() data = %q, want %q", got, tt.wantData)
			}
		})
	}

	if rc := kfs.Read("/default", make([]byte, 10), 0, noHandle); rc != -fuse.EISDIR {
		t.Errorf("Read(dir) = %v, want EISDIR", rc)
	}
}

func TestKubeFS_MutationsReturnEROFS(t *testing.T) {
	kfs := newTestFS(t)
	file := "/default/configmaps/app-config.yaml"

	ops := map[string]func() int{
		"mkdir":       func() int { return kfs.Mkdir("/new-ns", 0o755) },
		"mknod":       func() int { return kfs.Mknod("/default/configmaps/x.yaml", 0o644, 0) },
		"unlink":      func() int { return kfs.Unlink(file) },
		"rmdir":       func() int { return kfs.Rmdir("/kube-system") },
		"rename":      func() int { return kfs.Rename(file, "/default/configmaps/y.yaml") },
		"link":        func() int { return kfs.Link(file, "/default/configmaps/z.yaml") },
		"symlink":     func() int { return kfs.Symlink(file, "/default/configmaps/s.yaml") },
		"write":       func() int { return kfs.Write(file, []byte("x"), 0, noHandle) },
		"truncate":    func() int { return kfs.Truncate(file, 0, noHandle) },
		"chmod":       func() int { return kfs.Chmod(file, 0o777) },
		"chown":       func() int { return kfs.Chown(file, 0, 0) },
		"utimens":     func() int { return kfs.Utimens(file, nil) },
		"setxattr":    func() int { return kfs.Setxattr(file, "user.x", []byte("1"), 0) },
		"removexattr": func() int { return kfs.Removexattr(file, "user.x") },
		"create": func() int {
			rc, _ := kfs.Create("/default/configmaps/new.yaml", os.O_CREAT|os.O_WRONLY, 0o644)
			return rc
		},
	}
	for name, op := range ops {
		t.Run(name, func(t *testing.T) {
			if rc := op(); rc != -fuse.EROFS {
				t.Errorf("%s = %v, want EROFS", name, rc)
			}
		})
	}

	entries := readdirAll(t, kfs, "/default/configmaps", 0, noHandle)
	if len(entries) != 4 {
		t.Errorf("directory changed after rejected mutations: %v", entries)
	}
}

func TestKubeFS_Statfs(t *testing.T) {
	kfs := newTestFS(t)
	var st fuse.Statfs_t
	if rc := kfs.Statfs("/", &st); rc != 0 {
		t.Fatalf("Statfs = %v", rc)
	}
	if st.Files != 9 {
		t.Errorf("Files = %v, want 9", st.Files)
	}
	if st.Bsize != 512 {
		t.Errorf("Bsize = %v, want 512", st.Bsize)
	}
}

func TestMountOptions(t *testing.T) {
	opts := strings.Join(MountOptions(501, 20, true), " ")
	for _, want := range []string{"-o ro", "use_ino", "uid=501", "gid=20", "allow_other", "attr_timeout=1"} {
		if !strings.Contains(opts, want) {
			t.Errorf("MountOptions() = %q, missing %q", opts, want)
		}
	}
	if strings.Contains(strings.Join(MountOptions(0, 0, false), " "), "allow_other") {
		t.Error("allow_other set without being requested")
	}
}

func TestKubeFS_ErrorCodesArePositive(t *testing.T) {
	for name, code := range map[string]int{
		"ENOENT": fuse.ENOENT, "ENOTDIR": fuse.ENOTDIR, "EISDIR": fuse.EISDIR,
		"EROFS": fuse.EROFS, "ESTALE": fuse.ESTALE, "EIO": fuse.EIO,
	} {
		if code <= 0 {
			t.Errorf("fuse.%s = %v, expected positive value", name, code)
		}
	}
}
