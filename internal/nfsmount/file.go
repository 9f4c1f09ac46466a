package nfsmount

import (
	"io"

	"github.com/agentic-research/kubefs/internal/adapter"
	"github.com/agentic-research/kubefs/internal/graph"
)

// graphFile implements billy.File backed by adapter.Read.
// Read-only: Write and Truncate return errors.
type graphFile struct {
	name    string
	ino     graph.Inode
	size    int64
	adapter *adapter.Adapter
	pos     int64
}

func (f *graphFile) Name() string { return f.name }

func (f *graphFile) Read(p []byte) (int, error) {
	n, err := f.ReadAt(p, f.pos)
	f.pos += int64(n)
	if err == nil && f.pos >= f.size {
		err = io.EOF
	}
	return n, err
}

func (f *graphFile) ReadAt(p []byte, off int64) (int, error) {
	if off >= f.size {
		return 0, io.EOF
	}
	data, err := f.adapter.Read(f.ino, off, len(p))
	if err != nil {
		return 0, err
	}
	n := copy(p, data)
	if n == 0 {
		return 0, io.EOF
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (f *graphFile) Seek(offset int64, whence int) (int64, error) {
	var newPos int64
	switch whence {
	case io.SeekStart:
		newPos = offset
	case io.SeekCurrent:
		newPos = f.pos + offset
	case io.SeekEnd:
		newPos = f.size + offset
	}
	if newPos < 0 {
		newPos = 0
	}
	f.pos = newPos
	return f.pos, nil
}

func (f *graphFile) Write(p []byte) (int, error) {
	return f.adapter.Write(f.ino, f.pos, p)
}

func (f *graphFile) Truncate(size int64) error {
	return f.adapter.Truncate(f.ino, size)
}

func (f *graphFile) Lock() error   { return nil }
func (f *graphFile) Unlock() error { return nil }
func (f *graphFile) Close() error  { return nil }
