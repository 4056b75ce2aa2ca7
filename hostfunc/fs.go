package hostfunc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/caffeineduck/moonguard/capability"
)

// MountMode defines the permission level for a mount point.
type MountMode int

const (
	// MountReadOnly allows only read operations.
	MountReadOnly MountMode = iota
	// MountReadWrite allows read and write operations to existing files/dirs.
	MountReadWrite
	// MountReadWriteCreate allows read, write, and create operations.
	MountReadWriteCreate
)

const (
	DefaultMaxFileSize   = 4 << 20 // 4MB
	DefaultMaxPathLength = 1024
)

// Mount represents a virtual path mapped to a host path with specific permissions.
type Mount struct {
	VirtualPath string    // Path as seen by scripts (e.g., "/saves")
	HostPath    string    // Actual path on host filesystem
	Mode        MountMode // Permission level
}

// FSOption configures an FS.
type FSOption func(*FS)

// WithMaxFileSize bounds reads and writes.
func WithMaxFileSize(n int64) FSOption {
	return func(f *FS) {
		f.maxFileSize = n
	}
}

// WithMaxPathLength bounds virtual path length.
func WithMaxPathLength(n int) FSOption {
	return func(f *FS) {
		f.maxPathLength = n
	}
}

// FS gives scripts access to the game directory through explicit mount
// points. Reads need fs.read.gamedir, modifications need fs.write.gamedir.
// Mounts are fixed at construction.
type FS struct {
	mounts        []Mount
	maxFileSize   int64
	maxPathLength int
}

// NewFS creates a filesystem handler with the given mount points.
func NewFS(mounts []Mount, opts ...FSOption) *FS {
	f := &FS{maxFileSize: DefaultMaxFileSize, maxPathLength: DefaultMaxPathLength}
	for _, opt := range opts {
		opt(f)
	}
	for _, m := range mounts {
		hp, err := filepath.Abs(m.HostPath)
		if err != nil {
			continue
		}
		f.mounts = append(f.mounts, Mount{
			VirtualPath: "/" + strings.Trim(m.VirtualPath, "/"),
			HostPath:    hp,
			Mode:        m.Mode,
		})
	}
	return f
}

// Register adds the suite to t.
func (f *FS) Register(t *Table) error {
	return registerAll(t, []entry{
		{capability.FSReadGameDir, "fs.read", Variadic, f.Read},
		{capability.FSReadGameDir, "fs.list", Variadic, f.List},
		{capability.FSReadGameDir, "fs.exists", Variadic, f.Exists},
		{capability.FSReadGameDir, "fs.stat", Variadic, f.Stat},
		{capability.FSWriteGameDir, "fs.write", Variadic, f.Write},
		{capability.FSWriteGameDir, "fs.mkdir", Variadic, f.Mkdir},
		{capability.FSWriteGameDir, "fs.remove", Variadic, f.Remove},
	})
}

// resolve maps a virtual path to a host path and its mount, checking
// permissions and mount escapes.
func (f *FS) resolve(args []any, needWrite bool) (string, *Mount, error) {
	virtualPath, err := argString(args, 0, "path")
	if err != nil {
		return "", nil, err
	}
	if len(virtualPath) > f.maxPathLength {
		return "", nil, errors.New("path exceeds max length")
	}

	m := f.findMount(virtualPath)
	if m == nil {
		return "", nil, errors.New("permission denied: path not in any mount")
	}
	if needWrite && m.Mode == MountReadOnly {
		return "", nil, errors.New("permission denied: read-only mount")
	}

	vp := filepath.Clean("/" + strings.TrimPrefix(virtualPath, "/"))
	relPath := strings.TrimPrefix(vp, m.VirtualPath)
	hostPath, err := filepath.Abs(filepath.Join(m.HostPath, relPath))
	if err != nil {
		return "", nil, errors.New("invalid path")
	}
	if hostPath != m.HostPath && !strings.HasPrefix(hostPath, m.HostPath+string(filepath.Separator)) {
		return "", nil, errors.New("permission denied: path escape attempt")
	}
	return hostPath, m, nil
}

// findMount finds the mount for a given virtual path.
func (f *FS) findMount(virtualPath string) *Mount {
	vp := filepath.Clean("/" + strings.TrimPrefix(virtualPath, "/"))
	for i := range f.mounts {
		m := &f.mounts[i]
		if m.VirtualPath == "/" || vp == m.VirtualPath || strings.HasPrefix(vp, m.VirtualPath+"/") {
			return m
		}
	}
	return nil
}

// Read returns the contents of a file: fs.read(path).
func (f *FS) Read(ctx context.Context, args []any) (any, error) {
	hostPath, _, err := f.resolve(args, false)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(hostPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("file not found: %v", args[0])
		}
		return nil, errors.New("read error: " + err.Error())
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, f.maxFileSize+1))
	if err != nil {
		return nil, errors.New("read error: " + err.Error())
	}
	if int64(len(data)) > f.maxFileSize {
		return nil, fmt.Errorf("file exceeds max size (%d bytes)", f.maxFileSize)
	}
	return string(data), nil
}

// Write writes content to a file: fs.write(path, content).
func (f *FS) Write(ctx context.Context, args []any) (any, error) {
	hostPath, m, err := f.resolve(args, true)
	if err != nil {
		return nil, err
	}
	content, err := argString(args, 1, "content")
	if err != nil {
		return nil, err
	}
	if int64(len(content)) > f.maxFileSize {
		return nil, fmt.Errorf("content exceeds max size (%d bytes)", f.maxFileSize)
	}

	if _, statErr := os.Stat(hostPath); os.IsNotExist(statErr) && m.Mode != MountReadWriteCreate {
		return nil, errors.New("permission denied: cannot create new files")
	}

	if err := os.WriteFile(hostPath, []byte(content), 0644); err != nil {
		return nil, errors.New("write error: " + err.Error())
	}
	return true, nil
}

// List returns the contents of a directory: fs.list(path).
func (f *FS) List(ctx context.Context, args []any) (any, error) {
	hostPath, _, err := f.resolve(args, false)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(hostPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("directory not found: %v", args[0])
		}
		return nil, errors.New("list error: " + err.Error())
	}

	result := make([]any, 0, len(entries))
	for _, entry := range entries {
		item := map[string]any{
			"name":   entry.Name(),
			"is_dir": entry.IsDir(),
		}
		if info, err := entry.Info(); err == nil {
			item["size"] = float64(info.Size())
		}
		result = append(result, item)
	}
	return result, nil
}

// Exists checks if a path exists: fs.exists(path). Paths outside every
// mount do not exist from the script's point of view.
func (f *FS) Exists(ctx context.Context, args []any) (any, error) {
	hostPath, _, err := f.resolve(args, false)
	if err != nil {
		return false, nil
	}
	_, err = os.Stat(hostPath)
	return err == nil, nil
}

// Mkdir creates a directory: fs.mkdir(path).
func (f *FS) Mkdir(ctx context.Context, args []any) (any, error) {
	hostPath, m, err := f.resolve(args, true)
	if err != nil {
		return nil, err
	}
	if m.Mode != MountReadWriteCreate {
		return nil, errors.New("permission denied: cannot create directories")
	}
	if err := os.MkdirAll(hostPath, 0755); err != nil {
		return nil, errors.New("mkdir error: " + err.Error())
	}
	return true, nil
}

// Remove deletes a file or empty directory: fs.remove(path).
func (f *FS) Remove(ctx context.Context, args []any) (any, error) {
	hostPath, m, err := f.resolve(args, true)
	if err != nil {
		return nil, err
	}
	if hostPath == m.HostPath {
		return nil, errors.New("permission denied: cannot remove mount root")
	}

	if err := os.Remove(hostPath); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("file not found: %v", args[0])
		}
		if errors.Is(err, syscall.ENOTEMPTY) || errors.Is(err, syscall.EEXIST) {
			return nil, fmt.Errorf("directory not empty: %v", args[0])
		}
		return nil, errors.New("remove error: " + err.Error())
	}
	return true, nil
}

// Stat returns information about a file or directory: fs.stat(path).
func (f *FS) Stat(ctx context.Context, args []any) (any, error) {
	hostPath, _, err := f.resolve(args, false)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(hostPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("file not found: %v", args[0])
		}
		return nil, errors.New("stat error: " + err.Error())
	}

	return map[string]any{
		"name":     info.Name(),
		"size":     float64(info.Size()),
		"is_dir":   info.IsDir(),
		"mod_time": float64(info.ModTime().Unix()),
	}, nil
}
