// Package workspace allocates per-request scratch directories.
//
// Each Workspace is a uniquely named directory under the scratch root that
// belongs to exactly one in-flight execution. Release removes it and may be
// called any number of times.
package workspace

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/isdmx/runbox/apperror"
	"github.com/isdmx/runbox/config"
)

// Permissions for workspace entries. Files are world readable so a
// container user other than the owner can read the sources.
const (
	DirPermission  = 0o755
	FilePermission = 0o644
)

// Workspace is an exclusively owned scratch directory
type Workspace struct {
	ID        uuid.UUID
	RootPath  string
	CreatedAt time.Time

	released atomic.Bool
}

// Path joins name onto the workspace root
func (w *Workspace) Path(name string) string {
	return filepath.Join(w.RootPath, name)
}

// Manager creates, populates and removes workspaces
type Manager struct {
	logger *zap.Logger
	root   string
	fs     FileSystem
}

// ManagerOption defines a functional option for Manager
type ManagerOption func(*Manager)

// WithFileSystem sets the FileSystem for Manager
func WithFileSystem(fs FileSystem) ManagerOption {
	return func(m *Manager) {
		m.fs = fs
	}
}

// NewManager creates a Manager rooted at root
func NewManager(logger *zap.Logger, root string, opts ...ManagerOption) *Manager {
	m := &Manager{
		logger: logger,
		root:   root,
		fs:     RealFileSystem{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// NewManagerFromConfig creates a Manager rooted at sandbox.scratch_dir and makes sure the root exists
func NewManagerFromConfig(cfg *config.Config, logger *zap.Logger) (*Manager, error) {
	root, err := filepath.Abs(cfg.Sandbox.ScratchDir)
	if err != nil {
		return nil, fmt.Errorf("resolve scratch dir: %w", err)
	}
	m := NewManager(logger, root)
	if err := m.fs.MkdirAll(root, DirPermission); err != nil {
		return nil, fmt.Errorf("create scratch dir %s: %w", root, err)
	}
	logger.Info("workspace root ready", zap.String("path", root))
	return m, nil
}

// Create allocates a new uniquely named workspace directory
func (m *Manager) Create() (*Workspace, error) {
	id := uuid.New()
	ws := &Workspace{
		ID:        id,
		RootPath:  filepath.Join(m.root, "run-"+id.String()),
		CreatedAt: time.Now(),
	}
	if err := m.fs.MkdirAll(ws.RootPath, DirPermission); err != nil {
		return nil, apperror.Infrastructure("failed to create workspace", err)
	}
	m.logger.Debug("workspace created", zap.String("workspace", ws.RootPath))
	return ws, nil
}

// Write stores content as filename directly inside the workspace and returns its path
func (m *Manager) Write(ws *Workspace, filename, content string) (string, error) {
	if err := validateFileName(filename); err != nil {
		return "", err
	}
	if ws.released.Load() {
		return "", fmt.Errorf("workspace %s already released", ws.ID)
	}
	path := ws.Path(filename)
	if err := m.fs.WriteFile(path, []byte(content), FilePermission); err != nil {
		return "", apperror.Infrastructure("failed to write source file", err)
	}
	return path, nil
}

// Release removes the workspace tree. Calling it again is a no-op.
func (m *Manager) Release(ws *Workspace) error {
	if ws == nil || !ws.released.CompareAndSwap(false, true) {
		return nil
	}
	if err := m.fs.RemoveAll(ws.RootPath); err != nil {
		// allow a retry after a failed removal
		ws.released.Store(false)
		return apperror.Cleanup("workspace "+ws.RootPath, err)
	}
	m.logger.Debug("workspace removed", zap.String("workspace", ws.RootPath))
	return nil
}

// Destroy releases the workspace and logs any failure instead of returning it
func (m *Manager) Destroy(ws *Workspace) {
	if err := m.Release(ws); err != nil {
		m.logger.Error("failed to remove workspace", zap.String("path", ws.RootPath), zap.Error(err))
	}
}

func validateFileName(name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return fmt.Errorf("invalid file name %q", name)
	case strings.ContainsAny(name, `/\`), strings.Contains(name, ".."):
		return fmt.Errorf("file name %q must not contain path elements", name)
	case filepath.Base(name) != name:
		return fmt.Errorf("file name %q must not contain path elements", name)
	}
	return nil
}
