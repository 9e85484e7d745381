package workspace

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// Zone is one of the fixed subdirectories stages read from and write to.
type Zone string

const (
	ZoneRaw       Zone = "data/raw"
	ZoneProcessed Zone = "data/processed"
	ZoneExports   Zone = "data/exports"

	// InputName is the canonical file name the first stage reads.
	InputName = "mag_data.csv"

	dirPrefix = "fluxspace-"
)

var Zones = []Zone{ZoneRaw, ZoneProcessed, ZoneExports}

var ErrOutsideRoot = errors.New("workspace: path is not a workspace under the configured root")

// Manager allocates and destroys per-job workspaces under a single root directory.
type Manager struct {
	root string
}

// NewManager uses os.TempDir() when root is empty. The root is created if missing.
func NewManager(root string) (*Manager, error) {
	if strings.TrimSpace(root) == "" {
		root = os.TempDir()
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("workspace root %q: %w", root, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root %q: %w", abs, err)
	}
	return &Manager{root: abs}, nil
}

func (m *Manager) Root() string { return m.root }

// Workspace is exclusive to one job for its whole lifetime.
type Workspace struct {
	JobID uuid.UUID
	Dir   string
}

// Create allocates a fresh directory named fluxspace-<jobID>-<random> with all zones.
func (m *Manager) Create(jobID uuid.UUID) (*Workspace, error) {
	dir, err := os.MkdirTemp(m.root, dirPrefix+jobID.String()+"-")
	if err != nil {
		return nil, fmt.Errorf("create workspace for job %s: %w", jobID, err)
	}
	for _, z := range Zones {
		if err := os.MkdirAll(filepath.Join(dir, string(z)), 0o755); err != nil {
			_ = os.RemoveAll(dir)
			return nil, fmt.Errorf("create zone %s: %w", z, err)
		}
	}
	return &Workspace{JobID: jobID, Dir: dir}, nil
}

// Destroy removes a workspace directory. Removing one that is already gone is not an error.
func (m *Manager) Destroy(dir string) error {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return err
	}
	if filepath.Dir(abs) != m.root || !strings.HasPrefix(filepath.Base(abs), dirPrefix) {
		return fmt.Errorf("%w: %s", ErrOutsideRoot, dir)
	}
	if err := os.RemoveAll(abs); err != nil {
		return fmt.Errorf("remove workspace %s: %w", abs, err)
	}
	return nil
}

// StageInput copies the submitted dataset into the raw zone under InputName.
func (w *Workspace) StageInput(r io.Reader) (string, int64, error) {
	dst := w.Path(ZoneRaw, InputName)
	f, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return "", 0, fmt.Errorf("open staged input: %w", err)
	}
	n, copyErr := io.Copy(f, r)
	closeErr := f.Close()
	if copyErr != nil {
		return "", 0, fmt.Errorf("write staged input: %w", copyErr)
	}
	if closeErr != nil {
		return "", 0, fmt.Errorf("close staged input: %w", closeErr)
	}
	return dst, n, nil
}

func (w *Workspace) Path(zone Zone, name string) string {
	return filepath.Join(w.Dir, string(zone), name)
}

// Rel returns p relative to the workspace root, falling back to p.
func (w *Workspace) Rel(p string) string {
	if rel, err := filepath.Rel(w.Dir, p); err == nil {
		return rel
	}
	return p
}

// List returns the regular files in zone whose names end with suffix, sorted by name.
func (w *Workspace) List(zone Zone, suffix string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(w.Dir, string(zone)))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	out := []string{}
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		if suffix == "" || strings.HasSuffix(e.Name(), suffix) {
			out = append(out, filepath.Join(w.Dir, string(zone), e.Name()))
		}
	}
	sort.Strings(out)
	return out, nil
}

// Exists reports whether p is an existing regular file.
func Exists(p string) bool {
	info, err := os.Stat(p)
	return err == nil && info.Mode().IsRegular()
}
