package workspace

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TerminalLookup reports, for each id that exists, whether its job is terminal.
// Ids missing from the map are treated as unknown jobs.
type TerminalLookup func(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]bool, error)

type ReapResult struct {
	Scanned int
	Removed []string
	Errors  []error
}

// Reap removes workspaces older than olderThan whose job is terminal or unknown.
// Directories that do not look like workspaces are left alone.
func (m *Manager) Reap(ctx context.Context, lookup TerminalLookup, olderThan time.Duration) (ReapResult, error) {
	res := ReapResult{}
	entries, err := os.ReadDir(m.root)
	if err != nil {
		return res, err
	}

	cutoff := time.Now().Add(-olderThan)
	candidates := map[uuid.UUID][]string{}
	ids := []uuid.UUID{}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		id, ok := ParseJobID(e.Name())
		if !ok {
			continue
		}
		res.Scanned++
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if _, seen := candidates[id]; !seen {
			ids = append(ids, id)
		}
		candidates[id] = append(candidates[id], filepath.Join(m.root, e.Name()))
	}
	if len(ids) == 0 {
		return res, nil
	}

	terminal, err := lookup(ctx, ids)
	if err != nil {
		return res, err
	}
	for _, id := range ids {
		if isTerminal, known := terminal[id]; known && !isTerminal {
			continue
		}
		for _, dir := range candidates[id] {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			if err := m.Destroy(dir); err != nil {
				res.Errors = append(res.Errors, err)
				continue
			}
			res.Removed = append(res.Removed, dir)
		}
	}
	return res, nil
}

// ParseJobID extracts the job id from a workspace directory name.
func ParseJobID(name string) (uuid.UUID, bool) {
	if !strings.HasPrefix(name, dirPrefix) {
		return uuid.Nil, false
	}
	rest := strings.TrimPrefix(name, dirPrefix)
	if len(rest) < 36 {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(rest[:36])
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}
