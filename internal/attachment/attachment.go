// Package attachment maps uploaded attachment ids to files on disk. Uploads
// live at <dir>/<session id>/<attachment uuid><ext>.
package attachment

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Resolver turns attachment ids referenced by a turn into file paths.
type Resolver interface {
	Resolve(sessionID string, ids []string) []string
}

// DirResolver resolves attachments stored under a single uploads directory.
type DirResolver struct {
	dir    string
	logger *zap.Logger
}

// NewDirResolver returns a resolver rooted at dir.
func NewDirResolver(dir string, logger *zap.Logger) *DirResolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DirResolver{dir: dir, logger: logger.With(zap.String("component", "attachment"))}
}

// Resolve returns the path of each id that names an existing upload for
// sessionID, in the order given. Malformed and unknown ids are skipped, as
// are duplicates.
func (r *DirResolver) Resolve(sessionID string, ids []string) []string {
	if len(ids) == 0 || !validSegment(sessionID) {
		return nil
	}

	sessionDir := filepath.Join(r.dir, sessionID)
	seen := make(map[string]bool, len(ids))
	var paths []string
	for _, raw := range ids {
		id, err := uuid.Parse(strings.TrimSpace(raw))
		if err != nil {
			r.logger.Debug("skipping malformed attachment id", zap.String("id", raw))
			continue
		}
		key := id.String()
		if seen[key] {
			continue
		}
		seen[key] = true

		path, ok := find(sessionDir, key)
		if !ok {
			r.logger.Debug("attachment not found",
				zap.String("session_id", sessionID),
				zap.String("id", key))
			continue
		}
		paths = append(paths, path)
	}
	return paths
}

// find locates <dir>/<id> or <dir>/<id>.<ext>.
func find(dir, id string) (string, bool) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", false
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if name == id || strings.HasPrefix(name, id+".") {
			return filepath.Join(dir, name), true
		}
	}
	return "", false
}

// validSegment rejects session ids that would escape the uploads directory.
func validSegment(s string) bool {
	return s != "" && s != "." && s != ".." && !strings.ContainsAny(s, `/\`)
}
