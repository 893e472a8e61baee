// Package vfs implements the Virtual FileSystem (spec §4.B): workspaces,
// copy-on-write sessions, and serializable merge-back. Grounded on the
// teacher's internal/policy/workspace.go (workspace path resolution) and
// internal/store/worker.go (single-writer serialization of durable
// mutations), generalized from chat-session transcripts to a general
// overlay filesystem.
package vfs

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/heike/internal/coc/cas"
	"github.com/harunnryd/heike/internal/config"
	heikeErrors "github.com/harunnryd/heike/internal/errors"

	"github.com/bmatcuk/doublestar/v4"
)

// MergeStrategy selects how a session's overlay reconciles with concurrent
// workspace writes (spec §4.B).
type MergeStrategy string

const (
	MergeAuto   MergeStrategy = "auto"
	MergeTheirs MergeStrategy = "theirs"
	MergeOurs   MergeStrategy = "ours"
)

type workspaceState struct {
	ws    Workspace
	mu    sync.RWMutex // guards files + versions
	files map[string]*fileRecord

	mergeMu sync.Mutex // serializes merge_session against this workspace
}

// VFS is the top-level Virtual FileSystem, owning workspaces, sessions and
// the content store they address into.
type VFS struct {
	cas *cas.Store
	cfg config.VFSConfig

	mu         sync.RWMutex
	workspaces map[string]*workspaceState
	namespaces map[string]string // namespace -> workspace id

	sessMu   sync.RWMutex
	sessions map[string]*Session

	closeSig chan struct{}
	wg       sync.WaitGroup
}

func New(store *cas.Store, cfg config.VFSConfig) *VFS {
	if cfg.MaxPathSegmentLen <= 0 {
		cfg.MaxPathSegmentLen = config.DefaultCoreVFSMaxPathSegmentLen
	}
	if cfg.MaxPathLen <= 0 {
		cfg.MaxPathLen = config.DefaultCoreVFSMaxPathLen
	}
	return &VFS{
		cas:        store,
		cfg:        cfg,
		workspaces: make(map[string]*workspaceState),
		namespaces: make(map[string]string),
		sessions:   make(map[string]*Session),
		closeSig:   make(chan struct{}),
	}
}

func (v *VFS) parsePath(raw string) (VirtualPath, error) {
	return ParsePath(raw, v.cfg.MaxPathSegmentLen, v.cfg.MaxPathLen)
}

// CreateWorkspace registers a new workspace. namespace must be globally
// unique (spec §3 invariant).
func (v *VFS) CreateWorkspace(name string, kind WorkspaceKind, source SourceKind, namespace, parent string, readOnly bool) (*Workspace, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if _, exists := v.namespaces[namespace]; exists {
		return nil, heikeErrors.AlreadyExists(fmt.Sprintf("workspace namespace %q", namespace))
	}

	now := time.Now()
	ws := Workspace{
		ID:              newWorkspaceID(),
		Name:            name,
		Kind:            kind,
		SourceKind:      source,
		Namespace:       namespace,
		ParentWorkspace: parent,
		ReadOnly:        readOnly,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	v.workspaces[ws.ID] = &workspaceState{ws: ws, files: make(map[string]*fileRecord)}
	v.namespaces[namespace] = ws.ID

	slog.Info("vfs workspace created", "workspace_id", ws.ID, "namespace", namespace)
	return &ws, nil
}

func (v *VFS) getWorkspace(id string) (*workspaceState, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	ws, ok := v.workspaces[id]
	if !ok {
		return nil, heikeErrors.NotFound(fmt.Sprintf("workspace %s", id))
	}
	return ws, nil
}

// GetWorkspace returns a copy of the workspace record.
func (v *VFS) GetWorkspace(id string) (Workspace, error) {
	ws, err := v.getWorkspace(id)
	if err != nil {
		return Workspace{}, err
	}
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	return ws.ws, nil
}

// DestroyWorkspace is the administrative destroy path (spec §3: "destroyed
// only via administrative action"). Any still-open sessions are force
// closed without merging.
func (v *VFS) DestroyWorkspace(id string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	ws, ok := v.workspaces[id]
	if !ok {
		return heikeErrors.NotFound(fmt.Sprintf("workspace %s", id))
	}

	v.sessMu.Lock()
	for _, s := range v.sessions {
		if s.WorkspaceID == id {
			s.State = SessionClosed
		}
	}
	v.sessMu.Unlock()

	delete(v.namespaces, ws.ws.Namespace)
	delete(v.workspaces, id)
	return nil
}

// --- Direct workspace operations (no session; used for seeding/admin) ---

// WriteDirect writes path directly to the workspace, bypassing sessions.
// Rejected on read-only workspaces.
func (v *VFS) WriteDirect(workspaceID, rawPath string, data []byte) error {
	path, err := v.parsePath(rawPath)
	if err != nil {
		return err
	}
	ws, err := v.getWorkspace(workspaceID)
	if err != nil {
		return err
	}
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.ws.ReadOnly {
		return heikeErrors.ReadOnly(fmt.Sprintf("workspace %s is read-only", workspaceID))
	}
	h, err := v.cas.Put(data)
	if err != nil {
		return err
	}
	key := path.String()
	if old, ok := ws.files[key]; ok && !old.Deleted {
		_ = v.cas.Delete(old.BlobHash)
		ws.files[key] = &fileRecord{BlobHash: h, Version: old.Version + 1}
	} else {
		version := uint64(1)
		if ok {
			version = old.Version + 1
		}
		ws.files[key] = &fileRecord{BlobHash: h, Version: version}
	}
	ws.ws.UpdatedAt = time.Now()
	return nil
}

// ReadDirect reads the current workspace-visible content of a path.
func (v *VFS) ReadDirect(workspaceID, rawPath string) ([]byte, error) {
	path, err := v.parsePath(rawPath)
	if err != nil {
		return nil, err
	}
	ws, err := v.getWorkspace(workspaceID)
	if err != nil {
		return nil, err
	}
	ws.mu.RLock()
	rec, ok := ws.files[path.String()]
	ws.mu.RUnlock()
	if !ok || rec.Deleted {
		return nil, heikeErrors.NotFound(fmt.Sprintf("path %s", rawPath))
	}
	return v.cas.Get(rec.BlobHash)
}

// DeleteDirect marks a path deleted directly against the workspace.
func (v *VFS) DeleteDirect(workspaceID, rawPath string) error {
	path, err := v.parsePath(rawPath)
	if err != nil {
		return err
	}
	ws, err := v.getWorkspace(workspaceID)
	if err != nil {
		return err
	}
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.ws.ReadOnly {
		return heikeErrors.ReadOnly(fmt.Sprintf("workspace %s is read-only", workspaceID))
	}
	key := path.String()
	rec, ok := ws.files[key]
	if !ok || rec.Deleted {
		return heikeErrors.NotFound(fmt.Sprintf("path %s", rawPath))
	}
	_ = v.cas.Delete(rec.BlobHash)
	ws.files[key] = &fileRecord{Version: rec.Version + 1, Deleted: true}
	return nil
}

// ListEntry is one result of List/Tree.
type ListEntry struct {
	Path    string
	Version uint64
	Deleted bool
}

// List returns all live (non-deleted) paths matching glob under workspaceID.
// An empty glob matches everything. Grounded on doublestar, the glob
// library pulled in from compozy-compozy for this concern.
func (v *VFS) List(workspaceID, glob string) ([]ListEntry, error) {
	ws, err := v.getWorkspace(workspaceID)
	if err != nil {
		return nil, err
	}
	ws.mu.RLock()
	defer ws.mu.RUnlock()

	var out []ListEntry
	for p, rec := range ws.files {
		if rec.Deleted {
			continue
		}
		if glob != "" {
			ok, err := doublestar.Match(glob, p)
			if err != nil || !ok {
				continue
			}
		}
		out = append(out, ListEntry{Path: p, Version: rec.Version})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// Tree is List scoped to paths nested under prefix (a directory listing).
func (v *VFS) Tree(workspaceID, prefix string) ([]ListEntry, error) {
	entries, err := v.List(workspaceID, "")
	if err != nil {
		return nil, err
	}
	if prefix == "" {
		return entries, nil
	}
	prefixPath, err := v.parsePath(prefix)
	if err != nil {
		return nil, err
	}
	var out []ListEntry
	for _, e := range entries {
		p, err := v.parsePath(e.Path)
		if err != nil {
			continue
		}
		if p.HasPrefix(prefixPath) {
			out = append(out, e)
		}
	}
	return out, nil
}

// --- Session lifecycle ---

// CreateSession opens a new isolation session over workspaceID for agentID.
// Per spec §3: while a session is open, no other open session of the same
// agent may claim write access to a path already writable in this session.
func (v *VFS) CreateSession(workspaceID, agentID string, scope Scope) (*Session, error) {
	ws, err := v.getWorkspace(workspaceID)
	if err != nil {
		return nil, err
	}
	ws.mu.RLock()
	readOnly := ws.ws.ReadOnly
	ws.mu.RUnlock()
	if readOnly && len(scope.WritablePaths) > 0 {
		return nil, heikeErrors.ReadOnly(fmt.Sprintf("workspace %s is read-only", workspaceID))
	}

	v.sessMu.Lock()
	defer v.sessMu.Unlock()

	for _, s := range v.sessions {
		if s.AgentID != agentID || s.State != SessionOpen {
			continue
		}
		for p := range scope.WritablePaths {
			if s.Scope.CanWrite(p) {
				return nil, heikeErrors.Backend(fmt.Sprintf(
					"agent %s already has an open session writing %s", agentID, p))
			}
		}
	}

	sess := &Session{
		ID:          newSessionID(),
		WorkspaceID: workspaceID,
		AgentID:     agentID,
		Scope:       scope,
		State:       SessionOpen,
		CreatedAt:   time.Now(),
		overlay:     make(map[string]*overlayEntry),
	}
	v.sessions[sess.ID] = sess
	return sess, nil
}

func (v *VFS) getSession(id string) (*Session, error) {
	v.sessMu.RLock()
	defer v.sessMu.RUnlock()
	s, ok := v.sessions[id]
	if !ok {
		return nil, heikeErrors.NotFound(fmt.Sprintf("session %s", id))
	}
	return s, nil
}

// ReadFile resolves the overlay first, then workspace-visible state.
func (v *VFS) ReadFile(sessionID, rawPath string) ([]byte, error) {
	path, err := v.parsePath(rawPath)
	if err != nil {
		return nil, err
	}
	sess, err := v.getSession(sessionID)
	if err != nil {
		return nil, err
	}
	v.sessMu.RLock()
	state := sess.State
	v.sessMu.RUnlock()
	if state == SessionClosed {
		return nil, heikeErrors.Backend(fmt.Sprintf("session %s is closed", sessionID))
	}
	if !sess.Scope.CanRead(path.String()) {
		return nil, heikeErrors.NewAccessDenied(sess.AgentID, "path", path.String())
	}

	v.sessMu.Lock()
	entry, ok := sess.overlay[path.String()]
	v.sessMu.Unlock()
	if ok {
		if entry.Op == opDeleted {
			return nil, heikeErrors.NotFound(fmt.Sprintf("path %s", rawPath))
		}
		return v.cas.Get(entry.BlobHash)
	}

	return v.ReadDirect(sess.WorkspaceID, rawPath)
}

// WriteFile stages a write in the session's overlay. It never touches the
// workspace directly (spec §4.B).
func (v *VFS) WriteFile(sessionID, rawPath string, data []byte) error {
	path, err := v.parsePath(rawPath)
	if err != nil {
		return err
	}
	sess, err := v.getSession(sessionID)
	if err != nil {
		return err
	}

	v.sessMu.Lock()
	defer v.sessMu.Unlock()
	if sess.State != SessionOpen {
		return heikeErrors.Backend(fmt.Sprintf("session %s is not open", sessionID))
	}
	key := path.String()
	if !sess.Scope.CanWrite(key) {
		return heikeErrors.NewAccessDenied(sess.AgentID, "path", key)
	}

	h, err := v.cas.Put(data)
	if err != nil {
		return err
	}

	baseVersion, hasBase := v.currentVersion(sess.WorkspaceID, key)

	if prev, ok := sess.overlay[key]; ok {
		if prev.BlobHash != "" {
			_ = v.cas.Delete(prev.BlobHash)
		}
		prev.BlobHash = h
		if prev.Op != opCreated {
			prev.Op = opModified
		}
		return nil
	}

	op := opModified
	if !hasBase {
		op = opCreated
	}
	sess.overlay[key] = &overlayEntry{BlobHash: h, Op: op, BaseVersion: baseVersion, HasBase: hasBase}
	return nil
}

// DeleteFile stages a delete in the session's overlay.
func (v *VFS) DeleteFile(sessionID, rawPath string) error {
	path, err := v.parsePath(rawPath)
	if err != nil {
		return err
	}
	sess, err := v.getSession(sessionID)
	if err != nil {
		return err
	}
	v.sessMu.Lock()
	defer v.sessMu.Unlock()
	if sess.State != SessionOpen {
		return heikeErrors.Backend(fmt.Sprintf("session %s is not open", sessionID))
	}
	key := path.String()
	if !sess.Scope.CanWrite(key) {
		return heikeErrors.NewAccessDenied(sess.AgentID, "path", key)
	}

	baseVersion, hasBase := v.currentVersion(sess.WorkspaceID, key)
	if prev, ok := sess.overlay[key]; ok {
		_ = v.cas.Delete(prev.BlobHash)
		prev.BlobHash = ""
		prev.Op = opDeleted
		return nil
	}
	sess.overlay[key] = &overlayEntry{Op: opDeleted, BaseVersion: baseVersion, HasBase: hasBase}
	return nil
}

func (v *VFS) currentVersion(workspaceID, key string) (uint64, bool) {
	ws, err := v.getWorkspace(workspaceID)
	if err != nil {
		return 0, false
	}
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	rec, ok := ws.files[key]
	if !ok {
		return 0, false
	}
	return rec.Version, true
}

// MergeSession applies the session's overlay to the workspace. Merges
// against the same workspace are serializable (spec §4.B, §5).
func (v *VFS) MergeSession(sessionID string, strategy MergeStrategy) error {
	sess, err := v.getSession(sessionID)
	if err != nil {
		return err
	}

	v.sessMu.Lock()
	if sess.State != SessionOpen {
		v.sessMu.Unlock()
		return heikeErrors.Backend(fmt.Sprintf("session %s is not open", sessionID))
	}
	sess.State = SessionMerging
	overlaySnapshot := make(map[string]*overlayEntry, len(sess.overlay))
	for k, e := range sess.overlay {
		cp := *e
		overlaySnapshot[k] = &cp
	}
	v.sessMu.Unlock()

	ws, err := v.getWorkspace(sess.WorkspaceID)
	if err != nil {
		return err
	}

	ws.mergeMu.Lock()
	defer ws.mergeMu.Unlock()

	ws.mu.Lock()
	defer ws.mu.Unlock()

	if strategy == MergeOurs {
		// Workspace wins: discard the overlay entirely, release its blobs.
		for _, e := range overlaySnapshot {
			if e.BlobHash != "" {
				_ = v.cas.Delete(e.BlobHash)
			}
		}
		v.finishMerge(sess)
		return nil
	}

	if strategy == MergeAuto {
		var conflicts []string
		for path, e := range overlaySnapshot {
			cur, exists := ws.files[path]
			curVersion := uint64(0)
			if exists {
				curVersion = cur.Version
			}
			if e.HasBase {
				if curVersion != e.BaseVersion {
					conflicts = append(conflicts, path)
				}
			} else if exists {
				conflicts = append(conflicts, path)
			}
		}
		if len(conflicts) > 0 {
			sort.Strings(conflicts)
			v.sessMu.Lock()
			sess.State = SessionOpen
			v.sessMu.Unlock()
			return heikeErrors.NewMergeConflict(conflicts)
		}
	}

	// theirs, or auto with no conflicts: apply the overlay.
	for path, e := range overlaySnapshot {
		old, existed := ws.files[path]
		nextVersion := uint64(1)
		if existed {
			nextVersion = old.Version + 1
			if !old.Deleted {
				_ = v.cas.Delete(old.BlobHash)
			}
		}
		if e.Op == opDeleted {
			ws.files[path] = &fileRecord{Version: nextVersion, Deleted: true}
		} else {
			ws.files[path] = &fileRecord{BlobHash: e.BlobHash, Version: nextVersion}
		}
	}
	ws.ws.UpdatedAt = time.Now()

	v.finishMerge(sess)
	return nil
}

func (v *VFS) finishMerge(sess *Session) {
	v.sessMu.Lock()
	defer v.sessMu.Unlock()
	sess.overlay = make(map[string]*overlayEntry)
	sess.State = SessionOpen
}

// CloseSession closes a session. Idempotent; only the owning agent may
// close it. Any un-merged overlay is discarded and its blobs released.
func (v *VFS) CloseSession(sessionID, agentID string) error {
	sess, err := v.getSession(sessionID)
	if err != nil {
		return err
	}

	v.sessMu.Lock()
	defer v.sessMu.Unlock()

	if sess.State == SessionClosed {
		return nil // idempotent
	}
	if sess.AgentID != agentID {
		return heikeErrors.NewAccessDenied(agentID, "session", sessionID)
	}

	for _, e := range sess.overlay {
		if e.BlobHash != "" {
			_ = v.cas.Delete(e.BlobHash)
		}
	}
	sess.overlay = nil
	sess.State = SessionClosed
	return nil
}

// AbortSession is CloseSession's explicit name for discarding an in-flight
// session without merging; semantically identical to CloseSession.
func (v *VFS) AbortSession(sessionID, agentID string) error {
	return v.CloseSession(sessionID, agentID)
}

func (s *Session) String() string {
	return fmt.Sprintf("session(%s, workspace=%s, agent=%s, state=%s)", s.ID, s.WorkspaceID, s.AgentID, s.State)
}

// NormalizeGlob allows callers to pass a directory-style prefix ("a/b") and
// have it treated as "a/b/**" for Tree-style matching, matching the
// ergonomics doublestar callers elsewhere in the pack expect.
func NormalizeGlob(prefix string) string {
	if prefix == "" {
		return ""
	}
	if strings.Contains(prefix, "*") {
		return prefix
	}
	return strings.TrimSuffix(prefix, "/") + "/**"
}
