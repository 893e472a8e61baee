package vfs

import (
	"time"

	"github.com/harunnryd/heike/internal/coc/cas"
	"github.com/google/uuid"
)

// WorkspaceKind and SourceKind enumerate spec §3's Workspace attributes.
type WorkspaceKind string

const (
	KindCode     WorkspaceKind = "code"
	KindDocs     WorkspaceKind = "docs"
	KindMixed    WorkspaceKind = "mixed"
	KindExternal WorkspaceKind = "external"
)

type SourceKind string

const (
	SourceLocal    SourceKind = "local"
	SourceForked   SourceKind = "forked"
	SourceImported SourceKind = "imported"
)

// Workspace is the top-level isolation boundary (spec §3).
type Workspace struct {
	ID               string
	Name             string
	Kind             WorkspaceKind
	SourceKind       SourceKind
	Namespace        string
	ParentWorkspace  string
	ReadOnly         bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// fileRecord is the workspace-visible state for one VirtualPath.
type fileRecord struct {
	BlobHash cas.Hash
	Version  uint64
	Deleted  bool
}

// SessionState is the Session lifecycle state (spec §3).
type SessionState string

const (
	SessionOpen    SessionState = "open"
	SessionMerging SessionState = "merging"
	SessionClosed  SessionState = "closed"
)

// Scope restricts which paths a session may read or write.
type Scope struct {
	WritablePaths map[string]struct{}
	ReadablePaths map[string]struct{}
}

func NewScope(writable, readable []string) Scope {
	s := Scope{WritablePaths: map[string]struct{}{}, ReadablePaths: map[string]struct{}{}}
	for _, p := range writable {
		s.WritablePaths[p] = struct{}{}
	}
	for _, p := range readable {
		s.ReadablePaths[p] = struct{}{}
	}
	return s
}

func (s Scope) CanWrite(path string) bool {
	if len(s.WritablePaths) == 0 {
		return false
	}
	_, ok := s.WritablePaths[path]
	return ok
}

func (s Scope) CanRead(path string) bool {
	if s.CanWrite(path) {
		return true
	}
	if len(s.ReadablePaths) == 0 {
		// A session with no explicit readable set may read anything not
		// explicitly restricted; writable paths always readable too.
		return true
	}
	_, ok := s.ReadablePaths[path]
	return ok
}

// overlayEntry is a session-private pending mutation (spec §4.B).
type overlayOp string

const (
	opCreated  overlayOp = "created"
	opModified overlayOp = "modified"
	opDeleted  overlayOp = "deleted"
)

type overlayEntry struct {
	BlobHash    cas.Hash
	Op          overlayOp
	BaseVersion uint64 // workspace version of this path when first touched in the session
	HasBase     bool
}

// Session is the unit of isolation (spec §3).
type Session struct {
	ID          string
	WorkspaceID string
	AgentID     string
	Scope       Scope
	State       SessionState
	CreatedAt   time.Time

	overlay map[string]*overlayEntry
}

func newSessionID() string {
	return uuid.NewString()
}

func newWorkspaceID() string {
	return uuid.NewString()
}
