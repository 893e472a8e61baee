package components

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/harunnryd/heike/internal/coc"
	"github.com/harunnryd/heike/internal/config"
	"github.com/harunnryd/heike/internal/daemon"
	"github.com/harunnryd/heike/internal/model"
	"github.com/harunnryd/heike/internal/pathutil"
)

// resolveWorkspacePath returns the base directory for a workspace, falling
// back to ~/.heike/workspaces when no root path is configured.
func resolveWorkspacePath(workspaceID, workspaceRootPath string) (string, error) {
	root := strings.TrimSpace(workspaceRootPath)
	if root != "" {
		expanded, err := pathutil.Expand(root)
		if err != nil {
			return "", err
		}
		return filepath.Join(expanded, workspaceID), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".heike", "workspaces", workspaceID), nil
}

// routerEmbedder adapts a DefaultModelRouter's RouteEmbedding to the single
// text-in/vector-out shape internal/coc/retrieval.Embedder and episodic
// memory expect, so CognitiveCoreComponent can hand coc.New a provider-backed
// embedder without internal/coc importing internal/model directly.
type routerEmbedder struct {
	router *model.DefaultModelRouter
	model  string
}

func (r routerEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return r.router.RouteEmbedding(ctx, r.model, text)
}

// CognitiveCoreComponent wires internal/coc's Core into the daemon's
// component lifecycle, the way this teacher registers every long-lived
// collaborator (store workers, adapters, schedulers) as a daemon.Component.
type CognitiveCoreComponent struct {
	workspaceID       string
	workspaceRootPath string
	cfg               *config.Config

	core        *coc.Core
	initialized bool
	started     bool
	mu          sync.RWMutex
	startTime   time.Time
}

func NewCognitiveCoreComponent(workspaceID, workspaceRootPath string, cfg *config.Config) *CognitiveCoreComponent {
	return &CognitiveCoreComponent{workspaceID: workspaceID, workspaceRootPath: workspaceRootPath, cfg: cfg}
}

func (c *CognitiveCoreComponent) Name() string {
	return "CognitiveOrchestrationCore"
}

func (c *CognitiveCoreComponent) Dependencies() []string {
	return []string{}
}

func (c *CognitiveCoreComponent) Init(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cfg == nil {
		return fmt.Errorf("config not configured")
	}

	wsPath, err := resolveWorkspacePath(c.workspaceID, c.workspaceRootPath)
	if err != nil {
		return fmt.Errorf("resolve workspace path: %w", err)
	}
	coreCfg := c.cfg.Core
	if coreCfg.CAS.Dir == "" {
		coreCfg.CAS.Dir = filepath.Join(wsPath, "coc", "cas")
	}
	if coreCfg.VFS.Dir == "" {
		coreCfg.VFS.Dir = filepath.Join(wsPath, "coc", "vfs")
	}
	if coreCfg.Backup.Dir == "" {
		coreCfg.Backup.Dir = filepath.Join(wsPath, "coc", "backups")
	}
	if err := os.MkdirAll(coreCfg.CAS.Dir, 0o755); err != nil {
		return fmt.Errorf("create cognitive orchestration core cas dir: %w", err)
	}

	router, err := model.NewModelRouter(c.cfg.Models)
	if err != nil {
		return fmt.Errorf("init embedding model router: %w", err)
	}
	embedder := routerEmbedder{router: router, model: c.cfg.Core.Embedding.Model}

	core, err := coc.New(coreCfg, embedder)
	if err != nil {
		return fmt.Errorf("build cognitive orchestration core: %w", err)
	}
	if err := core.Init(ctx); err != nil {
		return fmt.Errorf("init cognitive orchestration core: %w", err)
	}

	c.core = core
	c.initialized = true
	slog.Info("CognitiveOrchestrationCore initialized", "component", c.Name())
	return nil
}

func (c *CognitiveCoreComponent) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.initialized {
		return fmt.Errorf("CognitiveOrchestrationCore not initialized")
	}

	if err := c.core.Start(ctx); err != nil {
		return fmt.Errorf("start cognitive orchestration core: %w", err)
	}
	c.started = true
	c.startTime = time.Now()
	slog.Info("CognitiveOrchestrationCore started", "component", c.Name())
	return nil
}

func (c *CognitiveCoreComponent) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.started {
		slog.Info("CognitiveOrchestrationCore not started, skipping stop", "component", c.Name())
		return nil
	}

	slog.Info("Stopping CognitiveOrchestrationCore...", "component", c.Name())
	if err := c.core.Stop(ctx); err != nil {
		return err
	}
	if err := c.core.CAS.Close(); err != nil {
		return fmt.Errorf("close cognitive orchestration core store: %w", err)
	}
	c.started = false
	slog.Info("CognitiveOrchestrationCore stopped", "component", c.Name())
	return nil
}

func (c *CognitiveCoreComponent) Health(ctx context.Context) (*daemon.ComponentHealth, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.initialized {
		return &daemon.ComponentHealth{Name: c.Name(), Healthy: false, Error: fmt.Errorf("not initialized")}, nil
	}
	if !c.started {
		return &daemon.ComponentHealth{Name: c.Name(), Healthy: false, Error: fmt.Errorf("not started")}, nil
	}
	return c.core.Health(ctx)
}

// GetCore returns the wired Core, or nil before Init runs.
func (c *CognitiveCoreComponent) GetCore() *coc.Core {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.core
}
