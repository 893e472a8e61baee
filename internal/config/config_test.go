package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("ZAI_API_KEY", "")

	// We pass nil for cmd to skip flags
	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Server.Port != DefaultServerPort {
		t.Errorf("Expected default port %d, got %d", DefaultServerPort, cfg.Server.Port)
	}

	if cfg.Models.Default != DefaultModelDefault {
		t.Errorf("Expected default model %s, got %s", DefaultModelDefault, cfg.Models.Default)
	}
	if cfg.Models.Embedding != DefaultModelEmbedding {
		t.Errorf("Expected default embedding model %s, got %s", DefaultModelEmbedding, cfg.Models.Embedding)
	}
	if cfg.Daemon.PreflightTimeout != DefaultDaemonPreflightTimeout {
		t.Errorf("Expected default daemon preflight timeout %s, got %s", DefaultDaemonPreflightTimeout, cfg.Daemon.PreflightTimeout)
	}
	if cfg.Auth.Codex.CallbackAddr != DefaultCodexAuthCallbackAddr {
		t.Errorf("Expected default codex callback addr %s, got %s", DefaultCodexAuthCallbackAddr, cfg.Auth.Codex.CallbackAddr)
	}
	if cfg.Auth.Codex.RedirectURI != DefaultCodexAuthRedirectURI {
		t.Errorf("Expected default codex redirect uri %s, got %s", DefaultCodexAuthRedirectURI, cfg.Auth.Codex.RedirectURI)
	}
	if cfg.Auth.Codex.OAuthTimeout != DefaultCodexAuthOAuthTimeout {
		t.Errorf("Expected default codex oauth timeout %s, got %s", DefaultCodexAuthOAuthTimeout, cfg.Auth.Codex.OAuthTimeout)
	}
}

func TestLoadWithConfigFlag(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	content := []byte(`
server:
  port: 9090
models:
  default: custom-model
`)
	if err := os.WriteFile(configPath, content, 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cmd := &cobra.Command{}
	cmd.Flags().String("config", "", "config file path")
	if err := cmd.Flags().Set("config", configPath); err != nil {
		t.Fatalf("failed to set config flag: %v", err)
	}

	cfg, err := Load(cmd)
	if err != nil {
		t.Fatalf("failed to load config with --config: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if cfg.Models.Default != "custom-model" {
		t.Fatalf("expected default model custom-model, got %s", cfg.Models.Default)
	}
}

func TestLoadWithMissingConfigFlagReturnsError(t *testing.T) {
	cmd := &cobra.Command{}
	cmd.Flags().String("config", "", "config file path")
	if err := cmd.Flags().Set("config", filepath.Join(t.TempDir(), "missing.yaml")); err != nil {
		t.Fatalf("failed to set config flag: %v", err)
	}

	if _, err := Load(cmd); err == nil {
		t.Fatal("expected error when --config points to missing file")
	}
}

func TestLoad_ExpandsConfiguredPaths(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)

	configPath := filepath.Join(tmpDir, "config.yaml")
	content := []byte(`
daemon:
  workspace_path: ~/.heike/workspaces
auth:
  codex:
    token_path: ~/.heike/auth/codex.json
models:
  registry:
    - name: gpt-5.2-codex
      provider: openai-codex
      auth_file: ~/.heike/auth/codex.json
`)
	if err := os.WriteFile(configPath, content, 0644); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	cmd := &cobra.Command{}
	cmd.Flags().String("config", "", "config file path")
	if err := cmd.Flags().Set("config", configPath); err != nil {
		t.Fatalf("set config flag: %v", err)
	}

	cfg, err := Load(cmd)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	wantWorkspacePath := filepath.Join(tmpDir, ".heike", "workspaces")
	if cfg.Daemon.WorkspacePath != wantWorkspacePath {
		t.Fatalf("workspace path = %q, want %q", cfg.Daemon.WorkspacePath, wantWorkspacePath)
	}

	wantTokenPath := filepath.Join(tmpDir, ".heike", "auth", "codex.json")
	if cfg.Auth.Codex.TokenPath != wantTokenPath {
		t.Fatalf("token path = %q, want %q", cfg.Auth.Codex.TokenPath, wantTokenPath)
	}
	if len(cfg.Models.Registry) != 1 {
		t.Fatalf("expected 1 model registry, got %d", len(cfg.Models.Registry))
	}
	if cfg.Models.Registry[0].AuthFile != wantTokenPath {
		t.Fatalf("model auth file = %q, want %q", cfg.Models.Registry[0].AuthFile, wantTokenPath)
	}
}
