package components

import (
	"testing"

	"github.com/harunnryd/heike/internal/config"
)

func TestNewHTTPServerComponent_NoDependencies(t *testing.T) {
	comp := NewHTTPServerComponent(nil, &config.ServerConfig{Port: 8080})
	deps := comp.Dependencies()

	if len(deps) != 0 {
		t.Fatalf("dependencies length = %d, want 0", len(deps))
	}
}

func TestHTTPServerComponent_HealthBeforeInit(t *testing.T) {
	comp := NewHTTPServerComponent(nil, &config.ServerConfig{Port: 8080})

	health, err := comp.Health(nil)
	if err != nil {
		t.Fatalf("Health returned error: %v", err)
	}
	if health.Healthy {
		t.Fatal("expected component to be unhealthy before Init")
	}
}
