// Package profile holds the runtime configuration of the engram process.
package profile

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Profile is the configuration to start the memory service.
type Profile struct {
	// Mode can be "prod" or "dev".
	Mode string
	// Data is the data directory for embedded storage backends.
	Data string
	// Driver selects the durable vector backend: chromem, sqlite, or postgres.
	Driver string
	// DSN points to the backend's database when Driver is sqlite or postgres.
	DSN string
	// LogLevel is debug, info, warn, or error.
	LogLevel string
	// Version is the current version of the service.
	Version string

	// AI collaborator configuration. Any OpenAI-compatible endpoint works.
	AIBaseURL        string
	AIAPIKey         string
	AIEmbeddingModel string
	AIChatModel      string
	AIDimensions     int
}

// IsDev reports whether the process runs in development mode.
func (p *Profile) IsDev() bool {
	return p.Mode != "prod"
}

// IsAIEnabled reports whether the external AI collaborators are
// configured. Without them the service still runs: retrieval degrades
// to session and profile tiers only.
func (p *Profile) IsAIEnabled() bool {
	return p.AIAPIKey != "" || strings.Contains(p.AIBaseURL, "localhost")
}

// Validate normalizes and checks the profile.
func (p *Profile) Validate() error {
	if p.Mode != "prod" && p.Mode != "dev" {
		p.Mode = "dev"
	}

	switch p.Driver {
	case "chromem", "sqlite", "postgres":
	case "":
		p.Driver = "chromem"
	default:
		return fmt.Errorf("unknown driver %q (expected chromem, sqlite, or postgres)", p.Driver)
	}

	if p.Driver == "postgres" && p.DSN == "" {
		return fmt.Errorf("postgres driver requires a DSN")
	}

	if p.Data == "" {
		p.Data = "./data"
	}
	dataDir, err := filepath.Abs(p.Data)
	if err != nil {
		return fmt.Errorf("failed to resolve data directory: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	p.Data = dataDir

	if p.Driver == "sqlite" && p.DSN == "" {
		p.DSN = filepath.Join(p.Data, "engram.db")
	}

	return nil
}
