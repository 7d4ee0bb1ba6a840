package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/splax/pipectl/internal/domain"
)

const configFileName = "vector.yaml"

// Reloader tells an org's engine to pick up its rewritten config.
type Reloader interface {
	Reload(ctx context.Context, orgID string) error
}

// ConfigPusher renders configs into per-org directories the engines watch,
// then signals a reload.
type ConfigPusher struct {
	dir      string
	reloader Reloader
	logger   *slog.Logger
}

// NewConfigPusher returns a pusher writing under dir. reloader may be nil when
// engines watch their config file themselves.
func NewConfigPusher(dir string, reloader Reloader, logger *slog.Logger) (*ConfigPusher, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, fmt.Errorf("engine config dir required")
	}
	return &ConfigPusher{dir: dir, reloader: reloader, logger: logger.With("component", "engine_push")}, nil
}

// Path returns the config file location for an org.
func (p *ConfigPusher) Path(orgID string) string {
	return filepath.Join(p.dir, orgID, configFileName)
}

// Push writes cfg as YAML for the org and reloads its engine. The file is
// replaced atomically so engines never read a partial config.
func (p *ConfigPusher) Push(ctx context.Context, orgID string, cfg domain.PipelineConfig) error {
	if orgID == "" || orgID != filepath.Base(orgID) || orgID == "." || orgID == ".." {
		return fmt.Errorf("invalid org id %q", orgID)
	}
	rendered, err := yaml.Marshal(cfg.Normalized())
	if err != nil {
		return fmt.Errorf("render engine config: %w", err)
	}
	target := p.Path(orgID)
	if err := writeAtomic(target, rendered); err != nil {
		return err
	}
	p.logger.Info("engine config written", "org_id", orgID, "path", target, "components", cfg.Len())
	if p.reloader == nil {
		return nil
	}
	if err := p.reloader.Reload(ctx, orgID); err != nil {
		return fmt.Errorf("reload engine: %w", err)
	}
	return nil
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+configFileName+".*")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("write temp config: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp config: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		cleanup()
		return fmt.Errorf("chmod temp config: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("replace config: %w", err)
	}
	return nil
}
