package plugins

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rdlogout/comfyui-agent/internal/config"
	"go.uber.org/zap"
)

// UpdateResult reports what the self-update did.
type UpdateResult struct {
	Updated bool   `json:"updated"`
	Message string `json:"message"`
}

// Updater clones or fast-forwards the agent's own plugin repository inside
// custom_nodes. It reuses the installer's subprocess runner.
type Updater struct {
	cfg    *config.Config
	logger *zap.Logger
	runner commandRunner
}

// NewUpdater creates an Updater.
func NewUpdater(cfg *config.Config, logger *zap.Logger) *Updater {
	return &Updater{
		cfg:    cfg,
		logger: logger.Named("updater"),
		runner: execRunner{},
	}
}

// targetDir is where the agent repository lives.
func (u *Updater) targetDir() string {
	name := strings.TrimSuffix(filepath.Base(u.cfg.UpdateRepoURL), ".git")
	return filepath.Join(u.cfg.CustomNodesDir(), name)
}

const updateTimeout = 5 * time.Minute

// Run performs the clone-or-pull. A target directory that exists but is not
// a git repository is replaced by a fresh clone.
func (u *Updater) Run(ctx context.Context) (UpdateResult, error) {
	ctx, cancel := context.WithTimeout(ctx, updateTimeout)
	defer cancel()

	if _, err := u.runner.Run(ctx, "", "git", "--version"); err != nil {
		return UpdateResult{}, fmt.Errorf("plugins: git is not installed: %w", err)
	}
	if info, err := os.Stat(u.cfg.ComfyPath); err != nil || !info.IsDir() {
		return UpdateResult{}, fmt.Errorf("plugins: ComfyUI directory not found at %s", u.cfg.ComfyPath)
	}
	if err := os.MkdirAll(u.cfg.CustomNodesDir(), 0o755); err != nil {
		return UpdateResult{}, fmt.Errorf("plugins: cannot create custom_nodes: %w", err)
	}

	target := u.targetDir()

	if _, err := os.Stat(target); err != nil {
		if err := u.clone(ctx, target); err != nil {
			return UpdateResult{}, err
		}
		return UpdateResult{Updated: true, Message: "Repository cloned successfully"}, nil
	}

	if _, err := os.Stat(filepath.Join(target, ".git")); err != nil {
		u.logger.Warn("target exists but is not a git repository, recloning",
			zap.String("target", target),
		)
		if err := os.RemoveAll(target); err != nil {
			return UpdateResult{}, fmt.Errorf("plugins: cannot remove stale target: %w", err)
		}
		if err := u.clone(ctx, target); err != nil {
			return UpdateResult{}, err
		}
		return UpdateResult{Updated: true, Message: "Directory replaced and repository cloned"}, nil
	}

	return u.pull(ctx, target)
}

func (u *Updater) clone(ctx context.Context, target string) error {
	u.logger.Info("cloning agent repository", zap.String("url", u.cfg.UpdateRepoURL))
	if _, err := u.runner.Run(ctx, "", "git", "clone", u.cfg.UpdateRepoURL, target); err != nil {
		return fmt.Errorf("plugins: clone failed: %w", err)
	}
	return nil
}

// pull fetches and fast-forwards when the remote moved. main is tried
// first, then master.
func (u *Updater) pull(ctx context.Context, target string) (UpdateResult, error) {
	if _, err := u.runner.Run(ctx, target, "git", "fetch", "origin"); err != nil {
		return UpdateResult{}, fmt.Errorf("plugins: fetch failed: %w", err)
	}

	local := u.revision(ctx, target, "HEAD")
	remote := ""
	for _, branch := range []string{"origin/main", "origin/master"} {
		if remote = u.revision(ctx, target, branch); remote != "" {
			break
		}
	}

	if local != "" && local == remote {
		return UpdateResult{Updated: false, Message: "Repository is already up to date"}, nil
	}

	var pullErr error
	for _, branch := range []string{"main", "master"} {
		if _, pullErr = u.runner.Run(ctx, target, "git", "pull", "origin", branch); pullErr == nil {
			return UpdateResult{Updated: true, Message: "Repository updated successfully"}, nil
		}
	}
	return UpdateResult{}, fmt.Errorf("plugins: pull failed: %w", pullErr)
}

func (u *Updater) revision(ctx context.Context, dir, ref string) string {
	out, err := u.runner.Run(ctx, dir, "git", "rev-parse", ref)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}
