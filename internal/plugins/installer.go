// Package plugins installs ComfyUI custom-node repositories and their Python
// dependencies. All git and pip work happens through subprocesses against
// the backend's own environment; the installer never touches the Python
// interpreter directly.
//
// Dependency installs honor a critical-package protection policy: packages
// owned by the backend (torch, numpy, ...) are added when absent but never
// upgraded. The protected set is configuration (config.DefaultCriticalDeps),
// not code.
package plugins

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/rdlogout/comfyui-agent/internal/config"
	"go.uber.org/zap"
)

// githubPattern matches repository URLs with an optional tree/<branch>
// segment and optional subfolder:
//
//	https://github.com/user/repo
//	https://github.com/user/repo.git
//	https://github.com/user/repo/tree/branch/sub/dir
var githubPattern = regexp.MustCompile(`^https?://github\.com/([^/]+)/([^/]+?)(?:\.git)?(?:/tree/([^/]+)(?:/(.*))?)?$`)

// RepoRef identifies a plugin repository reduced to a clean clone URL.
type RepoRef struct {
	User      string
	Repo      string
	Branch    string
	Subfolder string
	CloneURL  string
}

// ParseGitURL extracts a RepoRef from a GitHub URL. Non-GitHub URLs fall
// back to last-path-segment naming with the default branch.
func ParseGitURL(rawURL string) RepoRef {
	rawURL = strings.TrimRight(rawURL, "/")

	if m := githubPattern.FindStringSubmatch(rawURL); m != nil {
		ref := RepoRef{
			User:      m[1],
			Repo:      m[2],
			Branch:    m[3],
			Subfolder: m[4],
			CloneURL:  fmt.Sprintf("https://github.com/%s/%s.git", m[1], m[2]),
		}
		if ref.Branch == "" {
			ref.Branch = "main"
		}
		return ref
	}

	repo := strings.TrimSuffix(rawURL[strings.LastIndex(rawURL, "/")+1:], ".git")
	return RepoRef{Repo: repo, Branch: "main", CloneURL: rawURL}
}

// commandRunner abstracts subprocess execution so tests can record
// invocations instead of spawning git and pip.
type commandRunner interface {
	Run(ctx context.Context, dir, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("%s %s: %w\n%s", name, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return out, nil
}

// cloneTimeout bounds a plugin clone; model-sized repos are not expected.
const cloneTimeout = 10 * time.Minute

// installTimeout bounds one pip invocation.
const installTimeout = 30 * time.Minute

// Installer clones plugin repositories into custom_nodes and reconciles
// their Python dependencies.
type Installer struct {
	cfg    *config.Config
	logger *zap.Logger
	runner commandRunner

	// listInstalled returns the backend venv's installed packages keyed by
	// normalized name. Overridable in tests.
	listInstalled func(ctx context.Context) map[string]string
}

// NewInstaller creates an Installer.
func NewInstaller(cfg *config.Config, logger *zap.Logger) *Installer {
	inst := &Installer{
		cfg:    cfg,
		logger: logger.Named("plugins"),
		runner: execRunner{},
	}
	inst.listInstalled = inst.pipList
	return inst
}

// Install clones the plugin when absent and reconciles its dependencies
// either way. Returns existed=true when the plugin directory was already
// present (its code is left alone). The dependency install itself runs on a
// background goroutine so HTTP handlers are not blocked; its failures are
// logged, not returned.
func (i *Installer) Install(ctx context.Context, gitURL string) (bool, error) {
	nodesDir := i.cfg.CustomNodesDir()
	if info, err := os.Stat(nodesDir); err != nil || !info.IsDir() {
		return false, fmt.Errorf("plugins: custom nodes directory not found at %s", nodesDir)
	}

	ref := ParseGitURL(gitURL)
	repoPath := filepath.Join(nodesDir, ref.Repo)

	if _, err := os.Stat(repoPath); err == nil {
		i.logger.Info("plugin already present", zap.String("repo", ref.Repo))
		i.installDependenciesAsync(repoPath, ref.Repo)
		return true, nil
	}

	cloneCtx, cancel := context.WithTimeout(ctx, cloneTimeout)
	defer cancel()

	args := []string{"clone"}
	if ref.Branch != "" && ref.Branch != "main" {
		args = append(args, "--branch", ref.Branch, "--single-branch")
	}
	args = append(args, ref.CloneURL, repoPath)

	i.logger.Info("cloning plugin",
		zap.String("url", ref.CloneURL),
		zap.String("branch", ref.Branch),
	)
	if _, err := i.runner.Run(cloneCtx, "", "git", args...); err != nil {
		return false, fmt.Errorf("plugins: clone of %s failed: %w", gitURL, err)
	}

	i.installDependenciesAsync(repoPath, ref.Repo)
	return false, nil
}

// installDependenciesAsync runs the protected dependency install on its own
// goroutine. One worker per plugin; the control plane's list size bounds the
// fan-out.
func (i *Installer) installDependenciesAsync(repoPath, repoName string) {
	reqPath := filepath.Join(repoPath, "requirements.txt")
	if _, err := os.Stat(reqPath); err != nil {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), installTimeout)
		defer cancel()
		if err := i.installDependencies(ctx, reqPath, repoName); err != nil {
			i.logger.Error("dependency install failed",
				zap.String("repo", repoName),
				zap.Error(err),
			)
		}
	}()
}

// installDependencies filters the requirements file against the protection
// policy and feeds the surviving lines to the venv pip as one invocation
// through a temporary .safe file.
func (i *Installer) installDependencies(ctx context.Context, reqPath, repoName string) error {
	file, err := os.Open(reqPath)
	if err != nil {
		return fmt.Errorf("plugins: cannot read %s: %w", reqPath, err)
	}
	analysis := AnalyzeRequirements(file, i.cfg.CriticalSet(), i.listInstalled(ctx))
	file.Close()

	if len(analysis.SkippedCritical) > 0 {
		i.logger.Warn("skipped critical packages",
			zap.String("repo", repoName),
			zap.Strings("packages", analysis.SkippedCritical),
		)
	}
	if len(analysis.SafeToInstall) == 0 {
		i.logger.Info("no new safe dependencies", zap.String("repo", repoName))
		return nil
	}

	safePath := reqPath + ".safe"
	if err := os.WriteFile(safePath, []byte(strings.Join(analysis.SafeToInstall, "\n")+"\n"), 0o644); err != nil {
		return fmt.Errorf("plugins: cannot write safe requirements: %w", err)
	}
	defer os.Remove(safePath)

	i.logger.Info("installing dependencies",
		zap.String("repo", repoName),
		zap.Int("count", len(analysis.SafeToInstall)),
	)
	if _, err := i.runner.Run(ctx, "", i.cfg.PipExecutable(), "install", "-r", safePath); err != nil {
		return fmt.Errorf("plugins: pip install failed: %w", err)
	}
	return nil
}

// pipList asks the venv pip for its installed packages.
func (i *Installer) pipList(ctx context.Context) map[string]string {
	out, err := i.runner.Run(ctx, "", i.cfg.PipExecutable(), "list", "--format=json")
	if err != nil {
		i.logger.Error("pip list failed", zap.Error(err))
		return map[string]string{}
	}

	var rows []struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	}
	if err := json.Unmarshal(out, &rows); err != nil {
		i.logger.Error("unparseable pip list output", zap.Error(err))
		return map[string]string{}
	}

	installed := make(map[string]string, len(rows))
	for _, row := range rows {
		installed[config.NormalizePackageName(row.Name)] = row.Version
	}
	return installed
}
