package plugins

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rdlogout/comfyui-agent/internal/config"
)

func TestParseGitURL(t *testing.T) {
	ref := ParseGitURL("https://github.com/ltdrdata/ComfyUI-Manager")
	require.Equal(t, "ltdrdata", ref.User)
	require.Equal(t, "ComfyUI-Manager", ref.Repo)
	require.Equal(t, "main", ref.Branch)
	require.Equal(t, "https://github.com/ltdrdata/ComfyUI-Manager.git", ref.CloneURL)

	ref = ParseGitURL("https://github.com/user/repo.git")
	require.Equal(t, "repo", ref.Repo)
	require.Equal(t, "https://github.com/user/repo.git", ref.CloneURL)

	ref = ParseGitURL("https://github.com/user/repo/tree/dev")
	require.Equal(t, "dev", ref.Branch)
	require.Empty(t, ref.Subfolder)

	ref = ParseGitURL("https://github.com/user/repo/tree/dev/nodes/extra")
	require.Equal(t, "dev", ref.Branch)
	require.Equal(t, "nodes/extra", ref.Subfolder)

	ref = ParseGitURL("https://gitlab.example.com/group/project.git")
	require.Equal(t, "project", ref.Repo)
	require.Equal(t, "main", ref.Branch)
	require.Equal(t, "https://gitlab.example.com/group/project.git", ref.CloneURL)

	ref = ParseGitURL("https://github.com/user/repo/")
	require.Equal(t, "repo", ref.Repo, "trailing slash stripped")
}

// fakeRunner records subprocess invocations instead of spawning them.
type fakeRunner struct {
	mu    sync.Mutex
	calls [][]string
	onRun func(dir, name string, args []string) ([]byte, error)
}

func (f *fakeRunner) Run(_ context.Context, dir, name string, args ...string) ([]byte, error) {
	f.mu.Lock()
	f.calls = append(f.calls, append([]string{name}, args...))
	f.mu.Unlock()
	if f.onRun != nil {
		return f.onRun(dir, name, args)
	}
	return nil, nil
}

func (f *fakeRunner) snapshot() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]string, len(f.calls))
	copy(out, f.calls)
	return out
}

func newTestInstaller(t *testing.T) (*Installer, *fakeRunner, *config.Config) {
	t.Helper()
	cfg := &config.Config{
		ComfyPath:    t.TempDir(),
		CriticalDeps: config.DefaultCriticalDeps,
	}
	require.NoError(t, os.MkdirAll(cfg.CustomNodesDir(), 0o755))

	runner := &fakeRunner{}
	inst := NewInstaller(cfg, zap.NewNop())
	inst.runner = runner
	inst.listInstalled = func(context.Context) map[string]string {
		return map[string]string{"torch": "2.1.0"}
	}
	return inst, runner, cfg
}

func TestInstallClonesNewPlugin(t *testing.T) {
	inst, runner, cfg := newTestInstaller(t)

	existed, err := inst.Install(context.Background(), "https://github.com/user/some-node")
	require.NoError(t, err)
	require.False(t, existed)

	calls := runner.snapshot()
	require.Len(t, calls, 1)
	require.Equal(t, []string{
		"git", "clone", "https://github.com/user/some-node.git",
		filepath.Join(cfg.CustomNodesDir(), "some-node"),
	}, calls[0])
}

func TestInstallClonesBranch(t *testing.T) {
	inst, runner, _ := newTestInstaller(t)

	_, err := inst.Install(context.Background(), "https://github.com/user/some-node/tree/dev")
	require.NoError(t, err)

	calls := runner.snapshot()
	require.Len(t, calls, 1)
	require.Contains(t, calls[0], "--branch")
	require.Contains(t, calls[0], "dev")
	require.Contains(t, calls[0], "--single-branch")
}

func TestInstallExistingPluginSkipsClone(t *testing.T) {
	inst, runner, cfg := newTestInstaller(t)
	require.NoError(t, os.MkdirAll(filepath.Join(cfg.CustomNodesDir(), "some-node"), 0o755))

	existed, err := inst.Install(context.Background(), "https://github.com/user/some-node")
	require.NoError(t, err)
	require.True(t, existed)
	require.Empty(t, runner.snapshot(), "no git call for a present plugin without requirements")
}

func TestInstallWithoutCustomNodesDir(t *testing.T) {
	cfg := &config.Config{ComfyPath: filepath.Join(t.TempDir(), "missing")}
	inst := NewInstaller(cfg, zap.NewNop())
	inst.runner = &fakeRunner{}

	_, err := inst.Install(context.Background(), "https://github.com/user/some-node")
	require.ErrorContains(t, err, "custom nodes directory not found")
}

func TestInstallFiltersCriticalDependencies(t *testing.T) {
	inst, runner, cfg := newTestInstaller(t)

	repoDir := filepath.Join(cfg.CustomNodesDir(), "some-node")
	require.NoError(t, os.MkdirAll(repoDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(repoDir, "requirements.txt"),
		[]byte("torch>=2.0\nrandom-lib==1.2\n"), 0o644))

	var (
		mu          sync.Mutex
		safeContent string
	)
	runner.onRun = func(dir, name string, args []string) ([]byte, error) {
		if name == cfg.PipExecutable() {
			data, err := os.ReadFile(args[len(args)-1])
			require.NoError(t, err)
			mu.Lock()
			safeContent = string(data)
			mu.Unlock()
		}
		return nil, nil
	}

	existed, err := inst.Install(context.Background(), "https://github.com/user/some-node")
	require.NoError(t, err)
	require.True(t, existed)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return safeContent != ""
	}, 5*time.Second, 10*time.Millisecond, "background dependency install must run pip")

	require.Equal(t, "random-lib==1.2\n", safeContent,
		"installed critical package filtered, non-critical kept")

	require.Eventually(t, func() bool {
		entries, err := os.ReadDir(repoDir)
		require.NoError(t, err)
		for _, e := range entries {
			if strings.HasSuffix(e.Name(), ".safe") {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond, "temporary safe file removed")
}
