package lifecycle

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/artpar/webtopd/internal/core/workload"
	"github.com/artpar/webtopd/internal/shell/docker"
	"github.com/artpar/webtopd/internal/shell/launcher"
	"github.com/artpar/webtopd/internal/shell/registry"
	"github.com/artpar/webtopd/internal/shell/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Helpers
// =============================================================================

type fakeRuntime struct {
	mu        sync.Mutex
	running   map[string]bool
	statusErr error
	checkErr  map[string]error
	downRes   docker.CommandResult
	downErr   error
	downCalls []string
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{running: map[string]bool{}, checkErr: map[string]error{}}
}

func (f *fakeRuntime) Status(ctx context.Context, id string) (docker.Status, error) {
	if f.statusErr != nil {
		return docker.Status{}, f.statusErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running[id] {
		return docker.Status{}, nil
	}
	name := workload.ContainerName(workload.DefaultContainerPrefix, id)
	return docker.Status{Running: true, Container: name, State: "running", Ports: "3000/tcp -> 0.0.0.0:3030"}, nil
}

func (f *fakeRuntime) IsRunning(ctx context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkErr[id]; err != nil {
		return false, err
	}
	return f.running[id], nil
}

func (f *fakeRuntime) Down(ctx context.Context, manifestPath, dir string) (docker.CommandResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.downCalls = append(f.downCalls, manifestPath)
	return f.downRes, f.downErr
}

func (f *fakeRuntime) Ping(ctx context.Context) error { return nil }

type fakeLauncher struct {
	mu      sync.Mutex
	scripts []string
	dirs    []string
	runID   string // Overrides the generated run ID when set
	err     error
}

func (f *fakeLauncher) Launch(ctx context.Context, scriptPath, dir string) (*launcher.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.scripts = append(f.scripts, scriptPath)
	f.dirs = append(f.dirs, dir)
	runID := f.runID
	if runID == "" {
		runID = "run-" + filepath.Base(dir)
	}
	return &launcher.Handle{RunID: runID, PID: 1000 + len(f.scripts)}, nil
}

type testEnv struct {
	root     string
	registry *registry.Registry
	runtime  *fakeRuntime
	launcher *fakeLauncher
	index    *store.SQLiteStore
	manager  *Manager
}

func setupManager(t *testing.T, withIndex bool) *testEnv {
	t.Helper()
	root := filepath.Join(t.TempDir(), "uploads")
	reg := registry.New(root, "")
	require.NoError(t, reg.Init())

	env := &testEnv{
		root:     root,
		registry: reg,
		runtime:  newFakeRuntime(),
		launcher: &fakeLauncher{},
	}

	var idx store.Index
	if withIndex {
		s, err := store.NewSQLiteStore(":memory:")
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		env.index = s
		idx = s
	}

	env.manager = NewManager(reg, env.runtime, env.launcher, idx, DefaultConfig(), nil)
	return env
}

func manifestArtifact(body string) *Artifact {
	return &Artifact{Name: "docker-compose.yaml", Content: strings.NewReader(body)}
}

const bobManifest = "services:\n  webtop:\n    image: lscr.io/linuxserver/webtop:ubuntu-xfce\n    container_name: webtop-ubuntu-xfce-bob\n    ports:\n      - \"3030:3000\"\n"

func snapshot(t *testing.T, root string) []string {
	t.Helper()
	var paths []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		paths = append(paths, path)
		return nil
	})
	require.NoError(t, err)
	return paths
}

// =============================================================================
// Deploy Tests
// =============================================================================

func TestDeploy_BobScenario(t *testing.T) {
	env := setupManager(t, false)

	res, err := env.manager.Deploy(context.Background(), Bundle{Manifest: manifestArtifact(bobManifest)})
	require.NoError(t, err)

	assert.Equal(t, "bob", res.Identity)
	require.NotNil(t, res.Port)
	assert.Equal(t, 3030, *res.Port)
	assert.Equal(t, "docker-compose.yaml", res.Files.Manifest)
	assert.Empty(t, res.Files.Dockerfiles)
	assert.NotNil(t, res.Files.Dockerfiles)
	assert.Empty(t, res.Files.Resources)
	assert.NotNil(t, res.Files.Resources)
	assert.Equal(t, "webtop-ubuntu-xfce-bob", res.ContainerName)
	assert.Equal(t, filepath.Join(env.root, "workload_bob"), res.Dir)
	assert.Equal(t, 1001, res.PID)
	assert.Equal(t, "run-workload_bob", res.RunID)

	require.Len(t, res.Services, 1)
	assert.Equal(t, "webtop", res.Services[0].Name)

	saved, err := os.ReadFile(filepath.Join(res.Dir, "docker-compose.yaml"))
	require.NoError(t, err)
	assert.Equal(t, bobManifest, string(saved))

	scriptBytes, err := os.ReadFile(filepath.Join(res.Dir, "run.sh"))
	require.NoError(t, err)
	content := string(scriptBytes)
	assert.Contains(t, content, "docker compose -f 'docker-compose.yaml' up -d")
	assert.NotContains(t, content, "docker build")

	info, err := os.Stat(filepath.Join(res.Dir, "run.sh"))
	require.NoError(t, err)
	assert.NotZero(t, info.Mode().Perm()&0o100)

	require.Len(t, env.launcher.scripts, 1)
	assert.Equal(t, filepath.Join(res.Dir, "run.sh"), env.launcher.scripts[0])
	assert.Equal(t, res.Dir, env.launcher.dirs[0])
}

func TestDeploy_AliceTwoBuildFilesInOrder(t *testing.T) {
	env := setupManager(t, false)

	res, err := env.manager.Deploy(context.Background(), Bundle{
		Manifest: manifestArtifact("container_name: webtop-ubuntu-xfce-alice\n"),
		BuildFiles: []Artifact{
			{Name: "Dockerfile.base", Content: strings.NewReader("FROM ubuntu\n")},
			{Name: "Dockerfile.app", Content: strings.NewReader("FROM webtop-custom-alice-1\n")},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Dockerfile.base", "Dockerfile.app"}, res.Files.Dockerfiles)
	assert.Nil(t, res.Port)

	scriptBytes, err := os.ReadFile(filepath.Join(res.Dir, "run.sh"))
	require.NoError(t, err)
	content := string(scriptBytes)

	assert.Equal(t, 2, strings.Count(content, "docker build "))
	assert.Equal(t, 2, strings.Count(content, "if [ $? -ne 0 ]; then"))
	first := strings.Index(content, "docker build -f 'Dockerfile.base' -t webtop-custom-alice-1 .")
	second := strings.Index(content, "docker build -f 'Dockerfile.app' -t webtop-custom-alice-2 .")
	up := strings.Index(content, "docker compose -f")
	require.NotEqual(t, -1, first)
	require.NotEqual(t, -1, second)
	assert.Less(t, first, second)
	assert.Less(t, second, up)
}

func TestDeploy_RedeployRegeneratesIdenticalScript(t *testing.T) {
	env := setupManager(t, false)
	bundle := func() Bundle {
		return Bundle{
			Manifest:   manifestArtifact("container_name: webtop-ubuntu-xfce-alice\n"),
			BuildFiles: []Artifact{{Name: "Dockerfile", Content: strings.NewReader("FROM ubuntu\n")}},
		}
	}

	res, err := env.manager.Deploy(context.Background(), bundle())
	require.NoError(t, err)
	first, err := os.ReadFile(filepath.Join(res.Dir, "run.sh"))
	require.NoError(t, err)

	_, err = env.manager.Deploy(context.Background(), bundle())
	require.NoError(t, err)
	second, err := os.ReadFile(filepath.Join(res.Dir, "run.sh"))
	require.NoError(t, err)

	assert.Equal(t, string(first), string(second))
}

func TestDeploy_DefaultIdentityAndFallbackNames(t *testing.T) {
	env := setupManager(t, false)

	res, err := env.manager.Deploy(context.Background(), Bundle{
		Manifest:   &Artifact{Name: "", Content: strings.NewReader("services: {}\n")},
		BuildFiles: []Artifact{{Name: "", Content: strings.NewReader("FROM x\n")}},
		Resources: []Artifact{
			{Name: "../../etc/passwd", Content: strings.NewReader("a")},
			{Name: "", Content: strings.NewReader("b")},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "default_user", res.Identity)
	assert.Equal(t, "docker-compose.yaml", res.Files.Manifest)
	assert.Equal(t, []string{"Dockerfile.1"}, res.Files.Dockerfiles)
	assert.Equal(t, []string{"etc_passwd", "resource_2"}, res.Files.Resources)

	_, err = os.Stat(filepath.Join(env.root, "workload_default_user", "etc_passwd"))
	assert.NoError(t, err)
}

func TestDeploy_Validation(t *testing.T) {
	tests := []struct {
		name   string
		bundle Bundle
		want   error
	}{
		{
			name:   "missing manifest",
			bundle: Bundle{BuildFiles: []Artifact{{Name: "Dockerfile", Content: strings.NewReader("x")}}},
			want:   ErrValidation,
		},
		{
			name: "reserved script name",
			bundle: Bundle{
				Manifest:  manifestArtifact("container_name: webtop-ubuntu-xfce-bob\n"),
				Resources: []Artifact{{Name: "run.sh", Content: strings.NewReader("rm -rf /")}},
			},
			want: ErrValidation,
		},
		{
			name: "non-ASCII identity",
			bundle: Bundle{
				Manifest: manifestArtifact("container_name: webtop-ubuntu-xfce-bób\n"),
			},
			want: ErrInvalidIdentity,
		},
		{
			name: "identity too long",
			bundle: Bundle{
				Manifest: manifestArtifact("container_name: webtop-ubuntu-xfce-" + strings.Repeat("a", 65) + "\n"),
			},
			want: ErrInvalidIdentity,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupManager(t, false)
			before := snapshot(t, env.root)

			_, err := env.manager.Deploy(context.Background(), tt.bundle)

			assert.True(t, errors.Is(err, tt.want), "got %v", err)
			assert.Equal(t, before, snapshot(t, env.root))
			assert.Empty(t, env.launcher.scripts)
		})
	}
}

func TestDeploy_LaunchFailureIsInternal(t *testing.T) {
	env := setupManager(t, false)
	env.launcher.err = &launcher.LaunchError{Script: "run.sh", Err: launcher.ErrSpawnFailed}

	_, err := env.manager.Deploy(context.Background(), Bundle{Manifest: manifestArtifact(bobManifest)})

	assert.True(t, errors.Is(err, ErrInternal))
	assert.True(t, errors.Is(err, launcher.ErrSpawnFailed))
}

type panicReader struct{}

func (panicReader) Read(p []byte) (int, error) { panic("reader exploded") }

func TestDeploy_PanicIsRecoveredWithTrace(t *testing.T) {
	env := setupManager(t, false)

	res, err := env.manager.Deploy(context.Background(), Bundle{
		Manifest:  manifestArtifact(bobManifest),
		Resources: []Artifact{{Name: "bad", Content: panicReader{}}},
	})

	assert.Nil(t, res)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInternal))

	var lcErr *LifecycleError
	require.True(t, errors.As(err, &lcErr))
	assert.Equal(t, "bob", lcErr.ID)
	assert.Equal(t, "reader exploded", lcErr.Message)
	assert.Contains(t, lcErr.Trace, "goroutine")

	// The identity lock was released by the deferred unlock.
	assert.Equal(t, 0, env.manager.locks.size())
}

func TestDeploy_IndexesWorkload(t *testing.T) {
	env := setupManager(t, true)

	res, err := env.manager.Deploy(context.Background(), Bundle{Manifest: manifestArtifact(bobManifest)})
	require.NoError(t, err)

	rec, err := env.index.GetWorkload(context.Background(), "bob")
	require.NoError(t, err)
	assert.Equal(t, res.RunID, rec.RunID)
	assert.Equal(t, res.PID, rec.PID)
	require.NotNil(t, rec.Port)
	assert.Equal(t, 3030, *rec.Port)
	assert.Equal(t, workload.RunStateLaunched, rec.RunState)
}

// =============================================================================
// Status Tests
// =============================================================================

func TestStatus(t *testing.T) {
	env := setupManager(t, false)
	env.runtime.running["bob"] = true

	res, err := env.manager.Status(context.Background(), "bob")
	require.NoError(t, err)
	assert.True(t, res.Running)
	assert.Equal(t, "webtop-ubuntu-xfce-bob", res.Container)
	assert.Equal(t, "running", res.State)
	assert.Nil(t, res.LastRun)

	res, err = env.manager.Status(context.Background(), "never_deployed")
	require.NoError(t, err)
	assert.False(t, res.Running)
}

func TestStatus_InvalidIdentity(t *testing.T) {
	env := setupManager(t, false)

	_, err := env.manager.Status(context.Background(), "../etc")
	assert.True(t, errors.Is(err, ErrInvalidIdentity))
}

func TestStatus_RuntimeFailureIsInternal(t *testing.T) {
	env := setupManager(t, false)
	env.runtime.statusErr = docker.ErrRuntimeUnavailable

	_, err := env.manager.Status(context.Background(), "bob")
	assert.True(t, errors.Is(err, ErrInternal))
	assert.True(t, errors.Is(err, docker.ErrRuntimeUnavailable))
}

func TestStatus_IncludesLastRun(t *testing.T) {
	env := setupManager(t, true)
	ctx := context.Background()

	res, err := env.manager.Deploy(ctx, Bundle{Manifest: manifestArtifact(bobManifest)})
	require.NoError(t, err)

	env.manager.RecordRun(launcher.Result{RunID: res.RunID, PID: res.PID, Dir: res.Dir, ExitCode: 1, Output: "Error: Docker Compose failed\n"})

	st, err := env.manager.Status(ctx, "bob")
	require.NoError(t, err)
	require.NotNil(t, st.LastRun)
	assert.Equal(t, workload.RunStateFailed, st.LastRun.State)
	require.NotNil(t, st.LastRun.ExitCode)
	assert.Equal(t, 1, *st.LastRun.ExitCode)
	assert.Equal(t, "Error: Docker Compose failed\n", st.LastRun.Output)
}

func TestRecordRun_SupersededRunIsDropped(t *testing.T) {
	env := setupManager(t, true)
	ctx := context.Background()

	first, err := env.manager.Deploy(ctx, Bundle{Manifest: manifestArtifact(bobManifest)})
	require.NoError(t, err)
	env.launcher.runID = "run-second"
	second, err := env.manager.Deploy(ctx, Bundle{Manifest: manifestArtifact(bobManifest)})
	require.NoError(t, err)
	require.NotEqual(t, first.RunID, second.RunID)

	env.manager.RecordRun(launcher.Result{RunID: first.RunID, Dir: first.Dir, ExitCode: 3})

	rec, err := env.index.GetWorkload(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, "run-second", rec.RunID)
	assert.Equal(t, workload.RunStateLaunched, rec.RunState)
	assert.Nil(t, rec.ExitCode)
}

func TestRecordRun_WaitsForInFlightOperation(t *testing.T) {
	env := setupManager(t, true)
	ctx := context.Background()

	res, err := env.manager.Deploy(ctx, Bundle{Manifest: manifestArtifact(bobManifest)})
	require.NoError(t, err)

	unlock := env.manager.locks.Lock("bob")
	done := make(chan struct{})
	go func() {
		defer close(done)
		env.manager.RecordRun(launcher.Result{RunID: res.RunID, Dir: res.Dir, ExitCode: 0})
	}()

	select {
	case <-done:
		t.Fatal("RecordRun did not wait for the workload lock")
	case <-time.After(50 * time.Millisecond):
	}
	unlock()
	<-done

	rec, err := env.index.GetWorkload(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, workload.RunStateSucceeded, rec.RunState)
}

func TestRecordRun_IgnoresForeignDirAndMissingIndex(t *testing.T) {
	env := setupManager(t, false)
	assert.NotPanics(t, func() {
		env.manager.RecordRun(launcher.Result{RunID: "r", Dir: "/tmp/elsewhere"})
	})

	env = setupManager(t, true)
	assert.NotPanics(t, func() {
		env.manager.RecordRun(launcher.Result{RunID: "r", Dir: "/tmp/elsewhere"})
	})
}

// =============================================================================
// Stop Tests
// =============================================================================

func TestStop(t *testing.T) {
	env := setupManager(t, false)
	_, err := env.manager.Deploy(context.Background(), Bundle{Manifest: manifestArtifact(bobManifest)})
	require.NoError(t, err)
	env.runtime.downRes = docker.CommandResult{Stdout: "", Stderr: "Container webtop-ubuntu-xfce-bob Removed\n"}

	res, err := env.manager.Stop(context.Background(), "bob")
	require.NoError(t, err)

	assert.Equal(t, "docker-compose.yaml", res.Manifest)
	assert.Equal(t, "Container webtop-ubuntu-xfce-bob Removed\n", res.Stderr)
	require.Len(t, env.runtime.downCalls, 1)
	assert.Equal(t, filepath.Join(env.root, "workload_bob", "docker-compose.yaml"), env.runtime.downCalls[0])
}

func TestStop_NotFound(t *testing.T) {
	env := setupManager(t, false)

	_, err := env.manager.Stop(context.Background(), "ghost")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.True(t, IsNotFound(err))
	assert.Empty(t, env.runtime.downCalls)
}

func TestStop_NoManifestIsNotFound(t *testing.T) {
	env := setupManager(t, false)
	_, err := env.registry.Persist("bob", "notes.txt", strings.NewReader("hi"))
	require.NoError(t, err)

	_, err = env.manager.Stop(context.Background(), "bob")

	assert.True(t, errors.Is(err, ErrManifestNotFound))
	assert.True(t, IsNotFound(err))
	assert.False(t, errors.Is(err, ErrInternal))
	assert.Empty(t, env.runtime.downCalls)
}

func TestStop_CommandFailure(t *testing.T) {
	env := setupManager(t, false)
	_, err := env.manager.Deploy(context.Background(), Bundle{Manifest: manifestArtifact(bobManifest)})
	require.NoError(t, err)

	cmdRes := docker.CommandResult{ExitCode: 1, Stderr: "no configuration file provided"}
	env.runtime.downRes = cmdRes
	env.runtime.downErr = docker.NewExternalCommandError("Down", []string{"docker", "compose"}, cmdRes)

	res, err := env.manager.Stop(context.Background(), "bob")

	require.Error(t, err)
	var cmdErr *docker.ExternalCommandError
	assert.True(t, errors.As(err, &cmdErr))
	require.NotNil(t, res)
	assert.Equal(t, 1, res.ExitCode)
	assert.Equal(t, "no configuration file provided", res.Stderr)
}

// =============================================================================
// Cleanup Tests
// =============================================================================

func TestCleanup(t *testing.T) {
	env := setupManager(t, true)
	ctx := context.Background()
	_, err := env.manager.Deploy(ctx, Bundle{Manifest: manifestArtifact(bobManifest)})
	require.NoError(t, err)
	env.runtime.downErr = errors.New("daemon gone")

	res, err := env.manager.Cleanup(ctx, "bob")
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(env.root, "workload_bob"), res.Dir)
	_, statErr := os.Stat(res.Dir)
	assert.True(t, os.IsNotExist(statErr))
	assert.Len(t, env.runtime.downCalls, 1)

	_, err = env.index.GetWorkload(ctx, "bob")
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func TestStopAndCleanup_PickSavedManifestOverYAMLResource(t *testing.T) {
	tests := []struct {
		name      string
		withIndex bool
		manifest  Artifact
		id        string
	}{
		{
			name:      "saved name from index",
			withIndex: true,
			manifest:  Artifact{Name: "stack.yml", Content: strings.NewReader("services: {}\n")},
			id:        "default_user",
		},
		{
			name:     "container name in manifest",
			manifest: Artifact{Name: "stack.yml", Content: strings.NewReader(bobManifest)},
			id:       "bob",
		},
		{
			name:     "conventional compose name",
			manifest: Artifact{Name: "docker-compose.yaml", Content: strings.NewReader("services: {}\n")},
			id:       "default_user",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupManager(t, tt.withIndex)
			ctx := context.Background()
			res, err := env.manager.Deploy(ctx, Bundle{
				Manifest:  &tt.manifest,
				Resources: []Artifact{{Name: "app-config.yml", Content: strings.NewReader("log_level: debug\n")}},
			})
			require.NoError(t, err)
			require.Equal(t, tt.id, res.Identity)
			want := filepath.Join(res.Dir, tt.manifest.Name)

			stopped, err := env.manager.Stop(ctx, tt.id)
			require.NoError(t, err)
			assert.Equal(t, tt.manifest.Name, stopped.Manifest)

			_, err = env.manager.Cleanup(ctx, tt.id)
			require.NoError(t, err)
			assert.Equal(t, []string{want, want}, env.runtime.downCalls)
		})
	}
}

func TestCleanup_NotFoundDoesNotMutate(t *testing.T) {
	env := setupManager(t, false)
	_, err := env.registry.Persist("alice", "docker-compose.yaml", strings.NewReader("x"))
	require.NoError(t, err)
	before := snapshot(t, env.root)

	_, err = env.manager.Cleanup(context.Background(), "bob")

	assert.True(t, errors.Is(err, ErrNotFound))
	assert.Equal(t, before, snapshot(t, env.root))
	assert.Empty(t, env.runtime.downCalls)
}

// =============================================================================
// List Tests
// =============================================================================

func TestList_EmptyRegistry(t *testing.T) {
	env := setupManager(t, false)

	entries, err := env.manager.List(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, entries)
	assert.Len(t, entries, 0)
}

func TestList_MissingRoot(t *testing.T) {
	reg := registry.New(filepath.Join(t.TempDir(), "absent"), "")
	m := NewManager(reg, newFakeRuntime(), &fakeLauncher{}, nil, DefaultConfig(), nil)

	entries, err := m.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestList_ReportsRunningState(t *testing.T) {
	env := setupManager(t, true)
	ctx := context.Background()

	for _, body := range []string{bobManifest, "container_name: webtop-ubuntu-xfce-alice\n", "container_name: webtop-ubuntu-xfce-carol\n"} {
		_, err := env.manager.Deploy(ctx, Bundle{Manifest: manifestArtifact(body)})
		require.NoError(t, err)
	}
	env.runtime.running["bob"] = true
	env.runtime.checkErr["carol"] = docker.ErrRuntimeUnavailable

	entries, err := env.manager.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	assert.Equal(t, "alice", entries[0].Identity)
	assert.False(t, entries[0].Running)
	assert.Empty(t, entries[0].ContainerName)
	assert.Nil(t, entries[0].Port)

	assert.Equal(t, "bob", entries[1].Identity)
	assert.True(t, entries[1].Running)
	assert.Equal(t, "webtop-ubuntu-xfce-bob", entries[1].ContainerName)
	require.NotNil(t, entries[1].Port)
	assert.Equal(t, 3030, *entries[1].Port)

	assert.Equal(t, "carol", entries[2].Identity)
	assert.False(t, entries[2].Running)
	assert.Equal(t, filepath.Join(env.root, "workload_carol"), entries[2].Dir)
}
