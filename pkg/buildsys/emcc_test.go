package buildsys

import (
	"bytes"
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testToolchain = "/opt/emsdk/upstream/emscripten"

func newTestProject(t *testing.T, subDir string, files ...string) (*Project, string) {
	t.Helper()

	dir := t.TempDir()
	suite := &Suite{Name: "test", Dir: dir, Projects: ProjectList{}}
	project := &Project{Suite: suite, Name: "demo", Dir: dir, SubDir: subDir}
	suite.Projects[project.Name] = project

	for _, name := range files {
		path := filepath.Join(project.SourceDir(), name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, ioutil.WriteFile(path, []byte("int main() { return 0; }\n"), 0644))
	}

	return project, filepath.Join(dir, "build")
}

func testLogger() (context.Context, *bytes.Buffer) {
	buf := &bytes.Buffer{}
	logger := zerolog.New(buf)
	return WithLogger(context.Background(), &logger), buf
}

type recordingRunner struct {
	calls  [][]string
	failOn string
}

func (r *recordingRunner) run(ctx context.Context, env []string, args []string) error {
	r.calls = append(r.calls, args)
	if r.failOn != "" && filepath.Base(args[len(args)-3]) == r.failOn {
		return eris.New("exit status 1")
	}
	return nil
}

func toolchainOpts(runner *recordingRunner) TaskOptions {
	return TaskOptions{
		Env:           Environ{ToolchainEnvVar: testToolchain},
		AlwaysRebuild: true,
		Runner:        runner.run,
	}
}

func TestOutputName(t *testing.T) {
	name, err := OutputName("hello.c")
	require.NoError(t, err)
	assert.Equal(t, "hello.js", name)

	name, err = OutputName("archive.tar.c")
	require.NoError(t, err)
	assert.Equal(t, "archive.tar.js", name)

	for _, bad := range []string{"readme.txt", "header.h", "main.cpp", "Makefile", ".c"} {
		_, err = OutputName(bad)
		assert.True(t, eris.Is(err, ErrUnknownExtension), bad)
		assert.Contains(t, err.Error(), "Unknown extension: "+bad)
	}
}

func TestPathsFollowProjectLayout(t *testing.T) {
	project, outputBase := newTestProject(t, "wasm")
	task := NewSourceCompileTask(project, outputBase, TaskOptions{})

	assert.Equal(t, filepath.Join(project.Dir, "src", "demo", "wasm"), task.SourceDir())
	assert.Equal(t, filepath.Join(outputBase, "demo"), task.OutputDir())
	assert.Equal(t, "Building demo with Emscripten", task.String())
}

func TestBuildWithoutToolchain(t *testing.T) {
	project, outputBase := newTestProject(t, "", "a.c", "b.c")
	runner := &recordingRunner{}
	ctx, logs := testLogger()

	task := NewSourceCompileTask(project, outputBase, TaskOptions{Env: Environ{}, Runner: runner.run})
	require.NoError(t, task.Build(ctx))

	assert.Empty(t, runner.calls)
	assert.DirExists(t, task.OutputDir())
	assert.Contains(t, logs.String(), `"level":"warn"`)
	assert.Contains(t, logs.String(), "No EMCC_DIR specified")
}

func TestBuildCompilesEachSource(t *testing.T) {
	project, outputBase := newTestProject(t, "", "a.c", "nested/b.c")
	runner := &recordingRunner{}
	ctx, logs := testLogger()

	task := NewSourceCompileTask(project, outputBase, toolchainOpts(runner))
	require.NoError(t, task.Build(ctx))

	compiler := filepath.Join(testToolchain, "emcc")
	src := project.SourceDir()
	out := task.OutputDir()
	assert.Equal(t, [][]string{
		{compiler, "-Os", filepath.Join(src, "a.c"), "-o", filepath.Join(out, "a.js")},
		{compiler, "-Os", filepath.Join(src, "nested", "b.c"), "-o", filepath.Join(out, "b.js")},
	}, runner.calls)
	assert.Contains(t, logs.String(), "Building files from the source dir")
}

func TestBuildUsesConfiguredToolchain(t *testing.T) {
	project, outputBase := newTestProject(t, "", "a.c")
	runner := &recordingRunner{}
	opts := toolchainOpts(runner)
	opts.ToolchainDir = "/usr/lib/emscripten"
	opts.Flags = []string{"-O2", "-sWASM=1"}

	task := NewSourceCompileTask(project, outputBase, opts)
	require.NoError(t, task.Build(context.Background()))

	require.Len(t, runner.calls, 1)
	assert.Equal(t, []string{filepath.Join("/usr/lib/emscripten", "emcc"), "-O2", "-sWASM=1"}, runner.calls[0][:3])
}

func TestBuildRejectsUnknownExtension(t *testing.T) {
	project, outputBase := newTestProject(t, "", "a.c", "readme.txt")
	runner := &recordingRunner{}

	task := NewSourceCompileTask(project, outputBase, toolchainOpts(runner))
	err := task.Build(context.Background())

	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrUnknownExtension))
	assert.Contains(t, err.Error(), "Unknown extension: readme.txt")
	assert.Empty(t, runner.calls)
}

func TestBuildRejectsDuplicateOutputs(t *testing.T) {
	project, outputBase := newTestProject(t, "", "one/main.c", "two/main.c")
	runner := &recordingRunner{}

	task := NewSourceCompileTask(project, outputBase, toolchainOpts(runner))
	err := task.Build(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "main.js")
	assert.Empty(t, runner.calls)
}

func TestBuildStopsAtFirstFailure(t *testing.T) {
	project, outputBase := newTestProject(t, "", "a.c", "b.c", "c.c")
	runner := &recordingRunner{failOn: "b.c"}

	task := NewSourceCompileTask(project, outputBase, toolchainOpts(runner))
	err := task.Build(context.Background())

	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrCompilerFailed))
	assert.Len(t, runner.calls, 2)
}

func TestBuildMissingSourceDir(t *testing.T) {
	project, outputBase := newTestProject(t, "")
	runner := &recordingRunner{}
	ctx, logs := testLogger()

	task := NewSourceCompileTask(project, outputBase, toolchainOpts(runner))
	require.NoError(t, task.Build(ctx))

	assert.Empty(t, runner.calls)
	assert.Contains(t, logs.String(), "No source files found")
}

func TestBuildTwice(t *testing.T) {
	project, outputBase := newTestProject(t, "", "a.c")
	runner := &recordingRunner{}

	task := NewSourceCompileTask(project, outputBase, toolchainOpts(runner))
	require.NoError(t, task.Build(context.Background()))
	require.NoError(t, task.Build(context.Background()))

	assert.Len(t, runner.calls, 2)
	assert.Equal(t, runner.calls[0], runner.calls[1])
}

func TestDryRunOnlyLogs(t *testing.T) {
	project, outputBase := newTestProject(t, "", "a.c")
	runner := &recordingRunner{}
	ctx, logs := testLogger()

	opts := toolchainOpts(runner)
	opts.DryRun = true
	task := NewSourceCompileTask(project, outputBase, opts)
	require.NoError(t, task.Build(ctx))

	assert.Empty(t, runner.calls)
	assert.Contains(t, logs.String(), `"command":true`)
	assert.Contains(t, logs.String(), "-Os")
}

func TestNeedsBuild(t *testing.T) {
	project, outputBase := newTestProject(t, "", "a.c")

	task := NewSourceCompileTask(project, outputBase, TaskOptions{AlwaysRebuild: true})
	needed, reason := task.NeedsBuild(time.Time{})
	assert.True(t, needed)
	assert.Equal(t, "always rebuilt", reason)

	needed, _ = task.NeedsBuild(time.Now().Add(-time.Hour))
	assert.True(t, needed)
}

func TestNeedsBuildComparesTimestamps(t *testing.T) {
	project, outputBase := newTestProject(t, "", "a.c")
	task := NewSourceCompileTask(project, outputBase, TaskOptions{})

	needed, reason := task.NeedsBuild(time.Now())
	assert.True(t, needed)
	assert.Equal(t, "no outputs", reason)

	output := filepath.Join(task.OutputDir(), "a.js")
	require.NoError(t, os.MkdirAll(task.OutputDir(), 0755))
	require.NoError(t, ioutil.WriteFile(output, []byte("//"), 0644))

	stamp := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(output, stamp, stamp))

	needed, reason = task.NeedsBuild(stamp.Add(-time.Minute))
	assert.False(t, needed)
	assert.Equal(t, "outputs are up to date", reason)

	needed, reason = task.NeedsBuild(stamp.Add(time.Minute))
	assert.True(t, needed)
	assert.Equal(t, "inputs are newer than outputs", reason)
}

func TestCleanKeepsOutputs(t *testing.T) {
	project, outputBase := newTestProject(t, "", "a.c")
	task := NewSourceCompileTask(project, outputBase, TaskOptions{})

	output := filepath.Join(task.OutputDir(), "a.js")
	require.NoError(t, os.MkdirAll(task.OutputDir(), 0755))
	require.NoError(t, ioutil.WriteFile(output, []byte("//"), 0644))

	require.NoError(t, task.Clean(context.Background(), false))
	require.NoError(t, task.Clean(context.Background(), true))
	assert.FileExists(t, output)
}

func writeScript(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, ioutil.WriteFile(path, []byte("#!/bin/sh\n"+content), 0755))
}

func TestBuildWithFakeCompiler(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs a POSIX shell")
	}

	project, outputBase := newTestProject(t, "", "a.c", "b.c")
	toolchain := t.TempDir()
	writeScript(t, filepath.Join(toolchain, "emcc"), `out=""
while [ $# -gt 0 ]; do
  if [ "$1" = "-o" ]; then out="$2"; fi
  shift
done
echo "// generated" > "$out"
`)

	task := NewSourceCompileTask(project, outputBase, TaskOptions{
		Env:           Environ{ToolchainEnvVar: toolchain, "PATH": os.Getenv("PATH")},
		AlwaysRebuild: true,
	})
	require.NoError(t, task.Build(context.Background()))

	assert.FileExists(t, filepath.Join(task.OutputDir(), "a.js"))
	assert.FileExists(t, filepath.Join(task.OutputDir(), "b.js"))
}

func TestBuildWithFailingCompiler(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs a POSIX shell")
	}

	project, outputBase := newTestProject(t, "", "a.c")
	toolchain := t.TempDir()
	writeScript(t, filepath.Join(toolchain, "emcc"), "exit 1\n")

	task := NewSourceCompileTask(project, outputBase, TaskOptions{
		Env: Environ{ToolchainEnvVar: toolchain},
	})
	err := task.Build(context.Background())
	assert.True(t, eris.Is(err, ErrCompilerFailed))
}
