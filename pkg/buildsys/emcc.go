package buildsys

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// ToolchainEnvVar names the directory that contains the emcc binary
const ToolchainEnvVar = "EMCC_DIR"

// DefaultCompiler is the binary looked up inside the toolchain directory
const DefaultCompiler = "emcc"

// DefaultCompileFlags are passed to every compiler invocation
var DefaultCompileFlags = []string{"-Os"}

var (
	// ErrUnknownExtension is returned when the source tree contains a file that isn't a C source
	ErrUnknownExtension = eris.New("unknown extension")
	// ErrCompilerFailed is returned when the compiler exits with an error
	ErrCompilerFailed = eris.New("compiler failed")
)

// CommandRunner runs an external process with the given environment and waits for it to exit
type CommandRunner func(ctx context.Context, env []string, args []string) error

// TaskOptions holds everything a task would otherwise look up from its surroundings
type TaskOptions struct {
	Env Environ
	// ToolchainDir takes precedence over EMCC_DIR in Env
	ToolchainDir      string
	Compiler          string
	Flags             []string
	AlwaysRebuild     bool
	DryRun            bool
	VersionConstraint string
	Runner            CommandRunner
}

func runCommand(ctx context.Context, env []string, args []string) error {
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Env = env
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	return cmd.Run()
}

// SourceCompileTask compiles every C file of a project with emcc into <output base>/<project>
type SourceCompileTask struct {
	project    *Project
	outputBase string
	sourceDir  string
	outputDir  string
	opts       TaskOptions
}

// NewSourceCompileTask derives the source and output directories for project and fills in defaults
func NewSourceCompileTask(project *Project, outputBase string, opts TaskOptions) *SourceCompileTask {
	if opts.Compiler == "" {
		opts.Compiler = DefaultCompiler
	}
	if opts.Flags == nil {
		opts.Flags = DefaultCompileFlags
	}
	if opts.Runner == nil {
		opts.Runner = runCommand
	}

	return &SourceCompileTask{
		project:    project,
		outputBase: outputBase,
		sourceDir:  project.SourceDir(),
		outputDir:  project.OutputDir(outputBase),
		opts:       opts,
	}
}

func (t *SourceCompileTask) String() string {
	return "Building " + t.project.Name + " with Emscripten"
}

// SourceDir returns the directory the task reads from
func (t *SourceCompileTask) SourceDir() string {
	return t.sourceDir
}

// OutputDir returns the directory the task writes to
func (t *SourceCompileTask) OutputDir() string {
	return t.outputDir
}

// CompilerPath returns the path of the compiler binary or an empty string if no toolchain is configured
func (t *SourceCompileTask) CompilerPath() string {
	dir := t.opts.ToolchainDir
	if dir == "" {
		dir = t.opts.Env.Get(ToolchainEnvVar)
	}
	if dir == "" {
		return ""
	}

	return filepath.Join(dir, t.opts.Compiler)
}

// Build compiles each source file. A missing toolchain only produces a warning.
func (t *SourceCompileTask) Build(ctx context.Context) error {
	err := os.MkdirAll(t.outputDir, 0755)
	if err != nil {
		return eris.Wrapf(err, "failed to create output directory %s", t.outputDir)
	}

	compiler := t.CompilerPath()
	if compiler == "" {
		log(ctx).Warn().
			Str("project", t.project.Name).
			Msgf("No %s specified - the source programs will not be compiled to .js and .wasm.", ToolchainEnvVar)
		return nil
	}

	if t.opts.VersionConstraint != "" && !t.opts.DryRun {
		err = CheckToolchainVersion(ctx, compiler, t.opts.VersionConstraint)
		if err != nil {
			return err
		}
	}

	commands, err := t.Commands(compiler)
	if err != nil {
		return err
	}

	if len(commands) == 0 {
		log(ctx).Warn().
			Str("project", t.project.Name).
			Str("path", t.sourceDir).
			Msgf("No source files found in %s", t.sourceDir)
		return nil
	}

	log(ctx).Info().
		Str("project", t.project.Name).
		Str("path", t.sourceDir).
		Msgf("Building files from the source dir: %s", t.sourceDir)

	env := t.opts.Env.List()
	for _, cmd := range commands {
		log(ctx).Info().
			Str("project", t.project.Name).
			Bool("command", true).
			Msg(formatCommand(cmd.Args))

		if t.opts.DryRun {
			continue
		}

		err = t.opts.Runner(ctx, env, cmd.Args)
		if err != nil {
			return eris.Wrapf(ErrCompilerFailed, "failed to compile %s: %v", cmd.Input, err)
		}
	}

	return nil
}

// CompileCommand describes a single compiler invocation
type CompileCommand struct {
	Input  string
	Output string
	Args   []string
}

// Commands lists the compiler invocations for every source file in a stable order. All output names
// are computed up front so that a stray file aborts the build before anything runs.
func (t *SourceCompileTask) Commands(compiler string) ([]CompileCommand, error) {
	sources, err := t.sources()
	if err != nil {
		return nil, err
	}

	prefix := append([]string{compiler}, t.opts.Flags...)
	seen := make(map[string]string, len(sources))
	commands := make([]CompileCommand, 0, len(sources))
	for _, path := range sources {
		name, err := OutputName(filepath.Base(path))
		if err != nil {
			return nil, eris.Wrapf(err, "in %s", path)
		}

		output := filepath.Join(t.outputDir, name)
		if other, ok := seen[output]; ok {
			return nil, eris.Errorf("%s and %s would both be compiled to %s", other, path, output)
		}
		seen[output] = path

		args := make([]string, 0, len(prefix)+3)
		args = append(args, prefix...)
		args = append(args, path, "-o", output)
		commands = append(commands, CompileCommand{
			Input:  path,
			Output: output,
			Args:   args,
		})
	}

	return commands, nil
}

func (t *SourceCompileTask) sources() ([]string, error) {
	_, err := os.Stat(t.sourceDir)
	if eris.Is(err, os.ErrNotExist) {
		return nil, nil
	}

	result := []string{}
	err = filepath.Walk(t.sourceDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		if info.Mode().IsRegular() {
			result = append(result, path)
		}
		return nil
	})
	if err != nil {
		return nil, eris.Wrapf(err, "failed to read source dir %s", t.sourceDir)
	}

	sort.Strings(result)
	return result, nil
}

// OutputName maps a C source file name to the name of the generated JavaScript loader
func OutputName(filename string) (string, error) {
	if strings.HasSuffix(filename, ".c") && len(filename) > 2 {
		return filename[:len(filename)-2] + ".js", nil
	}

	return "", eris.Wrapf(ErrUnknownExtension, "Unknown extension: %s", filename)
}

// NeedsBuild always requests a build unless the rebuild policy is disabled, in which case the
// outputs are compared with the newest input.
func (t *SourceCompileTask) NeedsBuild(newestInput time.Time) (bool, string) {
	if t.opts.AlwaysRebuild {
		return true, "always rebuilt"
	}

	newestOutput, err := newestModTime(t.outputDir)
	if err != nil {
		return true, err.Error()
	}

	if newestOutput.IsZero() {
		return true, "no outputs"
	}

	if newestInput.After(newestOutput) {
		return true, "inputs are newer than outputs"
	}

	return false, "outputs are up to date"
}

// Clean leaves all generated files in place.
func (t *SourceCompileTask) Clean(ctx context.Context, forBuild bool) error {
	log(ctx).Debug().
		Str("project", t.project.Name).
		Bool("forBuild", forBuild).
		Msgf("%s is not cleaned", t.outputDir)
	return nil
}
