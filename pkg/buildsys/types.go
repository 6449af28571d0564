package buildsys

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.starlark.net/starlark"
	starsyntax "go.starlark.net/syntax"
)

// BuildTask is the contract between a project and the host that drives it.
type BuildTask interface {
	// String returns a label for progress output
	String() string
	Build(ctx context.Context) error
	// NeedsBuild reports whether Build has to run given the newest input timestamp and why
	NeedsBuild(newestInput time.Time) (bool, string)
	Clean(ctx context.Context, forBuild bool) error
}

// Project contains the values passed to project() by the suite script
type Project struct {
	Suite   *Suite
	Name    string
	Desc    string
	Dir     string
	SubDir  string
	Deps    []string
	Results []string
}

// SourceDir returns the directory holding the project's C sources
func (p *Project) SourceDir() string {
	return filepath.Join(p.Dir, "src", p.Name, p.SubDir)
}

// OutputDir returns the directory the project's artifacts are written to
func (p *Project) OutputDir(outputBase string) string {
	return filepath.Join(outputBase, p.Name)
}

// GetBuildTask creates the task that builds this project
func (p *Project) GetBuildTask(outputBase string, opts TaskOptions) BuildTask {
	return NewSourceCompileTask(p, outputBase, opts)
}

// ProjectList maps project names to each project
type ProjectList map[string]*Project

// Names returns the sorted project names
func (l ProjectList) Names() []string {
	names := make([]string, 0, len(l))
	for name := range l {
		names = append(names, name)
	}

	sort.Strings(names)
	return names
}

// Suite groups the projects declared by a single suite file
type Suite struct {
	Name       string
	Dir        string
	OutputBase string
	Env        map[string]string
	Projects   ProjectList
	Options    map[string]ScriptOption
}

// ResolveOutputBase picks the output base: the override, then the suite's declaration, then <suite dir>/build.
// Relative paths are resolved against the suite directory.
func (s *Suite) ResolveOutputBase(override string) string {
	base := override
	if base == "" {
		base = s.OutputBase
	}
	if base == "" {
		base = "build"
	}

	if !filepath.IsAbs(base) {
		base = filepath.Join(s.Dir, base)
	}
	return filepath.Clean(base)
}

// Project looks up a project by name
func (s *Suite) Project(name string) (*Project, error) {
	project, ok := s.Projects[name]
	if !ok {
		return nil, eris.Errorf("Project %s not found", name)
	}
	return project, nil
}

type ScriptOption struct {
	DefaultValue starlark.String
	Help         string
}

func (o ScriptOption) Default() string {
	return o.DefaultValue.GoString()
}

// Implement starlark.Value for *Project so that scripts can pass projects to deps

// String returns a string representation of the project
func (p *Project) String() string {
	return fmt.Sprintf("<Project %s>", p.Name)
}

// Type always returns "project" to indicate this type
func (p *Project) Type() string {
	return "project"
}

// Freeze doesn't do anything since projects are immutable anyway
func (p *Project) Freeze() {}

// Truth always returns true since a project can't be nil or None
func (p *Project) Truth() starlark.Bool {
	return starlark.True
}

// Hash uses the project name since names are unique within a suite
func (p *Project) Hash() (uint32, error) {
	return starlark.String(p.Name).Hash()
}

type StarlarkPath string

func (p StarlarkPath) String() string {
	return starlark.String(p).String()
}

func (p StarlarkPath) Type() string {
	return "path"
}

func (p StarlarkPath) Freeze() {}

func (p StarlarkPath) Truth() starlark.Bool {
	return p != ""
}

func (p StarlarkPath) Hash() (uint32, error) {
	return starlark.String(p).Hash()
}

func (p StarlarkPath) CompareSameType(op starsyntax.Token, y_ starlark.Value, depth int) (bool, error) {
	y := y_.(StarlarkPath)

	switch op {
	case starsyntax.EQL:
		return p == y, nil
	case starsyntax.NEQ:
		return p != y, nil
	case starsyntax.LT:
		return p < y, nil
	case starsyntax.LE:
		return p <= y, nil
	case starsyntax.GT:
		return p > y, nil
	case starsyntax.GE:
		return p >= y, nil
	}

	return false, eris.Errorf("unknown operator %v", op)
}

func (p StarlarkPath) Index(i int) starlark.Value {
	return starlark.String(p[i])
}

func (p StarlarkPath) Len() int {
	return len(p)
}

func (p StarlarkPath) Slice(start, end, step int) starlark.Value {
	return starlark.String(p).Slice(start, end, step)
}
