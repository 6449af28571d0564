package buildsys

import (
	"context"
	"fmt"
	"io/ioutil"
	"path/filepath"
	"runtime"

	"github.com/rotisserie/eris"
	"go.starlark.net/starlark"
)

type parserCtx struct {
	ctx          context.Context
	suite        *Suite
	options      map[string]ScriptOption
	optionValues map[string]string
	envOverrides map[string]string
	yamlCache    map[string]interface{}
	filepath     string
	suiteDir     string
	initPhase    bool
}

// * Helpers

func getCtx(thread *starlark.Thread) *parserCtx {
	return thread.Local("parserCtx").(*parserCtx)
}

type starlarkIterable interface {
	Len() int
	Iterate() starlark.Iterator
}

func starlarkIterable2stringSlice(input starlarkIterable, field string) ([]string, error) {
	if value, ok := input.(*starlark.List); ok && value == nil {
		return []string{}, nil
	}

	result := make([]string, 0, input.Len())
	iter := input.Iterate()
	defer iter.Done()

	var item starlark.Value
	for iter.Next(&item) {
		switch value := item.(type) {
		case starlark.String:
			result = append(result, value.GoString())
		case *Project:
			result = append(result, value.Name)
		default:
			return nil, eris.Errorf("expected all items in %s to be strings but found %s", field, item.Type())
		}
	}
	return result, nil
}

func info(thread *starlark.Thread, msg string, args ...interface{}) {
	ctx := getCtx(thread)
	pos := thread.CallFrame(1).Pos

	log(ctx.ctx).Info().
		Msgf("%s:%d:%d: %s", simplifyPath(ctx, ctx.filepath), pos.Line, pos.Col, fmt.Sprintf(msg, args...))
}

func warn(thread *starlark.Thread, msg string, args ...interface{}) {
	ctx := getCtx(thread)
	pos := thread.CallFrame(1).Pos

	log(ctx.ctx).Warn().
		Msgf("%s:%d:%d: %s", simplifyPath(ctx, ctx.filepath), pos.Line, pos.Col, fmt.Sprintf(msg, args...))
}

// * Builtin functions

func option(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	var defaultValue starlark.String
	var help string

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "name", &name, "default?", &defaultValue, "help?", &help)
	if err != nil {
		return nil, err
	}

	ctx := getCtx(thread)
	if !ctx.initPhase {
		return nil, eris.New("can only be called during the init phase (in the global scope)")
	}

	ctx.options[name] = ScriptOption{
		DefaultValue: defaultValue,
		Help:         help,
	}

	value, ok := ctx.optionValues[name]
	if ok {
		return starlark.String(value), nil
	}

	return defaultValue, nil
}

func suite(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	ctx := getCtx(thread)
	name := ctx.suite.Name
	var output starlark.Value

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "name?", &name, "output?", &output)
	if err != nil {
		return nil, err
	}

	if !ctx.initPhase {
		return nil, eris.New("can only be called during the init phase (in the global scope)")
	}

	ctx.suite.Name = name
	switch value := output.(type) {
	case nil:
	case starlark.String:
		ctx.suite.OutputBase = normalizePath(ctx, value.GoString())
	case StarlarkPath:
		ctx.suite.OutputBase = string(value)
	default:
		return nil, eris.Errorf("for parameter output: got %s, want path or string", output.Type())
	}

	return starlark.None, nil
}

func project(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var deps *starlark.List
	var results *starlark.List

	ctx := getCtx(thread)
	project := &Project{
		Suite: ctx.suite,
		Dir:   ctx.suiteDir,
	}

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "name", &project.Name, "subdir?", &project.SubDir,
		"deps?", &deps, "results?", &results, "desc?", &project.Desc)
	if err != nil {
		return nil, err
	}

	if ctx.initPhase {
		return nil, eris.New("projects can only be declared inside configure()")
	}

	if project.Name == "" {
		return nil, eris.New("project name must not be empty")
	}

	if _, exists := ctx.suite.Projects[project.Name]; exists {
		return nil, eris.Errorf("project %s was declared twice", project.Name)
	}

	project.Deps, err = starlarkIterable2stringSlice(deps, "deps")
	if err != nil {
		return nil, err
	}

	project.Results, err = starlarkIterable2stringSlice(results, "results")
	if err != nil {
		return nil, err
	}

	for _, pattern := range project.Results {
		if _, err := filepath.Match(pattern, ""); err != nil {
			return nil, eris.Wrapf(err, "invalid result pattern %s", pattern)
		}
	}

	ctx.suite.Projects[project.Name] = project
	return project, nil
}

// LoadSuite executes a suite script and returns the declared suite. The script's global scope may
// declare options and suite settings; projects are declared by its configure function.
func LoadSuite(ctx context.Context, filename string, options map[string]string) (*Suite, error) {
	filename, err := filepath.Abs(filename)
	if err != nil {
		return nil, err
	}

	suiteDir := filepath.Dir(filename)
	builtins := starlark.StringDict{
		"OS":           starlark.String(runtime.GOOS),
		"ARCH":         starlark.String(runtime.GOARCH),
		"info":         starlark.NewBuiltin("info", starInfo),
		"warn":         starlark.NewBuiltin("warn", starWarn),
		"error":        starlark.NewBuiltin("error", starError),
		"resolve_path": starlark.NewBuiltin("resolve_path", resolvePath),
		"option":       starlark.NewBuiltin("option", option),
		"suite":        starlark.NewBuiltin("suite", suite),
		"project":      starlark.NewBuiltin("project", project),
		"getenv":       starlark.NewBuiltin("getenv", getenv),
		"setenv":       starlark.NewBuiltin("setenv", setenv),
		"prepend_path": starlark.NewBuiltin("prepend_path", prependPathDir),
		"read_yaml":    starlark.NewBuiltin("read_yaml", readYaml),
		"isdir":        starlark.NewBuiltin("isdir", starIsdir),
		"isfile":       starlark.NewBuiltin("isfile", starIsfile),
		"execute":      starlark.NewBuiltin("execute", starExec),
	}

	thread := &starlark.Thread{
		Name: "main",
		Print: func(thread *starlark.Thread, msg string) {
			log(ctx).Info().Str("thread", thread.Name).Msg(msg)
		},
	}

	if options == nil {
		options = map[string]string{}
	}

	threadCtx := parserCtx{
		ctx: ctx,
		suite: &Suite{
			Name:     filepath.Base(suiteDir),
			Dir:      suiteDir,
			Projects: ProjectList{},
		},
		filepath:     filename,
		suiteDir:     suiteDir,
		options:      make(map[string]ScriptOption),
		optionValues: options,
		envOverrides: make(map[string]string),
		yamlCache:    make(map[string]interface{}),
		initPhase:    true,
	}
	thread.SetLocal("parserCtx", &threadCtx)

	script, err := ioutil.ReadFile(filename)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to read file %s", filename)
	}

	shortName := simplifyPath(&threadCtx, filename)
	globals, err := starlark.ExecFile(thread, shortName, script, builtins)
	if err != nil {
		if evalError, ok := err.(*starlark.EvalError); ok {
			return nil, eris.Errorf("failed to execute %s:\n%s", shortName, evalError.Backtrace())
		}
		return nil, eris.Wrapf(err, "failed to execute %s", shortName)
	}

	configure, ok := globals["configure"]
	if !ok {
		return nil, eris.Errorf("%s did not declare a configure function", shortName)
	}

	configureFunc, ok := configure.(starlark.Callable)
	if !ok {
		return nil, eris.Errorf("%s did declare a configure value but it's not a function", shortName)
	}

	threadCtx.initPhase = false
	_, err = starlark.Call(thread, configureFunc, starlark.Tuple{}, nil)
	if err != nil {
		if evalError, ok := err.(*starlark.EvalError); ok {
			return nil, eris.New(evalError.Backtrace())
		}
		return nil, eris.Wrapf(err, "failed configure call in %s", shortName)
	}

	result := threadCtx.suite
	result.Env = threadCtx.envOverrides
	result.Options = threadCtx.options

	err = checkDependencies(result)
	if err != nil {
		return nil, eris.Wrapf(err, "invalid suite %s", shortName)
	}

	return result, nil
}

// checkDependencies rejects unknown and cyclic project dependencies
func checkDependencies(suite *Suite) error {
	const (
		visiting = 1
		done     = 2
	)
	state := make(map[string]int, len(suite.Projects))

	var visit func(name string, path []string) error
	visit = func(name string, path []string) error {
		switch state[name] {
		case done:
			return nil
		case visiting:
			return eris.Errorf("dependency cycle: %v", append(path, name))
		}

		project, ok := suite.Projects[name]
		if !ok {
			return eris.Errorf("project %s depends on unknown project %s", path[len(path)-1], name)
		}

		state[name] = visiting
		for _, dep := range project.Deps {
			err := visit(dep, append(path, name))
			if err != nil {
				return err
			}
		}
		state[name] = done
		return nil
	}

	for _, name := range suite.Projects.Names() {
		err := visit(name, nil)
		if err != nil {
			return err
		}
	}
	return nil
}
