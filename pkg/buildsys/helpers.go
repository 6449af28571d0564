package buildsys

import (
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.starlark.net/starlark"
	"mvdan.cc/sh/v3/syntax"
)

// Environ is a snapshot of environment variables handed to tasks instead of reading os.Getenv
type Environ map[string]string

func envKey(name string) string {
	if runtime.GOOS == "windows" {
		return strings.ToUpper(name)
	}
	return name
}

// EnvironFromList parses KEY=VALUE pairs as returned by os.Environ()
func EnvironFromList(list []string) Environ {
	env := make(Environ, len(list))
	for _, item := range list {
		parts := strings.SplitN(item, "=", 2)
		if len(parts) < 2 || parts[0] == "" {
			continue
		}

		env[envKey(parts[0])] = parts[1]
	}
	return env
}

// CurrentEnviron captures the process environment
func CurrentEnviron() Environ {
	return EnvironFromList(os.Environ())
}

// Merge returns a copy of the environment with the given overrides applied
func (e Environ) Merge(overrides map[string]string) Environ {
	result := make(Environ, len(e)+len(overrides))
	for k, v := range e {
		result[k] = v
	}
	for k, v := range overrides {
		result[envKey(k)] = v
	}
	return result
}

// Get returns the value for name or an empty string
func (e Environ) Get(name string) string {
	return e[envKey(name)]
}

// List returns the environment as sorted KEY=VALUE pairs. A nil environment yields nil so that
// child processes inherit the parent's environment.
func (e Environ) List() []string {
	if e == nil {
		return nil
	}

	result := make([]string, 0, len(e))
	for k, v := range e {
		result = append(result, k+"="+v)
	}
	sort.Strings(result)
	return result
}

func normalizePath(ctx *parserCtx, pathList ...string) string {
	result := filepath.Dir(ctx.filepath)

	for _, path := range pathList {
		if strings.HasPrefix(path, "//") {
			result = filepath.Join(ctx.suiteDir, path[2:])
		} else if strings.HasPrefix(path, "/") {
			result = filepath.Join(filepath.VolumeName(result), path)
		} else if !filepath.IsAbs(path) {
			result = filepath.Join(result, path)
		} else {
			result = path
		}
	}

	return filepath.Clean(result)
}

func simplifyPath(ctx *parserCtx, path string) string {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return path
	}

	rel, err := filepath.Rel(ctx.suiteDir, absPath)
	if err != nil || strings.HasPrefix(rel, "..") {
		return path
	}
	return "//" + filepath.ToSlash(rel)
}

// newestModTime returns the latest modification time of any regular file below root. A missing root
// yields the zero time.
func newestModTime(root string) (time.Time, error) {
	var newest time.Time

	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if eris.Is(err, os.ErrNotExist) && path == root {
				return filepath.SkipDir
			}
			return err
		}

		if info.Mode().IsRegular() && info.ModTime().After(newest) {
			newest = info.ModTime()
		}
		return nil
	})
	if err != nil {
		return newest, eris.Wrapf(err, "failed to scan %s", root)
	}

	return newest, nil
}

// commandWords quotes each argument so that the shell sees it as a single word
func commandWords(args []string) []*syntax.Word {
	words := make([]*syntax.Word, len(args))
	for idx, arg := range args {
		var part syntax.WordPart
		if arg == "" || strings.ContainsAny(arg, " \t\"$'\\*?;&|<>()") {
			part = &syntax.SglQuoted{Value: strings.ReplaceAll(arg, "'", `'"'"'`)}
		} else {
			part = &syntax.Lit{Value: arg}
		}

		words[idx] = &syntax.Word{Parts: []syntax.WordPart{part}}
	}
	return words
}

// formatCommand renders an argument list as a shell command line for logs and dry runs
func formatCommand(args []string) string {
	buffer := strings.Builder{}
	err := syntax.NewPrinter(syntax.Minify(true)).Print(&buffer, &syntax.CallExpr{Args: commandWords(args)})
	if err != nil {
		return strings.Join(args, " ")
	}
	return buffer.String()
}

func interfaceToStarlark(thread *starlark.Thread, value interface{}) (starlark.Value, error) {
	switch value := value.(type) {
	case nil:
		return starlark.None, nil
	case string:
		return starlark.String(value), nil
	case int:
		return starlark.MakeInt(value), nil
	case bool:
		return starlark.Bool(value), nil
	case float64:
		return starlark.Float(value), nil
	case []string:
		items := make(starlark.Tuple, len(value))
		for idx, raw := range value {
			items[idx] = starlark.String(raw)
		}

		return items, nil
	}

	refValue := reflect.ValueOf(value)
	switch refValue.Kind() {
	case reflect.Slice, reflect.Array:
		tuple := make(starlark.Tuple, refValue.Len())
		for idx := 0; idx < refValue.Len(); idx++ {
			item, err := interfaceToStarlark(thread, refValue.Index(idx).Interface())
			if err != nil {
				return nil, err
			}
			tuple[idx] = item
		}

		return tuple, nil
	case reflect.Map:
		dict := starlark.NewDict(refValue.Len())
		iter := refValue.MapRange()
		for iter.Next() {
			key, err := interfaceToStarlark(thread, iter.Key().Interface())
			if err != nil {
				return nil, err
			}

			item, err := interfaceToStarlark(thread, iter.Value().Interface())
			if err != nil {
				return nil, err
			}

			err = dict.SetKey(key, item)
			if err != nil {
				return nil, err
			}
		}

		return dict, nil
	}

	return nil, eris.Errorf("encountered unsupported type %v", refValue.Kind())
}
