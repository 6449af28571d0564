package buildsys

import (
	"context"
	"io/ioutil"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSuite(t *testing.T, script string, extra map[string]string) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "suite.star")
	require.NoError(t, ioutil.WriteFile(path, []byte(script), 0644))
	for name, content := range extra {
		require.NoError(t, ioutil.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
	}
	return path
}

const demoSuite = `
mode = option("mode", "release", help = "build mode")
suite(name = "demos", output = "out")

def configure():
    base = project("base", desc = "shared code")
    project("app", subdir = "wasm", deps = [base], results = ["*.js", "*.wasm"], desc = mode)
`

func TestLoadSuite(t *testing.T) {
	path := writeSuite(t, demoSuite, nil)
	dir := filepath.Dir(path)

	suite, err := LoadSuite(context.Background(), path, nil)
	require.NoError(t, err)

	assert.Equal(t, "demos", suite.Name)
	assert.Equal(t, dir, suite.Dir)
	assert.Equal(t, filepath.Join(dir, "out"), suite.OutputBase)
	assert.Equal(t, []string{"app", "base"}, suite.Projects.Names())

	app, err := suite.Project("app")
	require.NoError(t, err)
	assert.Equal(t, "wasm", app.SubDir)
	assert.Equal(t, []string{"base"}, app.Deps)
	assert.Equal(t, []string{"*.js", "*.wasm"}, app.Results)
	assert.Equal(t, "release", app.Desc)
	assert.Equal(t, filepath.Join(dir, "src", "app", "wasm"), app.SourceDir())
	assert.Same(t, suite, app.Suite)

	require.Contains(t, suite.Options, "mode")
	assert.Equal(t, "release", suite.Options["mode"].Default())
	assert.Equal(t, "build mode", suite.Options["mode"].Help)

	_, err = suite.Project("missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Project missing not found")
}

func TestLoadSuiteOptions(t *testing.T) {
	path := writeSuite(t, demoSuite, nil)

	suite, err := LoadSuite(context.Background(), path, map[string]string{"mode": "debug"})
	require.NoError(t, err)
	assert.Equal(t, "debug", suite.Projects["app"].Desc)
}

func TestLoadSuiteDefaults(t *testing.T) {
	path := writeSuite(t, `
def configure():
    project("hello")
`, nil)
	dir := filepath.Dir(path)

	suite, err := LoadSuite(context.Background(), path, nil)
	require.NoError(t, err)
	assert.Equal(t, filepath.Base(dir), suite.Name)
	assert.Equal(t, filepath.Join(dir, "build"), suite.ResolveOutputBase(""))
	assert.Equal(t, filepath.Join(dir, "dist"), suite.ResolveOutputBase("dist"))
	assert.Equal(t, "/tmp/wasm", suite.ResolveOutputBase("/tmp/wasm"))
	assert.Empty(t, suite.Projects["hello"].Deps)
}

func TestLoadSuiteErrors(t *testing.T) {
	cases := map[string]struct {
		script string
		msg    string
	}{
		"no configure": {
			script: `suite(name = "x")`,
			msg:    "did not declare a configure function",
		},
		"global project": {
			script: "project(\"a\")\ndef configure():\n    pass\n",
			msg:    "projects can only be declared inside configure()",
		},
		"option in configure": {
			script: "def configure():\n    option(\"x\")\n",
			msg:    "can only be called during the init phase",
		},
		"duplicate": {
			script: "def configure():\n    project(\"a\")\n    project(\"a\")\n",
			msg:    "project a was declared twice",
		},
		"unknown dep": {
			script: "def configure():\n    project(\"a\", deps = [\"b\"])\n",
			msg:    "project a depends on unknown project b",
		},
		"cycle": {
			script: "def configure():\n    project(\"a\", deps = [\"b\"])\n    project(\"b\", deps = [\"a\"])\n",
			msg:    "dependency cycle",
		},
		"bad pattern": {
			script: "def configure():\n    project(\"a\", results = [\"[\"])\n",
			msg:    "invalid result pattern",
		},
		"error builtin": {
			script: "error(\"emsdk is too old\")\n",
			msg:    "emsdk is too old",
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			path := writeSuite(t, tc.script, nil)
			_, err := LoadSuite(context.Background(), path, nil)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.msg)
		})
	}
}

func TestLoadSuiteBuiltins(t *testing.T) {
	path := writeSuite(t, `
setenv("EMCC_DIR", "/opt/emsdk")
version = read_yaml("versions.yml", "emsdk.version")
flavor = read_yaml("versions.yml", "emsdk.flavors.1")
missing = read_yaml("versions.yml", "emsdk.nothing", "none")
greeting = execute("echo hello").strip()

def configure():
    project("a", desc = version)
    project("b", desc = flavor)
    project("c", desc = missing)
    project("d", desc = greeting + " " + getenv("EMCC_DIR"))
    if isfile("versions.yml") and not isdir("versions.yml"):
        project("e")
`, map[string]string{
		"versions.yml": "emsdk:\n  version: 2.0.15\n  flavors:\n    - upstream\n    - fastcomp\n",
	})

	suite, err := LoadSuite(context.Background(), path, nil)
	require.NoError(t, err)

	assert.Equal(t, "/opt/emsdk", suite.Env["EMCC_DIR"])
	assert.Equal(t, "2.0.15", suite.Projects["a"].Desc)
	assert.Equal(t, "fastcomp", suite.Projects["b"].Desc)
	assert.Equal(t, "none", suite.Projects["c"].Desc)
	assert.Equal(t, "hello /opt/emsdk", suite.Projects["d"].Desc)
	assert.Contains(t, suite.Projects, "e")
}

func TestResolvePath(t *testing.T) {
	path := writeSuite(t, `
out = resolve_path("//", "out", "wasm")
suite(output = out)

def configure():
    pass
`, nil)
	dir := filepath.Dir(path)

	suite, err := LoadSuite(context.Background(), path, nil)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "out", "wasm"), suite.OutputBase)
}
