package buildsys

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEnviron(t *testing.T) {
	env := EnvironFromList([]string{"EMCC_DIR=/opt/emsdk", "EMPTY=", "BROKEN", "=nope", "EQ=a=b"})
	assert.Equal(t, "/opt/emsdk", env.Get("EMCC_DIR"))
	assert.Equal(t, "a=b", env.Get("EQ"))
	assert.Len(t, env, 3)

	merged := env.Merge(map[string]string{"EMCC_DIR": "/usr/lib/emscripten", "EXTRA": "1"})
	assert.Equal(t, "/usr/lib/emscripten", merged.Get("EMCC_DIR"))
	assert.Equal(t, "/opt/emsdk", env.Get("EMCC_DIR"))
	assert.Equal(t, []string{"EMCC_DIR=/usr/lib/emscripten", "EMPTY=", "EQ=a=b", "EXTRA=1"}, merged.List())

	var unset Environ
	assert.Nil(t, unset.List())
	assert.Equal(t, "", unset.Get("EMCC_DIR"))
}

func TestFormatCommand(t *testing.T) {
	assert.Equal(t, "emcc -Os src/a.c -o build/a.js", formatCommand([]string{"emcc", "-Os", "src/a.c", "-o", "build/a.js"}))
	assert.Equal(t, "emcc 'my dir/a.c' ''", formatCommand([]string{"emcc", "my dir/a.c", ""}))
}
