package pkg

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, ioutil.WriteFile(path, []byte(content), 0644))
	}
}

func readKar(t *testing.T, archive string) map[string]string {
	t.Helper()

	reader, err := OpenKar(archive)
	require.NoError(t, err)
	defer reader.Close()

	result := map[string]string{}
	for _, entry := range reader.Entries {
		content, err := ioutil.ReadAll(reader.Open(entry))
		require.NoError(t, err)
		assert.Equal(t, int64(len(content)), entry.Size())
		result[entry.Path] = string(content)
	}
	return result
}

func TestPackDirectory(t *testing.T) {
	src := t.TempDir()
	files := map[string]string{
		"hello.js":           "console.log('hello');\n",
		"hello.wasm":         "\x00asm\x01\x00\x00\x00",
		"nested/deep/b.js":   strings.Repeat("var b = 1;\n", 200),
		"nested/notes.txt":   "not a result",
		"nested/zz/empty.js": "",
	}
	writeTree(t, src, files)

	archive := filepath.Join(t.TempDir(), "demo.kar")
	writer, err := NewKarWriter(archive)
	require.NoError(t, err)

	count, err := PackDirectory(writer, src, nil)
	require.NoError(t, err)
	require.NoError(t, writer.Close())
	assert.Equal(t, len(files), count)

	assert.Equal(t, files, readKar(t, archive))
}

func TestPackDirectoryFilter(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src, map[string]string{
		"a.js":         "a",
		"a.wasm":       "wasm",
		"readme.txt":   "skip",
		"sub/b.js":     "b",
		"sub/b.js.map": "skip",
	})

	archive := filepath.Join(t.TempDir(), "filtered.kar")
	writer, err := NewKarWriter(archive)
	require.NoError(t, err)

	count, err := PackDirectory(writer, src, func(name string) bool {
		return strings.HasSuffix(name, ".js") || strings.HasSuffix(name, ".wasm")
	})
	require.NoError(t, err)
	require.NoError(t, writer.Close())
	assert.Equal(t, 3, count)

	content := readKar(t, archive)
	names := make([]string, 0, len(content))
	for name := range content {
		names = append(names, name)
	}
	sort.Strings(names)
	assert.Equal(t, []string{"a.js", "a.wasm", "sub/b.js"}, names)
}

func TestKarWriterDirectoryStack(t *testing.T) {
	archive := filepath.Join(t.TempDir(), "stack.kar")
	writer, err := NewKarWriter(archive)
	require.NoError(t, err)

	assert.Error(t, writer.CloseDirectory())

	writer.OpenDirectory("open")
	assert.Error(t, writer.Close())
}

func TestOpenKarRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.kar")
	require.NoError(t, ioutil.WriteFile(path, []byte("PK\x03\x04 definitely not a kar file"), 0644))

	_, err := OpenKar(path)
	assert.Error(t, err)

	_, err = OpenKar(filepath.Join(t.TempDir(), "missing.kar"))
	assert.Error(t, err)
}

func TestFindSuiteFile(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{SuiteFileName: "def configure():\n    pass\n"})
	deep := filepath.Join(root, "src", "demo", "wasm")
	require.NoError(t, os.MkdirAll(deep, 0755))

	found, err := FindSuiteFile(deep)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, SuiteFileName), found)

	_, err = FindSuiteFile(t.TempDir())
	assert.Error(t, err)
}
