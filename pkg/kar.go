package pkg

import (
	"encoding/binary"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"

	"github.com/andybalholm/brotli"
	"github.com/rotisserie/eris"
)

const (
	karMagic      = "KNAR"
	karVersion    = 2
	karHeaderSize = 4 + 12
	karEntrySize  = 14
)

// KarEntry describes a single file inside a .kar archive
type KarEntry struct {
	Path    string
	offset  uint32
	size    uint32
	decSize uint32
}

// Size returns the uncompressed size
func (e KarEntry) Size() int64 {
	return int64(e.decSize)
}

type karFolder struct {
	folders map[string]*karFolder
	files   map[string]*KarEntry
}

func newKarFolder() *karFolder {
	return &karFolder{
		folders: map[string]*karFolder{},
		files:   map[string]*KarEntry{},
	}
}

// KarWriter writes .kar archives: brotli compressed files followed by a table of contents
type KarWriter struct {
	hdl      *os.File
	dirStack []*karFolder
	buffer   []byte
}

// NewKarWriter creates a new KarWriter instance and opens it for writing
func NewKarWriter(filename string) (*KarWriter, error) {
	hdl, err := os.Create(filename)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to create %s", filename)
	}

	// the header is written last since it contains the TOC position
	_, err = hdl.Seek(karHeaderSize, io.SeekStart)
	if err != nil {
		hdl.Close()
		return nil, err
	}

	return &KarWriter{
		hdl:      hdl,
		dirStack: []*karFolder{newKarFolder()},
		buffer:   make([]byte, 4096),
	}, nil
}

func (w *KarWriter) current() *karFolder {
	return w.dirStack[len(w.dirStack)-1]
}

// OpenDirectory creates a new directory entry. Anything created until the next CloseDirectory() call will be created
// inside this directory.
func (w *KarWriter) OpenDirectory(dirname string) {
	dir, ok := w.current().folders[dirname]
	if !ok {
		dir = newKarFolder()
		w.current().folders[dirname] = dir
	}

	w.dirStack = append(w.dirStack, dir)
}

// CloseDirectory closes the directory that was last opened
func (w *KarWriter) CloseDirectory() error {
	if len(w.dirStack) < 2 {
		return eris.New("No directory left on stack")
	}

	w.dirStack = w.dirStack[:len(w.dirStack)-1]
	return nil
}

// WriteFile compresses the content of reader into the current archive directory
func (w *KarWriter) WriteFile(filename string, reader io.Reader) error {
	offset, err := w.hdl.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}

	brw := brotli.NewWriterLevel(w.hdl, brotli.BestCompression)
	decSize, err := io.CopyBuffer(brw, reader, w.buffer)
	if err != nil {
		return eris.Wrapf(err, "failed to compress %s", filename)
	}

	err = brw.Close()
	if err != nil {
		return err
	}

	end, err := w.hdl.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}

	w.current().files[filename] = &KarEntry{
		offset:  uint32(offset),
		size:    uint32(end - offset),
		decSize: uint32(decSize),
	}
	return nil
}

// Close writes the central index and closes the archive
func (w *KarWriter) Close() error {
	defer w.hdl.Close()

	if len(w.dirStack) != 1 {
		return eris.New("Open directories left over!")
	}

	tocOffset, err := w.hdl.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}

	items := uint32(0)
	err = w.writeEntries(w.dirStack[0], &items)
	if err != nil {
		return eris.Wrap(err, "failed to write table of contents")
	}

	header := make([]byte, karHeaderSize)
	copy(header, karMagic)
	binary.LittleEndian.PutUint32(header[4:8], karVersion)
	binary.LittleEndian.PutUint32(header[8:12], uint32(tocOffset))
	binary.LittleEndian.PutUint32(header[12:16], items)

	_, err = w.hdl.WriteAt(header, 0)
	if err != nil {
		return err
	}

	return w.hdl.Close()
}

func (w *KarWriter) writeEntry(name string, offset, size, decSize uint32) error {
	buf := w.buffer[:karEntrySize]
	binary.LittleEndian.PutUint32(buf[0:4], offset)
	binary.LittleEndian.PutUint32(buf[4:8], size)
	binary.LittleEndian.PutUint32(buf[8:12], decSize)
	binary.LittleEndian.PutUint16(buf[12:14], uint16(len(name)))

	_, err := w.hdl.Write(buf)
	if err != nil {
		return err
	}

	_, err = w.hdl.WriteString(name)
	return err
}

// writeEntries emits folders as a zeroed entry, their content and a closing ".." entry
func (w *KarWriter) writeEntries(folder *karFolder, items *uint32) error {
	for _, name := range sortedKeys(folder.folders) {
		err := w.writeEntry(name, 0, 0, 0)
		if err != nil {
			return err
		}

		err = w.writeEntries(folder.folders[name], items)
		if err != nil {
			return err
		}

		err = w.writeEntry("..", 0, 0, 0)
		if err != nil {
			return err
		}
	}

	for _, name := range sortedKeys(folder.files) {
		file := folder.files[name]
		err := w.writeEntry(name, file.offset, file.size, file.decSize)
		if err != nil {
			return err
		}
	}

	*items += uint32(len(folder.folders)*2 + len(folder.files))
	return nil
}

func sortedKeys(m interface{}) []string {
	var keys []string
	switch m := m.(type) {
	case map[string]*karFolder:
		for k := range m {
			keys = append(keys, k)
		}
	case map[string]*KarEntry:
		for k := range m {
			keys = append(keys, k)
		}
	}

	sort.Strings(keys)
	return keys
}

// PackDirectory recursively adds the content of dir to the archive. If accept is not nil, only files
// for which it returns true are packed.
func PackDirectory(writer *KarWriter, dir string, accept func(name string) bool) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, eris.Wrapf(err, "Failed to read dir %s", dir)
	}

	count := 0
	for _, entry := range entries {
		itemPath := filepath.Join(dir, entry.Name())
		if entry.IsDir() {
			writer.OpenDirectory(entry.Name())
			n, err := PackDirectory(writer, itemPath, accept)
			if err != nil {
				return count, err
			}
			count += n

			err = writer.CloseDirectory()
			if err != nil {
				return count, err
			}
			continue
		}

		if accept != nil && !accept(entry.Name()) {
			continue
		}

		f, err := os.Open(itemPath)
		if err != nil {
			return count, eris.Wrapf(err, "Failed to open file %s", itemPath)
		}

		err = writer.WriteFile(entry.Name(), f)
		f.Close()
		if err != nil {
			return count, eris.Wrapf(err, "Failed to pack file %s", itemPath)
		}
		count++
	}

	return count, nil
}

// KarReader gives access to the files stored in a .kar archive
type KarReader struct {
	hdl     *os.File
	Entries []KarEntry
}

// OpenKar reads the table of contents of a .kar archive
func OpenKar(filename string) (*KarReader, error) {
	hdl, err := os.Open(filename)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to open %s", filename)
	}

	entries, err := readKarIndex(hdl)
	if err != nil {
		hdl.Close()
		return nil, eris.Wrapf(err, "failed to read %s", filename)
	}

	return &KarReader{hdl: hdl, Entries: entries}, nil
}

func readKarIndex(hdl *os.File) ([]KarEntry, error) {
	header := make([]byte, karHeaderSize)
	_, err := io.ReadFull(hdl, header)
	if err != nil {
		return nil, err
	}

	if string(header[:4]) != karMagic {
		return nil, eris.New("not a kar archive")
	}
	if version := binary.LittleEndian.Uint32(header[4:8]); version != karVersion {
		return nil, eris.Errorf("unsupported kar version %d", version)
	}

	tocOffset := binary.LittleEndian.Uint32(header[8:12])
	items := binary.LittleEndian.Uint32(header[12:16])
	_, err = hdl.Seek(int64(tocOffset), io.SeekStart)
	if err != nil {
		return nil, err
	}

	entries := []KarEntry{}
	dirStack := []string{}
	buf := make([]byte, karEntrySize)
	for idx := uint32(0); idx < items; idx++ {
		_, err = io.ReadFull(hdl, buf)
		if err != nil {
			return nil, eris.Wrap(err, "truncated table of contents")
		}

		name := make([]byte, binary.LittleEndian.Uint16(buf[12:14]))
		_, err = io.ReadFull(hdl, name)
		if err != nil {
			return nil, eris.Wrap(err, "truncated table of contents")
		}

		entry := KarEntry{
			offset:  binary.LittleEndian.Uint32(buf[0:4]),
			size:    binary.LittleEndian.Uint32(buf[4:8]),
			decSize: binary.LittleEndian.Uint32(buf[8:12]),
		}

		switch {
		case string(name) == "..":
			if len(dirStack) == 0 {
				return nil, eris.New("unbalanced directory entries")
			}
			dirStack = dirStack[:len(dirStack)-1]
		case entry.offset == 0:
			dirStack = append(dirStack, string(name))
		default:
			entry.Path = path.Join(append(dirStack, string(name))...)
			entries = append(entries, entry)
		}
	}

	return entries, nil
}

// Open returns a reader for the decompressed content of entry
func (r *KarReader) Open(entry KarEntry) io.Reader {
	section := io.NewSectionReader(r.hdl, int64(entry.offset), int64(entry.size))
	return io.LimitReader(brotli.NewReader(section), int64(entry.decSize))
}

// Close closes the underlying file
func (r *KarReader) Close() error {
	return r.hdl.Close()
}
