package pkg

import (
	"archive/tar"
	"archive/zip"
	"compress/bzip2"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/schollz/progressbar/v3"
	"github.com/ulikunitz/xz"
	"gopkg.in/yaml.v3"
)

// ToolchainFileName lists the archives fetch-toolchain downloads
const ToolchainFileName = "toolchain.yml"

// StampFileName records which archives have already been extracted
const StampFileName = "toolchain.stamps"

// DepSpec describes a single archive in toolchain.yml
type DepSpec struct {
	Condition  string `yaml:"if,omitempty"`
	Rejections string `yaml:"ifNot,omitempty"`
	URL        string
	Dest       string
	Sha256     string
	Strip      int
	MarkExec   []string `yaml:"markExec,omitempty"`
}

// DepConfig is the content of toolchain.yml
type DepConfig struct {
	Vars map[string]string
	Deps map[string]DepSpec
}

// FetchOptions controls FetchToolchain
type FetchOptions struct {
	// Update records new checksums in toolchain.yml instead of failing on a mismatch
	Update       bool
	Client       *http.Client
	ShowProgress bool
}

// LoadDepConfig parses a toolchain.yml file and also returns its raw content
func LoadDepConfig(cfgPath string) (DepConfig, string, error) {
	var cfg DepConfig
	cfgData, err := ioutil.ReadFile(cfgPath)
	if err != nil {
		return cfg, "", eris.Wrapf(err, "Could not open file %s.", cfgPath)
	}

	err = yaml.Unmarshal(cfgData, &cfg)
	if err != nil {
		return cfg, "", eris.Wrapf(err, "Failed to parse %s.", cfgPath)
	}

	if cfg.Vars == nil {
		cfg.Vars = map[string]string{}
	}
	return cfg, string(cfgData), nil
}

func loadStamps(stampPath string) (map[string]string, error) {
	stamps := map[string]string{}
	stampData, err := ioutil.ReadFile(stampPath)
	if err != nil {
		if eris.Is(err, os.ErrNotExist) {
			return stamps, nil
		}
		return nil, eris.Wrapf(err, "Failed to read stamps file %s.", stampPath)
	}

	err = json.Unmarshal(stampData, &stamps)
	if err != nil {
		return nil, eris.Wrapf(err, "Failed to parse JSON file %s.", stampPath)
	}
	return stamps, nil
}

var varMatcher = regexp.MustCompile(`\{([A-Za-z0-9_]+)\}`)

// EvalConditions expands {VAR} placeholders in the URL and reports whether the if/ifNot conditions hold
func EvalConditions(meta *DepSpec, vars map[string]string) bool {
	meta.URL = varMatcher.ReplaceAllStringFunc(meta.URL, func(match string) string {
		return vars[match[1:len(match)-1]]
	})

	for _, condition := range strings.Split(meta.Condition, ",") {
		condition = strings.TrimSpace(condition)
		if condition != "" && vars[condition] == "" {
			return false
		}
	}

	for _, condition := range strings.Split(meta.Rejections, ",") {
		condition = strings.TrimSpace(condition)
		if condition != "" && vars[condition] != "" {
			return false
		}
	}
	return true
}

func getProgressBar(show bool, length int64, desc string) *progressbar.ProgressBar {
	if !show || os.Getenv("CI") == "true" {
		return progressbar.NewOptions64(length, progressbar.OptionSetVisibility(false))
	}

	return progressbar.DefaultBytes(length, desc)
}

// FetchToolchain downloads and unpacks every archive listed in cfgPath whose conditions match the
// current platform. Paths in the file are relative to root.
func FetchToolchain(ctx context.Context, cfgPath, root string, opts FetchOptions) error {
	cfg, cfgData, err := LoadDepConfig(cfgPath)
	if err != nil {
		return err
	}

	stampPath := filepath.Join(filepath.Dir(cfgPath), StampFileName)
	stamps, err := loadStamps(stampPath)
	if err != nil {
		return err
	}

	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 30 * time.Minute}
	}

	vars := cfg.Vars
	vars[runtime.GOARCH] = "true"
	vars[runtime.GOOS] = "true"
	if os.Getenv("CI") == "true" {
		vars["ci"] = "true"
	}

	names := make([]string, 0, len(cfg.Deps))
	for name := range cfg.Deps {
		names = append(names, name)
	}
	sort.Strings(names)

	changes := map[string]string{}
	for _, name := range names {
		meta := cfg.Deps[name]
		// conditions are evaluated even when updating since they expand the URL placeholders
		skip := !EvalConditions(&meta, vars)
		if skip && !opts.Update {
			continue
		}

		err = fetchDep(ctx, name, meta, root, stamps, changes, skip, opts)
		if err != nil {
			break
		}
	}

	stampData, jErr := json.MarshalIndent(stamps, "", "  ")
	if jErr == nil {
		jErr = ioutil.WriteFile(stampPath, stampData, 0660)
	}
	if jErr != nil {
		PrintError(jErr.Error())
	}

	if err != nil {
		return err
	}

	if opts.Update && len(changes) > 0 {
		PrintTask("Updating " + filepath.Base(cfgPath))
		updated, err := updateChecksums(cfgData, cfg, changes)
		if err != nil {
			return err
		}

		err = ioutil.WriteFile(cfgPath, []byte(updated), 0660)
		if err != nil {
			return eris.Wrapf(err, "failed to write %s", cfgPath)
		}
	}

	return nil
}

func fetchDep(ctx context.Context, name string, meta DepSpec, root string, stamps, changes map[string]string, skip bool, opts FetchOptions) error {
	destPath := filepath.Join(root, meta.Dest)
	destInfo, err := os.Stat(destPath)
	destExists := err == nil

	stampToken := meta.URL + "#" + meta.Sha256
	if stamp, ok := stamps[name]; ok && stamp == stampToken && destExists && !opts.Update {
		return nil
	}

	PrintSubtask(name + ":  " + meta.URL)
	if meta.Sha256 == "" && !opts.Update {
		return eris.Errorf("Dependency %s doesn't have a checksum", name)
	}

	archive, err := ioutil.TempFile("", "wasmbuild-dl-*")
	if err != nil {
		return eris.Wrap(err, "Failed to create temporary download file")
	}
	defer func() {
		archive.Close()
		os.Remove(archive.Name())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, meta.URL, nil)
	if err != nil {
		return eris.Wrapf(err, "Invalid URL %s", meta.URL)
	}

	resp, err := opts.Client.Do(req)
	if err != nil {
		return eris.Wrapf(err, "Failed to start download for %s", meta.URL)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return eris.Errorf("Download of %s failed with status %s", meta.URL, resp.Status)
	}

	hash := sha256.New()
	bar := getProgressBar(opts.ShowProgress, resp.ContentLength, "     download")
	_, err = io.Copy(io.MultiWriter(archive, hash, bar), resp.Body)
	if err != nil {
		return eris.Wrapf(err, "Failed during download of %s", meta.URL)
	}
	bar.Finish()

	digest := hex.EncodeToString(hash.Sum(nil))
	if digest != meta.Sha256 {
		if !opts.Update {
			return eris.Errorf("Checksum check failed for %s: expected %s but got %s", name, meta.Sha256, digest)
		}

		fmt.Println("      Updating checksum")
		changes[name] = digest
		stampToken = meta.URL + "#" + digest
	}

	if skip {
		return nil
	}

	if destExists {
		PrintSubtask(fmt.Sprintf("Remove %s", destPath))
		if destInfo.IsDir() {
			err = os.RemoveAll(destPath)
		} else {
			err = os.Remove(destPath)
		}
		if err != nil {
			return eris.Wrapf(err, "Failed to remove %s", destPath)
		}
	}

	extractor, err := getExtractor(meta.URL)
	if err != nil {
		return err
	}

	size, err := archive.Seek(0, io.SeekEnd)
	if err != nil {
		return err
	}
	_, err = archive.Seek(0, io.SeekStart)
	if err != nil {
		return err
	}

	bar = getProgressBar(opts.ShowProgress, size, "      extract")
	err = extractor(archive, bar, destPath, meta.Strip)
	if err != nil {
		return eris.Wrapf(err, "Failed to extract %s", meta.URL)
	}
	bar.Finish()

	if runtime.GOOS != "windows" {
		// .zip files don't carry permissions
		for _, binPath := range meta.MarkExec {
			binPath = filepath.Join(destPath, binPath)
			fi, err := os.Stat(binPath)
			if err != nil {
				return eris.Wrapf(err, "Failed to read permissions for %s", binPath)
			}

			err = os.Chmod(binPath, fi.Mode()|0700)
			if err != nil {
				return eris.Wrapf(err, "Failed to mark %s as executable", binPath)
			}
		}
	}

	stamps[name] = stampToken
	return nil
}

// updateChecksums rewrites the sha256 values in the raw YAML so that comments and layout survive
func updateChecksums(cfgData string, cfg DepConfig, changes map[string]string) (string, error) {
	generated := cfgData
	for name, checksum := range changes {
		pos := strings.Index(generated, name+":\n")
		if pos == -1 {
			return "", eris.Errorf("Failed to find the section for %s!", name)
		}

		old := cfg.Deps[name].Sha256
		if old == "" {
			lineEnd := pos + len(name) + 2
			generated = generated[:lineEnd] + "    sha256: " + checksum + "\n" + generated[lineEnd:]
			continue
		}

		subPos := strings.Index(generated[pos:], "sha256: "+old)
		if subPos == -1 {
			return "", eris.Errorf("Couldn't find checksum section for %s", name)
		}

		start := pos + subPos + len("sha256: ")
		generated = generated[:start] + checksum + generated[start+len(old):]
	}

	return generated, nil
}

type archiveExtractor func(f *os.File, bar *progressbar.ProgressBar, destPath string, strip int) error

// openExtractorDest strips the first strip path elements of item and creates the file below destPath.
// A nil file means that the entry was stripped away entirely.
func openExtractorDest(destPath, item string, strip int) (*os.File, string, error) {
	pathParts := strings.Split(filepath.Clean(filepath.FromSlash(item)), string(filepath.Separator))
	if len(pathParts) <= strip {
		return nil, "", nil
	}

	dest := filepath.Join(destPath, filepath.Join(pathParts[strip:]...))
	rel, err := filepath.Rel(destPath, dest)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return nil, "", eris.Errorf("archive entry %s points outside of %s", item, destPath)
	}

	destParent := filepath.Dir(dest)
	err = os.MkdirAll(destParent, 0770)
	if err != nil {
		return nil, "", eris.Wrapf(err, "Failed to create directory %s", destParent)
	}

	destHandle, err := os.Create(dest)
	if err != nil {
		return nil, "", eris.Wrapf(err, "Failed to create file %s", dest)
	}

	return destHandle, dest, nil
}

func getExtractor(url string) (archiveExtractor, error) {
	switch {
	case strings.HasSuffix(url, ".zip"):
		return extractZip, nil
	case strings.HasSuffix(url, ".tar.gz"), strings.HasSuffix(url, ".tgz"):
		return func(f *os.File, bar *progressbar.ProgressBar, destPath string, strip int) error {
			reader, err := gzip.NewReader(f)
			if err != nil {
				return err
			}
			defer reader.Close()

			return extractTar(reader, f, bar, destPath, strip)
		}, nil
	case strings.HasSuffix(url, ".tar.bz2"):
		return func(f *os.File, bar *progressbar.ProgressBar, destPath string, strip int) error {
			return extractTar(bzip2.NewReader(f), f, bar, destPath, strip)
		}, nil
	case strings.HasSuffix(url, ".tar.xz"):
		return func(f *os.File, bar *progressbar.ProgressBar, destPath string, strip int) error {
			reader, err := xz.NewReader(f)
			if err != nil {
				return err
			}

			return extractTar(reader, f, bar, destPath, strip)
		}, nil
	}

	return nil, eris.Errorf("Archive format of %s not supported", url)
}

func updateBar(f *os.File, bar *progressbar.ProgressBar) {
	pos, err := f.Seek(0, io.SeekCurrent)
	if err == nil {
		bar.Set64(pos)
	}
}

func extractZip(f *os.File, bar *progressbar.ProgressBar, destPath string, strip int) error {
	stat, err := f.Stat()
	if err != nil {
		return err
	}

	archive, err := zip.NewReader(f, stat.Size())
	if err != nil {
		return err
	}

	for _, item := range archive.File {
		if strings.HasSuffix(item.Name, "/") {
			continue
		}

		err = func() error {
			destHandle, dest, err := openExtractorDest(destPath, item.Name, strip)
			if err != nil || destHandle == nil {
				return err
			}
			defer destHandle.Close()

			itemHandle, err := item.Open()
			if err != nil {
				return eris.Wrapf(err, "Failed to open archive entry %s", item.Name)
			}
			defer itemHandle.Close()

			_, err = io.Copy(destHandle, itemHandle)
			if err != nil {
				return eris.Wrapf(err, "Failed to write extracted file %s", dest)
			}
			return nil
		}()
		if err != nil {
			return err
		}

		updateBar(f, bar)
	}

	return nil
}

func extractTar(r io.Reader, f *os.File, bar *progressbar.ProgressBar, destPath string, strip int) error {
	archive := tar.NewReader(r)

	for {
		item, err := archive.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return eris.Wrap(err, "Failed to read archive entry")
		}

		switch item.Typeflag {
		case tar.TypeReg, tar.TypeSymlink:
		default:
			continue
		}

		destHandle, dest, err := openExtractorDest(destPath, item.Name, strip)
		if err != nil {
			return err
		}
		if destHandle == nil {
			continue
		}

		if item.Typeflag == tar.TypeSymlink {
			destHandle.Close()
			err = os.Remove(dest)
			if err != nil {
				return eris.Wrapf(err, "Failed to remove placeholder file %s", dest)
			}

			err = os.Symlink(item.Linkname, dest)
			if err != nil {
				return eris.Wrapf(err, "Failed to create symlink %s pointing to %s", dest, item.Linkname)
			}
			continue
		}

		_, err = io.Copy(destHandle, archive)
		destHandle.Close()
		if err != nil {
			return eris.Wrapf(err, "Failed to write extracted file %s", dest)
		}

		err = os.Chmod(dest, item.FileInfo().Mode().Perm())
		if err != nil {
			return eris.Wrapf(err, "Failed to set permissions on %s", dest)
		}

		updateBar(f, bar)
	}
}
