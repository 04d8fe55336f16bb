// Package artifact discovers the files a pipeline stage left on disk.
package artifact

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"
)

// Scan is the outcome of checking one output directory.
// All slices are always non-nil.
type Scan struct {
	Dir       string   `json:"output_directory"`
	DirExists bool     `json:"output_directory_exists"`
	Expected  []string `json:"expected_files"`
	Found     []string `json:"found_files"`
	Missing   []string `json:"missing_files"`
	All       []string `json:"actual_directory_contents"`
}

// Files returns the expected files that exist followed by every other file
// present in the directory, without duplicates.
func (s Scan) Files() []string {
	out := make([]string, 0, len(s.Found)+len(s.All))
	seen := make(map[string]bool, len(s.Found)+len(s.All))
	for _, group := range [][]string{s.Found, s.All} {
		for _, p := range group {
			key := filepath.Clean(p)
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, p)
		}
	}
	return out
}

// Scanner inspects output directories through an afero filesystem.
type Scanner struct {
	fs      afero.Fs
	minSize int64
}

// Option configures a Scanner.
type Option func(*Scanner)

// WithMinSize treats expected files smaller than n bytes as missing.
func WithMinSize(n int64) Option {
	return func(s *Scanner) {
		s.minSize = n
	}
}

// NewScanner returns a Scanner over fs.
func NewScanner(fs afero.Fs, options ...Option) *Scanner {
	s := &Scanner{fs: fs}
	for _, option := range options {
		option(s)
	}
	return s
}

// Prepare makes sure dir exists before a stage writes into it.
func (s *Scanner) Prepare(dir string) error {
	return s.fs.MkdirAll(dir, 0o755)
}

// Scan checks which expected paths exist and lists every file under dir.
// It never fails; unreadable or missing entries are simply absent.
func (s *Scanner) Scan(dir string, expected []string) Scan {
	res := Scan{
		Dir:      dir,
		Expected: append([]string{}, expected...),
		Found:    []string{},
		Missing:  []string{},
		All:      []string{},
	}
	for _, p := range expected {
		if s.present(p) {
			res.Found = append(res.Found, p)
		} else {
			res.Missing = append(res.Missing, p)
		}
	}
	res.DirExists, _ = afero.DirExists(s.fs, dir)
	if res.DirExists {
		res.All = s.walk(dir, func(string) bool { return true })
	}
	return res
}

// Collect returns every file under dir whose name ends with ext,
// compared case-insensitively. An empty ext matches every file.
func (s *Scanner) Collect(dir, ext string) []string {
	ext = strings.ToLower(ext)
	if ok, _ := afero.DirExists(s.fs, dir); !ok {
		return []string{}
	}
	return s.walk(dir, func(p string) bool {
		return ext == "" || strings.HasSuffix(strings.ToLower(p), ext)
	})
}

func (s *Scanner) present(p string) bool {
	info, err := s.fs.Stat(p)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Size() >= s.minSize
}

func (s *Scanner) walk(dir string, keep func(string) bool) []string {
	files := []string{}
	_ = afero.Walk(s.fs, dir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			// Skip unreadable subtrees and keep walking.
			if info != nil && info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !info.IsDir() && keep(p) {
			files = append(files, p)
		}
		return nil
	})
	sort.Strings(files)
	return files
}
