// Package taskspec keeps the traffic-capture task description in sync with
// the user story being processed.
package taskspec

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/afero"
)

// DefaultURL is used when a story carries no URL.
const DefaultURL = "https://example.com"

var (
	urlPattern  = regexp.MustCompile(`https?://[^\s]+`)
	taskPattern = regexp.MustCompile(`(?s)TASK\s*=\s*""".*?"""`)
)

// ExtractURL returns the first URL in story, or fallback when there is none.
func ExtractURL(story, fallback string) string {
	if u := urlPattern.FindString(story); u != "" {
		return u
	}
	return fallback
}

// HasURL reports whether story contains at least one URL.
func HasURL(story string) bool {
	return urlPattern.MatchString(story)
}

// RenderBlock builds the canonical TASK block for a story.
func RenderBlock(targetURL, story string) string {
	// No two quotes may stay adjacent, or a run could close the block early.
	story = strings.ReplaceAll(strings.ReplaceAll(story, `\`, `\\`), `"`, `\"`)
	return fmt.Sprintf(`TASK = """
As a user,
I want to go to %s,
%s
And verify the task is completed.
"""`, targetURL, story)
}

// Patch replaces every TASK block in content with block, or inserts block
// after the leading import section when content has none.
func Patch(content, block string) string {
	if taskPattern.MatchString(content) {
		return taskPattern.ReplaceAllLiteralString(content, block)
	}
	lines := strings.Split(content, "\n")
	at := headerEnd(lines)
	out := make([]string, 0, len(lines)+1)
	out = append(out, lines[:at]...)
	out = append(out, "\n"+block+"\n")
	out = append(out, lines[at:]...)
	return strings.Join(out, "\n")
}

// headerEnd returns the index just past the last import line of the leading
// header. The header is made of blank lines, comments and import statements,
// including parenthesized multi-line imports.
func headerEnd(lines []string) int {
	end, depth := 0, 0
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if depth > 0 {
			depth += strings.Count(trimmed, "(") - strings.Count(trimmed, ")")
			if depth <= 0 {
				depth = 0
				end = i + 1
			}
			continue
		}
		switch {
		case strings.HasPrefix(line, "import ") || strings.HasPrefix(line, "from "):
			depth = strings.Count(trimmed, "(") - strings.Count(trimmed, ")")
			if depth <= 0 {
				depth = 0
				end = i + 1
			}
		case trimmed == "" || strings.HasPrefix(trimmed, "#"):
		default:
			return end
		}
	}
	return end
}

// Writer rewrites the task description file consumed by the capture stage.
type Writer struct {
	fs         afero.Fs
	path       string
	recordPath string
	defaultURL string
	now        func() time.Time
}

// Option configures a Writer.
type Option func(*Writer)

// WithRecord also maintains a structured YAML task record at path.
func WithRecord(path string) Option {
	return func(w *Writer) {
		w.recordPath = path
	}
}

// WithDefaultURL overrides DefaultURL.
func WithDefaultURL(u string) Option {
	return func(w *Writer) {
		if u != "" {
			w.defaultURL = u
		}
	}
}

// WithClock sets the clock used to stamp the task record.
func WithClock(now func() time.Time) Option {
	return func(w *Writer) {
		w.now = now
	}
}

// NewWriter returns a Writer for the task file at path inside fs.
func NewWriter(fs afero.Fs, path string, options ...Option) *Writer {
	w := &Writer{
		fs:         fs,
		path:       path,
		defaultURL: DefaultURL,
		now:        time.Now,
	}
	for _, option := range options {
		option(w)
	}
	return w
}

// Check reports whether the task file can be read.
func (w *Writer) Check() error {
	info, err := w.fs.Stat(w.path)
	if err != nil {
		return fmt.Errorf("task file %s: %w", w.path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("task file %s is a directory", w.path)
	}
	return nil
}

// Write points the task file at story and returns the target URL.
// Applying Write twice with the same story leaves the file as after the first call.
func (w *Writer) Write(story string) (string, error) {
	targetURL := ExtractURL(story, w.defaultURL)

	data, err := afero.ReadFile(w.fs, w.path)
	if err != nil {
		return "", fmt.Errorf("read task file %s: %w", w.path, err)
	}
	mode := os.FileMode(0o644)
	if info, err := w.fs.Stat(w.path); err == nil {
		mode = info.Mode().Perm()
	}

	updated := Patch(string(data), RenderBlock(targetURL, story))
	if updated != string(data) {
		if err := writeAtomic(w.fs, w.path, []byte(updated), mode); err != nil {
			return "", err
		}
	}

	if w.recordPath != "" {
		if err := w.writeRecord(targetURL, story); err != nil {
			return "", err
		}
	}
	return targetURL, nil
}

// writeAtomic replaces path with data through a temp file in the same directory.
func writeAtomic(fs afero.Fs, path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	f, err := afero.TempFile(fs, dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create temp file for %s: %w", path, err)
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = fs.Remove(tmp)
		return fmt.Errorf("write temp file for %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		_ = fs.Remove(tmp)
		return fmt.Errorf("close temp file for %s: %w", path, err)
	}
	if err := fs.Chmod(tmp, mode); err != nil {
		_ = fs.Remove(tmp)
		return fmt.Errorf("chmod temp file for %s: %w", path, err)
	}
	if err := fs.Rename(tmp, path); err != nil {
		_ = fs.Remove(tmp)
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}
