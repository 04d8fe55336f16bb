package taskspec

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// Record is the structured form of the current task.
type Record struct {
	TargetURL string    `yaml:"target_url"`
	Story     string    `yaml:"story"`
	UpdatedAt time.Time `yaml:"updated_at"`
}

// ReadRecord loads the task record stored under the "task" key of the YAML
// file at path. A missing file yields a zero Record.
func ReadRecord(fs afero.Fs, path string) (Record, error) {
	doc, err := readDocument(fs, path)
	if err != nil {
		return Record{}, err
	}
	var rec Record
	if node, ok := doc["task"]; ok {
		if err := node.Decode(&rec); err != nil {
			return Record{}, fmt.Errorf("decode task record %s: %w", path, err)
		}
	}
	return rec, nil
}

func readDocument(fs afero.Fs, path string) (map[string]yaml.Node, error) {
	doc := make(map[string]yaml.Node)
	data, err := afero.ReadFile(fs, path)
	if errors.Is(err, os.ErrNotExist) {
		return doc, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read task record %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse task record %s: %w", path, err)
	}
	return doc, nil
}

// writeRecord updates the "task" key of the record file, keeping every other
// top-level key as it was.
func (w *Writer) writeRecord(targetURL, story string) error {
	doc, err := readDocument(w.fs, w.recordPath)
	if err != nil {
		return err
	}
	if node, ok := doc["task"]; ok {
		var current Record
		if err := node.Decode(&current); err == nil && current.TargetURL == targetURL && current.Story == story {
			return nil
		}
	}

	var node yaml.Node
	if err := node.Encode(Record{TargetURL: targetURL, Story: story, UpdatedAt: w.now().UTC()}); err != nil {
		return fmt.Errorf("encode task record: %w", err)
	}
	doc["task"] = node

	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal task record: %w", err)
	}
	return writeAtomic(w.fs, w.recordPath, data, 0o644)
}
