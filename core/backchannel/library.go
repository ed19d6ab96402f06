package backchannel

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var ErrInvalidLibrary = errors.New("invalid phrase library")

type libraryFile map[Category][]phraseEntry

type phraseEntry struct {
	Text     string        `yaml:"text"`
	Duration time.Duration `yaml:"duration"`
}

// ReadLibrary parses a YAML phrase library keyed by category, for example
//
//	thinking:
//	  - text: Hmm, let me think.
//	    duration: 1s
//
// Phrases keep the order they are listed in.
func ReadLibrary(r io.Reader) (Library, error) {
	var file libraryFile
	if err := yaml.NewDecoder(r).Decode(&file); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty document", ErrInvalidLibrary)
		}
		return nil, fmt.Errorf("%w: %w", ErrInvalidLibrary, err)
	}

	library := Library{}
	for category, entries := range file {
		if !category.valid() {
			return nil, fmt.Errorf("%w: unknown category %q", ErrInvalidLibrary, category)
		}
		for i, entry := range entries {
			text := strings.TrimSpace(entry.Text)
			if text == "" {
				return nil, fmt.Errorf("%w: %s phrase %d has no text", ErrInvalidLibrary, category, i)
			}
			if entry.Duration <= 0 {
				return nil, fmt.Errorf("%w: %s phrase %q needs a positive duration", ErrInvalidLibrary, category, text)
			}
			library[category] = append(library[category], Phrase{Text: text, Duration: entry.Duration})
		}
	}
	return library, nil
}

// LoadLibrary reads a phrase library from a YAML file.
func LoadLibrary(path string) (Library, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open phrase library: %w", err)
	}
	defer f.Close()

	return ReadLibrary(f)
}

func (c Category) valid() bool {
	switch c {
	case CategoryAcknowledgment, CategoryProcessing, CategoryThinking,
		CategoryConfirmation, CategoryTransition, CategoryEmpathy:
		return true
	}
	return false
}
