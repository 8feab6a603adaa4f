package script

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Utterance is one scripted line of speech.
type Utterance struct {
	ID         string        `json:"id"`
	Speaker    string        `json:"speaker,omitempty"`
	Text       string        `json:"text"`
	VoiceHint  string        `json:"voice_hint,omitempty"`
	Emotion    string        `json:"emotion,omitempty"`
	PauseAfter time.Duration `json:"pause_after,omitempty"`
	Speed      float64       `json:"speed,omitempty"`
}

// WordCount returns the number of whitespace-separated words in the text.
func (u Utterance) WordCount() int {
	return len(strings.Fields(u.Text))
}

// Script is an ordered list of utterances.
type Script struct {
	Title      string
	Utterances []Utterance
}

// Format is a script file encoding.
type Format int

const (
	FormatYAML Format = iota
	FormatJSON
)

// FormatFromPath picks the format from a file extension; anything other
// than .json is read as YAML.
func FormatFromPath(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return FormatJSON
	}
	return FormatYAML
}

// Options adjusts parsing.
type Options struct {
	// DefaultPause applies to utterances that do not set pause_after.
	DefaultPause time.Duration
}

// entry is the on-disk shape of one script item.
type entry struct {
	ID         string   `yaml:"id" json:"id"`
	Type       string   `yaml:"type" json:"type"`
	Speaker    string   `yaml:"speaker" json:"speaker"`
	Text       string   `yaml:"text" json:"text"`
	Content    string   `yaml:"content" json:"content"`
	VoiceHint  string   `yaml:"voice_hint" json:"voice_hint"`
	Voice      string   `yaml:"voice" json:"voice"`
	Emotion    string   `yaml:"emotion" json:"emotion"`
	PauseAfter *float64 `yaml:"pause_after" json:"pause_after"`
	Speed      float64  `yaml:"speed" json:"speed"`
}

type document struct {
	Title      string  `yaml:"title" json:"title"`
	Utterances []entry `yaml:"utterances" json:"utterances"`
	Script     []entry `yaml:"script" json:"script"`
}

// Load reads and parses a script file.
func Load(path string, opts Options) (Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Script{}, fmt.Errorf("failed to read script: %w", err)
	}
	s, err := Parse(data, FormatFromPath(path), opts)
	if err != nil {
		return Script{}, fmt.Errorf("%s: %w", path, err)
	}
	if s.Title == "" {
		s.Title = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return s, nil
}

// Parse decodes a script. The document is either a list of utterances or
// a mapping with a title and an "utterances" (or "script") list. Entries of
// type "direction" are stage directions and are skipped; entries without
// an id get a random one. The result is validated.
func Parse(data []byte, format Format, opts Options) (Script, error) {
	var doc document
	var err error
	switch format {
	case FormatJSON:
		err = decodeJSON(data, &doc)
	default:
		err = decodeYAML(data, &doc)
	}
	if err != nil {
		return Script{}, err
	}

	entries := doc.Utterances
	if len(entries) == 0 {
		entries = doc.Script
	}

	s := Script{Title: doc.Title}
	for _, e := range entries {
		if strings.EqualFold(e.Type, "direction") {
			continue
		}
		s.Utterances = append(s.Utterances, e.utterance(opts))
	}

	if err := s.Validate(); err != nil {
		return Script{}, err
	}
	return s, nil
}

func decodeJSON(data []byte, doc *document) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &doc.Utterances); err != nil {
			return fmt.Errorf("failed to parse JSON script: %w", err)
		}
		return nil
	}
	if err := json.Unmarshal(trimmed, doc); err != nil {
		return fmt.Errorf("failed to parse JSON script: %w", err)
	}
	return nil
}

func decodeYAML(data []byte, doc *document) error {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return fmt.Errorf("failed to parse YAML script: %w", err)
	}
	if len(root.Content) == 0 {
		return nil
	}
	node := root.Content[0]
	var err error
	if node.Kind == yaml.SequenceNode {
		err = node.Decode(&doc.Utterances)
	} else {
		err = node.Decode(doc)
	}
	if err != nil {
		return fmt.Errorf("failed to parse YAML script: %w", err)
	}
	return nil
}

func (e entry) utterance(opts Options) Utterance {
	u := Utterance{
		ID:        e.ID,
		Speaker:   e.Speaker,
		Text:      e.Text,
		VoiceHint: e.VoiceHint,
		Emotion:   e.Emotion,
		Speed:     e.Speed,
	}
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.Text == "" {
		u.Text = e.Content
	}
	if u.VoiceHint == "" {
		u.VoiceHint = e.Voice
	}
	if e.PauseAfter != nil {
		u.PauseAfter = time.Duration(*e.PauseAfter * float64(time.Second))
	} else {
		u.PauseAfter = opts.DefaultPause
	}
	return u
}

// ValidationError describes one invalid utterance.
type ValidationError struct {
	Index  int
	ID     string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("utterance %d (%s): %s", e.Index+1, e.ID, e.Reason)
}

// Validate checks every utterance and reports all problems at once.
func (s Script) Validate() error {
	var errList []error
	seen := make(map[string]int, len(s.Utterances))
	for i, u := range s.Utterances {
		invalid := func(format string, args ...any) {
			errList = append(errList, &ValidationError{Index: i, ID: u.ID, Reason: fmt.Sprintf(format, args...)})
		}
		if strings.TrimSpace(u.Text) == "" {
			invalid("text is empty")
		}
		if u.Speed < 0 {
			invalid("speed %.2f is negative", u.Speed)
		}
		if u.PauseAfter < 0 {
			invalid("pause_after %s is negative", u.PauseAfter)
		}
		if j, dup := seen[u.ID]; dup {
			invalid("id duplicates utterance %d", j+1)
		} else {
			seen[u.ID] = i
		}
	}
	return errors.Join(errList...)
}
