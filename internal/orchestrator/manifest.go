package orchestrator

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Status is the outcome of one utterance.
type Status string

const (
	StatusPending   Status = "pending"
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusDone      Status = "done"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// ManifestEntry maps one utterance to its place in the assembled audio.
type ManifestEntry struct {
	Index       int
	UtteranceID string
	Speaker     string
	CacheKey    string
	Offset      time.Duration
	Duration    time.Duration
	CacheHit    bool
	Status      Status
	Attempts    int
	Error       string
}

type manifestEntryJSON struct {
	Index       int     `json:"index"`
	UtteranceID string  `json:"utterance_id"`
	Speaker     string  `json:"speaker,omitempty"`
	CacheKey    string  `json:"cache_key"`
	Offset      float64 `json:"offset"`
	Duration    float64 `json:"duration"`
	CacheHit    bool    `json:"cache_hit"`
	Status      Status  `json:"status"`
	Attempts    int     `json:"attempts"`
	Error       string  `json:"error,omitempty"`
}

// MarshalJSON writes offsets and durations in seconds.
func (e ManifestEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal(manifestEntryJSON{
		Index:       e.Index,
		UtteranceID: e.UtteranceID,
		Speaker:     e.Speaker,
		CacheKey:    e.CacheKey,
		Offset:      e.Offset.Seconds(),
		Duration:    e.Duration.Seconds(),
		CacheHit:    e.CacheHit,
		Status:      e.Status,
		Attempts:    e.Attempts,
		Error:       e.Error,
	})
}

// UnmarshalJSON reads the format written by MarshalJSON.
func (e *ManifestEntry) UnmarshalJSON(data []byte) error {
	var j manifestEntryJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	*e = ManifestEntry{
		Index:       j.Index,
		UtteranceID: j.UtteranceID,
		Speaker:     j.Speaker,
		CacheKey:    j.CacheKey,
		Offset:      seconds(j.Offset),
		Duration:    seconds(j.Duration),
		CacheHit:    j.CacheHit,
		Status:      j.Status,
		Attempts:    j.Attempts,
		Error:       j.Error,
	}
	return nil
}

func seconds(s float64) time.Duration {
	return time.Duration(math.Round(s * float64(time.Second)))
}

// Manifest describes how the assembled audio maps back to the script.
type Manifest struct {
	RunID      string          `json:"run_id"`
	Title      string          `json:"title,omitempty"`
	State      State           `json:"state"`
	SampleRate int             `json:"sample_rate"`
	Duration   float64         `json:"duration"`
	Entries    []ManifestEntry `json:"entries"`
	Done       int             `json:"done"`
	Failed     int             `json:"failed"`
	Cancelled  int             `json:"cancelled"`
	CacheHits  int             `json:"cache_hits"`
	Output     string          `json:"output,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Summary is a one-line description of the outcome.
func (m Manifest) Summary() string {
	return fmt.Sprintf("%d utterances: %d done (%d cached), %d failed, %d cancelled; %.1fs of audio",
		len(m.Entries), m.Done, m.CacheHits, m.Failed, m.Cancelled, m.Duration)
}

// ManifestPath returns the manifest file name that accompanies an output
// file: episode.wav -> episode.manifest.json.
func ManifestPath(output string) string {
	return strings.TrimSuffix(output, filepath.Ext(output)) + ".manifest.json"
}

// WriteFile stores the manifest as indented JSON.
func (m Manifest) WriteFile(path string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create manifest directory: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	return nil
}

// ReadManifest loads a manifest written by WriteFile.
func ReadManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("failed to read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("failed to parse manifest: %w", err)
	}
	return m, nil
}
