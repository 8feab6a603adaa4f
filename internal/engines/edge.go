package engines

import (
	"bytes"
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/podforge/podforge/internal/audio"
	"github.com/podforge/podforge/internal/errs"
	"github.com/pp-group/edge-tts-go/biz/service/tts/edge"
	"golang.org/x/time/rate"
)

const edgeDefaultVoice = "en-US-AriaNeural"

// Edge synthesizes with the Microsoft Edge online voices. Audio arrives as
// MP3 chunks on a stream and is decoded once complete.
type Edge struct {
	voice string
	rpm   int

	mu      sync.Mutex
	limiter *rate.Limiter
	loaded  bool
	rate    int
}

// NewEdge configures an Edge backend. Options: "requests_per_minute".
func NewEdge(cfg Config) (Backend, error) {
	voice := cfg.Voice
	if voice == "" {
		voice = edgeDefaultVoice
	}
	rpm, err := strconv.Atoi(cfg.Option("requests_per_minute", "120"))
	if err != nil || rpm <= 0 {
		return nil, errs.Configuration("edge", "requests_per_minute must be a positive integer", err)
	}
	return &Edge{voice: voice, rpm: rpm}, nil
}

// Load sets up the request limiter.
func (e *Edge) Load(_ context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(e.rpm)), 2)
	e.loaded = true
	return nil
}

// Synthesize streams MP3 audio for req and decodes it.
func (e *Edge) Synthesize(ctx context.Context, req Request) (audio.Clip, error) {
	e.mu.Lock()
	limiter, loaded := e.limiter, e.loaded
	e.mu.Unlock()
	if !loaded {
		return audio.Clip{}, errs.Synthesis("edge", "backend not loaded", nil)
	}

	text := strings.TrimSpace(req.Text)
	if text == "" {
		return audio.Clip{}, errs.Synthesis("edge", "text cannot be empty", nil)
	}
	if err := limiter.Wait(ctx); err != nil {
		return audio.Clip{}, errs.Cancelled("edge", err)
	}

	voice := e.voice
	if req.Voice != "" {
		voice = req.Voice
	}
	comm, err := edge.NewCommunicate(text, edge.WithVoice(voice))
	if err != nil {
		return audio.Clip{}, errs.Synthesis("edge", "create session", err)
	}
	stream, err := comm.Stream()
	if err != nil {
		return audio.Clip{}, errs.Synthesis("edge", "start stream", err)
	}

	var mp3Buf bytes.Buffer
	for msg := range stream {
		if ctx.Err() != nil {
			// drain so the producer goroutine can exit
			go func() {
				for range stream {
				}
			}()
			return audio.Clip{}, errs.Cancelled("edge", ctx.Err())
		}
		if t, ok := msg["type"].(string); ok && t == "audio" {
			if data, ok := msg["data"].([]byte); ok {
				mp3Buf.Write(data)
			}
		}
	}

	if mp3Buf.Len() == 0 {
		return audio.Clip{}, errs.Synthesis("edge", "no audio received", nil)
	}

	clip, err := audio.DecodeMP3(mp3Buf.Bytes())
	if err != nil {
		return audio.Clip{}, errs.Synthesis("edge", "decode output", err)
	}

	e.mu.Lock()
	e.rate = clip.SampleRate
	e.mu.Unlock()
	return clip, nil
}

// Unload drops the limiter.
func (e *Edge) Unload() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.loaded = false
	e.limiter = nil
	return nil
}

// Info describes the backend.
func (e *Edge) Info() Info {
	e.mu.Lock()
	defer e.mu.Unlock()
	lang := e.voice
	if parts := strings.SplitN(e.voice, "-", 3); len(parts) >= 2 {
		lang = parts[0] + "-" + parts[1]
	}
	return Info{
		Type:       BackendEdge,
		Name:       e.voice,
		SampleRate: e.rate,
		MemoryCost: 8 << 20,
		Languages:  []string{lang},
		Online:     true,
	}
}
