package engines

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/podforge/podforge/internal/audio"
	"github.com/podforge/podforge/internal/errs"
	"golang.org/x/time/rate"
)

const gttsMaxText = 5000

// GTTS synthesizes through gtts-cli (Google Translate TTS). The MP3 it
// prints is decoded in-process. Requests are rate limited to avoid being
// blocked upstream.
type GTTS struct {
	binary   string
	language string
	slow     bool
	timeout  time.Duration
	rpm      int

	mu      sync.Mutex
	limiter *rate.Limiter
	loaded  bool
	rate    int
}

// NewGTTS configures a gtts-cli backend. The voice is the language code.
// Options: "binary", "slow", "requests_per_minute", "timeout".
func NewGTTS(cfg Config) (Backend, error) {
	binary := cfg.Option("binary", "gtts-cli")
	if _, err := exec.LookPath(binary); err != nil {
		return nil, errs.Configuration("gtts", "gtts-cli not found in PATH", err)
	}

	language := cfg.Voice
	if language == "" {
		language = "en"
	}

	rpm, err := strconv.Atoi(cfg.Option("requests_per_minute", "50"))
	if err != nil || rpm <= 0 {
		return nil, errs.Configuration("gtts", "requests_per_minute must be a positive integer", err)
	}

	timeout, err := time.ParseDuration(cfg.Option("timeout", "30s"))
	if err != nil {
		return nil, errs.Configuration("gtts", "invalid timeout", err)
	}

	return &GTTS{
		binary:   binary,
		language: language,
		slow:     cfg.Option("slow", "false") == "true",
		timeout:  timeout,
		rpm:      rpm,
	}, nil
}

// Load sets up the request limiter.
func (g *GTTS) Load(_ context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(g.rpm)), 1)
	g.loaded = true
	return nil
}

// Synthesize fetches MP3 audio for req and decodes it to mono PCM.
func (g *GTTS) Synthesize(ctx context.Context, req Request) (audio.Clip, error) {
	g.mu.Lock()
	limiter, loaded := g.limiter, g.loaded
	g.mu.Unlock()
	if !loaded {
		return audio.Clip{}, errs.Synthesis("gtts", "backend not loaded", nil)
	}

	text := strings.TrimSpace(req.Text)
	if text == "" {
		return audio.Clip{}, errs.Synthesis("gtts", "text cannot be empty", nil)
	}
	if len(text) > gttsMaxText {
		return audio.Clip{}, errs.Synthesis("gtts",
			fmt.Sprintf("text too long: %d characters (max %d)", len(text), gttsMaxText), nil)
	}

	if err := limiter.Wait(ctx); err != nil {
		return audio.Clip{}, errs.Cancelled("gtts", err)
	}

	language := g.language
	if req.Voice != "" {
		language = req.Voice
	}
	args := []string{"-", "--lang", language, "--output", "-"}
	if g.slow || (req.Speed > 0 && req.Speed < 0.75) {
		args = append(args, "--slow")
	}

	mp3Data, err := runCommand(ctx, g.timeout, text, g.binary, args...)
	if err != nil {
		if ctx.Err() != nil {
			return audio.Clip{}, errs.Cancelled("gtts", err)
		}
		return audio.Clip{}, errs.Synthesis("gtts", "", err)
	}

	clip, err := audio.DecodeMP3(mp3Data)
	if err != nil {
		return audio.Clip{}, errs.Synthesis("gtts", "decode output", err)
	}

	g.mu.Lock()
	g.rate = clip.SampleRate
	g.mu.Unlock()
	return clip, nil
}

// Unload drops the limiter.
func (g *GTTS) Unload() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.loaded = false
	g.limiter = nil
	return nil
}

// Info describes the backend.
func (g *GTTS) Info() Info {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Info{
		Type:       BackendGTTS,
		Name:       "gtts-" + g.language,
		SampleRate: g.rate,
		MemoryCost: 8 << 20,
		Languages:  []string{g.language},
		Online:     true,
	}
}
