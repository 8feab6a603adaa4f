package engines

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/podforge/podforge/internal/audio"
	"github.com/podforge/podforge/internal/errs"
)

const (
	piperMaxText        = 5000
	piperDefaultTimeout = 30 * time.Second
)

// Piper synthesizes with the offline Piper binary. Every call runs a fresh
// process with stdin prepared before start.
type Piper struct {
	binary     string
	modelPath  string
	configPath string
	voice      string
	timeout    time.Duration
	noiseScale string
	noiseW     string

	mu         sync.RWMutex
	loaded     bool
	sampleRate int
	language   string
	memoryCost int64
}

// NewPiper validates the binary and model assets named by cfg. Options:
// "binary", "config", "timeout", "noise_scale", "noise_w".
func NewPiper(cfg Config) (Backend, error) {
	if cfg.Model == "" {
		return nil, errs.Configuration("piper", "model path is required", nil)
	}

	modelPath, err := homedir.Expand(cfg.Model)
	if err != nil {
		return nil, errs.Configuration("piper", "expand model path", err)
	}
	if _, err := os.Stat(modelPath); err != nil {
		return nil, errs.Configuration("piper", "model file not accessible", err)
	}

	configPath := cfg.Option("config", "")
	if configPath == "" {
		// piper's convention is model.onnx + model.onnx.json
		configPath = modelPath + ".json"
		if _, err := os.Stat(configPath); err != nil {
			configPath = strings.TrimSuffix(modelPath, filepath.Ext(modelPath)) + ".json"
		}
	} else if configPath, err = homedir.Expand(configPath); err != nil {
		return nil, errs.Configuration("piper", "expand config path", err)
	}

	binary := cfg.Option("binary", "piper")
	if _, err := exec.LookPath(binary); err != nil {
		return nil, errs.Configuration("piper", "piper binary not found in PATH", err)
	}

	timeout := piperDefaultTimeout
	if v := cfg.Option("timeout", ""); v != "" {
		if timeout, err = time.ParseDuration(v); err != nil {
			return nil, errs.Configuration("piper", "invalid timeout "+strconv.Quote(v), err)
		}
	}

	return &Piper{
		binary:     binary,
		modelPath:  modelPath,
		configPath: configPath,
		voice:      cfg.Voice,
		timeout:    timeout,
		noiseScale: cfg.Option("noise_scale", ""),
		noiseW:     cfg.Option("noise_w", ""),
		sampleRate: audio.DefaultSampleRate,
	}, nil
}

// piperModelConfig is the subset of a Piper model's JSON config we read.
type piperModelConfig struct {
	Audio struct {
		SampleRate int `json:"sample_rate"`
	} `json:"audio"`
	Language struct {
		Code string `json:"code"`
	} `json:"language"`
}

// Load reads the model's sample rate and estimates its memory footprint.
func (p *Piper) Load(_ context.Context) error {
	st, err := os.Stat(p.modelPath)
	if err != nil {
		return errs.Load("piper", "model file not accessible", err)
	}

	rate := audio.DefaultSampleRate
	var language string
	if data, err := os.ReadFile(p.configPath); err == nil {
		var mc piperModelConfig
		if err := json.Unmarshal(data, &mc); err != nil {
			return errs.Load("piper", "invalid model config "+p.configPath, err)
		}
		if mc.Audio.SampleRate > 0 {
			rate = mc.Audio.SampleRate
		}
		language = mc.Language.Code
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.sampleRate = rate
	p.language = language
	// onnxruntime keeps roughly two copies of the weights resident
	p.memoryCost = st.Size() * 2
	p.loaded = true
	return nil
}

// Synthesize runs piper once for req.
func (p *Piper) Synthesize(ctx context.Context, req Request) (audio.Clip, error) {
	p.mu.RLock()
	loaded, rate := p.loaded, p.sampleRate
	p.mu.RUnlock()
	if !loaded {
		return audio.Clip{}, errs.Synthesis("piper", "backend not loaded", nil)
	}

	text := strings.TrimSpace(req.Text)
	if text == "" {
		return audio.Clip{}, errs.Synthesis("piper", "text cannot be empty", nil)
	}
	if len(text) > piperMaxText {
		return audio.Clip{}, errs.Synthesis("piper",
			fmt.Sprintf("text too long: %d characters (max %d)", len(text), piperMaxText), nil)
	}

	speed := req.Speed
	if speed <= 0 {
		speed = 1.0
	}

	args := []string{
		"--model", p.modelPath,
		"--config", p.configPath,
		"--output-raw",
		"--length-scale", fmt.Sprintf("%.2f", 1.0/speed),
	}
	voice := req.Voice
	if voice == "" {
		voice = p.voice
	}
	if _, err := strconv.Atoi(voice); err == nil {
		args = append(args, "--speaker", voice)
	}
	if p.noiseScale != "" {
		args = append(args, "--noise-scale", p.noiseScale)
	}
	if p.noiseW != "" {
		args = append(args, "--noise-w", p.noiseW)
	}

	out, err := runCommand(ctx, p.timeout, text, p.binary, args...)
	if err != nil {
		if ctx.Err() != nil {
			return audio.Clip{}, errs.Cancelled("piper", err)
		}
		return audio.Clip{}, errs.Synthesis("piper", "", err)
	}

	clip := audio.Clip{Data: out, SampleRate: rate}
	if err := clip.Validate(); err != nil {
		return audio.Clip{}, errs.Synthesis("piper", "invalid PCM output", err)
	}
	return clip, nil
}

// Unload marks the backend unusable until the next Load.
func (p *Piper) Unload() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.loaded = false
	p.memoryCost = 0
	return nil
}

// Info describes the loaded model.
func (p *Piper) Info() Info {
	p.mu.RLock()
	defer p.mu.RUnlock()
	info := Info{
		Type:       BackendPiper,
		Name:       filepath.Base(p.modelPath),
		SampleRate: p.sampleRate,
		MemoryCost: p.memoryCost,
	}
	if p.language != "" {
		info.Languages = []string{p.language}
	}
	return info
}
