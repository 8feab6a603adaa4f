package engines

import (
	"bytes"
	"context"
	"strconv"
	"strings"
	"sync"

	texttospeech "cloud.google.com/go/texttospeech/apiv1"
	"github.com/podforge/podforge/internal/audio"
	"github.com/podforge/podforge/internal/errs"
	texttospeechpb "google.golang.org/genproto/googleapis/cloud/texttospeech/v1"
)

const googleDefaultVoice = "en-US-Standard-C"

// Google synthesizes with Google Cloud Text-to-Speech. Credentials come
// from the environment (GOOGLE_APPLICATION_CREDENTIALS).
type Google struct {
	voice      string
	language   string
	sampleRate int
	pitch      float64

	mu     sync.Mutex
	client *texttospeech.Client
}

// NewGoogle configures a Cloud TTS backend. Options: "language_code",
// "sample_rate", "pitch".
func NewGoogle(cfg Config) (Backend, error) {
	voice := cfg.Voice
	if voice == "" {
		voice = googleDefaultVoice
	}

	language := cfg.Option("language_code", "")
	if language == "" {
		language = languageFromVoice(voice)
	}

	sampleRate, err := strconv.Atoi(cfg.Option("sample_rate", "24000"))
	if err != nil || sampleRate <= 0 {
		return nil, errs.Configuration("google", "sample_rate must be a positive integer", err)
	}

	pitch, err := strconv.ParseFloat(cfg.Option("pitch", "0"), 64)
	if err != nil {
		return nil, errs.Configuration("google", "invalid pitch", err)
	}

	return &Google{
		voice:      voice,
		language:   language,
		sampleRate: sampleRate,
		pitch:      pitch,
	}, nil
}

// languageFromVoice extracts "en-US" from "en-US-Standard-C".
func languageFromVoice(voice string) string {
	parts := strings.SplitN(voice, "-", 3)
	if len(parts) < 2 {
		return "en-US"
	}
	return parts[0] + "-" + parts[1]
}

// Load opens the API client.
func (g *Google) Load(ctx context.Context) error {
	client, err := texttospeech.NewClient(ctx)
	if err != nil {
		return errs.Load("google", "create client", err)
	}
	g.mu.Lock()
	g.client = client
	g.mu.Unlock()
	return nil
}

// Synthesize requests LINEAR16 audio for req.
func (g *Google) Synthesize(ctx context.Context, req Request) (audio.Clip, error) {
	g.mu.Lock()
	client := g.client
	g.mu.Unlock()
	if client == nil {
		return audio.Clip{}, errs.Synthesis("google", "backend not loaded", nil)
	}

	text := strings.TrimSpace(req.Text)
	if text == "" {
		return audio.Clip{}, errs.Synthesis("google", "text cannot be empty", nil)
	}

	voice, language := g.voice, g.language
	if req.Voice != "" {
		voice, language = req.Voice, languageFromVoice(req.Voice)
	}
	speed := req.Speed
	if speed <= 0 {
		speed = 1.0
	}

	resp, err := client.SynthesizeSpeech(ctx, &texttospeechpb.SynthesizeSpeechRequest{
		Input: &texttospeechpb.SynthesisInput{
			InputSource: &texttospeechpb.SynthesisInput_Text{Text: text},
		},
		Voice: &texttospeechpb.VoiceSelectionParams{
			LanguageCode: language,
			Name:         voice,
		},
		AudioConfig: &texttospeechpb.AudioConfig{
			AudioEncoding:   texttospeechpb.AudioEncoding_LINEAR16,
			SpeakingRate:    speed,
			Pitch:           g.pitch,
			SampleRateHertz: int32(g.sampleRate),
		},
	})
	if err != nil {
		if ctx.Err() != nil {
			return audio.Clip{}, errs.Cancelled("google", err)
		}
		return audio.Clip{}, errs.Synthesis("google", "", err)
	}

	// LINEAR16 responses carry a WAV header.
	content := resp.GetAudioContent()
	clip, err := audio.ReadWAV(bytes.NewReader(content))
	if err != nil {
		clip = audio.Clip{Data: content, SampleRate: g.sampleRate}
	}
	if err := clip.Validate(); err != nil {
		return audio.Clip{}, errs.Synthesis("google", "invalid audio content", err)
	}
	return clip, nil
}

// Unload closes the API client.
func (g *Google) Unload() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.client == nil {
		return nil
	}
	err := g.client.Close()
	g.client = nil
	return err
}

// Info describes the backend.
func (g *Google) Info() Info {
	return Info{
		Type:       BackendGoogle,
		Name:       g.voice,
		SampleRate: g.sampleRate,
		MemoryCost: 16 << 20,
		Languages:  []string{g.language},
		Online:     true,
	}
}
