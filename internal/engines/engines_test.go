package engines

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/podforge/podforge/internal/errs"
)

func TestConfigKeyIsCanonical(t *testing.T) {
	a := Config{Backend: BackendPiper, Model: "m.onnx", Options: map[string]string{"a": "1", "b": "2"}}
	b := Config{Backend: BackendPiper, Model: "m.onnx", Options: map[string]string{"b": "2", "a": "1"}}
	if a.Key() != b.Key() {
		t.Errorf("option order changed the key: %v vs %v", a.Key(), b.Key())
	}

	tests := []struct {
		name string
		cfg  Config
	}{
		{"backend", Config{Backend: BackendMock, Model: "m.onnx", Options: a.Options}},
		{"model", Config{Backend: BackendPiper, Model: "n.onnx", Options: a.Options}},
		{"voice", Config{Backend: BackendPiper, Model: "m.onnx", Voice: "3", Options: a.Options}},
		{"device", Config{Backend: BackendPiper, Model: "m.onnx", Device: "cuda", Options: a.Options}},
		{"option", Config{Backend: BackendPiper, Model: "m.onnx", Options: map[string]string{"a": "1", "b": "3"}}},
		{"option value holding a separator", Config{Backend: BackendPiper, Model: "m.onnx", Options: map[string]string{"a": "1\x1fb=2"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.cfg.Key() == a.Key() {
				t.Errorf("changing %s did not change the key", tt.name)
			}
		})
	}
}

func TestConfigKeyFieldBoundaries(t *testing.T) {
	pairs := [][2]Config{
		{{Backend: BackendPiper, Model: "m\x1fv"}, {Backend: BackendPiper, Model: "m", Voice: "v"}},
		{{Backend: BackendPiper, Voice: "v", Device: ""}, {Backend: BackendPiper, Voice: "", Device: "v"}},
		{{Backend: BackendPiper, Options: map[string]string{"a": "1\x1fb=2"}}, {Backend: BackendPiper, Options: map[string]string{"a": "1", "b": "2"}}},
	}
	for i, p := range pairs {
		if p[0].Key() == p[1].Key() {
			t.Errorf("pair %d: distinct configs share key %v", i, p[0].Key())
		}
	}
}

func TestKeyString(t *testing.T) {
	k := Config{Backend: BackendMock}.Key()
	if got := k.String(); got != "mock:"+k.Hash || len(k.Hash) != 12 {
		t.Errorf("String() = %q", got)
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register(BackendMock, func(cfg Config) (Backend, error) { return NewMock(cfg), nil })

	b, err := r.New(Config{Backend: BackendMock})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if b.Info().Type != BackendMock {
		t.Errorf("Info().Type = %v", b.Info().Type)
	}

	_, err = r.New(Config{Backend: "xtts"})
	if !errors.Is(err, errs.ErrConfiguration) {
		t.Errorf("expected configuration error, got %v", err)
	}

	defer func() {
		if recover() == nil {
			t.Error("expected duplicate Register to panic")
		}
	}()
	r.Register(BackendMock, func(cfg Config) (Backend, error) { return NewMock(cfg), nil })
}

func TestDefaultRegistryTypes(t *testing.T) {
	got := Default.Types()
	want := []BackendType{BackendEdge, BackendGoogle, BackendGTTS, BackendMock, BackendPiper}
	if len(got) != len(want) {
		t.Fatalf("Types() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Types()[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestMockSynthesize(t *testing.T) {
	m := NewMock(Config{})
	ctx := context.Background()

	if _, err := m.Synthesize(ctx, Request{Text: "hello"}); !errors.Is(err, errs.ErrSynthesis) {
		t.Errorf("expected synthesis error before Load, got %v", err)
	}
	if err := m.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}

	clip, err := m.Synthesize(ctx, Request{Text: "hello brave new world"})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if clip.Duration() != 4*MockWordDuration {
		t.Errorf("Duration() = %v, want %v", clip.Duration(), 4*MockWordDuration)
	}

	again, _ := m.Synthesize(ctx, Request{Text: "hello brave new world"})
	if string(again.Data) != string(clip.Data) {
		t.Error("mock output is not deterministic")
	}
	if m.CallCount() != 3 {
		t.Errorf("CallCount() = %d, want 3", m.CallCount())
	}
}

func TestMockFailureInjection(t *testing.T) {
	m := NewMock(Config{})
	ctx := context.Background()
	_ = m.Load(ctx)

	m.FailText("bad", errors.New("boom"))
	if _, err := m.Synthesize(ctx, Request{Text: "bad"}); !errors.Is(err, errs.ErrSynthesis) {
		t.Errorf("expected synthesis error, got %v", err)
	}
	if _, err := m.Synthesize(ctx, Request{Text: "good"}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	m.FailFirst(1)
	if _, err := m.Synthesize(ctx, Request{Text: "good"}); err == nil {
		t.Error("expected first call to fail")
	}
	if _, err := m.Synthesize(ctx, Request{Text: "good"}); err != nil {
		t.Errorf("expected second call to succeed, got %v", err)
	}

	m.ClearFailure()
	m.SetLoadError(errors.New("no gpu"))
	if err := m.Load(ctx); !errors.Is(err, errs.ErrLoad) {
		t.Errorf("expected load error, got %v", err)
	}
}

func TestMockHonoursCancellation(t *testing.T) {
	m := NewMock(Config{})
	_ = m.Load(context.Background())
	m.SetDelay(time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := m.Synthesize(ctx, Request{Text: "slow"}); !errors.Is(err, errs.ErrCancelled) {
		t.Errorf("expected cancellation, got %v", err)
	}
}

func TestMockSampleValueNonZero(t *testing.T) {
	for _, text := range []string{"", "Hello", "World", "Test"} {
		if MockSampleValue(text) == 0 {
			t.Errorf("MockSampleValue(%q) = 0", text)
		}
	}
	if MockSampleValue("Hello") == MockSampleValue("World") {
		t.Error("expected distinct values for distinct texts")
	}
}

func TestNewPiperValidation(t *testing.T) {
	dir := t.TempDir()
	model := filepath.Join(dir, "voice.onnx")
	if err := os.WriteFile(model, []byte("fake model"), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		cfg  Config
	}{
		{"missing model path", Config{Backend: BackendPiper}},
		{"non-existent model", Config{Backend: BackendPiper, Model: "/non/existent/model.onnx"}},
		{"missing binary", Config{Backend: BackendPiper, Model: model, Options: map[string]string{"binary": "piper-does-not-exist"}}},
		{"bad timeout", Config{Backend: BackendPiper, Model: model, Options: map[string]string{"binary": fakePiper(t, dir), "timeout": "soon"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewPiper(tt.cfg)
			if !errors.Is(err, errs.ErrConfiguration) {
				t.Errorf("expected configuration error, got %v", err)
			}
		})
	}
}

// fakePiper writes a shell script that swallows stdin and prints four bytes
// of PCM.
func fakePiper(t *testing.T, dir string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script fake requires a POSIX shell")
	}
	path := filepath.Join(dir, "fake-piper")
	script := "#!/bin/sh\ncat > /dev/null\nprintf 'abcd'\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestPiperSynthesizeWithFakeBinary(t *testing.T) {
	dir := t.TempDir()
	model := filepath.Join(dir, "voice.onnx")
	if err := os.WriteFile(model, make([]byte, 1024), 0o644); err != nil {
		t.Fatal(err)
	}
	modelConfig := `{"audio": {"sample_rate": 16000}, "language": {"code": "en_US"}}`
	if err := os.WriteFile(model+".json", []byte(modelConfig), 0o644); err != nil {
		t.Fatal(err)
	}

	b, err := NewPiper(Config{
		Backend: BackendPiper,
		Model:   model,
		Options: map[string]string{"binary": fakePiper(t, dir)},
	})
	if err != nil {
		t.Fatalf("NewPiper: %v", err)
	}

	ctx := context.Background()
	if err := b.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	info := b.Info()
	if info.SampleRate != 16000 {
		t.Errorf("SampleRate = %d, want 16000", info.SampleRate)
	}
	if info.MemoryCost != 2048 {
		t.Errorf("MemoryCost = %d, want 2048", info.MemoryCost)
	}

	clip, err := b.Synthesize(ctx, Request{Text: "Hello there", Voice: "2", Speed: 1.25})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if string(clip.Data) != "abcd" || clip.SampleRate != 16000 {
		t.Errorf("unexpected clip %q at %d Hz", clip.Data, clip.SampleRate)
	}

	if _, err := b.Synthesize(ctx, Request{Text: "   "}); !errors.Is(err, errs.ErrSynthesis) {
		t.Errorf("expected synthesis error for empty text, got %v", err)
	}

	_ = b.Unload()
	if _, err := b.Synthesize(ctx, Request{Text: "Hello"}); !errors.Is(err, errs.ErrSynthesis) {
		t.Errorf("expected synthesis error after Unload, got %v", err)
	}
}

func TestLanguageFromVoice(t *testing.T) {
	tests := map[string]string{
		"en-US-Standard-C": "en-US",
		"de-DE-Wavenet-A":  "de-DE",
		"plain":            "en-US",
	}
	for voice, want := range tests {
		if got := languageFromVoice(voice); got != want {
			t.Errorf("languageFromVoice(%q) = %q, want %q", voice, got, want)
		}
	}
}
