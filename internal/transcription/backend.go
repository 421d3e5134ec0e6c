package transcription

import (
	"context"
	"strings"

	"signalhub-go/internal/types"
)

// Backend runs inference for one audio file. Load is called at most once
// per successful load by the Engine.
type Backend interface {
	Name() string
	Load(ctx context.Context) error
	Transcribe(ctx context.Context, path string, opts Options) (Output, error)
}

type Options struct {
	Language string
	Task     string
}

type Output struct {
	Text     string
	Language string
	Segments []types.Segment
}

const mockTranscript = "MOCK TRANSCRIPT: Customer says they face pricing issues and want refund."

// MockBackend returns a fixed transcript. Used with USE_MOCK_TRANSCRIBE and
// in tests.
type MockBackend struct {
	Text    string
	LoadErr error
}

func (m *MockBackend) Name() string { return "mock" }

func (m *MockBackend) Load(context.Context) error { return m.LoadErr }

func (m *MockBackend) Transcribe(_ context.Context, _ string, opts Options) (Output, error) {
	text := m.Text
	if text == "" {
		text = mockTranscript
	}
	lang := opts.Language
	if lang == "" {
		lang = "en"
	}
	words := strings.Fields(text)
	segs := make([]types.Segment, 0, (len(words)+4)/5)
	for i := 0; i < len(words); i += 5 {
		end := min(i+5, len(words))
		segs = append(segs, types.Segment{
			Start:      float64(i) * 0.4,
			End:        float64(end) * 0.4,
			Text:       strings.Join(words[i:end], " "),
			AvgLogProb: -0.2,
		})
	}
	return Output{Text: text, Language: lang, Segments: segs}, nil
}
