package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"genmedia-studio/internal/asset"
	"genmedia-studio/internal/gemini"
	"genmedia-studio/internal/studio"
)

type visionCall struct {
	Model       string
	Media       gemini.Blob
	Instruction string
}

type fakeVision struct {
	mu    sync.Mutex
	calls []visionCall
	fail  map[string]error // keyed by media bytes
}

func (f *fakeVision) Describe(_ context.Context, model string, media gemini.Blob, instruction string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, visionCall{Model: model, Media: media, Instruction: instruction})
	if err := f.fail[string(media.Data)]; err != nil {
		return "", err
	}
	return "description of " + string(media.Data), nil
}

func (f *fakeVision) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeText struct {
	mu           sync.Mutex
	instructions []string
	reply        string
	err          error
}

func (f *fakeText) GenerateJSON(_ context.Context, _ string, instruction string, _ map[string]any) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.instructions = append(f.instructions, instruction)
	if f.err != nil {
		return "", f.err
	}
	if f.reply != "" {
		return f.reply, nil
	}
	return `{"technicalPrompt":"A wide cinematic shot of two locations","reasoning":"merged both references"}`, nil
}

func (f *fakeText) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.instructions)
}

type fakeImages struct {
	mu       sync.Mutex
	requests []gemini.ImageRequest
	result   gemini.ImageResult
	err      error
	// block, when set, holds GenerateImage until it is closed.
	block chan struct{}
}

func (f *fakeImages) GenerateImage(ctx context.Context, req gemini.ImageRequest) (gemini.ImageResult, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return gemini.ImageResult{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return gemini.ImageResult{}, f.err
	}
	if len(f.result.Images) == 0 && len(f.result.URIs) == 0 && f.result.Text == "" {
		return gemini.ImageResult{Images: []gemini.Blob{{Data: []byte("generated"), MimeType: "image/png"}}}, nil
	}
	return f.result, nil
}

func (f *fakeImages) last(t *testing.T) gemini.ImageRequest {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.requests)
	return f.requests[len(f.requests)-1]
}

func (f *fakeImages) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

type fakeVideos struct {
	mu        sync.Mutex
	started   []gemini.VideoRequest
	startErr  error
	ticks     []gemini.Operation
	polls     int
	pollErr   error
	downloads []string
	data      []byte
	mime      string
}

func (f *fakeVideos) StartVideo(_ context.Context, req gemini.VideoRequest) (gemini.Operation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, req)
	if f.startErr != nil {
		return gemini.Operation{}, f.startErr
	}
	return gemini.Operation{Name: "operations/op-1"}, nil
}

// GetOperation replays ticks in order and repeats the last one forever.
func (f *fakeVideos) GetOperation(_ context.Context, name string) (gemini.Operation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	if f.pollErr != nil {
		return gemini.Operation{}, f.pollErr
	}
	if len(f.ticks) == 0 {
		return gemini.Operation{Name: name}, nil
	}
	i := f.polls - 1
	if i >= len(f.ticks) {
		i = len(f.ticks) - 1
	}
	op := f.ticks[i]
	op.Name = name
	return op, nil
}

func (f *fakeVideos) Download(_ context.Context, uri string) ([]byte, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.downloads = append(f.downloads, uri)
	if f.data == nil {
		return nil, "", errors.New("not found")
	}
	if f.mime == "" {
		return f.data, "video/mp4", nil
	}
	return f.data, f.mime, nil
}

func (f *fakeVideos) pollCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.polls
}

type memHistory struct {
	mu      sync.Mutex
	entries map[string][]studio.GeneratedAsset
	err     error
}

func (h *memHistory) Append(_ context.Context, projectID string, a studio.GeneratedAsset) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return h.err
	}
	if h.entries == nil {
		h.entries = make(map[string][]studio.GeneratedAsset)
	}
	h.entries[projectID] = append(h.entries[projectID], a.Clone())
	return nil
}

func (h *memHistory) list(projectID string) []studio.GeneratedAsset {
	h.mu.Lock()
	defer h.mu.Unlock()
	return studio.CloneHistory(h.entries[projectID])
}

type fakeOutputs struct {
	mu   sync.Mutex
	keys []string
	err  error
}

func (f *fakeOutputs) Put(_ context.Context, key string, _ []byte, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.keys = append(f.keys, key)
	return "https://cdn.example/" + key, nil
}

type fakeEvents struct {
	mu        sync.Mutex
	completed []string
}

func (f *fakeEvents) GenerationCompleted(_ context.Context, _ string, a studio.GeneratedAsset) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, a.ID)
	return nil
}

type harness struct {
	vision  *fakeVision
	text    *fakeText
	images  *fakeImages
	videos  *fakeVideos
	history *memHistory
	outputs *fakeOutputs
	events  *fakeEvents
	p       *Pipeline
}

type harnessOption func(*Deps, *Options)

func withOutputs(o *fakeOutputs) harnessOption {
	return func(d *Deps, _ *Options) { d.Outputs = o }
}

func withPoll(interval time.Duration, maxAttempts int, timeout time.Duration) harnessOption {
	return func(_ *Deps, o *Options) {
		o.PollInterval = interval
		o.PollMaxAttempts = maxAttempts
		o.PollTimeout = timeout
	}
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	h := &harness{
		vision:  &fakeVision{},
		text:    &fakeText{},
		images:  &fakeImages{},
		videos:  &fakeVideos{},
		history: &memHistory{},
		events:  &fakeEvents{},
	}

	catalog, err := NewCatalog("img-default", "veo-default", "")
	require.NoError(t, err)

	deps := Deps{
		Vision:  h.vision,
		Text:    h.text,
		Images:  h.images,
		Videos:  h.videos,
		Anchors: asset.NewNormalizer(asset.Options{}),
		History: h.history,
		Events:  h.events,
		Catalog: catalog,
	}
	options := Options{
		VisionModel:  "vision-test",
		TextModel:    "text-test",
		PollInterval: time.Millisecond,
		PollTimeout:  5 * time.Second,
	}
	for _, o := range opts {
		o(&deps, &options)
	}
	if fo, ok := deps.Outputs.(*fakeOutputs); ok {
		h.outputs = fo
	}

	h.p, err = New(deps, options)
	require.NoError(t, err)
	return h
}

func ref(id, data string, selected bool) studio.ReferenceAsset {
	return studio.ReferenceAsset{ID: id, Kind: studio.KindImage, MimeType: "image/png", Data: []byte(data), Selected: selected}
}
