package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"genmedia-studio/internal/errs"
	"genmedia-studio/internal/gemini"
	"genmedia-studio/internal/studio"
)

func newTestPoller(t *testing.T, videos *fakeVideos, maxAttempts int, timeout time.Duration) *Poller {
	t.Helper()
	p, err := NewPoller(videos, PollerOptions{Interval: time.Millisecond, MaxAttempts: maxAttempts, Timeout: timeout})
	require.NoError(t, err)
	return p
}

func TestVideoDoneWithoutOutputIsSafetyResult(t *testing.T) {
	h := newHarness(t)
	h.videos.ticks = []gemini.Operation{{Done: false}, {Done: false}, {Done: false}, {Done: true}}

	_, err := h.p.NewSession("proj-1", nil).Generate(t.Context(), studio.InputSnapshot{
		Scene: "a whale breaching",
		Mode:  studio.ModeDirect,
		Kind:  studio.KindVideo,
	})
	require.Error(t, err)
	assert.Equal(t, errs.KindSafetyOrEmpty, errs.KindOf(err))
	assert.False(t, errors.Is(err, errs.New(errs.KindDispatch, "", "")))
	assert.Equal(t, 4, h.videos.pollCount())
	assert.Empty(t, h.history.list("proj-1"))
}

func TestPollStopsOnFirstDoneTick(t *testing.T) {
	videos := &fakeVideos{
		ticks: []gemini.Operation{
			{Done: false},
			{Done: false},
			{Done: true, Videos: []gemini.Video{{URI: "https://files.example/v1.mp4"}, {URI: "https://files.example/v2.mp4"}}},
			{Done: true, Error: &gemini.OperationError{Code: 13, Message: "should never be read"}},
		},
		data: []byte("mp4-bytes"),
	}
	p := newTestPoller(t, videos, 0, 5*time.Second)

	out, err := p.Wait(t.Context(), "veo-test", gemini.Operation{Name: "operations/op-1"})
	require.NoError(t, err)

	assert.Equal(t, 3, videos.pollCount())
	assert.Equal(t, []string{"https://files.example/v1.mp4"}, videos.downloads)
	assert.Equal(t, []byte("mp4-bytes"), out.Data)
	assert.Equal(t, "video/mp4", out.MimeType)
	assert.Equal(t, "data:video/mp4;base64,bXA0LWJ5dGVz", out.URI)
}

func TestPollReturnsImmediatelyWhenAlreadyDone(t *testing.T) {
	videos := &fakeVideos{}
	p := newTestPoller(t, videos, 0, time.Second)

	out, err := p.Wait(t.Context(), "veo-test", gemini.Operation{
		Name:   "operations/op-1",
		Done:   true,
		Videos: []gemini.Video{{Data: []byte("v"), MimeType: "video/webm"}},
	})
	require.NoError(t, err)
	assert.Zero(t, videos.pollCount())
	assert.Equal(t, "video/webm", out.MimeType)
}

func TestPollOperationErrorCarriesCodeAndMessage(t *testing.T) {
	videos := &fakeVideos{ticks: []gemini.Operation{{Done: true, Error: &gemini.OperationError{Code: 8, Message: "Quota exceeded for veo"}}}}
	p := newTestPoller(t, videos, 0, time.Second)

	_, err := p.Wait(t.Context(), "veo-test", gemini.Operation{Name: "operations/op-1"})
	require.Error(t, err)

	var e *errs.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, errs.KindDispatch, e.Kind)
	assert.Equal(t, "veo-test", e.Model)
	assert.Contains(t, e.Message, "code 8")
	assert.Contains(t, e.Message, "Quota exceeded for veo")
}

func TestPollSafetyResultIncludesFilterReasons(t *testing.T) {
	videos := &fakeVideos{ticks: []gemini.Operation{{Done: true, FilteredCount: 1, FilteredReasons: []string{"violence"}}}}
	p := newTestPoller(t, videos, 0, time.Second)

	_, err := p.Wait(t.Context(), "veo-test", gemini.Operation{Name: "operations/op-1"})
	require.Error(t, err)
	assert.Equal(t, errs.KindSafetyOrEmpty, errs.KindOf(err))
	assert.Contains(t, err.Error(), "violence")
	assert.Contains(t, err.Error(), "safety filter")
}

func TestPollMaxAttempts(t *testing.T) {
	videos := &fakeVideos{ticks: []gemini.Operation{{Done: false}}}
	p := newTestPoller(t, videos, 3, 5*time.Second)

	_, err := p.Wait(t.Context(), "veo-test", gemini.Operation{Name: "operations/op-1"})
	require.Error(t, err)
	assert.Equal(t, errs.KindPollTimeout, errs.KindOf(err))
	assert.Equal(t, 3, videos.pollCount())
}

func TestPollOverallTimeout(t *testing.T) {
	videos := &fakeVideos{ticks: []gemini.Operation{{Done: false}}}
	p := newTestPoller(t, videos, 0, 30*time.Millisecond)

	start := time.Now()
	_, err := p.Wait(t.Context(), "veo-test", gemini.Operation{Name: "operations/op-1"})
	require.Error(t, err)
	assert.Equal(t, errs.KindPollTimeout, errs.KindOf(err))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestPollTransientErrorIsDispatchFailure(t *testing.T) {
	videos := &fakeVideos{pollErr: errors.New("connection reset by peer")}
	p := newTestPoller(t, videos, 0, time.Second)

	_, err := p.Wait(t.Context(), "veo-test", gemini.Operation{Name: "operations/op-1"})
	require.Error(t, err)
	assert.Equal(t, errs.KindDispatch, errs.KindOf(err))
	assert.Contains(t, err.Error(), "connection reset by peer")
	assert.Contains(t, err.Error(), "veo-test")
}

func TestPollDownloadFailure(t *testing.T) {
	videos := &fakeVideos{ticks: []gemini.Operation{{Done: true, Videos: []gemini.Video{{URI: "files/v"}}}}}
	p := newTestPoller(t, videos, 0, time.Second)

	_, err := p.Wait(t.Context(), "veo-test", gemini.Operation{Name: "operations/op-1"})
	require.Error(t, err)
	assert.Equal(t, errs.KindDispatch, errs.KindOf(err))
	assert.Contains(t, err.Error(), "[download]")
}

func TestPollStopsWhenCallerCancels(t *testing.T) {
	videos := &fakeVideos{ticks: []gemini.Operation{{Done: false}}}
	p := newTestPoller(t, videos, 0, time.Minute)

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()

	_, err := p.Wait(ctx, "veo-test", gemini.Operation{Name: "operations/op-1"})
	require.Error(t, err)
	assert.NotEqual(t, errs.KindPollTimeout, errs.KindOf(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNewPollerValidation(t *testing.T) {
	_, err := NewPoller(&fakeVideos{}, PollerOptions{})
	require.Error(t, err)

	_, err = NewPoller(&fakeVideos{}, PollerOptions{Timeout: time.Second, MaxAttempts: -1})
	require.Error(t, err)

	p, err := NewPoller(&fakeVideos{}, PollerOptions{Timeout: time.Second})
	require.NoError(t, err)
	assert.Equal(t, DefaultPollInterval, p.interval)
}

func TestVideoDirectModeUsesFirstImageAsFrame(t *testing.T) {
	h := newHarness(t)
	h.videos.ticks = []gemini.Operation{{Done: true, Videos: []gemini.Video{{Data: []byte("v"), MimeType: "video/mp4"}}}}

	got, err := h.p.NewSession("p", nil).Generate(t.Context(), studio.InputSnapshot{
		Scene:       "Slow push in",
		Locations:   []studio.ReferenceAsset{ref("loc-1", "frame", true)},
		Mode:        studio.ModeDirect,
		AspectRatio: "9:16",
		Kind:        studio.KindVideo,
		ModelLabel:  "Veo 3",
	})
	require.NoError(t, err)

	require.Len(t, h.videos.started, 1)
	req := h.videos.started[0]
	assert.Equal(t, "veo-3.0-generate-001", req.Model)
	assert.Equal(t, "Slow push in\n\nAspect ratio: 9:16", req.Prompt)
	assert.Equal(t, "9:16", req.AspectRatio)
	require.NotNil(t, req.Image)
	assert.Equal(t, []byte("frame"), req.Image.Data)
	assert.Equal(t, "data:video/mp4;base64,dg==", got.OutputURI)
}
