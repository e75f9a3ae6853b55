package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"genmedia-studio/internal/asset"
	"genmedia-studio/internal/errs"
	"genmedia-studio/internal/gemini"
	"genmedia-studio/internal/metrics"
	"genmedia-studio/internal/studio"
)

type State string

const (
	StateIdle       State = "idle"
	StateComposing  State = "composing"
	StateDispatched State = "dispatched"
	StatePolling    State = "polling"
	StateSucceeded  State = "succeeded"
	StateFailed     State = "failed"
)

// StateObserver is told about every state change of one generation attempt.
type StateObserver func(State)

func (o StateObserver) emit(s State) {
	if o != nil {
		o(s)
	}
}

// Variant is how the instruction of a request was produced. It is one of
// PromptMode, DirectMode or FeedbackMode.
type Variant interface {
	instruction() string
}

// PromptMode sends the composer's technical prompt as the only text.
type PromptMode struct {
	TechnicalPrompt string
}

// DirectMode sends raw user text plus the selected reference bytes as parallel parts.
type DirectMode struct {
	Text  string
	Parts []gemini.Part
}

// FeedbackMode sends a refinement instruction verbatim, with no aspect directive.
type FeedbackMode struct {
	Feedback string
}

func (v PromptMode) instruction() string   { return v.TechnicalPrompt }
func (v DirectMode) instruction() string   { return v.Text }
func (v FeedbackMode) instruction() string { return v.Feedback }

type Request struct {
	Kind        studio.MediaKind
	ModelID     string
	AspectRatio string
	Variant     Variant
	// Anchor is the prior output for image refinement.
	Anchor *gemini.Blob
}

// Output is the produced media. Data is set when the bytes are held in
// memory; URI is then their data: form.
type Output struct {
	URI         string
	Data        []byte
	MimeType    string
	Instruction string
}

type Generator struct {
	images  ImageModel
	videos  VideoModel
	files   Downloader
	poller  *Poller
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func NewGenerator(images ImageModel, videos VideoModel, poller *Poller, logger *slog.Logger, m *metrics.Metrics) *Generator {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Generator{images: images, videos: videos, files: videos, poller: poller, logger: logger, metrics: m}
}

// Dispatch sends one request to the image or video endpoint and returns the
// produced media. Every failure is an *errs.Error naming the model.
func (g *Generator) Dispatch(ctx context.Context, req Request, observe StateObserver) (Output, error) {
	if req.Variant == nil {
		observe.emit(StateFailed)
		return Output{}, errs.New(errs.KindValidation, "dispatch", "request has no instruction")
	}
	observe.emit(StateComposing)
	text, parts := composeParts(req)

	observe.emit(StateDispatched)
	start := time.Now()

	var (
		out Output
		err error
	)
	switch req.Kind {
	case studio.KindImage:
		out, err = g.dispatchImage(ctx, req, parts)
	case studio.KindVideo:
		out, err = g.dispatchVideo(ctx, req, text, parts, observe)
	default:
		err = errs.New(errs.KindValidation, "dispatch", fmt.Sprintf("unsupported media kind %q", req.Kind))
	}

	if err != nil {
		g.metrics.Stage("dispatch", "error", time.Since(start))
		observe.emit(StateFailed)
		return Output{}, err
	}
	g.metrics.Stage("dispatch", "ok", time.Since(start))
	out.Instruction = text
	observe.emit(StateSucceeded)
	return out, nil
}

// composeParts builds the text and content parts for req. The text part
// always comes first; the anchor, if any, comes last.
func composeParts(req Request) (string, []gemini.Part) {
	text := req.Variant.instruction()
	var extra []gemini.Part

	switch v := req.Variant.(type) {
	case PromptMode:
		text = withAspect(text, req.AspectRatio)
	case DirectMode:
		text = withAspect(text, req.AspectRatio)
		extra = v.Parts
	}

	parts := make([]gemini.Part, 0, len(extra)+2)
	parts = append(parts, gemini.TextPart(text))
	parts = append(parts, extra...)
	if req.Anchor != nil {
		parts = append(parts, gemini.Part{Blob: req.Anchor})
	}
	return text, parts
}

func withAspect(text, aspect string) string {
	if aspect == "" {
		return text
	}
	return text + "\n\nAspect ratio: " + aspect
}

func (g *Generator) dispatchImage(ctx context.Context, req Request, parts []gemini.Part) (Output, error) {
	res, err := g.images.GenerateImage(ctx, gemini.ImageRequest{
		Model:       req.ModelID,
		Parts:       parts,
		AspectRatio: req.AspectRatio,
	})
	if err != nil {
		return Output{}, errs.Wrap(errs.KindDispatch, "generate_image", req.ModelID, err)
	}

	if len(res.Images) > 0 {
		img := res.Images[0]
		if img.MimeType == "" {
			img.MimeType = "image/png"
		}
		return Output{URI: img.DataURI(), Data: img.Data, MimeType: img.MimeType}, nil
	}
	if len(res.URIs) > 0 {
		return g.fetchImage(ctx, req.ModelID, res.URIs[0])
	}
	if u, ok := textURL(res.Text); ok {
		return g.fetchImage(ctx, req.ModelID, u)
	}

	msg := "model returned text instead of media"
	if res.Text != "" {
		msg += ": " + truncate(res.Text, 300)
	}
	return Output{}, errs.New(errs.KindDispatch, "generate_image", msg).WithModel(req.ModelID)
}

// fetchImage downloads an image the model returned by reference. File
// references are only readable with the API key and may be relative, so the
// bytes are taken now and the output carries them like an inline image.
func (g *Generator) fetchImage(ctx context.Context, modelID, uri string) (Output, error) {
	data, mimeType, err := g.files.Download(ctx, uri)
	if err != nil {
		return Output{}, errs.Wrap(errs.KindDispatch, "download", modelID, err)
	}
	mimeType = asset.DetectMime(data, mimeType)
	if kind, ok := studio.KindFromMime(mimeType); !ok || kind != studio.KindImage {
		return Output{}, errs.New(errs.KindDispatch, "download", fmt.Sprintf("model output is %s, not an image", mimeType)).WithModel(modelID)
	}
	blob := gemini.Blob{Data: data, MimeType: mimeType}
	return Output{URI: blob.DataURI(), Data: data, MimeType: mimeType}, nil
}

func (g *Generator) dispatchVideo(ctx context.Context, req Request, text string, parts []gemini.Part, observe StateObserver) (Output, error) {
	vr := gemini.VideoRequest{
		Model:       req.ModelID,
		Prompt:      text,
		AspectRatio: req.AspectRatio,
	}
	// The video endpoint takes a single still image as its first frame.
	for _, p := range parts {
		if p.Blob != nil && strings.HasPrefix(p.Blob.MimeType, "image/") {
			vr.Image = p.Blob
			break
		}
	}

	op, err := g.videos.StartVideo(ctx, vr)
	if err != nil {
		return Output{}, errs.Wrap(errs.KindDispatch, "generate_video", req.ModelID, err)
	}
	g.logger.Info("video operation started", "model", req.ModelID, "operation", op.Name)

	observe.emit(StatePolling)
	return g.poller.Wait(ctx, req.ModelID, op)
}

func textURL(text string) (string, bool) {
	text = strings.TrimSpace(text)
	if text == "" || strings.ContainsAny(text, " \n\t") {
		return "", false
	}
	u, err := url.ParseRequestURI(text)
	if err != nil || u.Host == "" {
		return "", false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", false
	}
	return text, true
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
