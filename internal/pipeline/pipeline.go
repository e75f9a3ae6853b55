// Package pipeline turns creative input into a generated image or video:
// optional analysis and prompt composition, dispatch, polling for video jobs,
// refinement of earlier results, and recording of every success in history.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"genmedia-studio/internal/errs"
	"genmedia-studio/internal/gemini"
	"genmedia-studio/internal/ids"
	"genmedia-studio/internal/metrics"
	"genmedia-studio/internal/studio"
	"genmedia-studio/internal/telemetry"
)

// Deps are the collaborators of a Pipeline. Outputs and Events are optional.
type Deps struct {
	Vision  VisionModel
	Text    TextModel
	Images  ImageModel
	Videos  VideoModel
	Anchors AnchorResolver
	Outputs OutputStore
	History History
	Events  EventPublisher
	Catalog *Catalog
}

type Options struct {
	VisionModel        string
	TextModel          string
	AnalyzeConcurrency int

	PollInterval    time.Duration
	PollMaxAttempts int
	PollTimeout     time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Tracer  trace.Tracer
}

type Pipeline struct {
	catalog   *Catalog
	analyzer  *Analyzer
	composer  *Composer
	generator *Generator
	anchors   AnchorResolver
	outputs   OutputStore
	history   History
	events    EventPublisher

	logger  *slog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
	now     func() time.Time

	sessions sync.Map
}

func New(deps Deps, opts Options) (*Pipeline, error) {
	switch {
	case deps.Vision == nil, deps.Text == nil, deps.Images == nil, deps.Videos == nil:
		return nil, errors.New("pipeline: model clients are required")
	case deps.Anchors == nil:
		return nil, errors.New("pipeline: anchor resolver is required")
	case deps.History == nil:
		return nil, errors.New("pipeline: history is required")
	case deps.Catalog == nil:
		return nil, errors.New("pipeline: model catalog is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = telemetry.Tracer()
	}

	poller, err := NewPoller(deps.Videos, PollerOptions{
		Interval:    opts.PollInterval,
		MaxAttempts: opts.PollMaxAttempts,
		Timeout:     opts.PollTimeout,
		Logger:      logger,
		Metrics:     opts.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}

	composer, err := NewComposer(deps.Text, opts.TextModel)
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}

	return &Pipeline{
		catalog: deps.Catalog,
		analyzer: NewAnalyzer(deps.Vision, AnalyzerOptions{
			Model:       opts.VisionModel,
			Concurrency: opts.AnalyzeConcurrency,
			Logger:      logger,
			Metrics:     opts.Metrics,
		}),
		composer:  composer,
		generator: NewGenerator(deps.Images, deps.Videos, poller, logger, opts.Metrics),
		anchors:   deps.Anchors,
		outputs:   deps.Outputs,
		history:   deps.History,
		events:    deps.Events,
		logger:    logger,
		metrics:   opts.Metrics,
		tracer:    tracer,
		now:       time.Now,
	}, nil
}

// Catalog returns the model label table the pipeline resolves against.
func (p *Pipeline) Catalog() *Catalog {
	return p.catalog
}

func (p *Pipeline) generate(ctx context.Context, projectID string, snap studio.InputSnapshot, observe StateObserver) (studio.GeneratedAsset, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.generate", trace.WithAttributes(
		attribute.String("project_id", projectID),
		attribute.String("mode", string(snap.Mode)),
		attribute.String("kind", string(snap.Kind)),
	))
	defer span.End()

	mode := string(snap.Mode)
	if snap.IsRefinement() {
		mode = "refine"
		span.SetAttributes(attribute.String("refined_from", snap.RefinedFrom))
	}
	asset, err := p.runGenerate(ctx, projectID, snap, observe)
	p.finish(span, string(snap.Kind), mode, err)
	return asset, err
}

func (p *Pipeline) runGenerate(ctx context.Context, projectID string, snap studio.InputSnapshot, observe StateObserver) (studio.GeneratedAsset, error) {
	if err := validateSnapshot(projectID, snap); err != nil {
		observe.emit(StateFailed)
		return studio.GeneratedAsset{}, err
	}
	if snap.IsRefinement() {
		return p.repeatRefinement(ctx, projectID, snap, observe)
	}
	modelID, err := p.catalog.Resolve(snap.ModelLabel, snap.Kind)
	if err != nil {
		observe.emit(StateFailed)
		return studio.GeneratedAsset{}, err
	}
	// Stored snapshots are detached from the caller's slices.
	snap = snap.Clone()

	var (
		variant   Variant
		reasoning string
	)
	switch snap.Mode {
	case studio.ModePrompt:
		observe.emit(StateComposing)
		comp, err := p.composePrompt(ctx, snap)
		if err != nil {
			observe.emit(StateFailed)
			return studio.GeneratedAsset{}, err
		}
		variant = PromptMode{TechnicalPrompt: comp.TechnicalPrompt}
		reasoning = comp.Reasoning
	case studio.ModeDirect:
		variant = directVariant(snap)
	}

	out, err := p.generator.Dispatch(ctx, Request{
		Kind:        snap.Kind,
		ModelID:     modelID,
		AspectRatio: snap.AspectRatio,
		Variant:     variant,
	}, observe)
	if err != nil {
		return studio.GeneratedAsset{}, err
	}

	asset := studio.GeneratedAsset{
		ID:              ids.New("gen"),
		Kind:            snap.Kind,
		TechnicalPrompt: variant.instruction(),
		Reasoning:       reasoning,
		CreatedAt:       p.now().UTC(),
		ModelID:         modelID,
		Inputs:          snap,
	}
	return p.record(ctx, projectID, asset, out)
}

func (p *Pipeline) composePrompt(ctx context.Context, snap studio.InputSnapshot) (Composition, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.compose")
	defer span.End()

	descriptions := p.analyzer.Analyze(ctx, snap)
	span.SetAttributes(attribute.Int("descriptions", len(descriptions)))

	start := time.Now()
	comp, err := p.composer.Compose(ctx, snap.Scene, snap.Characters, snap.Style, descriptions)
	if err != nil {
		p.metrics.Stage("compose", "error", time.Since(start))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Composition{}, err
	}
	p.metrics.Stage("compose", "ok", time.Since(start))
	return comp, nil
}

// directVariant joins the non-empty text fields verbatim and attaches every
// selected asset's bytes in group order.
func directVariant(snap studio.InputSnapshot) DirectMode {
	var fields []string
	for _, f := range []string{snap.Scene, snap.Characters, snap.Style} {
		if strings.TrimSpace(f) != "" {
			fields = append(fields, f)
		}
	}

	selected := snap.SelectedAll()
	parts := make([]gemini.Part, 0, len(selected))
	for _, a := range selected {
		parts = append(parts, gemini.BlobPart(a.Data, a.MimeType))
	}
	return DirectMode{Text: strings.Join(fields, "\n\n"), Parts: parts}
}

// record externalizes the output, appends the asset to history and announces
// it. Only the history append can fail the call.
func (p *Pipeline) record(ctx context.Context, projectID string, asset studio.GeneratedAsset, out Output) (studio.GeneratedAsset, error) {
	asset.OutputURI = p.externalize(ctx, projectID, asset.ID, out)

	start := time.Now()
	if err := p.history.Append(ctx, projectID, asset); err != nil {
		p.metrics.Stage("history_append", "error", time.Since(start))
		var pe *errs.Error
		if errors.As(err, &pe) {
			return studio.GeneratedAsset{}, err
		}
		return studio.GeneratedAsset{}, errs.Wrap(errs.KindPersistence, "history_append", asset.ModelID, err)
	}
	p.metrics.Stage("history_append", "ok", time.Since(start))

	if p.events != nil {
		if err := p.events.GenerationCompleted(ctx, projectID, asset); err != nil {
			p.logger.Warn("publish generation event failed", "project_id", projectID, "asset_id", asset.ID, "err", err)
		}
	}

	p.logger.Info("generation recorded",
		"project_id", projectID,
		"asset_id", asset.ID,
		"kind", string(asset.Kind),
		"model", asset.ModelID,
		"refined_from", asset.Inputs.RefinedFrom,
	)
	return asset, nil
}

func (p *Pipeline) externalize(ctx context.Context, projectID, assetID string, out Output) string {
	if p.outputs == nil || len(out.Data) == 0 {
		return out.URI
	}

	ext := ".bin"
	if exts, err := mime.ExtensionsByType(out.MimeType); err == nil && len(exts) > 0 {
		ext = exts[0]
	}
	key := projectID + "/" + assetID + ext

	uri, err := p.outputs.Put(ctx, key, out.Data, out.MimeType)
	if err != nil {
		p.logger.Warn("output upload failed, keeping inline data", "project_id", projectID, "asset_id", assetID, "err", err)
		return out.URI
	}
	return uri
}

func (p *Pipeline) finish(span trace.Span, kind, mode string, err error) {
	status := "ok"
	if err != nil {
		status = strings.ToLower(string(errs.KindOf(err)))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.logger.Error("generation failed", "kind", kind, "mode", mode, "err", err)
	}
	p.metrics.Generation(kind, mode, status)
}

func validateSnapshot(projectID string, snap studio.InputSnapshot) error {
	if strings.TrimSpace(projectID) == "" {
		return errs.New(errs.KindValidation, "validate", "project id is required")
	}
	if !snap.Kind.Valid() {
		return errs.New(errs.KindValidation, "validate", fmt.Sprintf("unsupported media kind %q", snap.Kind))
	}
	if !snap.Mode.Valid() {
		return errs.New(errs.KindValidation, "validate", fmt.Sprintf("unsupported mode %q", snap.Mode))
	}

	selected := snap.SelectedAll()
	for _, a := range selected {
		if len(a.Data) == 0 {
			return errs.New(errs.KindResolution, "validate", fmt.Sprintf("selected asset %s has no content", a.ID))
		}
	}

	hasText := strings.TrimSpace(snap.Scene+snap.Characters+snap.Style) != ""
	if !hasText && len(selected) == 0 {
		return errs.New(errs.KindValidation, "validate", "nothing to generate: add text or select a reference")
	}
	if snap.Mode == studio.ModeDirect && !hasText && snap.Kind == studio.KindVideo {
		return errs.New(errs.KindValidation, "validate", "direct video generation needs text")
	}
	return nil
}
