package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"genmedia-studio/internal/gemini"
	"genmedia-studio/internal/metrics"
	"genmedia-studio/internal/studio"
)

// AnalysisPlaceholder replaces the description of an asset the vision model could not describe.
const AnalysisPlaceholder = "failed to analyze"

var analysisInstructions = map[studio.AssetGroup]string{
	studio.GroupLocation: "Describe this location for a film production designer in two or three sentences: " +
		"setting, architecture, time of day, lighting, weather and color palette. No preamble.",
	studio.GroupCharacter: "Describe the person or character in this reference in two or three sentences: " +
		"apparent age, build, face, hair, wardrobe and distinguishing features. No preamble.",
	studio.GroupStyle: "Describe the visual style of this reference in two or three sentences: " +
		"medium, lens and camera feel, lighting, grading and texture. No preamble.",
}

var errEmptyDescription = errors.New("vision model returned an empty description")

// Description is the analysis of one selected reference asset.
type Description struct {
	AssetID  string
	Group    studio.AssetGroup
	Text     string
	Degraded bool
}

// String prefixes the text with the asset group label, e.g. "Location Reference: ...".
func (d Description) String() string {
	return d.Group.Label() + ": " + d.Text
}

type Analyzer struct {
	vision      VisionModel
	model       string
	concurrency int
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

type AnalyzerOptions struct {
	Model       string
	Concurrency int
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
}

func NewAnalyzer(vision VisionModel, opts AnalyzerOptions) *Analyzer {
	a := &Analyzer{
		vision:      vision,
		model:       opts.Model,
		concurrency: opts.Concurrency,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
	}
	if a.concurrency < 1 {
		a.concurrency = 1
	}
	if a.logger == nil {
		a.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return a
}

type analysisJob struct {
	group studio.AssetGroup
	asset studio.ReferenceAsset
}

// Analyze describes every selected asset of snap, locations first, then
// characters, then styles. A failed call yields AnalysisPlaceholder for that
// asset; the batch itself never fails.
func (a *Analyzer) Analyze(ctx context.Context, snap studio.InputSnapshot) []Description {
	var jobs []analysisJob
	for _, g := range studio.Groups {
		for _, asset := range snap.Selected(g) {
			jobs = append(jobs, analysisJob{group: g, asset: asset})
		}
	}
	if len(jobs) == 0 {
		return nil
	}

	out := make([]Description, len(jobs))
	g := new(errgroup.Group)
	g.SetLimit(a.concurrency)
	for i, job := range jobs {
		g.Go(func() error {
			out[i] = a.describe(ctx, job)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (a *Analyzer) describe(ctx context.Context, job analysisJob) Description {
	start := time.Now()
	d := Description{AssetID: job.asset.ID, Group: job.group}

	text, err := a.vision.Describe(ctx, a.model, gemini.Blob{Data: job.asset.Data, MimeType: job.asset.MimeType}, analysisInstructions[job.group])
	text = strings.Join(strings.Fields(text), " ")
	if err == nil && text == "" {
		err = errEmptyDescription
	}
	if err != nil {
		a.metrics.Degraded()
		a.metrics.Stage("analyze", "degraded", time.Since(start))
		a.logger.Warn("asset analysis degraded", "asset_id", job.asset.ID, "group", string(job.group), "model", a.model, "err", err)
		d.Text = AnalysisPlaceholder
		d.Degraded = true
		return d
	}

	a.metrics.Stage("analyze", "ok", time.Since(start))
	d.Text = text
	return d
}
