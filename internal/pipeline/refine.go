package pipeline

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"genmedia-studio/internal/errs"
	"genmedia-studio/internal/gemini"
	"genmedia-studio/internal/ids"
	"genmedia-studio/internal/studio"
)

func (p *Pipeline) refine(ctx context.Context, projectID string, prior studio.GeneratedAsset, feedback string, observe StateObserver) (studio.GeneratedAsset, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.refine", trace.WithAttributes(
		attribute.String("project_id", projectID),
		attribute.String("kind", string(prior.Kind)),
		attribute.String("refined_from", prior.ID),
	))
	defer span.End()

	asset, err := p.runRefine(ctx, projectID, prior, feedback, observe)
	p.finish(span, string(prior.Kind), "refine", err)
	return asset, err
}

// runRefine re-dispatches to the prior result's model in its media kind with
// the literal feedback as the only instruction. Image refinements are
// anchored on the prior output; video endpoints only take still frames, so
// video refinements send the feedback alone.
func (p *Pipeline) runRefine(ctx context.Context, projectID string, prior studio.GeneratedAsset, feedback string, observe StateObserver) (studio.GeneratedAsset, error) {
	feedback = strings.TrimSpace(feedback)
	switch {
	case strings.TrimSpace(projectID) == "":
		observe.emit(StateFailed)
		return studio.GeneratedAsset{}, errs.New(errs.KindValidation, "refine", "project id is required")
	case prior.ID == "":
		observe.emit(StateFailed)
		return studio.GeneratedAsset{}, errs.New(errs.KindValidation, "refine", "no prior result to refine")
	case feedback == "":
		observe.emit(StateFailed)
		return studio.GeneratedAsset{}, errs.New(errs.KindValidation, "refine", "feedback is required")
	case !prior.Kind.Valid():
		observe.emit(StateFailed)
		return studio.GeneratedAsset{}, errs.New(errs.KindValidation, "refine", "prior result has no media kind")
	case prior.ModelID == "":
		observe.emit(StateFailed)
		return studio.GeneratedAsset{}, errs.New(errs.KindValidation, "refine", "prior result has no model id")
	}

	inputs := prior.Inputs.Clone()
	inputs.Kind = prior.Kind
	inputs.RefinedFrom = prior.ID
	inputs.Feedback = feedback
	inputs.RefinedModel = prior.ModelID
	inputs.AnchorURI = ""
	if prior.Kind == studio.KindImage {
		inputs.AnchorURI = prior.OutputURI
	}
	return p.dispatchRefinement(ctx, projectID, inputs, observe)
}

// repeatRefinement resubmits the inputs of a refinement result. The anchor
// and model travel in the snapshot, so the entry it was refined from may
// already be gone.
func (p *Pipeline) repeatRefinement(ctx context.Context, projectID string, snap studio.InputSnapshot, observe StateObserver) (studio.GeneratedAsset, error) {
	snap = snap.Clone()
	snap.Feedback = strings.TrimSpace(snap.Feedback)
	if snap.Feedback == "" {
		observe.emit(StateFailed)
		return studio.GeneratedAsset{}, errs.New(errs.KindValidation, "refine", "feedback is required")
	}
	if snap.RefinedModel == "" {
		modelID, err := p.catalog.Resolve(snap.ModelLabel, snap.Kind)
		if err != nil {
			observe.emit(StateFailed)
			return studio.GeneratedAsset{}, err
		}
		snap.RefinedModel = modelID
	}
	return p.dispatchRefinement(ctx, projectID, snap, observe)
}

func (p *Pipeline) dispatchRefinement(ctx context.Context, projectID string, inputs studio.InputSnapshot, observe StateObserver) (studio.GeneratedAsset, error) {
	modelID := inputs.RefinedModel
	req := Request{
		Kind:        inputs.Kind,
		ModelID:     modelID,
		AspectRatio: inputs.AspectRatio,
		Variant:     FeedbackMode{Feedback: inputs.Feedback},
	}

	if inputs.Kind == studio.KindImage {
		if inputs.AnchorURI == "" {
			observe.emit(StateFailed)
			return studio.GeneratedAsset{}, errs.New(errs.KindResolution, "refine_anchor", "refinement has no anchor image").WithModel(modelID)
		}
		data, mimeType, err := p.anchors.Resolve(ctx, inputs.AnchorURI)
		if err != nil {
			observe.emit(StateFailed)
			return studio.GeneratedAsset{}, errs.Wrap(errs.KindResolution, "refine_anchor", modelID, err)
		}
		if mimeType == "" {
			mimeType = "image/png"
		}
		req.Anchor = &gemini.Blob{Data: data, MimeType: mimeType}
	}

	out, err := p.generator.Dispatch(ctx, req, observe)
	if err != nil {
		return studio.GeneratedAsset{}, err
	}

	asset := studio.GeneratedAsset{
		ID:              ids.New("gen"),
		Kind:            inputs.Kind,
		TechnicalPrompt: inputs.Feedback,
		CreatedAt:       p.now().UTC(),
		ModelID:         modelID,
		Inputs:          inputs,
	}
	return p.record(ctx, projectID, asset, out)
}
