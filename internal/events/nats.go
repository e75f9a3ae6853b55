// Package events streams generation lifecycle events to NATS JetStream.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"genmedia-studio/internal/studio"
)

const (
	StreamName = "STUDIO_GENERATIONS"

	SubjectCompleted = "studio.generations.completed"
	SubjectRemoved   = "studio.generations.removed"
	SubjectPromoted  = "studio.generations.promoted"

	envelopeVersion = "1.0.0"
)

// Envelope wraps every published payload.
type Envelope struct {
	Type          string    `json:"type"`
	Version       string    `json:"version"`
	OccurredAt    time.Time `json:"occurredAt"`
	CorrelationID string    `json:"correlationId"`
	ProjectID     string    `json:"projectId"`
	Payload       any       `json:"payload"`
}

// GenerationPayload is the completed-event body. Inline output bytes are
// left out so events stay small.
type GenerationPayload struct {
	AssetID         string           `json:"assetId"`
	Kind            studio.MediaKind `json:"mediaKind"`
	ModelID         string           `json:"modelId"`
	OutputURI       string           `json:"outputUri,omitempty"`
	TechnicalPrompt string           `json:"technicalPrompt"`
	RefinedFrom     string           `json:"refinedFrom,omitempty"`
	CreatedAt       time.Time        `json:"createdAt"`
}

type RemovalPayload struct {
	AssetID string `json:"assetId"`
}

type streamPublisher interface {
	Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// Publisher sends events to JetStream. A Publisher without a stream drops
// every event, which is what Connect returns when NATS is not configured.
type Publisher struct {
	nc     *nats.Conn
	js     streamPublisher
	logger *slog.Logger
	now    func() time.Time
}

// Connect dials url and makes sure the stream exists. An empty url, or any
// failure on the way, yields a publisher that drops events.
func Connect(url string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	p := &Publisher{logger: logger, now: time.Now}
	if url == "" {
		return p
	}

	nc, err := nats.Connect(url, nats.Name("genmedia-studio"))
	if err != nil {
		logger.Warn("NATS connect failed, events disabled", "err", err)
		return p
	}
	js, err := nc.JetStream()
	if err != nil {
		logger.Warn("JetStream context failed, events disabled", "err", err)
		nc.Close()
		return p
	}
	if err := ensureStream(js); err != nil {
		logger.Warn("JetStream stream setup failed, events disabled", "err", err)
		nc.Close()
		return p
	}

	p.nc = nc
	p.js = js
	logger.Info("event stream ready", "stream", StreamName)
	return p
}

func ensureStream(js nats.JetStreamContext) error {
	if _, err := js.StreamInfo(StreamName); err == nil {
		return nil
	}
	_, err := js.AddStream(&nats.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{"studio.generations.*"},
		Retention: nats.LimitsPolicy,
		MaxAge:    7 * 24 * time.Hour,
		Discard:   nats.DiscardOld,
		Storage:   nats.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("create %s stream: %w", StreamName, err)
	}
	return nil
}

func (p *Publisher) Enabled() bool {
	return p != nil && p.js != nil
}

func (p *Publisher) Close() error {
	if p != nil && p.nc != nil {
		p.nc.Close()
	}
	return nil
}

func (p *Publisher) GenerationCompleted(ctx context.Context, projectID string, asset studio.GeneratedAsset) error {
	return p.publish(ctx, SubjectCompleted, projectID, generationPayload(asset))
}

func (p *Publisher) HistoryRemoved(ctx context.Context, projectID, assetID string) error {
	return p.publish(ctx, SubjectRemoved, projectID, RemovalPayload{AssetID: assetID})
}

// Promote announces a history entry copied into the asset library.
func (p *Publisher) Promote(ctx context.Context, projectID string, asset studio.GeneratedAsset) error {
	return p.publish(ctx, SubjectPromoted, projectID, generationPayload(asset))
}

func (p *Publisher) publish(ctx context.Context, subject, projectID string, payload any) error {
	if !p.Enabled() {
		return nil
	}

	env := Envelope{
		Type:          subject,
		Version:       envelopeVersion,
		OccurredAt:    p.now().UTC(),
		CorrelationID: uuid.NewString(),
		ProjectID:     projectID,
		Payload:       payload,
	}
	b, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", subject, err)
	}
	if _, err := p.js.Publish(subject, b, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	p.logger.Debug("event published", "subject", subject, "project_id", projectID, "correlation_id", env.CorrelationID)
	return nil
}

func generationPayload(a studio.GeneratedAsset) GenerationPayload {
	uri := a.OutputURI
	if strings.HasPrefix(uri, "data:") {
		uri = ""
	}
	return GenerationPayload{
		AssetID:         a.ID,
		Kind:            a.Kind,
		ModelID:         a.ModelID,
		OutputURI:       uri,
		TechnicalPrompt: a.TechnicalPrompt,
		RefinedFrom:     a.Inputs.RefinedFrom,
		CreatedAt:       a.CreatedAt,
	}
}
