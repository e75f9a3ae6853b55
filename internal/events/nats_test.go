package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"genmedia-studio/internal/studio"
)

type captured struct {
	subject string
	data    []byte
}

type fakeStream struct {
	msgs []captured
	err  error
}

func (f *fakeStream) Publish(subj string, data []byte, _ ...nats.PubOpt) (*nats.PubAck, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.msgs = append(f.msgs, captured{subject: subj, data: data})
	return &nats.PubAck{Stream: StreamName}, nil
}

func newTestPublisher(js streamPublisher) *Publisher {
	p := Connect("", nil)
	p.js = js
	p.now = func() time.Time { return time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC) }
	return p
}

func TestConnectWithoutURLDropsEvents(t *testing.T) {
	p := Connect("", nil)
	assert.False(t, p.Enabled())
	assert.NoError(t, p.GenerationCompleted(context.Background(), "proj", studio.GeneratedAsset{ID: "a"}))
	assert.NoError(t, p.HistoryRemoved(context.Background(), "proj", "a"))
	assert.NoError(t, p.Close())
}

func TestGenerationCompletedEnvelope(t *testing.T) {
	stream := &fakeStream{}
	p := newTestPublisher(stream)

	asset := studio.GeneratedAsset{
		ID:              "gen_1",
		Kind:            studio.KindVideo,
		ModelID:         "veo-3.0-generate-001",
		OutputURI:       "https://cdn.example.com/proj/gen_1.mp4",
		TechnicalPrompt: "a slow dolly shot",
		Inputs:          studio.InputSnapshot{RefinedFrom: "gen_0"},
	}
	require.NoError(t, p.GenerationCompleted(context.Background(), "proj", asset))
	require.Len(t, stream.msgs, 1)
	assert.Equal(t, SubjectCompleted, stream.msgs[0].subject)

	var env struct {
		Type          string            `json:"type"`
		Version       string            `json:"version"`
		CorrelationID string            `json:"correlationId"`
		ProjectID     string            `json:"projectId"`
		OccurredAt    time.Time         `json:"occurredAt"`
		Payload       GenerationPayload `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(stream.msgs[0].data, &env))
	assert.Equal(t, SubjectCompleted, env.Type)
	assert.Equal(t, "proj", env.ProjectID)
	assert.NotEmpty(t, env.CorrelationID)
	assert.Equal(t, 2026, env.OccurredAt.Year())
	assert.Equal(t, "gen_1", env.Payload.AssetID)
	assert.Equal(t, "gen_0", env.Payload.RefinedFrom)
	assert.Equal(t, asset.OutputURI, env.Payload.OutputURI)
}

func TestInlineOutputIsNotPublished(t *testing.T) {
	stream := &fakeStream{}
	p := newTestPublisher(stream)

	require.NoError(t, p.Promote(context.Background(), "proj", studio.GeneratedAsset{ID: "a", OutputURI: "data:image/png;base64,AAAA"}))
	require.Len(t, stream.msgs, 1)
	assert.Equal(t, SubjectPromoted, stream.msgs[0].subject)
	assert.NotContains(t, string(stream.msgs[0].data), "base64")
}

func TestPublishFailure(t *testing.T) {
	p := newTestPublisher(&fakeStream{err: errors.New("no responders")})

	err := p.HistoryRemoved(context.Background(), "proj", "a")
	require.Error(t, err)
	assert.Contains(t, err.Error(), SubjectRemoved)
}
