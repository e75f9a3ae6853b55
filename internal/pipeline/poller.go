package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"genmedia-studio/internal/errs"
	"genmedia-studio/internal/gemini"
	"genmedia-studio/internal/metrics"
)

const DefaultPollInterval = 5 * time.Second

type PollerOptions struct {
	Interval time.Duration
	// MaxAttempts caps status checks; 0 means no cap.
	MaxAttempts int
	// Timeout bounds the whole wait and is required.
	Timeout time.Duration
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Poller waits for long-running video operations.
type Poller struct {
	videos      VideoModel
	interval    time.Duration
	maxAttempts int
	timeout     time.Duration
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

func NewPoller(videos VideoModel, opts PollerOptions) (*Poller, error) {
	if opts.Timeout <= 0 {
		return nil, errors.New("poll timeout must be positive")
	}
	if opts.MaxAttempts < 0 {
		return nil, errors.New("poll max attempts must not be negative")
	}
	p := &Poller{
		videos:      videos,
		interval:    opts.Interval,
		maxAttempts: opts.MaxAttempts,
		timeout:     opts.Timeout,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
	}
	if p.interval <= 0 {
		p.interval = DefaultPollInterval
	}
	if p.logger == nil {
		p.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return p, nil
}

// Wait checks op every interval and returns on the first check that reports
// done. A finished job with videos yields the first one inline; a reported
// error is a DISPATCH_FAILURE; neither is SAFETY_OR_EMPTY_RESULT.
func (p *Poller) Wait(ctx context.Context, model string, op gemini.Operation) (Output, error) {
	start := time.Now()
	waitCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	timer := time.NewTimer(p.interval)
	defer timer.Stop()

	attempts := 0
	for !op.Done {
		if p.maxAttempts > 0 && attempts >= p.maxAttempts {
			p.metrics.Stage("poll", "timeout", time.Since(start))
			return Output{}, errs.New(errs.KindPollTimeout, "poll",
				fmt.Sprintf("operation %s not done after %d status checks", op.Name, attempts)).WithModel(model)
		}

		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return Output{}, errs.Wrap(errs.KindInternal, "poll", model, ctx.Err())
			}
			p.metrics.Stage("poll", "timeout", time.Since(start))
			return Output{}, errs.New(errs.KindPollTimeout, "poll",
				fmt.Sprintf("operation %s not done after %s", op.Name, p.timeout)).WithModel(model)
		case <-timer.C:
		}

		attempts++
		p.metrics.PollTick(model)
		next, err := p.videos.GetOperation(waitCtx, op.Name)
		if err != nil {
			if ctx.Err() == nil && waitCtx.Err() != nil {
				p.metrics.Stage("poll", "timeout", time.Since(start))
				return Output{}, errs.New(errs.KindPollTimeout, "poll",
					fmt.Sprintf("operation %s not done after %s", op.Name, p.timeout)).WithModel(model)
			}
			p.metrics.Stage("poll", "error", time.Since(start))
			return Output{}, errs.Wrap(errs.KindDispatch, "poll", model, err)
		}
		if next.Name == "" {
			next.Name = op.Name
		}
		op = next
		p.logger.Debug("operation status", "operation", op.Name, "model", model, "attempt", attempts, "done", op.Done)
		timer.Reset(p.interval)
	}

	out, err := p.finish(waitCtx, model, op)
	status := "ok"
	if err != nil {
		status = strings.ToLower(string(errs.KindOf(err)))
	}
	p.metrics.Stage("poll", status, time.Since(start))
	return out, err
}

func (p *Poller) finish(ctx context.Context, model string, op gemini.Operation) (Output, error) {
	if op.Error != nil {
		return Output{}, errs.New(errs.KindDispatch, "poll",
			fmt.Sprintf("operation %s failed with code %d: %s", op.Name, op.Error.Code, op.Error.Message)).WithModel(model)
	}

	if len(op.Videos) == 0 {
		msg := fmt.Sprintf("operation %s finished with no output and no error; the request was likely blocked by a safety filter, try a different prompt", op.Name)
		if len(op.FilteredReasons) > 0 {
			msg += ": " + strings.Join(op.FilteredReasons, "; ")
		}
		return Output{}, errs.New(errs.KindSafetyOrEmpty, "poll", msg).WithModel(model)
	}

	video := op.Videos[0]
	data, mimeType := video.Data, video.MimeType
	if len(data) == 0 {
		var err error
		data, mimeType, err = p.videos.Download(ctx, video.URI)
		if err != nil {
			return Output{}, errs.Wrap(errs.KindDispatch, "download", model, err)
		}
		if len(data) == 0 {
			return Output{}, errs.New(errs.KindDispatch, "download", "downloaded video is empty").WithModel(model)
		}
	}
	if mimeType == "" || !strings.HasPrefix(mimeType, "video/") {
		mimeType = "video/mp4"
	}

	blob := gemini.Blob{Data: data, MimeType: mimeType}
	return Output{URI: blob.DataURI(), Data: data, MimeType: mimeType}, nil
}
