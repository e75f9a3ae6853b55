// Package asset turns raw uploads and library references into reference assets
// whose bytes are fully resolved in memory.
package asset

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"golang.org/x/sync/errgroup"

	"genmedia-studio/internal/errs"
	"genmedia-studio/internal/ids"
	"genmedia-studio/internal/studio"
)

const defaultMaxBytes = 50 << 20

// Source is either a raw upload (Data set) or a library reference (URI set).
type Source struct {
	ID       string
	Name     string
	Data     []byte
	MimeHint string
	URI      string
	Selected bool
}

// Failure names a source that could not be resolved.
type Failure struct {
	ID   string
	Name string
	Err  error
}

// Result keeps resolved assets in source order. Sources that failed are in
// Failures and never appear in Assets.
type Result struct {
	Assets   []studio.ReferenceAsset
	Failures []Failure
}

// Err summarizes Failures as one resolution error, or nil.
func (r Result) Err() error {
	if len(r.Failures) == 0 {
		return nil
	}
	names := make([]string, 0, len(r.Failures))
	for _, f := range r.Failures {
		names = append(names, fmt.Sprintf("%s: %v", f.label(), f.Err))
	}
	return errs.New(errs.KindResolution, "normalize", strings.Join(names, "; "))
}

func (f Failure) label() string {
	if f.Name != "" {
		return f.Name
	}
	return f.ID
}

type Options struct {
	HTTPClient  *http.Client
	Logger      *slog.Logger
	MaxBytes    int64
	Concurrency int
}

type Normalizer struct {
	httpClient  *http.Client
	logger      *slog.Logger
	maxBytes    int64
	concurrency int
}

func NewNormalizer(opts Options) *Normalizer {
	n := &Normalizer{
		httpClient:  opts.HTTPClient,
		logger:      opts.Logger,
		maxBytes:    opts.MaxBytes,
		concurrency: opts.Concurrency,
	}
	if n.httpClient == nil {
		n.httpClient = http.DefaultClient
	}
	if n.logger == nil {
		n.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if n.maxBytes <= 0 {
		n.maxBytes = defaultMaxBytes
	}
	if n.concurrency <= 0 {
		n.concurrency = 4
	}
	return n
}

// Normalize resolves every source concurrently. It never returns partial
// assets: a source either resolves to bytes with an image or video kind, or
// it is reported as a failure.
func (n *Normalizer) Normalize(ctx context.Context, sources []Source) Result {
	assets := make([]*studio.ReferenceAsset, len(sources))
	failures := make([]error, len(sources))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(n.concurrency)
	for i, src := range sources {
		g.Go(func() error {
			a, err := n.normalizeOne(gctx, src)
			if err != nil {
				failures[i] = err
				return nil
			}
			assets[i] = &a
			return nil
		})
	}
	_ = g.Wait()

	var res Result
	for i, src := range sources {
		if failures[i] != nil {
			n.logger.Warn("asset resolution failed", "asset_id", src.ID, "name", src.Name, "err", failures[i])
			res.Failures = append(res.Failures, Failure{ID: src.ID, Name: src.Name, Err: failures[i]})
			continue
		}
		res.Assets = append(res.Assets, *assets[i])
	}
	return res
}

func (n *Normalizer) normalizeOne(ctx context.Context, src Source) (studio.ReferenceAsset, error) {
	data := src.Data
	mimeType := src.MimeHint
	if len(data) == 0 {
		if strings.TrimSpace(src.URI) == "" {
			return studio.ReferenceAsset{}, errors.New("no content and no uri")
		}
		var err error
		data, mimeType, err = n.Resolve(ctx, src.URI)
		if err != nil {
			return studio.ReferenceAsset{}, err
		}
	}
	if int64(len(data)) > n.maxBytes {
		return studio.ReferenceAsset{}, fmt.Errorf("asset exceeds %d bytes", n.maxBytes)
	}

	mimeType = DetectMime(data, mimeType)
	kind, ok := studio.KindFromMime(mimeType)
	if !ok {
		return studio.ReferenceAsset{}, fmt.Errorf("unsupported media type %s", mimeType)
	}

	id := src.ID
	if id == "" {
		id = ids.New("ref")
	}
	return studio.ReferenceAsset{
		ID:       id,
		Kind:     kind,
		MimeType: mimeType,
		Data:     data,
		Selected: src.Selected,
	}, nil
}

// Resolve fetches the bytes behind a data: or http(s) URI.
func (n *Normalizer) Resolve(ctx context.Context, uri string) ([]byte, string, error) {
	uri = strings.TrimSpace(uri)
	switch {
	case strings.HasPrefix(uri, "data:"):
		return DecodeDataURI(uri)
	case strings.HasPrefix(uri, "http://"), strings.HasPrefix(uri, "https://"):
		return n.fetchRemote(ctx, uri)
	case uri == "":
		return nil, "", errors.New("uri is required")
	default:
		return nil, "", fmt.Errorf("unsupported uri scheme in %q", redact(uri))
	}
}

func (n *Normalizer) fetchRemote(ctx context.Context, rawURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := n.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetch %s: %w", redact(rawURL), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, "", fmt.Errorf("fetch %s: status %d", redact(rawURL), resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, n.maxBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("read %s: %w", redact(rawURL), err)
	}
	if int64(len(data)) > n.maxBytes {
		return nil, "", fmt.Errorf("asset exceeds %d bytes", n.maxBytes)
	}
	if len(data) == 0 {
		return nil, "", errors.New("remote asset is empty")
	}
	return data, resp.Header.Get("content-type"), nil
}

// DecodeDataURI splits a base64 data: URI into bytes and its declared MIME type.
func DecodeDataURI(value string) ([]byte, string, error) {
	header, payload, ok := strings.Cut(value, ",")
	if !ok || !strings.HasPrefix(header, "data:") {
		return nil, "", errors.New("invalid data uri")
	}
	if !strings.HasSuffix(header, ";base64") {
		return nil, "", errors.New("data uri must be base64 encoded")
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, "", fmt.Errorf("decode data uri: %w", err)
	}
	if len(data) == 0 {
		return nil, "", errors.New("data uri is empty")
	}
	mimeType := strings.TrimSuffix(strings.TrimPrefix(header, "data:"), ";base64")
	return data, mimeType, nil
}

// DetectMime trusts hint only when it is a concrete image or video type;
// anything else is sniffed from the content.
func DetectMime(data []byte, hint string) string {
	hint = strings.ToLower(strings.TrimSpace(hint))
	if i := strings.IndexByte(hint, ';'); i >= 0 {
		hint = strings.TrimSpace(hint[:i])
	}
	if _, ok := studio.KindFromMime(hint); ok {
		return hint
	}
	detected := mimetype.Detect(data).String()
	if i := strings.IndexByte(detected, ';'); i >= 0 {
		detected = detected[:i]
	}
	return detected
}

func redact(raw string) string {
	if strings.HasPrefix(raw, "data:") {
		return "data:..."
	}
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.RawQuery = ""
	return u.String()
}
