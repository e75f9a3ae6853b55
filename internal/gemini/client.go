package gemini

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

type Options struct {
	APIKey     string
	BaseURL    string
	APIVersion string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client talks to the Generative Language REST API. It covers the vision,
// text, image and long-running video calls the pipeline needs.
type Client struct {
	apiKey     string
	baseURL    string
	apiVersion string
	httpClient *http.Client
	logger     *slog.Logger
}

func New(opts Options) *Client {
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com"
	}

	apiVersion := strings.TrimSpace(opts.APIVersion)
	if apiVersion == "" {
		apiVersion = "v1beta"
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Client{
		apiKey:     opts.APIKey,
		baseURL:    baseURL,
		apiVersion: apiVersion,
		httpClient: httpClient,
		logger:     logger,
	}
}

// Describe asks a vision model for a short description of one image or clip.
func (c *Client) Describe(ctx context.Context, model string, media Blob, instruction string) (string, error) {
	req := generateContentRequest{
		Contents: []content{{
			Role: "user",
			Parts: []part{
				{Text: instruction},
				{InlineData: &blob{Data: base64.StdEncoding.EncodeToString(media.Data), MimeType: media.MimeType}},
			},
		}},
	}

	resp, err := c.generateContent(ctx, model, req)
	if err != nil {
		return "", err
	}
	if reason := blockReason(resp); reason != "" {
		return "", fmt.Errorf("prompt blocked: %s", reason)
	}

	text := strings.TrimSpace(collectText(resp))
	if text == "" {
		return "", errors.New("vision model returned no text")
	}
	return text, nil
}

// GenerateJSON runs a text model in JSON mode constrained by schema and returns
// the raw JSON text. Validation of the document is left to the caller.
func (c *Client) GenerateJSON(ctx context.Context, model, instruction string, schema map[string]any) (string, error) {
	temperature := 0.4
	req := generateContentRequest{
		Contents: []content{{Role: "user", Parts: []part{{Text: instruction}}}},
		GenerationConfig: &generationConfig{
			Temperature:      &temperature,
			ResponseMimeType: "application/json",
			ResponseSchema:   schema,
		},
	}

	resp, err := c.generateContent(ctx, model, req)
	if err != nil {
		return "", err
	}
	if reason := blockReason(resp); reason != "" {
		return "", fmt.Errorf("prompt blocked: %s", reason)
	}
	return collectText(resp), nil
}

// GenerateImage sends a multimodal prompt to an image model.
func (c *Client) GenerateImage(ctx context.Context, r ImageRequest) (ImageResult, error) {
	parts := make([]part, 0, len(r.Parts))
	for _, p := range r.Parts {
		if p.Blob != nil {
			parts = append(parts, part{InlineData: &blob{
				Data:     base64.StdEncoding.EncodeToString(p.Blob.Data),
				MimeType: p.Blob.MimeType,
			}})
			continue
		}
		parts = append(parts, part{Text: p.Text})
	}

	req := generateContentRequest{
		Contents: []content{{Role: "user", Parts: parts}},
		GenerationConfig: &generationConfig{
			ResponseModalities: []string{"IMAGE", "TEXT"},
		},
	}
	if r.AspectRatio != "" {
		req.GenerationConfig.ImageConfig = &imageConfig{AspectRatio: r.AspectRatio}
	}

	resp, err := c.generateContent(ctx, r.Model, req)
	if err != nil && req.GenerationConfig.ImageConfig != nil && isUnknownFieldError(err, "imageConfig") {
		c.logger.Warn("model rejected imageConfig, retrying without it", "model", r.Model)
		req.GenerationConfig.ImageConfig = nil
		resp, err = c.generateContent(ctx, r.Model, req)
	}
	if err != nil {
		return ImageResult{}, err
	}
	if reason := blockReason(resp); reason != "" {
		return ImageResult{}, fmt.Errorf("prompt blocked: %s", reason)
	}

	return extractImageResult(resp)
}

func (c *Client) generateContent(ctx context.Context, model string, payload generateContentRequest) (generateContentResponse, error) {
	endpoint := fmt.Sprintf("%s/%s/models/%s:generateContent", c.baseURL, c.apiVersion, url.PathEscape(model))

	var decoded generateContentResponse
	if err := c.doJSON(ctx, http.MethodPost, endpoint, payload, &decoded); err != nil {
		return generateContentResponse{}, err
	}
	return decoded, nil
}

func (c *Client) doJSON(ctx context.Context, method, endpoint string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		httpReq.Header.Set("content-type", "application/json")
	}
	httpReq.Header.Set("x-goog-api-key", c.apiKey)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request: %w", err)
	}
	defer httpResp.Body.Close()

	rawBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if httpResp.StatusCode >= 400 {
		return newAPIError(httpResp.StatusCode, rawBody)
	}

	if err := json.Unmarshal(rawBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func newAPIError(statusCode int, body []byte) *APIError {
	var decoded apiErrorBody
	if err := json.Unmarshal(body, &decoded); err == nil && decoded.Error.Message != "" {
		return &APIError{StatusCode: statusCode, Status: decoded.Error.Status, Message: decoded.Error.Message}
	}
	return &APIError{StatusCode: statusCode, Message: strings.TrimSpace(string(body))}
}

func extractImageResult(resp generateContentResponse) (ImageResult, error) {
	var result ImageResult
	var text strings.Builder

	for _, cand := range resp.Candidates {
		for _, p := range cand.Content.Parts {
			if p.InlineData != nil && p.InlineData.Data != "" {
				data, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
				if err != nil {
					return ImageResult{}, fmt.Errorf("decode inline data: %w", err)
				}
				result.Images = append(result.Images, Blob{Data: data, MimeType: p.InlineData.MimeType})
			}
			if p.FileData != nil && p.FileData.FileURI != "" {
				result.URIs = append(result.URIs, p.FileData.FileURI)
			}
			if p.Text != "" {
				text.WriteString(p.Text)
			}
		}
	}
	for _, u := range resp.Output {
		if strings.TrimSpace(u) != "" {
			result.URIs = append(result.URIs, strings.TrimSpace(u))
		}
	}

	result.Text = strings.TrimSpace(text.String())
	return result, nil
}

func collectText(resp generateContentResponse) string {
	if len(resp.Candidates) == 0 {
		return ""
	}
	var b strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		b.WriteString(p.Text)
	}
	return b.String()
}

func blockReason(resp generateContentResponse) string {
	if resp.PromptFeedback != nil {
		return resp.PromptFeedback.BlockReason
	}
	return ""
}

func isUnknownFieldError(err error, field string) bool {
	message := err.Error()
	return strings.Contains(message, "Unknown name") && strings.Contains(message, field)
}
