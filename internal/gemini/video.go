package gemini

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
)

// StartVideo submits a long-running video job and returns its handle.
func (c *Client) StartVideo(ctx context.Context, r VideoRequest) (Operation, error) {
	instance := videoInstance{Prompt: r.Prompt}
	if r.Image != nil {
		instance.Image = &videoImage{
			BytesBase64Encoded: base64.StdEncoding.EncodeToString(r.Image.Data),
			MimeType:           r.Image.MimeType,
		}
	}

	req := predictRequest{Instances: []videoInstance{instance}}
	if r.AspectRatio != "" {
		req.Parameters = &videoParameters{AspectRatio: r.AspectRatio}
	}

	endpoint := fmt.Sprintf("%s/%s/models/%s:predictLongRunning", c.baseURL, c.apiVersion, url.PathEscape(r.Model))

	var body operationBody
	if err := c.doJSON(ctx, http.MethodPost, endpoint, req, &body); err != nil {
		return Operation{}, err
	}
	if body.Name == "" {
		return Operation{}, errors.New("video endpoint returned no operation name")
	}

	c.logger.Debug("video operation started", "model", r.Model, "operation", body.Name)
	return toOperation(body)
}

// GetOperation fetches the current state of a job started with StartVideo.
func (c *Client) GetOperation(ctx context.Context, name string) (Operation, error) {
	endpoint := fmt.Sprintf("%s/%s/%s", c.baseURL, c.apiVersion, strings.TrimLeft(name, "/"))

	var body operationBody
	if err := c.doJSON(ctx, http.MethodGet, endpoint, nil, &body); err != nil {
		return Operation{}, err
	}
	if body.Name == "" {
		body.Name = name
	}
	return toOperation(body)
}

// Download fetches a file the API referenced by URI. The API key is only sent
// to the API host itself.
func (c *Client) Download(ctx context.Context, uri string) ([]byte, string, error) {
	target := uri
	if !strings.HasPrefix(uri, "http://") && !strings.HasPrefix(uri, "https://") {
		target = c.baseURL + "/" + strings.TrimLeft(uri, "/")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, "", fmt.Errorf("create download request: %w", err)
	}
	if c.sameHost(req.URL) {
		req.Header.Set("x-goog-api-key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return nil, "", fmt.Errorf("download %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("read download: %w", err)
	}

	mimeType := resp.Header.Get("content-type")
	if parsed, _, err := mime.ParseMediaType(mimeType); err == nil {
		mimeType = parsed
	}
	return data, mimeType, nil
}

func (c *Client) sameHost(u *url.URL) bool {
	base, err := url.Parse(c.baseURL)
	if err != nil {
		return false
	}
	return strings.EqualFold(base.Host, u.Host)
}

func toOperation(body operationBody) (Operation, error) {
	op := Operation{
		Name:  body.Name,
		Done:  body.Done,
		Error: body.Error,
	}
	if body.Response == nil || body.Response.GenerateVideoResponse == nil {
		return op, nil
	}

	gv := body.Response.GenerateVideoResponse
	op.FilteredCount = gv.RAIMediaFilteredCount
	op.FilteredReasons = gv.RAIMediaFilteredReasons
	for _, sample := range gv.GeneratedSamples {
		v := Video{URI: sample.Video.URI, MimeType: sample.Video.MimeType}
		if sample.Video.BytesBase64Encoded != "" {
			data, err := base64.StdEncoding.DecodeString(sample.Video.BytesBase64Encoded)
			if err != nil {
				return Operation{}, fmt.Errorf("decode video bytes: %w", err)
			}
			v.Data = data
		}
		if v.URI == "" && len(v.Data) == 0 {
			continue
		}
		op.Videos = append(op.Videos, v)
	}
	return op, nil
}
