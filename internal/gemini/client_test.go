package gemini

import (
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Options{APIKey: "k-123", BaseURL: srv.URL, HTTPClient: srv.Client()}), srv
}

func writeJSON(t *testing.T, w http.ResponseWriter, v any) {
	t.Helper()
	w.Header().Set("content-type", "application/json")
	require.NoError(t, json.NewEncoder(w).Encode(v))
}

func TestDescribeSendsImageAndKey(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1beta/models/vision-1:generateContent", r.URL.Path)
		assert.Equal(t, "k-123", r.Header.Get("x-goog-api-key"))

		var req generateContentRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Contents, 1)
		require.Len(t, req.Contents[0].Parts, 2)
		assert.Equal(t, "describe", req.Contents[0].Parts[0].Text)
		assert.Equal(t, "image/png", req.Contents[0].Parts[1].InlineData.MimeType)
		assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("png")), req.Contents[0].Parts[1].InlineData.Data)

		writeJSON(t, w, map[string]any{
			"candidates": []any{map[string]any{"content": map[string]any{"parts": []any{map[string]any{"text": "  a beach at dusk "}}}}},
		})
	})

	text, err := client.Describe(t.Context(), "vision-1", Blob{Data: []byte("png"), MimeType: "image/png"}, "describe")
	require.NoError(t, err)
	assert.Equal(t, "a beach at dusk", text)
}

func TestGenerateJSONRequestsSchema(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req generateContentRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.NotNil(t, req.GenerationConfig)
		assert.Equal(t, "application/json", req.GenerationConfig.ResponseMimeType)
		assert.Equal(t, "OBJECT", req.GenerationConfig.ResponseSchema["type"])

		writeJSON(t, w, map[string]any{
			"candidates": []any{map[string]any{"content": map[string]any{"parts": []any{
				map[string]any{"text": `{"technicalPrompt":"x",`},
				map[string]any{"text": `"reasoning":"y"}`},
			}}}},
		})
	})

	raw, err := client.GenerateJSON(t.Context(), "text-1", "compose", map[string]any{"type": "OBJECT"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"technicalPrompt":"x","reasoning":"y"}`, raw)
}

func TestAPIErrorCarriesMessage(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"error":{"code":404,"message":"models/nope is not found","status":"NOT_FOUND"}}`)
	})

	_, err := client.GenerateJSON(t.Context(), "nope", "compose", nil)
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Equal(t, "NOT_FOUND", apiErr.Status)
	assert.Contains(t, err.Error(), "models/nope is not found")
}

func TestGenerateImageRetriesWithoutImageConfig(t *testing.T) {
	var calls atomic.Int32
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req generateContentRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		if calls.Add(1) == 1 {
			require.NotNil(t, req.GenerationConfig.ImageConfig)
			assert.Equal(t, "16:9", req.GenerationConfig.ImageConfig.AspectRatio)
			w.WriteHeader(http.StatusBadRequest)
			_, _ = io.WriteString(w, `{"error":{"code":400,"message":"Invalid JSON payload received. Unknown name \"imageConfig\"","status":"INVALID_ARGUMENT"}}`)
			return
		}

		assert.Nil(t, req.GenerationConfig.ImageConfig)
		writeJSON(t, w, map[string]any{
			"candidates": []any{map[string]any{"content": map[string]any{"parts": []any{
				map[string]any{"inlineData": map[string]any{"mimeType": "image/png", "data": base64.StdEncoding.EncodeToString([]byte("img"))}},
			}}}},
		})
	})

	res, err := client.GenerateImage(t.Context(), ImageRequest{
		Model:       "img-1",
		Parts:       []Part{TextPart("a cat"), BlobPart([]byte("ref"), "image/jpeg")},
		AspectRatio: "16:9",
	})
	require.NoError(t, err)
	assert.EqualValues(t, 2, calls.Load())
	require.Len(t, res.Images, 1)
	assert.Equal(t, []byte("img"), res.Images[0].Data)
	assert.Equal(t, "image/png", res.Images[0].MimeType)
}

func TestGenerateImageCollectsURIsAndText(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, map[string]any{
			"candidates": []any{map[string]any{"content": map[string]any{"parts": []any{
				map[string]any{"fileData": map[string]any{"fileUri": "https://files.example/a.png"}},
				map[string]any{"text": "here you go"},
			}}}},
			"output": []string{"https://cdn.example/b.png"},
		})
	})

	res, err := client.GenerateImage(t.Context(), ImageRequest{Model: "img-1", Parts: []Part{TextPart("a cat")}})
	require.NoError(t, err)
	assert.Empty(t, res.Images)
	assert.Equal(t, []string{"https://files.example/a.png", "https://cdn.example/b.png"}, res.URIs)
	assert.Equal(t, "here you go", res.Text)
}

func TestGenerateImageBlocked(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, map[string]any{"promptFeedback": map[string]any{"blockReason": "SAFETY"}})
	})

	_, err := client.GenerateImage(t.Context(), ImageRequest{Model: "img-1", Parts: []Part{TextPart("x")}})
	require.EqualError(t, err, "prompt blocked: SAFETY")
}

func TestVideoLifecycle(t *testing.T) {
	var srvURL string
	client, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, ":predictLongRunning"):
			var req predictRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			require.Len(t, req.Instances, 1)
			assert.Equal(t, "a drone shot", req.Instances[0].Prompt)
			require.NotNil(t, req.Instances[0].Image)
			assert.Equal(t, "image/png", req.Instances[0].Image.MimeType)
			assert.Equal(t, "9:16", req.Parameters.AspectRatio)
			writeJSON(t, w, map[string]any{"name": "models/veo/operations/op-1"})
		case r.URL.Path == "/v1beta/models/veo/operations/op-1":
			writeJSON(t, w, map[string]any{
				"name": "models/veo/operations/op-1",
				"done": true,
				"response": map[string]any{"generateVideoResponse": map[string]any{
					"generatedSamples": []any{map[string]any{"video": map[string]any{"uri": srvURL + "/files/v.mp4"}}},
				}},
			})
		case r.URL.Path == "/files/v.mp4":
			assert.Equal(t, "k-123", r.Header.Get("x-goog-api-key"))
			w.Header().Set("content-type", "video/mp4; codecs=avc1")
			_, _ = w.Write([]byte("mp4"))
		default:
			http.NotFound(w, r)
		}
	})
	srvURL = srv.URL

	op, err := client.StartVideo(t.Context(), VideoRequest{
		Model:       "veo",
		Prompt:      "a drone shot",
		AspectRatio: "9:16",
		Image:       &Blob{Data: []byte("png"), MimeType: "image/png"},
	})
	require.NoError(t, err)
	assert.Equal(t, "models/veo/operations/op-1", op.Name)
	assert.False(t, op.Done)

	op, err = client.GetOperation(t.Context(), op.Name)
	require.NoError(t, err)
	assert.True(t, op.Done)
	require.Len(t, op.Videos, 1)

	data, mimeType, err := client.Download(t.Context(), op.Videos[0].URI)
	require.NoError(t, err)
	assert.Equal(t, []byte("mp4"), data)
	assert.Equal(t, "video/mp4", mimeType)
}

func TestGetOperationReportsFilteredAndErrors(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "op-err") {
			writeJSON(t, w, map[string]any{"done": true, "error": map[string]any{"code": 8, "message": "quota exhausted"}})
			return
		}
		writeJSON(t, w, map[string]any{
			"done": true,
			"response": map[string]any{"generateVideoResponse": map[string]any{
				"raiMediaFilteredCount":   1,
				"raiMediaFilteredReasons": []string{"celebrity likeness"},
			}},
		})
	})

	op, err := client.GetOperation(t.Context(), "operations/op-err")
	require.NoError(t, err)
	require.NotNil(t, op.Error)
	assert.Equal(t, 8, op.Error.Code)
	assert.Equal(t, "quota exhausted", op.Error.Message)
	assert.Equal(t, "operations/op-err", op.Name)

	op, err = client.GetOperation(t.Context(), "operations/op-filtered")
	require.NoError(t, err)
	assert.True(t, op.Done)
	assert.Empty(t, op.Videos)
	assert.Equal(t, 1, op.FilteredCount)
	assert.Equal(t, []string{"celebrity likeness"}, op.FilteredReasons)
}

func TestDownloadKeepsKeyOffForeignHosts(t *testing.T) {
	foreign := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("x-goog-api-key"))
		w.Header().Set("content-type", "image/png")
		_, _ = w.Write([]byte("png"))
	}))
	t.Cleanup(foreign.Close)

	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	data, mimeType, err := client.Download(t.Context(), foreign.URL+"/x.png")
	require.NoError(t, err)
	assert.Equal(t, []byte("png"), data)
	assert.Equal(t, "image/png", mimeType)
}
