package gemini

import (
	"encoding/base64"
	"fmt"
)

// Blob is raw media sent to or received from a model.
type Blob struct {
	Data     []byte
	MimeType string
}

// DataURI renders the blob as an inline data: URI.
func (b Blob) DataURI() string {
	return fmt.Sprintf("data:%s;base64,%s", b.MimeType, base64.StdEncoding.EncodeToString(b.Data))
}

// Part is one element of a multimodal prompt: text or inline media.
type Part struct {
	Text string
	Blob *Blob
}

func TextPart(text string) Part {
	return Part{Text: text}
}

func BlobPart(data []byte, mimeType string) Part {
	return Part{Blob: &Blob{Data: data, MimeType: mimeType}}
}

type ImageRequest struct {
	Model       string
	Parts       []Part
	AspectRatio string
}

// ImageResult keeps every shape an image endpoint may answer with; the caller
// decides which one counts as the output.
type ImageResult struct {
	Images []Blob
	URIs   []string
	Text   string
}

type VideoRequest struct {
	Model       string
	Prompt      string
	AspectRatio string
	Image       *Blob
}

// Video is one output of a finished video job: either a downloadable URI or inline bytes.
type Video struct {
	URI      string
	Data     []byte
	MimeType string
}

type OperationError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Operation is the state of a long-running video job.
type Operation struct {
	Name            string
	Done            bool
	Videos          []Video
	Error           *OperationError
	FilteredCount   int
	FilteredReasons []string
}

// APIError is a non-2xx answer from the API.
type APIError struct {
	StatusCode int
	Status     string
	Message    string
}

func (e *APIError) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("gemini API %d %s: %s", e.StatusCode, e.Status, e.Message)
	}
	return fmt.Sprintf("gemini API %d: %s", e.StatusCode, e.Message)
}

type generateContentRequest struct {
	Contents          []content         `json:"contents"`
	SystemInstruction *content          `json:"systemInstruction,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
}

type generationConfig struct {
	Temperature        *float64       `json:"temperature,omitempty"`
	ResponseModalities []string       `json:"responseModalities,omitempty"`
	ResponseMimeType   string         `json:"responseMimeType,omitempty"`
	ResponseSchema     map[string]any `json:"responseSchema,omitempty"`
	ImageConfig        *imageConfig   `json:"imageConfig,omitempty"`
}

type imageConfig struct {
	AspectRatio string `json:"aspectRatio,omitempty"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text       string    `json:"text,omitempty"`
	InlineData *blob     `json:"inlineData,omitempty"`
	FileData   *fileData `json:"fileData,omitempty"`
}

type blob struct {
	Data     string `json:"data"`
	MimeType string `json:"mimeType"`
}

type fileData struct {
	MimeType string `json:"mimeType,omitempty"`
	FileURI  string `json:"fileUri"`
}

type generateContentResponse struct {
	Candidates     []candidate     `json:"candidates"`
	PromptFeedback *promptFeedback `json:"promptFeedback,omitempty"`
	// Output is the flat output list some proxies return for image models.
	Output []string `json:"output,omitempty"`
}

type candidate struct {
	Content      content `json:"content"`
	FinishReason string  `json:"finishReason,omitempty"`
}

type promptFeedback struct {
	BlockReason string `json:"blockReason,omitempty"`
}

type apiErrorBody struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

type predictRequest struct {
	Instances  []videoInstance  `json:"instances"`
	Parameters *videoParameters `json:"parameters,omitempty"`
}

type videoInstance struct {
	Prompt string      `json:"prompt"`
	Image  *videoImage `json:"image,omitempty"`
}

type videoImage struct {
	BytesBase64Encoded string `json:"bytesBase64Encoded"`
	MimeType           string `json:"mimeType"`
}

type videoParameters struct {
	AspectRatio string `json:"aspectRatio,omitempty"`
}

type operationBody struct {
	Name     string          `json:"name"`
	Done     bool            `json:"done"`
	Error    *OperationError `json:"error,omitempty"`
	Response *struct {
		GenerateVideoResponse *generateVideoResponse `json:"generateVideoResponse,omitempty"`
	} `json:"response,omitempty"`
}

type generateVideoResponse struct {
	GeneratedSamples []struct {
		Video struct {
			URI                string `json:"uri"`
			BytesBase64Encoded string `json:"bytesBase64Encoded"`
			MimeType           string `json:"mimeType"`
		} `json:"video"`
	} `json:"generatedSamples"`
	RAIMediaFilteredCount   int      `json:"raiMediaFilteredCount"`
	RAIMediaFilteredReasons []string `json:"raiMediaFilteredReasons"`
}
