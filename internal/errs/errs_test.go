package errs

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorNamesStageAndModel(t *testing.T) {
	err := Wrap(KindDispatch, "generate", "veo-3.0-generate-001", errors.New("quota exceeded"))

	assert.Equal(t, "DISPATCH_FAILURE [generate] (model veo-3.0-generate-001): quota exceeded", err.Error())
	assert.Equal(t, "quota exceeded", err.Message)
}

func TestKindOfThroughWrapping(t *testing.T) {
	inner := New(KindSafetyOrEmpty, "poll", "no output")
	wrapped := fmt.Errorf("generate: %w", inner)

	assert.Equal(t, KindSafetyOrEmpty, KindOf(wrapped))
	assert.Equal(t, KindInternal, KindOf(errors.New("plain")))
	assert.True(t, errors.Is(wrapped, New(KindSafetyOrEmpty, "", "")))
	assert.False(t, errors.Is(wrapped, New(KindDispatch, "", "")))
}

func TestUnwrapReachesCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := Wrap(KindComposition, "compose", "gemini-2.5-flash", cause)

	require.ErrorIs(t, err, cause)
}

func TestHTTPStatus(t *testing.T) {
	cases := map[Kind]int{
		KindBusy:          http.StatusConflict,
		KindUnknownModel:  http.StatusBadRequest,
		KindNotFound:      http.StatusNotFound,
		KindSafetyOrEmpty: http.StatusUnprocessableEntity,
		KindPollTimeout:   http.StatusGatewayTimeout,
		KindDispatch:      http.StatusBadGateway,
	}
	for kind, want := range cases {
		assert.Equal(t, want, HTTPStatus(New(kind, "", "")), string(kind))
	}
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(errors.New("x")))
}
