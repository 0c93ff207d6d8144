package errors

import (
	stderrors "errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusCodes(t *testing.T) {
	tests := []struct {
		err  *AppError
		want int
	}{
		{BadRequest("x"), http.StatusBadRequest},
		{EmptyEntry(), http.StatusBadRequest},
		{Unauthorized("x"), http.StatusUnauthorized},
		{NotFound("plugin"), http.StatusNotFound},
		{PluginRunning("p"), http.StatusConflict},
		{UpstreamUnavailable(nil), http.StatusBadGateway},
		{ProxyNotReady(), http.StatusInternalServerError},
		{SpawnFailed(nil), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.err.Code, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.StatusCode)
		})
	}
}

func TestErrorString(t *testing.T) {
	err := Wrap(ErrCodeIO, "read config", stderrors.New("permission denied"))
	assert.Equal(t, "IO_ERROR: read config - permission denied", err.Error())

	plain := NotFound("plugin")
	assert.Equal(t, "NOT_FOUND: plugin not found", plain.Error())
}

func TestAsAppError(t *testing.T) {
	app := NotFound("plugin")
	assert.Same(t, app, AsAppError(app))

	wrapped := AsAppError(stderrors.New("boom"))
	assert.Equal(t, ErrCodeInternal, wrapped.Code)
	assert.Equal(t, "boom", wrapped.Details)
}

func TestEnvelope(t *testing.T) {
	ok := OK("fine")
	assert.Equal(t, 0, ok.Retcode)
	assert.Equal(t, "fine", ok.Data)
	assert.Empty(t, ok.Message)

	fail := Fail(ProxyNotReady())
	assert.Equal(t, 1, fail.Retcode)
	assert.Equal(t, "upstream proxy ports are not ready", fail.Message)
	assert.Nil(t, fail.Data)
}
