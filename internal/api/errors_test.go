package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAPIError_Error(t *testing.T) {
	assert.Equal(t, "Bad request: name is required", BadRequestError("Bad request", "name is required").Error())
	assert.Equal(t, "Resource not found", NotFoundError("Resource", "db").Error())
}

func TestHTTPErrorHandler(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		debug       bool
		wantCode    int
		wantMessage string
		wantDetails string
	}{
		{
			name:        "api error",
			err:         NotFoundError("Resource", "raven"),
			wantCode:    http.StatusNotFound,
			wantMessage: "Resource not found",
		},
		{
			name:        "wrapped api error",
			err:         fmt.Errorf("lookup: %w", BadRequestError("Invalid resource name", "bad")),
			wantCode:    http.StatusBadRequest,
			wantMessage: "Invalid resource name",
			wantDetails: "bad",
		},
		{
			name:        "echo error",
			err:         echo.NewHTTPError(http.StatusMethodNotAllowed, "nope"),
			wantCode:    http.StatusMethodNotAllowed,
			wantMessage: "Method not allowed",
			wantDetails: "nope",
		},
		{
			name:        "internal error hidden",
			err:         errors.New("driver exploded"),
			wantCode:    http.StatusInternalServerError,
			wantMessage: "Internal server error",
			wantDetails: "An internal error occurred. Please try again later.",
		},
		{
			name:        "internal error in debug",
			err:         errors.New("driver exploded"),
			debug:       true,
			wantCode:    http.StatusInternalServerError,
			wantMessage: "Internal server error",
			wantDetails: "driver exploded",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			e.Debug = tt.debug
			rec := httptest.NewRecorder()
			c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)

			HTTPErrorHandler(tt.err, c)

			assert.Equal(t, tt.wantCode, rec.Code)
			var body APIError
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.wantMessage, body.Message)
			assert.Equal(t, tt.wantDetails, body.Details)
		})
	}
}

func TestHTTPErrorHandler_Head(t *testing.T) {
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodHead, "/", nil), rec)

	HTTPErrorHandler(NotFoundError("Resource", "x"), c)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Empty(t, rec.Body.String())
}
