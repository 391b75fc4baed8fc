package httpx

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	JSON(rec, http.StatusCreated, map[string]int{"moved": 2})
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"moved":2}`, rec.Body.String())

	rec = httptest.NewRecorder()
	JSONErrorMessage(rec, http.StatusConflict, "conflict", "quote Q-1 was already converted")
	assert.JSONEq(t, `{"error":"conflict","message":"quote Q-1 was already converted"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	JSON(rec, http.StatusOK, func() {})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestDecodeJSON(t *testing.T) {
	type payload struct {
		Reason string `json:"reason"`
	}
	cases := []struct {
		name string
		body string
		ok   bool
		want string
	}{
		{"object", `{"reason":"rework"}`, true, "rework"},
		{"empty", ``, true, ""},
		{"unknown field", `{"reasn":"x"}`, false, ""},
		{"trailing", `{"reason":"a"}{"reason":"b"}`, false, ""},
		{"malformed", `{"reason":`, false, ""},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			var p payload
			err := DecodeJSON(httptest.NewRequest(http.MethodPost, "/", strings.NewReader(c.body)), &p)
			if !c.ok {
				require.ErrorIs(t, err, ErrBadJSON)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, c.want, p.Reason)
		})
	}
}
