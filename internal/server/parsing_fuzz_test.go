package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/matt-riley/flagsync/internal/core"
)

func FuzzDecodeTrackBody(f *testing.F) {
	f.Add(`{"key":"checkout"}`)
	f.Add(`{"key":"checkout","data":{"total":12.5}}`)
	f.Add(`{"key":"a"}{"key":"b"}`)
	f.Add(`{"key":"a","unknown":true}`)
	f.Add(`not json`)
	f.Add(``)

	f.Fuzz(func(t *testing.T, body string) {
		req := httptest.NewRequest(http.MethodPost, "/v1/track", strings.NewReader(body))
		rec := httptest.NewRecorder()

		var got trackJSONRequest
		err := decodeJSONBody(rec, req, &got)
		if err != nil {
			return
		}

		// Anything accepted must be a single valid JSON document.
		if !json.Valid([]byte(strings.TrimSpace(body))) {
			t.Fatalf("decodeJSONBody(%q) accepted invalid JSON", body)
		}
	})
}

func FuzzEvaluateDefaultValue(f *testing.F) {
	f.Add(`true`)
	f.Add(`"red"`)
	f.Add(`12.5`)
	f.Add(`null`)
	f.Add(`{"a":[1,2]}`)

	f.Fuzz(func(t *testing.T, raw string) {
		if !json.Valid([]byte(raw)) {
			return
		}
		body := `{"key":"flag","default":` + raw + `}`

		svc := &fakeService{}
		handler := NewHTTPHandler(svc)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/evaluate", strings.NewReader(body)))
		if rec.Code != http.StatusOK {
			return
		}

		var resp evaluateJSONResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("unmarshal response %q: %v", rec.Body.String(), err)
		}
		want, err := core.JSON([]byte(raw))
		if err != nil {
			t.Fatalf("request accepted but core.JSON(%q) failed: %v", raw, err)
		}
		if !resp.Value.Equal(want) {
			t.Fatalf("echoed default = %v, want %v", resp.Value, want)
		}
	})
}
