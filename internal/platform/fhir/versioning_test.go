package fhir

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestParseETag(t *testing.T) {
	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{`W/"3"`, 3, false},
		{`"12"`, 12, false},
		{"7", 7, false},
		{` W/"1" `, 1, false},
		{`W/"abc"`, 0, true},
		{"", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseETag(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseETag(%q) = %d, %v", tt.in, got, err)
		}
	}
	if FormatETag(4) != `W/"4"` {
		t.Errorf("unexpected FormatETag: %s", FormatETag(4))
	}
}

func newContext(headers map[string]string) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func TestSetVersionHeaders(t *testing.T) {
	c, rec := newContext(nil)
	SetVersionHeaders(c, 2, "Sun, 10 Mar 2024 09:30:00 GMT")
	if rec.Header().Get("ETag") != `W/"2"` {
		t.Errorf("ETag = %s", rec.Header().Get("ETag"))
	}
	if rec.Header().Get("Last-Modified") == "" {
		t.Error("expected Last-Modified")
	}
}

func TestIfMatchVersion(t *testing.T) {
	c, _ := newContext(nil)
	if v, err := IfMatchVersion(c); v != 0 || err != nil {
		t.Errorf("absent header: got %d, %v", v, err)
	}

	c, _ = newContext(map[string]string{"If-Match": `W/"5"`})
	if v, err := IfMatchVersion(c); v != 5 || err != nil {
		t.Errorf("got %d, %v", v, err)
	}

	for _, bad := range []string{`W/"x"`, `"0"`} {
		c, _ = newContext(map[string]string{"If-Match": bad})
		_, err := IfMatchVersion(c)
		he, ok := err.(*echo.HTTPError)
		if !ok || he.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %v", bad, err)
		}
	}
}

func TestCheckIfNoneMatch(t *testing.T) {
	c, _ := newContext(map[string]string{"If-None-Match": `W/"3"`})
	if !CheckIfNoneMatch(c, 3) {
		t.Error("expected match at the same version")
	}
	if CheckIfNoneMatch(c, 4) {
		t.Error("expected no match after an update")
	}
	c, _ = newContext(nil)
	if CheckIfNoneMatch(c, 1) {
		t.Error("expected no match without header")
	}
}

func TestOutcomes(t *testing.T) {
	b, _ := json.Marshal(NotFoundOutcome("Location", "abc"))
	var got map[string]any
	json.Unmarshal(b, &got)
	issue := got["issue"].([]any)[0].(map[string]any)
	if got["resourceType"] != "OperationOutcome" || issue["code"] != "not-found" || issue["diagnostics"] != "Location/abc not found" {
		t.Errorf("unexpected outcome %s", b)
	}
	if ErrorOutcome("boom").Issue[0].Code != "processing" {
		t.Error("expected processing code")
	}
	if FormatReference("Patient", "p1") != "Patient/p1" {
		t.Error("unexpected reference")
	}
}
