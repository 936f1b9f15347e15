package jsonapi

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hazyhaar/ingestd/horosafe"
	"github.com/hazyhaar/ingestd/ingest/internal/connector"
	"github.com/hazyhaar/ingestd/ingest/internal/fetch"
)

func newTestFetcher() *fetch.Fetcher {
	return fetch.New(fetch.Config{URLValidator: horosafe.ValidateScheme})
}

func TestFetch_RootArray(t *testing.T) {
	// WHAT: A root-level array yields one payload per object.
	// WHY: Simplest API shape.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[
			{"id": 1, "title": "Item 1", "url": "https://example.com/1"},
			"not an object",
			{"id": "b", "title": "Item 2"}
		]`))
	}))
	defer srv.Close()

	c, err := New(newTestFetcher(), Options{URL: srv.URL}, "")
	if err != nil {
		t.Fatal(err)
	}
	res, err := c.Fetch(context.Background(), "")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(res.Payloads) != 2 {
		t.Fatalf("payloads: got %d, want 2", len(res.Payloads))
	}
	if res.Payloads[0].NativeID != "1" || res.Payloads[0].URL != "https://example.com/1" {
		t.Errorf("first payload: %+v", res.Payloads[0])
	}
	if res.Payloads[1].NativeID != "b" {
		t.Errorf("second id: got %q", res.Payloads[1].NativeID)
	}
}

func TestFetch_NestedPathAndCursor(t *testing.T) {
	// WHAT: Items are found under result_path; the cursor round-trips through
	// the query string and the response.
	// WHY: Most real APIs nest results and paginate with an opaque token.
	var gotCursor string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCursor = r.URL.Query().Get("after")
		w.Write([]byte(`{
			"meta": {"next": "tok-2"},
			"data": {"results": [{"key": "k1", "body": "hello"}]}
		}`))
	}))
	defer srv.Close()

	c, _ := New(newTestFetcher(), Options{
		URL:            srv.URL + "/v1/items?limit=5",
		ResultPath:     "data.results",
		IDField:        "key",
		CursorParam:    "after",
		NextCursorPath: "meta.next",
	}, "")
	res, err := c.Fetch(context.Background(), "tok-1")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if gotCursor != "tok-1" {
		t.Errorf("cursor param: got %q", gotCursor)
	}
	if res.NextCursor != "tok-2" {
		t.Errorf("next cursor: got %q", res.NextCursor)
	}
	if len(res.Payloads) != 1 || res.Payloads[0].NativeID != "k1" {
		t.Errorf("payloads: %+v", res.Payloads)
	}
}

func TestFetch_KeepsCursorWithoutNext(t *testing.T) {
	// WHAT: A response without a next cursor keeps the current one.
	// WHY: The orchestrator must never rewind a connector.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"meta": {}, "items": []}`))
	}))
	defer srv.Close()

	c, _ := New(newTestFetcher(), Options{URL: srv.URL, ResultPath: "items", NextCursorPath: "meta.next"}, "")
	res, err := c.Fetch(context.Background(), "keep-me")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if res.NextCursor != "keep-me" {
		t.Errorf("next cursor: got %q, want keep-me", res.NextCursor)
	}
}

func TestFetch_HeadersAndCredential(t *testing.T) {
	// WHAT: ${ENV} headers are expanded and the credential becomes a bearer token.
	// WHY: Secrets live in the environment, never in the config file.
	t.Setenv("TEST_API_KEY", "secret-key-123")

	var gotKey, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-Api-Key")
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	c, _ := New(newTestFetcher(), Options{
		URL:     srv.URL,
		Headers: map[string]string{"X-Api-Key": "${TEST_API_KEY}"},
	}, "tok")
	if _, err := c.Fetch(context.Background(), ""); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if gotKey != "secret-key-123" {
		t.Errorf("header: got %q", gotKey)
	}
	if gotAuth != "Bearer tok" {
		t.Errorf("authorization: got %q", gotAuth)
	}
}

func TestFetch_WrongShapeIsTransient(t *testing.T) {
	// WHAT: A response missing result_path is transient; a 401 is permanent.
	// WHY: Shape glitches heal, revoked keys do not.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/denied" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"error": "busy"}`))
	}))
	defer srv.Close()

	c, _ := New(newTestFetcher(), Options{URL: srv.URL, ResultPath: "data"}, "")
	_, err := c.Fetch(context.Background(), "")
	var te *connector.TransientError
	if !errors.As(err, &te) {
		t.Errorf("expected transient, got %v", err)
	}

	c, _ = New(newTestFetcher(), Options{URL: srv.URL + "/denied"}, "")
	if _, err := c.Fetch(context.Background(), ""); !connector.IsPermanent(err) {
		t.Errorf("expected permanent, got %v", err)
	}
}
