package speclinesdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClientSendsCredentialsAndDecodesEnvelope(t *testing.T) {
	var gotPath, gotKey, gotStatus string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("X-Api-Key")
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		gotStatus = body["status"]
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error":{"code":"prerequisites_unmet","message":"prerequisites not completed: a","details":{"unmet":["a"]}}}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.APIKey = "sl_test"
	_, err := c.SetPromptStatus(context.Background(), "p 1", "q1", "completed")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusConflict || apiErr.Code != "prerequisites_unmet" {
		t.Fatalf("unexpected error %+v", apiErr)
	}
	if unmet, _ := apiErr.Details["unmet"].([]any); len(unmet) != 1 {
		t.Fatalf("details not decoded: %+v", apiErr.Details)
	}
	if gotPath != "/v1/projects/p 1/prompts/q1" || gotKey != "sl_test" || gotStatus != "completed" {
		t.Fatalf("unexpected request path=%q key=%q status=%q", gotPath, gotKey, gotStatus)
	}
}

func TestClientEventsPageQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.URL.Query().Get("limit") != "5" || r.URL.Query().Get("cursor") != "12" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Write([]byte(`{"items":[{"id":13,"type":"project.created","payload":{}}],"next_cursor":"13"}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.BearerToken = "tok"
	page, err := c.EventsPage(context.Background(), "p1", 5, "12")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(page.Items) != 1 || page.Items[0].Type != "project.created" || page.NextCursor != "13" {
		t.Fatalf("unexpected page %+v", page)
	}
}
