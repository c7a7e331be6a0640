// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package retrieval

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/tombee/sapassist/pkg/errors"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := NewClient(Config{
		BaseURL: srv.URL,
		Token:   "test-token",
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return client
}

func TestSearchDocuments(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/documents/search" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("authorization = %q", got)
		}
		if got := r.URL.Query().Get("query"); got != "Urlaubsantrag" {
			t.Errorf("query = %q", got)
		}
		if got := r.URL.Query().Get("limit"); got != "3" {
			t.Errorf("limit = %q", got)
		}
		json.NewEncoder(w).Encode(SearchResponse{
			Query: "Urlaubsantrag",
			Results: []SearchResult{
				{Title: "Urlaubsrichtlinie", Score: 0.92},
			},
			Total: 1,
		})
	}))

	result, err := client.SearchDocuments(context.Background(), "Urlaubsantrag", 3)
	if err != nil {
		t.Fatalf("SearchDocuments: %v", err)
	}
	search := result.(*SearchResponse)
	if search.Total != 1 || search.Results[0].Title != "Urlaubsrichtlinie" {
		t.Errorf("response = %+v", search)
	}
}

func TestSearchDocumentsDefaultLimit(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("limit"); got != "5" {
			t.Errorf("limit = %q, want default 5", got)
		}
		json.NewEncoder(w).Encode(SearchResponse{})
	}))

	if _, err := client.SearchDocuments(context.Background(), "x", 0); err != nil {
		t.Fatalf("SearchDocuments: %v", err)
	}
}

func TestGetStats(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/documents/stats" {
			t.Errorf("path = %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(StatsResponse{Documents: 42, Chunks: 900})
	}))

	result, err := client.GetStats(context.Background())
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	stats := result.(*StatsResponse)
	if stats.Documents != 42 {
		t.Errorf("documents = %d", stats.Documents)
	}
}

func TestServerErrorSurfacesProviderError(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))

	_, err := client.GetStats(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	var perr *errors.ProviderError
	if !errors.As(err, &perr) || perr.StatusCode != http.StatusBadGateway {
		t.Errorf("error = %v, want ProviderError 502", err)
	}
}

func TestLoginFallbackOn401(t *testing.T) {
	logins := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/login", func(w http.ResponseWriter, r *http.Request) {
		logins++
		var creds map[string]string
		json.NewDecoder(r.Body).Decode(&creds)
		if creds["username"] != "svc" || creds["password"] != "secret" {
			t.Errorf("credentials = %+v", creds)
		}
		json.NewEncoder(w).Encode(map[string]string{"access_token": "fresh-token"})
	})
	mux.HandleFunc("/documents/stats", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer fresh-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(StatsResponse{Documents: 7})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, err := NewClient(Config{
		BaseURL:  srv.URL,
		Username: "svc",
		Password: "secret",
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	result, err := client.GetStats(context.Background())
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if logins != 1 {
		t.Errorf("logins = %d, want 1", logins)
	}
	if result.(*StatsResponse).Documents != 7 {
		t.Errorf("result = %+v", result)
	}

	// The token is reused; no second login.
	if _, err := client.GetStats(context.Background()); err != nil {
		t.Fatalf("second GetStats: %v", err)
	}
	if logins != 1 {
		t.Errorf("logins after reuse = %d, want 1", logins)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"valid token", Config{BaseURL: "http://localhost:8000", Token: "t"}, false},
		{"valid credentials", Config{BaseURL: "http://localhost:8000", Username: "u", Password: "p"}, false},
		{"missing url", Config{Token: "t"}, true},
		{"no auth", Config{BaseURL: "http://localhost:8000"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
