package summarizer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestService(t *testing.T) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/summarize", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req summarizeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if req.FilePath == "/broken.txt" {
			json.NewEncoder(w).Encode(Result{Success: false, Error: "unreadable"})
			return
		}
		if req.FilePath == "/500.txt" {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(Result{
			Success: true,
			Summary: req.Model + ":" + req.FilePath,
			Tags:    "a/b",
		})
	})
	mux.HandleFunc("/summarize/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPSummarizer_Summarize(t *testing.T) {
	srv := newTestService(t)
	h := NewHTTPSummarizer(srv.URL+"/summarize/", 5*time.Second)

	res, err := h.Summarize(context.Background(), "/docs/a.txt", Options{SummaryLength: 100, Model: "m1"})
	if err != nil {
		t.Fatalf("Summarize failed: %v", err)
	}
	if !res.Success || res.Summary != "m1:/docs/a.txt" || res.Tags != "a/b" {
		t.Errorf("Unexpected result: %+v", res)
	}
}

func TestHTTPSummarizer_UnsuccessfulResult(t *testing.T) {
	srv := newTestService(t)
	h := NewHTTPSummarizer(srv.URL+"/summarize", 5*time.Second)

	res, err := h.Summarize(context.Background(), "/broken.txt", Options{})
	if err != nil {
		t.Fatalf("Summarize failed: %v", err)
	}
	if res.Success || res.Error != "unreadable" {
		t.Errorf("Expected unsuccessful result, got %+v", res)
	}
}

func TestHTTPSummarizer_HTTPError(t *testing.T) {
	srv := newTestService(t)
	h := NewHTTPSummarizer(srv.URL+"/summarize", 5*time.Second)

	if _, err := h.Summarize(context.Background(), "/500.txt", Options{}); err == nil {
		t.Error("Expected error for 500 response")
	}
}

func TestHTTPSummarizer_Available(t *testing.T) {
	srv := newTestService(t)

	if err := NewHTTPSummarizer(srv.URL+"/summarize", time.Second).Available(context.Background()); err != nil {
		t.Errorf("Expected service to be available: %v", err)
	}
	if err := NewHTTPSummarizer(srv.URL+"/missing", time.Second).Available(context.Background()); err == nil {
		t.Error("Expected unavailable for missing health endpoint")
	}
}
