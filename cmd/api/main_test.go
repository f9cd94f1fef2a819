package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/coursekb/coursekb/engine/domain"
	"github.com/coursekb/coursekb/engine/semantic"
	"github.com/coursekb/coursekb/engine/update"
	"github.com/coursekb/coursekb/pkg/progress"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeRunner struct {
	mu      sync.Mutex
	calls   int
	creds   domain.Credentials
	stats   update.Stats
	err     error
	started chan struct{}
	release chan struct{}
}

func (f *fakeRunner) Update(_ context.Context, _ int64, creds domain.Credentials) (update.Stats, error) {
	f.mu.Lock()
	f.calls++
	f.creds = creds
	f.mu.Unlock()
	if f.started != nil {
		close(f.started)
	}
	if f.release != nil {
		<-f.release
	}
	return f.stats, f.err
}

type fakeSearcher struct {
	courseID int64
	topK     int
	hits     []semantic.SearchResult
	err      error
}

func (f *fakeSearcher) Query(_ context.Context, courseID int64, _ string, topK int) ([]semantic.SearchResult, error) {
	f.courseID = courseID
	f.topK = topK
	return f.hits, f.err
}

func testServer(runner *fakeRunner, searcher *fakeSearcher) *server {
	return newServer(runner, searcher, progress.New(discard), discard)
}

func postJSON(t *testing.T, h http.HandlerFunc, body any) *httptest.ResponseRecorder {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(b))
	rec := httptest.NewRecorder()
	h(rec, req)
	return rec
}

func TestHandleUpdateStartsRun(t *testing.T) {
	runner := &fakeRunner{stats: update.Stats{Success: true}}
	s := testServer(runner, &fakeSearcher{})

	rec := postJSON(t, s.handleUpdate, UpdateRequest{UserID: 1, Email: "u@x.hk", Password: "pw"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}

	// The run completes asynchronously.
	deadline := time.After(2 * time.Second)
	for {
		s.mu.Lock()
		done := s.last != nil
		s.mu.Unlock()
		if done {
			break
		}
		select {
		case <-deadline:
			t.Fatal("run never completed")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if runner.creds.Email != "u@x.hk" {
		t.Errorf("credentials not forwarded: %+v", runner.creds)
	}
}

func TestHandleUpdateRejectsConcurrentRuns(t *testing.T) {
	runner := &fakeRunner{started: make(chan struct{}), release: make(chan struct{})}
	s := testServer(runner, &fakeSearcher{})

	first := postJSON(t, s.handleUpdate, UpdateRequest{UserID: 1, Email: "u@x.hk", Password: "pw"})
	if first.Code != http.StatusAccepted {
		t.Fatalf("first run status = %d", first.Code)
	}
	<-runner.started

	second := postJSON(t, s.handleUpdate, UpdateRequest{UserID: 1, Email: "u@x.hk", Password: "pw"})
	if second.Code != http.StatusConflict {
		t.Errorf("second run status = %d, want 409", second.Code)
	}
	close(runner.release)
}

func TestHandleUpdateValidatesBody(t *testing.T) {
	s := testServer(&fakeRunner{}, &fakeSearcher{})
	for name, body := range map[string]UpdateRequest{
		"missing user":     {Email: "u@x.hk", Password: "pw"},
		"bad email":        {UserID: 1, Email: "not-an-address", Password: "pw"},
		"missing password": {UserID: 1, Email: "u@x.hk"},
	} {
		if rec := postJSON(t, s.handleUpdate, body); rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", name, rec.Code)
		}
	}
}

func TestHandleUpdateStatusReportsFailure(t *testing.T) {
	runner := &fakeRunner{err: errors.New("portal unreachable")}
	s := testServer(runner, &fakeSearcher{})
	postJSON(t, s.handleUpdate, UpdateRequest{UserID: 1, Email: "u@x.hk", Password: "pw"})

	deadline := time.After(2 * time.Second)
	for {
		s.mu.Lock()
		failed := s.lastErr != ""
		s.mu.Unlock()
		if failed {
			break
		}
		select {
		case <-deadline:
			t.Fatal("failure never recorded")
		case <-time.After(5 * time.Millisecond):
		}
	}

	rec := httptest.NewRecorder()
	s.handleUpdateStatus(rec, httptest.NewRequest(http.MethodGet, "/api/update", nil))
	var resp struct {
		Running bool   `json:"running"`
		Error   string `json:"error"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Running || resp.Error == "" {
		t.Errorf("status = %+v", resp)
	}
}

func TestHandleProgressSince(t *testing.T) {
	s := testServer(&fakeRunner{}, &fakeSearcher{})
	ctx := context.Background()
	s.prog.Info(ctx, "a", "one")
	s.prog.Info(ctx, "a", "two")

	rec := httptest.NewRecorder()
	s.handleProgress(rec, httptest.NewRequest(http.MethodGet, "/api/progress?since=1", nil))
	var resp struct {
		Events []progress.Event `json:"events"`
		Next   int              `json:"next"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Events) != 1 || resp.Events[0].Message != "two" {
		t.Errorf("events = %+v", resp.Events)
	}
	if resp.Next != 2 {
		t.Errorf("next = %d", resp.Next)
	}

	bad := httptest.NewRecorder()
	s.handleProgress(bad, httptest.NewRequest(http.MethodGet, "/api/progress?since=x", nil))
	if bad.Code != http.StatusBadRequest {
		t.Errorf("bad since status = %d", bad.Code)
	}
}

func TestHandleSearch(t *testing.T) {
	searcher := &fakeSearcher{hits: []semantic.SearchResult{{ID: "h1", Score: 0.8, Content: "apriori"}}}
	s := testServer(&fakeRunner{}, searcher)

	rec := postJSON(t, s.handleSearch, SearchRequest{CourseID: 7, Question: "what is apriori?", TopK: 4})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	if searcher.courseID != 7 || searcher.topK != 4 {
		t.Errorf("query forwarded as course=%d topK=%d", searcher.courseID, searcher.topK)
	}
	var resp struct {
		Results []semantic.SearchResult `json:"results"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Results) != 1 || resp.Results[0].ID != "h1" {
		t.Errorf("results = %+v", resp.Results)
	}
}

func TestHandleSearchValidation(t *testing.T) {
	s := testServer(&fakeRunner{}, &fakeSearcher{})
	if rec := postJSON(t, s.handleSearch, SearchRequest{Question: "q"}); rec.Code != http.StatusBadRequest {
		t.Errorf("missing course status = %d", rec.Code)
	}
	if rec := postJSON(t, s.handleSearch, SearchRequest{CourseID: 1}); rec.Code != http.StatusBadRequest {
		t.Errorf("missing question status = %d", rec.Code)
	}
}

func TestHandleSearchFailure(t *testing.T) {
	s := testServer(&fakeRunner{}, &fakeSearcher{err: fmt.Errorf("collection missing")})
	if rec := postJSON(t, s.handleSearch, SearchRequest{CourseID: 1, Question: "q"}); rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}
