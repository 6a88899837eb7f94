package voice

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ignite/sequencer/internal/channel"
)

func TestDispatchSentOnAccepted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(callResponse{CallID: "c-7", Status: "queued"})
	}))
	defer srv.Close()

	a := New(srv.URL, "test-key", time.Second)
	res, err := a.Dispatch(context.Background(), channel.Message{To: "+15550000001", From: "+15550000000", Script: "intro"}, channel.SenderContext{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != channel.StatusSent || res.ExternalRef != "c-7" {
		t.Fatalf("got %+v", res)
	}
}

func TestDispatchTransientOn5xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	a := New(srv.URL, "test-key", time.Second)
	res, err := a.Dispatch(context.Background(), channel.Message{To: "+1", From: "+2", Script: "x"}, channel.SenderContext{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != channel.StatusTransientFailure {
		t.Fatalf("expected transient failure, got %+v", res)
	}
}

func TestDispatchPermanentOnBadRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	a := New(srv.URL, "test-key", time.Second)
	res, err := a.Dispatch(context.Background(), channel.Message{To: "bad", From: "+2", Script: "x"}, channel.SenderContext{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != channel.StatusPermanentFailure {
		t.Fatalf("expected permanent failure, got %+v", res)
	}
}
