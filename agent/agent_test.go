package agent

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"stressmonitor/config"
)

func TestStartPostsConfigThenStarts(t *testing.T) {
	var mu sync.Mutex
	var paths []string
	var got config.RunConfig

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		mu.Lock()
		paths = append(paths, r.URL.Path)
		mu.Unlock()
		if r.URL.Path == "/config" {
			body, _ := io.ReadAll(r.Body)
			if err := json.Unmarshal(body, &got); err != nil {
				t.Errorf("decode config: %v", err)
			}
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	rc := config.RunConfig{LocalIP: "10.0.0.1", Codec: "PCMU", MaxCPULoad: 80, NotifyURLBase: "http://monitor:8000"}
	err := New(time.Second).Start(context.Background(), config.Target{SystemID: "asterisk", AgentURL: srv.URL + "/"}, rc)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if len(paths) != 2 || paths[0] != "/config" || paths[1] != "/start-test" {
		t.Errorf("unexpected call order %v", paths)
	}
	if got != rc {
		t.Errorf("agent received %+v, want %+v", got, rc)
	}
}

func TestStartStopsOnConfigRejection(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "bad codec", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	err := New(time.Second).Start(context.Background(), config.Target{AgentURL: srv.URL}, config.RunConfig{})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("status errors must not be retried or continue to start-test, got %d calls", calls)
	}
}

func TestStartUnreachableAgent(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	if err := New(time.Second).Start(context.Background(), config.Target{AgentURL: url}, config.RunConfig{}); err == nil {
		t.Fatal("expected connection error")
	}
}
