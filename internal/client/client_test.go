package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Rorqualx/copyguard/internal/types"
)

func newServer(t *testing.T, handler func(req types.Request) string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("X-API-Key"); got != "secret" {
			t.Errorf("X-API-Key = %q, want secret", got)
		}
		var req types.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(handler(req)))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestDo(t *testing.T) {
	srv := newServer(t, func(req types.Request) string {
		if req.Cmd != types.CmdTabList {
			t.Errorf("cmd = %q, want TAB_LIST", req.Cmd)
		}
		return `{"status":"ok","message":"","tabs":[{"id":"a","url":"https://example.com/"}]}`
	})

	c := New(srv.URL+"/", "secret", 5*time.Second)
	tabs, err := c.Tabs(context.Background())
	if err != nil {
		t.Fatalf("Tabs() error = %v", err)
	}
	if n := len(tabs.Array()); n != 1 {
		t.Fatalf("len(tabs) = %d, want 1", n)
	}
	if got := tabs.Get("0.url").String(); got != "https://example.com/" {
		t.Errorf("tabs[0].url = %q", got)
	}
}

func TestDo_ErrorEnvelope(t *testing.T) {
	srv := newServer(t, func(types.Request) string {
		return `{"status":"error","message":"tab not found"}`
	})

	c := New(srv.URL, "secret", 5*time.Second)
	_, err := c.Do(context.Background(), types.Request{Cmd: types.CmdTabClose, TabID: "x"})
	if !errors.Is(err, ErrServer) {
		t.Fatalf("Do() error = %v, want ErrServer", err)
	}
	if err.Error() != "server error: tab not found" {
		t.Errorf("Do() error = %q", err.Error())
	}
}

func TestDo_NonJSON(t *testing.T) {
	srv := newServer(t, func(types.Request) string { return "<html>proxy error</html>" })

	c := New(srv.URL, "secret", 5*time.Second)
	if _, err := c.Stats(context.Background()); err == nil {
		t.Fatal("Stats() expected an error for a non-JSON body")
	}
}
