package relay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/unigw/uniproxy/internal/catalog"
)

func TestComposeURLHashSuffix(t *testing.T) {
	got := ComposeURL("https://api.example.com/custom#")
	want := "https://api.example.com/custom"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestComposeURLSlashSuffix(t *testing.T) {
	got := ComposeURL("https://api.example.com/custom/")
	want := "https://api.example.com/custom/chat/completions"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestComposeURLDefault(t *testing.T) {
	got := ComposeURL("https://api.example.com")
	want := "https://api.example.com/v1/chat/completions"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestComposeURLNeverProducesDoubleMarkers(t *testing.T) {
	for _, base := range []string{
		"https://a.example#", "https://a.example/", "https://a.example", "https://a.example/v1#",
	} {
		got := ComposeURL(base)
		if strings.Contains(got, "##") || strings.Contains(got, "//chat") {
			t.Fatalf("base %q produced malformed url %q", base, got)
		}
	}
}

func TestRewriteModelOnlyWhenDifferent(t *testing.T) {
	body := []byte(`{"model":"gpt-x","messages":[]}`)
	same, err := RewriteModel(body, "gpt-x")
	if err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if string(same) != string(body) {
		t.Fatalf("expected unchanged body when model matches")
	}

	rewritten, err := RewriteModel(body, "mini")
	if err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if !strings.Contains(string(rewritten), `"model":"mini"`) {
		t.Fatalf("expected model field rewritten, got %s", rewritten)
	}
}

func TestBuildUpstreamRequestScrubsHeaders(t *testing.T) {
	inbound := http.Header{}
	inbound.Set("Host", "client.example")
	inbound.Set("Authorization", "Bearer client-key")
	inbound.Set("Content-Length", "999")
	inbound.Set("X-Custom", "keep-me")

	cfg := catalog.UpstreamConfig{ID: "a", APIKey: "upstream-secret", BaseURL: "https://upstream.example"}
	req, err := BuildUpstreamRequest(context.Background(), cfg, "gpt-x", inbound, []byte(`{"model":"gpt-x"}`))
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	if got := req.Header.Values("Authorization"); len(got) != 1 || got[0] != "Bearer upstream-secret" {
		t.Fatalf("expected single fresh Authorization header, got %v", got)
	}
	if got := req.Header.Values("Content-Length"); len(got) != 1 {
		t.Fatalf("expected single Content-Length header, got %v", got)
	}
	if req.Header.Get("Host") != "" {
		t.Fatalf("expected Host header scrubbed")
	}
	if req.Header.Get("X-Custom") != "keep-me" {
		t.Fatalf("expected unrelated headers preserved")
	}
}

func TestIsStreaming(t *testing.T) {
	if !IsStreaming([]byte(`{"stream":true}`)) {
		t.Fatal("expected stream:true detected")
	}
	if IsStreaming([]byte(`{"stream":false}`)) {
		t.Fatal("expected stream:false not detected as streaming")
	}
	if IsStreaming([]byte(`{}`)) {
		t.Fatal("expected missing stream field to default to non-streaming")
	}
}

func TestDirectForwardPassesThroughBody(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			t.Errorf("expected rewritten auth header reached upstream, got %q", r.Header.Get("Authorization"))
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"x","choices":[{"message":{"content":"hi"}}]}`))
	}))
	defer upstream.Close()

	rl := New(0, 0, nil, nil)
	cfg := catalog.UpstreamConfig{ID: "a", APIKey: "secret", BaseURL: upstream.URL + "#"}
	rec := httptest.NewRecorder()
	result, aerr := rl.Forward(context.Background(), rec, cfg, "gpt-x", http.Header{}, []byte(`{"model":"gpt-x","stream":false}`), "", nil)
	if aerr != nil {
		t.Fatalf("forward: %v", aerr)
	}
	if result.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", result.StatusCode)
	}
	if !strings.Contains(string(result.Body), "hi") {
		t.Fatalf("expected upstream body passed through, got %s", result.Body)
	}
}
