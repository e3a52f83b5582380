package ai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"captionai/pkg/domain"
)

func TestParseCaptionsJSONArray(t *testing.T) {
	raw := `["First caption", "Second caption", "Third caption"]`
	got, err := parseCaptions(raw, 3)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(got) != 3 || got[0] != "First caption" {
		t.Fatalf("got %v", got)
	}
}

func TestParseCaptionsFencedJSON(t *testing.T) {
	raw := "```json\n[\"One\",\"Two\"]\n```"
	got, err := parseCaptions(raw, 2)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(got) != 2 || got[1] != "Two" {
		t.Fatalf("got %v", got)
	}
}

func TestParseCaptionsLineFallback(t *testing.T) {
	raw := "Sunset vibes\nGolden hour magic\n"
	got, err := parseCaptions(raw, 3)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(got) != 2 || got[0] != "Sunset vibes" {
		t.Fatalf("got %v", got)
	}
}

func TestParseCaptionsTruncatesExtras(t *testing.T) {
	raw := `["a","b","c","d","e"]`
	got, err := parseCaptions(raw, 3)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d captions, want 3", len(got))
	}
}

func TestParseCaptionsEmpty(t *testing.T) {
	if _, err := parseCaptions("   ", 3); err == nil {
		t.Fatalf("expected error for empty response")
	}
}

func TestOpenAICompatCaptioner(t *testing.T) {
	var gotAuth string
	var gotBody oaiChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"[\"nice shot\",\"great light\",\"wow\"]"}}]}`))
	}))
	defer srv.Close()

	c := NewOpenAICompatCaptioner(srv.URL, "sk-test", "gpt-4o-mini")
	captions, err := c.Captions(context.Background(), CaptionRequest{
		ImageJPEG: []byte{0xff, 0xd8, 0xff},
		Style:     domain.StyleFunny,
		Context:   "beach trip",
		Variants:  3,
	})
	if err != nil {
		t.Fatalf("captions: %v", err)
	}
	if len(captions) != 3 {
		t.Fatalf("got %d captions, want 3", len(captions))
	}
	if gotAuth != "Bearer sk-test" {
		t.Fatalf("auth header = %q", gotAuth)
	}
	if gotBody.Model != "gpt-4o-mini" {
		t.Fatalf("model = %q", gotBody.Model)
	}
	if len(gotBody.Messages) != 1 || len(gotBody.Messages[0].Content) != 2 {
		t.Fatalf("unexpected message shape: %+v", gotBody.Messages)
	}
	text := gotBody.Messages[0].Content[0]
	if text.Type != "text" || !strings.Contains(text.Text, "beach trip") {
		t.Fatalf("text part missing context: %+v", text)
	}
	img := gotBody.Messages[0].Content[1]
	if img.Type != "image_url" || img.ImageURL == nil || !strings.HasPrefix(img.ImageURL.URL, "data:image/jpeg;base64,") {
		t.Fatalf("image part malformed: %+v", img)
	}
}

func TestOpenAICompatCaptionerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"rate limit exceeded"}}`))
	}))
	defer srv.Close()

	c := NewOpenAICompatCaptioner(srv.URL, "", "gpt-4o-mini")
	_, err := c.Captions(context.Background(), CaptionRequest{ImageJPEG: []byte{1}, Variants: 3})
	if err == nil || !strings.Contains(err.Error(), "rate limit exceeded") {
		t.Fatalf("err = %v, want provider error message", err)
	}
}
