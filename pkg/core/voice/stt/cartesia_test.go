package stt

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNewCartesia_ConstructorsAndName(t *testing.T) {
	client := &http.Client{}
	p := NewCartesiaWithClient("api-key", client)
	if p.httpClient != client {
		t.Fatal("expected custom http client to be set")
	}
	if p.Name() != "cartesia" {
		t.Fatalf("name = %q, want cartesia", p.Name())
	}

	defaultProvider := NewCartesia("api-key")
	if defaultProvider.httpClient == nil {
		t.Fatal("default provider should initialize http client")
	}
}

func TestTranscribe_PostsMultipartAndParses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/stt" {
			t.Errorf("path=%q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer key" {
			t.Errorf("authorization=%q", got)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("ParseMultipartForm() error = %v", err)
		}
		if r.FormValue("model") != "ink-whisper" || r.FormValue("language") != "ko" {
			t.Errorf("model=%q language=%q", r.FormValue("model"), r.FormValue("language"))
		}
		f, hdr, err := r.FormFile("file")
		if err != nil {
			t.Errorf("FormFile() error = %v", err)
		} else {
			body, _ := io.ReadAll(f)
			if string(body) != "RIFFDATA" || hdr.Filename != "audio.m4a" {
				t.Errorf("file=%q name=%q", body, hdr.Filename)
			}
		}
		_, _ = w.Write([]byte(`{"text":"  annyeong  ","language":"ko","duration":1.25}`))
	}))
	defer srv.Close()

	p := NewCartesiaWithClient("key", srv.Client()).WithBaseURL(srv.URL)
	out, err := p.Transcribe(context.Background(), bytes.NewReader([]byte("RIFFDATA")), TranscribeOptions{Language: "ko", Format: "aac"})
	if err != nil {
		t.Fatalf("Transcribe() error = %v", err)
	}
	if out.Text != "annyeong" || out.Language != "ko" || out.Duration != 1.25 {
		t.Fatalf("transcript=%+v", out)
	}
}

func TestTranscribe_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer srv.Close()

	p := NewCartesiaWithClient("key", srv.Client()).WithBaseURL(srv.URL)
	_, err := p.Transcribe(context.Background(), strings.NewReader("abc"), TranscribeOptions{})
	if err == nil || !strings.Contains(err.Error(), "502") {
		t.Fatalf("error = %v, want 502", err)
	}
}

func TestTranscribe_EmptyAudio(t *testing.T) {
	p := NewCartesia("key")
	if _, err := p.Transcribe(context.Background(), strings.NewReader(""), TranscribeOptions{}); err == nil {
		t.Fatalf("expected error for empty audio")
	}
}

func TestGetExtensionAndEncoding(t *testing.T) {
	if got := getExtension("webm"); got != "webm" {
		t.Fatalf("getExtension(webm)=%q", got)
	}
	if got := getExtension("unknown"); got != "wav" {
		t.Fatalf("getExtension(unknown)=%q", got)
	}
	if got := getEncoding("pcm_s16le"); got != "pcm_s16le" {
		t.Fatalf("getEncoding(pcm_s16le)=%q", got)
	}
	if got := getEncoding("mp3"); got != "" {
		t.Fatalf("getEncoding(mp3)=%q", got)
	}
}
