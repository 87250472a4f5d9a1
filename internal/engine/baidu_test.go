package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

var testCreds = BaiduCredentials{AppID: "app", APIKey: "key", SecretKey: "secret"}

// baiduServer serves the token endpoint and delegates OCR calls to handle.
func baiduServer(t *testing.T, handle http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/2.0/token", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("client_id") != "key" {
			json.NewEncoder(w).Encode(map[string]string{"error": "invalid_client"})
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"access_token": "tok-1"})
	})
	mux.HandleFunc("/rest/2.0/ocr/v1/", handle)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestBaiduRecognizeBasic(t *testing.T) {
	var gotPath, gotLang, gotToken string
	srv := baiduServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotToken = r.URL.Query().Get("access_token")
		r.ParseForm()
		gotLang = r.PostFormValue("language_type")
		if r.PostFormValue("image") == "" {
			t.Error("missing image field")
		}
		json.NewEncoder(w).Encode(baiduResponse{
			WordsResult: []baiduWord{{Words: "hello"}, {Words: "world"}},
		})
	})

	e := NewBaiduEngineAt(srv.URL, testCreds, time.Millisecond)
	text, err := e.Recognize(context.Background(), []byte("png-bytes"), Params{Language: "eng"})
	if err != nil {
		t.Fatalf("Recognize: %v", err)
	}
	if text != "hello\nworld" {
		t.Errorf("text = %q", text)
	}
	if gotPath != "/rest/2.0/ocr/v1/general_basic" {
		t.Errorf("path = %q", gotPath)
	}
	if gotLang != "ENG" {
		t.Errorf("language_type = %q", gotLang)
	}
	if gotToken != "tok-1" {
		t.Errorf("access_token = %q", gotToken)
	}
}

func TestBaiduRecognizeLayoutGroupsLines(t *testing.T) {
	srv := baiduServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/rest/2.0/ocr/v1/general" {
			t.Errorf("layout mode should call the positional endpoint, got %s", r.URL.Path)
		}
		words := []baiduWord{{Words: "left"}, {Words: "right"}, {Words: "below"}}
		words[0].Location.Top = 100
		words[1].Location.Top = 105
		words[2].Location.Top = 160
		json.NewEncoder(w).Encode(baiduResponse{WordsResult: words})
	})

	e := NewBaiduEngineAt(srv.URL, testCreds, time.Millisecond)
	text, err := e.Recognize(context.Background(), []byte("png"), Params{Language: "chi_sim", PreserveLayout: true})
	if err != nil {
		t.Fatalf("Recognize: %v", err)
	}
	if text != "left right\nbelow" {
		t.Errorf("text = %q", text)
	}
}

func TestBaiduRecognizeRetriesRateLimit(t *testing.T) {
	var calls int32
	srv := baiduServer(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			json.NewEncoder(w).Encode(baiduResponse{ErrorCode: 18, ErrorMsg: "qps limit"})
			return
		}
		json.NewEncoder(w).Encode(baiduResponse{WordsResult: []baiduWord{{Words: "ok"}}})
	})

	e := NewBaiduEngineAt(srv.URL, testCreds, time.Millisecond)
	text, err := e.Recognize(context.Background(), []byte("png"), Params{Language: "chi_sim"})
	if err != nil {
		t.Fatalf("Recognize: %v", err)
	}
	if text != "ok" {
		t.Errorf("text = %q", text)
	}
	if n := atomic.LoadInt32(&calls); n != 3 {
		t.Errorf("calls = %d, want 3", n)
	}
}

func TestBaiduRecognizeRateLimitExhausted(t *testing.T) {
	var calls int32
	srv := baiduServer(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		json.NewEncoder(w).Encode(baiduResponse{ErrorCode: 18, ErrorMsg: "qps limit"})
	})

	e := NewBaiduEngineAt(srv.URL, testCreds, time.Millisecond)
	_, err := e.Recognize(context.Background(), []byte("png"), Params{Language: "chi_sim"})
	if err == nil {
		t.Fatal("expected an error after exhausting retries")
	}
	if !strings.Contains(err.Error(), "after 3 attempts") {
		t.Errorf("err = %v", err)
	}
	if n := atomic.LoadInt32(&calls); n != 3 {
		t.Errorf("calls = %d, want 3", n)
	}
}

func TestBaiduRecognizeNonRetryableError(t *testing.T) {
	var calls int32
	srv := baiduServer(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		json.NewEncoder(w).Encode(baiduResponse{ErrorCode: 216201, ErrorMsg: "image format error"})
	})

	e := NewBaiduEngineAt(srv.URL, testCreds, time.Millisecond)
	_, err := e.Recognize(context.Background(), []byte("png"), Params{Language: "chi_sim"})
	if err == nil {
		t.Fatal("expected an error")
	}
	if !strings.Contains(err.Error(), "216201") {
		t.Errorf("err = %v", err)
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("non-retryable errors must not be retried, calls = %d", n)
	}
}

func TestBaiduTokenCached(t *testing.T) {
	var tokenCalls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/2.0/token", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&tokenCalls, 1)
		json.NewEncoder(w).Encode(map[string]string{"access_token": "tok-1"})
	})
	mux.HandleFunc("/rest/2.0/ocr/v1/", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(baiduResponse{WordsResult: []baiduWord{{Words: "x"}}})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	e := NewBaiduEngineAt(srv.URL, testCreds, time.Millisecond)
	for i := 0; i < 3; i++ {
		if _, err := e.Recognize(context.Background(), []byte("png"), Params{Language: "eng"}); err != nil {
			t.Fatalf("Recognize %d: %v", i, err)
		}
	}
	if n := atomic.LoadInt32(&tokenCalls); n != 1 {
		t.Errorf("token fetched %d times, want 1", n)
	}
}

func TestBaiduIncompleteCredentials(t *testing.T) {
	e := NewBaiduEngineAt("http://unused", BaiduCredentials{APIKey: "only"}, time.Millisecond)
	_, err := e.Recognize(context.Background(), []byte("png"), Params{Language: "eng"})
	if err == nil || !strings.Contains(err.Error(), "credentials incomplete") {
		t.Errorf("err = %v", err)
	}
}

func TestBaiduTokenRejected(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/2.0/token", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"error": "invalid_client", "error_description": "unknown client id"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	e := NewBaiduEngineAt(srv.URL, testCreds, time.Millisecond)
	_, err := e.Recognize(context.Background(), []byte("png"), Params{Language: "eng"})
	if err == nil || !strings.Contains(err.Error(), "invalid_client") {
		t.Errorf("err = %v", err)
	}
}

func TestGroupWordsByLine(t *testing.T) {
	mk := func(word string, top int) baiduWord {
		w := baiduWord{Words: word}
		w.Location.Top = top
		return w
	}

	tests := []struct {
		name  string
		words []baiduWord
		want  string
	}{
		{"empty", nil, ""},
		{"single line", []baiduWord{mk("a", 10), mk("b", 25)}, "a b"},
		{"two lines", []baiduWord{mk("a", 10), mk("b", 40)}, "a\nb"},
		{"boundary gap of 20 stays", []baiduWord{mk("a", 10), mk("b", 30)}, "a b"},
		{"gap of 21 splits", []baiduWord{mk("a", 10), mk("b", 31)}, "a\nb"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := groupWordsByLine(tt.words); got != tt.want {
				t.Errorf("groupWordsByLine = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestBaiduLanguageType(t *testing.T) {
	tests := []struct {
		lang, want string
	}{
		{"eng", "ENG"},
		{"jpn", "JAP"},
		{"kor", "KOR"},
		{"auto", ""},
		{"", ""},
		{"chi_sim", "CHN_ENG"},
		{"chi_sim+eng", "CHN_ENG"},
	}
	for _, tt := range tests {
		if got := baiduLanguageType(tt.lang); got != tt.want {
			t.Errorf("baiduLanguageType(%q) = %q, want %q", tt.lang, got, tt.want)
		}
	}
}
