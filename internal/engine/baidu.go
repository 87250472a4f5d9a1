/**
 * Baidu OCR remote engine
 *
 * Parallel, simpler branch to the local engines: pages are uploaded to the
 * Baidu OCR REST API instead of running tesseract locally. Requires stored
 * API credentials; rate-limited requests are retried a fixed number of times
 * with a fixed delay, everything else fails the page immediately.
 */

package engine

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const (
	baiduBaseURL    = "https://aip.baidubce.com"
	baiduMaxRetries = 3
	baiduRetryDelay = 2 * time.Second

	// error_code returned when the per-second request quota is exceeded
	baiduRateLimitCode = 18
)

// BaiduCredentials are the stored API credentials for the remote engine.
type BaiduCredentials struct {
	AppID     string
	APIKey    string
	SecretKey string
}

// Complete reports whether every credential field is present.
func (c BaiduCredentials) Complete() bool {
	return c.AppID != "" && c.APIKey != "" && c.SecretKey != ""
}

// BaiduEngine recognizes pages through the Baidu OCR web API.
type BaiduEngine struct {
	creds      BaiduCredentials
	baseURL    string
	httpClient *http.Client
	retryDelay time.Duration

	mu    sync.Mutex
	token string
}

// NewBaiduEngine constructs the remote engine.
func NewBaiduEngine(creds BaiduCredentials) *BaiduEngine {
	return &BaiduEngine{
		creds:      creds,
		baseURL:    baiduBaseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		retryDelay: baiduRetryDelay,
	}
}

// NewBaiduEngineAt constructs a remote engine against a non-default endpoint.
// Tests point this at an httptest server.
func NewBaiduEngineAt(baseURL string, creds BaiduCredentials, retryDelay time.Duration) *BaiduEngine {
	return &BaiduEngine{
		creds:      creds,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		retryDelay: retryDelay,
	}
}

func (e *BaiduEngine) Name() string { return "baidu" }

type baiduWord struct {
	Words    string `json:"words"`
	Location struct {
		Top    int `json:"top"`
		Left   int `json:"left"`
		Width  int `json:"width"`
		Height int `json:"height"`
	} `json:"location"`
}

type baiduResponse struct {
	ErrorCode   int         `json:"error_code"`
	ErrorMsg    string      `json:"error_msg"`
	WordsResult []baiduWord `json:"words_result"`
}

// Recognize uploads the page image and assembles the recognized text. The
// layout-preserving mode calls the positional endpoint and groups words into
// lines by their top coordinate.
func (e *BaiduEngine) Recognize(ctx context.Context, png []byte, p Params) (string, error) {
	token, err := e.accessToken(ctx)
	if err != nil {
		return "", err
	}

	endpoint := "/rest/2.0/ocr/v1/general_basic"
	if p.PreserveLayout {
		endpoint = "/rest/2.0/ocr/v1/general"
	}

	form := url.Values{}
	form.Set("image", base64.StdEncoding.EncodeToString(png))
	if lang := baiduLanguageType(p.Language); lang != "" {
		form.Set("language_type", lang)
	}

	var lastErr error
	for attempt := 1; attempt <= baiduMaxRetries; attempt++ {
		resp, err := e.post(ctx, endpoint+"?access_token="+url.QueryEscape(token), form)
		if err != nil {
			return "", err
		}

		if resp.ErrorCode == baiduRateLimitCode {
			lastErr = fmt.Errorf("baidu OCR rate limited: %s", resp.ErrorMsg)
			if attempt < baiduMaxRetries {
				select {
				case <-time.After(e.retryDelay):
				case <-ctx.Done():
					return "", ctx.Err()
				}
			}
			continue
		}

		if resp.ErrorCode != 0 {
			return "", fmt.Errorf("baidu OCR error %d: %s", resp.ErrorCode, resp.ErrorMsg)
		}

		if p.PreserveLayout {
			return groupWordsByLine(resp.WordsResult), nil
		}

		lines := make([]string, 0, len(resp.WordsResult))
		for _, w := range resp.WordsResult {
			lines = append(lines, w.Words)
		}
		return strings.Join(lines, "\n"), nil
	}

	return "", fmt.Errorf("baidu OCR failed after %d attempts: %w", baiduMaxRetries, lastErr)
}

// groupWordsByLine reconstructs lines from positional results: a vertical gap
// above 20px starts a new line.
func groupWordsByLine(words []baiduWord) string {
	var lines []string
	var current []string
	lastTop := math.MinInt32

	for _, w := range words {
		if lastTop != math.MinInt32 && abs(w.Location.Top-lastTop) > 20 {
			if len(current) > 0 {
				lines = append(lines, strings.Join(current, " "))
				current = current[:0]
			}
		}
		lastTop = w.Location.Top
		current = append(current, w.Words)
	}
	if len(current) > 0 {
		lines = append(lines, strings.Join(current, " "))
	}

	return strings.Join(lines, "\n")
}

// accessToken fetches (and caches) the OAuth token for the stored credentials.
func (e *BaiduEngine) accessToken(ctx context.Context) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.token != "" {
		return e.token, nil
	}

	if !e.creds.Complete() {
		return "", fmt.Errorf("baidu OCR credentials incomplete")
	}

	tokenURL := fmt.Sprintf("%s/oauth/2.0/token?grant_type=client_credentials&client_id=%s&client_secret=%s",
		e.baseURL, url.QueryEscape(e.creds.APIKey), url.QueryEscape(e.creds.SecretKey))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, nil)
	if err != nil {
		return "", fmt.Errorf("build token request: %w", err)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch access token: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read token response: %w", err)
	}

	var tr struct {
		AccessToken string `json:"access_token"`
		Error       string `json:"error"`
		ErrorDesc   string `json:"error_description"`
	}
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if tr.AccessToken == "" {
		return "", fmt.Errorf("baidu token request rejected: %s %s", tr.Error, tr.ErrorDesc)
	}

	e.token = tr.AccessToken
	return e.token, nil
}

func (e *BaiduEngine) post(ctx context.Context, path string, form url.Values) (*baiduResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build OCR request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call baidu OCR: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("read OCR response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("baidu OCR HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var br baiduResponse
	if err := json.Unmarshal(body, &br); err != nil {
		return nil, fmt.Errorf("decode OCR response: %w", err)
	}

	return &br, nil
}

// baiduLanguageType maps tesseract-style codes to the API's language_type
// values. Unknown codes fall back to mixed Chinese/English; the auto sentinel
// leaves detection to the service.
func baiduLanguageType(lang string) string {
	switch lang {
	case "auto", "":
		return ""
	case "eng":
		return "ENG"
	case "jpn":
		return "JAP"
	case "kor":
		return "KOR"
	default:
		return "CHN_ENG"
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
