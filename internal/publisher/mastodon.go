package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math/rand"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	maxRateLimitRetries = 3
	maxServerRetries    = 2
)

// Client is the Mastodon-compatible downstream adapter. It is stateless apart
// from credentials and safe for concurrent use.
type Client struct {
	BaseURL     string
	AccessToken string
	HTTP        *http.Client
	Logger      *log.Logger

	// Overridden in tests to avoid real sleeps / nondeterminism.
	sleep func(time.Duration)
	randN func(int) int
}

func NewClient(baseURL, accessToken string, logger *log.Logger) *Client {
	if logger == nil {
		logger = log.Default()
	}
	return &Client{
		BaseURL:     strings.TrimRight(baseURL, "/"),
		AccessToken: accessToken,
		HTTP:        &http.Client{Timeout: 30 * time.Second},
		Logger:      logger,
		sleep:       time.Sleep,
		randN:       rand.Intn,
	}
}

func (c *Client) Publish(ctx context.Context, p StatusParams) (*Status, error) {
	form := url.Values{}
	form.Set("status", p.Text)
	if p.Visibility != "" {
		form.Set("visibility", p.Visibility)
	}
	if p.InReplyTo != "" {
		form.Set("in_reply_to_id", p.InReplyTo)
	}
	for _, id := range p.MediaIDs {
		form.Add("media_ids[]", id)
	}
	body, err := c.do(ctx, http.MethodPost, "/api/v1/statuses", form)
	if err != nil {
		return nil, err
	}
	return decodeStatus(body)
}

func (c *Client) Update(ctx context.Context, statusID, text string, mediaIDs []string) (*Status, error) {
	form := url.Values{}
	form.Set("status", text)
	for _, id := range mediaIDs {
		form.Add("media_ids[]", id)
	}
	body, err := c.do(ctx, http.MethodPut, "/api/v1/statuses/"+url.PathEscape(statusID), form)
	if err != nil {
		return nil, err
	}
	return decodeStatus(body)
}

func (c *Client) Delete(ctx context.Context, statusID string) error {
	_, err := c.do(ctx, http.MethodDelete, "/api/v1/statuses/"+url.PathEscape(statusID), nil)
	return err
}

// UploadMedia sniffs the payload's real content type, reconciles the filename
// extension with it, and posts the attachment. Payloads whose type cannot be
// determined are abandoned rather than uploaded with a guessed type.
func (c *Client) UploadMedia(ctx context.Context, f MediaFile) (string, error) {
	mimeType, filename, ok := ResolveContentType(f.Data, f.Filename, f.Mime)
	if !ok {
		return "", fmt.Errorf("upload_media: undetectable content type for %q", f.Filename)
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := createFormFile(w, "file", filename, mimeType)
	if err != nil {
		return "", fmt.Errorf("upload_media: %w", err)
	}
	if _, err := part.Write(f.Data); err != nil {
		return "", fmt.Errorf("upload_media: %w", err)
	}
	if f.AltText != "" {
		_ = w.WriteField("description", f.AltText)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("upload_media: %w", err)
	}

	body, err := c.doRaw(ctx, http.MethodPost, "/api/v2/media", buf.Bytes(), w.FormDataContentType())
	if err != nil {
		return "", err
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("upload_media decode: %w", err)
	}
	return out.ID, nil
}

func (c *Client) do(ctx context.Context, method, path string, form url.Values) ([]byte, error) {
	var payload []byte
	contentType := ""
	if form != nil {
		payload = []byte(form.Encode())
		contentType = "application/x-www-form-urlencoded"
	}
	return c.doRaw(ctx, method, path, payload, contentType)
}

// doRaw runs one API call with the retry schedule: 429 retries up to 3 times
// sleeping Retry-After plus 1-3s jitter; 5xx and transport failures retry up
// to 2 times sleeping attempt plus 0-2s; other 4xx map to typed errors and
// never retry.
func (c *Client) doRaw(ctx context.Context, method, path string, payload []byte, contentType string) ([]byte, error) {
	rateRetries := 0
	serverRetries := 0
	for {
		var reqBody io.Reader
		if payload != nil {
			reqBody = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reqBody)
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+c.AccessToken)
		req.Header.Set("Accept", "application/json")
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}

		res, err := c.HTTP.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if serverRetries < maxServerRetries {
				serverRetries++
				wait := time.Duration(serverRetries+c.randN(3)) * time.Second
				c.Logger.Printf("[Publisher] transport error attempt=%d wait=%s err=%v", serverRetries, wait, err)
				c.sleep(wait)
				continue
			}
			return nil, &APIError{Kind: KindTransport, Message: err.Error()}
		}

		body, _ := io.ReadAll(io.LimitReader(res.Body, 1<<20))
		res.Body.Close()

		switch {
		case res.StatusCode >= 200 && res.StatusCode < 300:
			return body, nil

		case res.StatusCode == http.StatusTooManyRequests:
			retryAfter := parseRetryAfter(res.Header.Get("Retry-After"))
			if rateRetries < maxRateLimitRetries {
				rateRetries++
				wait := retryAfter + time.Duration(1+c.randN(3))*time.Second
				c.Logger.Printf("[Publisher] rate limited attempt=%d retryAfter=%s wait=%s", rateRetries, retryAfter, wait)
				c.sleep(wait)
				continue
			}
			return nil, &APIError{Kind: KindRateLimited, StatusCode: res.StatusCode,
				RetryAfter: retryAfter, Message: snippet(body)}

		case res.StatusCode >= 500:
			if serverRetries < maxServerRetries {
				serverRetries++
				wait := time.Duration(serverRetries+c.randN(3)) * time.Second
				c.Logger.Printf("[Publisher] server error status=%d attempt=%d wait=%s", res.StatusCode, serverRetries, wait)
				c.sleep(wait)
				continue
			}
			return nil, &APIError{Kind: KindTransport, StatusCode: res.StatusCode, Message: snippet(body)}

		case res.StatusCode == http.StatusNotFound:
			return nil, &APIError{Kind: KindNotFound, StatusCode: res.StatusCode, Message: snippet(body)}

		case res.StatusCode == http.StatusForbidden:
			return nil, &APIError{Kind: KindEditNotAllowed, StatusCode: res.StatusCode, Message: snippet(body)}

		default:
			return nil, &APIError{Kind: KindValidation, StatusCode: res.StatusCode, Message: snippet(body)}
		}
	}
}

func decodeStatus(body []byte) (*Status, error) {
	var st Status
	if err := json.Unmarshal(body, &st); err != nil {
		return nil, fmt.Errorf("decode status: %w", err)
	}
	if st.ID == "" {
		return nil, fmt.Errorf("decode status: missing id in %s", snippet(body))
	}
	return &st, nil
}

// parseRetryAfter handles both delay-seconds and HTTP-date forms.
func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Second
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return time.Second
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 300 {
		return s[:300]
	}
	return s
}

var _ Publisher = (*Client)(nil)
