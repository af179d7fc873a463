// Package cheburnet is a client-side sync engine for one-to-one chats.
//
// It keeps per-conversation timelines, read receipts, typing/presence
// indicators and unread/draft state consistent with the chat service over
// a websocket, falling back to adaptive HTTP polling when the socket is
// down.
//
// Example:
//
//	client := cheburnet.NewClient("https://chat.example.com")
//	_, _ = client.Login(ctx, cheburnet.Credentials{Username: "a", Password: "pw"})
//
//	store, _ := cheburnet.OpenPebbleStore("/tmp/cheburnet-ledger", nil)
//	engine, _ := cheburnet.NewEngine(client, store, nil)
//	engine.On(func(ev cheburnet.Event) { fmt.Println(ev.Kind()) })
//	_ = engine.Start(ctx)
//	defer engine.Close()
//
//	_ = engine.OpenChat(ctx, 42)
//	_, _ = engine.Send(ctx, cheburnet.SendRequest{Text: "hi"})
package cheburnet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

const (
	DefaultTimeout = 30 * time.Second

	// suggestMinInterval keeps reply suggestions under the server's
	// per-user limiter.
	suggestMinInterval = 1200 * time.Millisecond
)

// ============================================================================
// Client
// ============================================================================

// Client talks to the chat service HTTP API.
type Client struct {
	mu         sync.RWMutex
	token      string
	baseURL    string
	httpClient *http.Client
	suggest    *rate.Limiter
}

type ClientOption func(*Client)

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

// NewClient creates a client for the service rooted at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		suggest: rate.NewLimiter(rate.Every(suggestMinInterval), 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken replaces the bearer token used for every request and for the
// websocket URL.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

func (c *Client) BaseURL() string { return c.baseURL }

// WSURL returns the websocket endpoint with the token in the query.
func (c *Client) WSURL() string {
	return wsURL(c.baseURL, c.Token())
}

// FileURL returns an attachment locator the current user can fetch
// without an Authorization header.
func (c *Client) FileURL(att Attachment) string {
	u := att.URL
	if u == "" {
		u = "/files/" + strconv.FormatInt(att.ID, 10)
	}
	if !strings.HasPrefix(u, "http") {
		u = c.baseURL + u
	}
	tok := c.Token()
	if tok == "" {
		return u
	}
	sep := "?"
	if strings.Contains(u, "?") {
		sep = "&"
	}
	return u + sep + "token=" + url.QueryEscape(tok)
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query url.Values) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, errors.Wrap(err, "failed to marshal request")
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.setAuthHeader(req)

	return c.do(req)
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "%s %s failed", req.Method, req.URL.Path)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read response")
	}
	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		// FastAPI answers {"detail": "..."}; validation errors carry a list.
		var raw struct {
			Detail json.RawMessage `json:"detail"`
		}
		if json.Unmarshal(data, &raw) == nil && len(raw.Detail) > 0 {
			if json.Unmarshal(raw.Detail, &apiErr.Detail) != nil {
				apiErr.Detail = string(raw.Detail)
			}
		}
		return nil, apiErr
	}
	return data, nil
}

func (c *Client) setAuthHeader(req *http.Request) {
	if tok := c.Token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal response")
	}
	return &result, nil
}

func (c *Client) call(ctx context.Context, method, path string, body interface{}, query url.Values, out interface{}) error {
	data, err := c.doRequest(ctx, method, path, body, query)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errors.Wrapf(err, "failed to unmarshal %s", path)
	}
	return nil
}

func chatPath(chatID int64, suffix string) string {
	return "/chats/dm/" + strconv.FormatInt(chatID, 10) + suffix
}

// ============================================================================
// Auth / Users
// ============================================================================

// Register creates an account and stores the returned token.
func (c *Client) Register(ctx context.Context, creds Credentials) (*TokenResult, error) {
	return c.authenticate(ctx, "/auth/register", creds)
}

// Login authenticates and stores the returned token.
func (c *Client) Login(ctx context.Context, creds Credentials) (*TokenResult, error) {
	return c.authenticate(ctx, "/auth/login", creds)
}

func (c *Client) authenticate(ctx context.Context, path string, creds Credentials) (*TokenResult, error) {
	data, err := c.doRequest(ctx, "POST", path, creds, nil)
	if err != nil {
		return nil, err
	}
	res, err := decodeJSON[TokenResult](data)
	if err != nil {
		return nil, err
	}
	if res.AccessToken == "" {
		return nil, errors.Errorf("%s: empty access token", path)
	}
	c.SetToken(res.AccessToken)
	return res, nil
}

func (c *Client) Me(ctx context.Context) (*User, error) {
	var u User
	if err := c.call(ctx, "GET", "/auth/me", nil, nil, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// SearchUsers finds users by username substring. The caller is excluded
// by the server.
func (c *Client) SearchUsers(ctx context.Context, q string) ([]User, error) {
	var out []User
	err := c.call(ctx, "GET", "/users/search", nil, url.Values{"q": {q}}, &out)
	return out, err
}

// ============================================================================
// Dialogs / Messages
// ============================================================================

func (c *Client) ListDialogs(ctx context.Context) ([]Dialog, error) {
	var out []Dialog
	err := c.call(ctx, "GET", "/chats/dm/list", nil, nil, &out)
	return out, err
}

func (c *Client) StartDM(ctx context.Context, otherUserID int64) (*StartDMResult, error) {
	var res StartDMResult
	body := map[string]int64{"other_user_id": otherUserID}
	if err := c.call(ctx, "POST", "/chats/dm/start", body, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Messages fetches one history page.
func (c *Client) Messages(ctx context.Context, chatID int64, q MessageQuery) (*MessagePage, error) {
	params := url.Values{}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.BeforeID > 0 {
		params.Set("before_id", strconv.FormatInt(q.BeforeID, 10))
	}
	if q.AfterID > 0 {
		params.Set("after_id", strconv.FormatInt(q.AfterID, 10))
	}
	var page MessagePage
	if err := c.call(ctx, "GET", chatPath(chatID, "/messages"), nil, params, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// SendMessage posts a message. fileIDs must come from Upload.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string, fileIDs []int64) (*Message, error) {
	if fileIDs == nil {
		fileIDs = []int64{}
	}
	var m Message
	if err := c.call(ctx, "POST", chatPath(chatID, "/send"), sendBody{Text: text, FileIDs: fileIDs}, nil, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (c *Client) MarkRead(ctx context.Context, chatID, lastReadID int64) error {
	return c.call(ctx, "POST", chatPath(chatID, "/read"), readBody{LastReadMessageID: lastReadID}, nil, nil)
}

// ============================================================================
// Files
// ============================================================================

// OutgoingFile is an attachment selected for sending.
type OutgoingFile struct {
	Name   string
	Mime   string
	Reader io.Reader
}

// Upload sends a file as multipart field "file". onProgress, if set, is
// called with (sent, total) bytes as the request body is consumed.
// Cancelling ctx aborts the transfer.
func (c *Client) Upload(ctx context.Context, f OutgoingFile, onProgress func(sent, total int64)) (*UploadResult, error) {
	if f.Reader == nil || f.Name == "" {
		return nil, errors.New("upload: file name and reader are required")
	}
	mimeType := f.Mime
	if mimeType == "" {
		mimeType = guessMimeType(f.Name)
	}
	if !uploadAllowed(mimeType) {
		return nil, errors.Errorf("upload: file type %q is not allowed", mimeType)
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filepath.Base(f.Name)))
	h.Set("Content-Type", mimeType)
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create form file")
	}
	if _, err := io.Copy(part, f.Reader); err != nil {
		return nil, errors.Wrap(err, "failed to write file data")
	}
	_ = w.Close()

	total := int64(buf.Len())
	var body io.Reader = &buf
	if onProgress != nil {
		body = &progressReader{r: &buf, total: total, fn: onProgress}
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/files/upload", body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create upload request")
	}
	req.ContentLength = total
	req.Header.Set("Content-Type", w.FormDataContentType())
	c.setAuthHeader(req)

	data, err := c.do(req)
	if err != nil {
		return nil, err
	}
	return decodeJSON[UploadResult](data)
}

type progressReader struct {
	r     io.Reader
	sent  int64
	total int64
	fn    func(int64, int64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.sent += int64(n)
		p.fn(p.sent, p.total)
	}
	return n, err
}

// guessMimeType returns MIME type from file extension.
func guessMimeType(fileName string) string {
	ext := strings.ToLower(filepath.Ext(fileName))
	if ext == "" {
		return "application/octet-stream"
	}
	fallback := map[string]string{
		".md": "text/markdown", ".yaml": "text/yaml", ".yml": "text/yaml",
		".webp": "image/webp", ".webm": "video/webm",
	}
	if m, ok := fallback[ext]; ok {
		return m
	}
	if t := mime.TypeByExtension(ext); t != "" {
		if idx := strings.Index(t, ";"); idx > 0 {
			t = strings.TrimSpace(t[:idx])
		}
		return t
	}
	return "application/octet-stream"
}

// ============================================================================
// Assistant
// ============================================================================

// Suggest asks the service for a reply draft. Calls are paced client side;
// a call made too soon waits for its slot or fails when ctx ends first.
func (c *Client) Suggest(ctx context.Context, req SuggestRequest) (*SuggestResult, error) {
	if strings.TrimSpace(req.Draft) == "" {
		return nil, errors.New("suggest: empty draft")
	}
	if req.Reason == "" {
		req.Reason = "manual"
	}
	if req.Messages == nil {
		req.Messages = []SuggestContext{}
	}
	if err := c.suggest.Wait(ctx); err != nil {
		return nil, errors.Wrap(err, "suggest: rate limit wait")
	}
	var res SuggestResult
	if err := c.call(ctx, "POST", "/assistant/suggest", req, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}
