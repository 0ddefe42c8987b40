package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/roach88/arggraph/internal/doc"
	"github.com/roach88/arggraph/internal/graph"
	"github.com/roach88/arggraph/internal/presence"
	"github.com/roach88/arggraph/internal/store"
)

// Client talks to a Server. It satisfies store.Backend, so sessions can use
// a remote server for their update log, state, meta and mindchange stores.
type Client struct {
	base string
	hc   *http.Client
}

var _ store.Backend = (*Client)(nil)

// NewClient creates a client for the server at baseURL. hc may be nil.
func NewClient(baseURL string, hc *http.Client) *Client {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{base: strings.TrimRight(baseURL, "/"), hc: hc}
}

// APIError is a non-success response. It unwraps to store.ErrNotFound or
// doc.ErrMalformedUpdate when the server reported those conditions.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

func (e *APIError) Unwrap() error {
	switch e.Code {
	case codeNotFound:
		return store.ErrNotFound
	case codeMalformedUpdate:
		return doc.ErrMalformedUpdate
	}
	return nil
}

func docPath(docID string, parts ...string) string {
	p := "/docs/" + url.PathEscape(docID)
	for _, part := range parts {
		p += "/" + url.PathEscape(part)
	}
	return p
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		var eb errorBody
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(raw, &eb) != nil || eb.Error == "" {
			eb.Error = strings.TrimSpace(string(raw))
		}
		return nil, &APIError{Status: resp.StatusCode, Code: eb.Code, Message: eb.Error}
	}
	return resp, nil
}

func (c *Client) getJSON(ctx context.Context, path string, v any) error {
	resp, err := c.do(ctx, http.MethodGet, path, nil, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(v)
}

func (c *Client) sendJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	resp, err := c.do(ctx, method, path, body, "application/json")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// AppendUpdate posts one binary update.
func (c *Client) AppendUpdate(ctx context.Context, docID string, update []byte) error {
	resp, err := c.do(ctx, http.MethodPost, docPath(docID, "updates"), bytes.NewReader(update), "application/octet-stream")
	if err != nil {
		return fmt.Errorf("append update %s: %w", docID, err)
	}
	resp.Body.Close()
	return nil
}

// LoadState fetches the document's full state.
func (c *Client) LoadState(ctx context.Context, docID string) ([]byte, error) {
	resp, err := c.do(ctx, http.MethodGet, docPath(docID, "state"), nil, "")
	if err != nil {
		return nil, fmt.Errorf("load state %s: %w", docID, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("load state %s: %w", docID, err)
	}
	return data, nil
}

// Compact asks the server to fold all but keep updates into the snapshot.
func (c *Client) Compact(ctx context.Context, docID string, keep int) (store.CompactResult, error) {
	var res store.CompactResult
	path := docPath(docID, "compact") + "?keep=" + strconv.Itoa(keep)
	if err := c.sendJSON(ctx, http.MethodPost, path, nil, &res); err != nil {
		return store.CompactResult{}, fmt.Errorf("compact %s: %w", docID, err)
	}
	return res, nil
}

// Documents lists the stored document ids.
func (c *Client) Documents(ctx context.Context) ([]string, error) {
	var ids []string
	if err := c.getJSON(ctx, "/docs", &ids); err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	return ids, nil
}

// Info summarizes how a document is stored.
func (c *Client) Info(ctx context.Context, docID string) (store.DocInfo, error) {
	var info store.DocInfo
	if err := c.getJSON(ctx, docPath(docID), &info); err != nil {
		return store.DocInfo{}, fmt.Errorf("doc info %s: %w", docID, err)
	}
	return info, nil
}

// GetMindchange fetches the statistic of an edge.
func (c *Client) GetMindchange(ctx context.Context, docID, edgeID string) (graph.Mindchange, error) {
	var mc graph.Mindchange
	if err := c.getJSON(ctx, docPath(docID, "mindchange", edgeID), &mc); err != nil {
		return graph.Mindchange{}, fmt.Errorf("get mindchange %s/%s: %w", docID, edgeID, err)
	}
	return mc, nil
}

// PutMindchange stores the statistic of an edge.
func (c *Client) PutMindchange(ctx context.Context, docID, edgeID string, mc graph.Mindchange) error {
	if err := c.sendJSON(ctx, http.MethodPut, docPath(docID, "mindchange", edgeID), mc, nil); err != nil {
		return fmt.Errorf("put mindchange %s/%s: %w", docID, edgeID, err)
	}
	return nil
}

// DeleteMindchangeForEdge removes the statistic of an edge.
func (c *Client) DeleteMindchangeForEdge(ctx context.Context, docID, edgeID string) (bool, error) {
	var res okBody
	if err := c.sendJSON(ctx, http.MethodDelete, docPath(docID, "mindchange", edgeID), nil, &res); err != nil {
		return false, fmt.Errorf("delete mindchange %s/%s: %w", docID, edgeID, err)
	}
	return res.OK, nil
}

// FetchMeta fetches the document's external metadata.
func (c *Client) FetchMeta(ctx context.Context, docID string) (map[string]any, error) {
	meta := make(map[string]any)
	if err := c.getJSON(ctx, docPath(docID, "meta"), &meta); err != nil {
		return nil, fmt.Errorf("fetch meta %s: %w", docID, err)
	}
	return meta, nil
}

// PutMeta publishes metadata values. A nil value removes the key.
func (c *Client) PutMeta(ctx context.Context, docID string, values map[string]any) error {
	if err := c.sendJSON(ctx, http.MethodPut, docPath(docID, "meta"), values, nil); err != nil {
		return fmt.Errorf("put meta %s: %w", docID, err)
	}
	return nil
}

// Close is a no-op; the client holds no connections of its own.
func (c *Client) Close() error {
	return nil
}

// wsURL maps the server's base URL onto the ws or wss scheme.
func (c *Client) wsURL(path string) string {
	switch {
	case strings.HasPrefix(c.base, "https://"):
		return "wss://" + strings.TrimPrefix(c.base, "https://") + path
	case strings.HasPrefix(c.base, "http://"):
		return "ws://" + strings.TrimPrefix(c.base, "http://") + path
	}
	return c.base + path
}

// DialPresence connects to the presence relay of a document.
func (c *Client) DialPresence(ctx context.Context, docID string, logger *slog.Logger) (*presence.WSChannel, error) {
	return presence.DialWS(ctx, c.wsURL(docPath(docID, "presence")), logger)
}

// DialSync connects to the update relay of a document.
func (c *Client) DialSync(ctx context.Context, docID string, logger *slog.Logger) (*SyncConn, []byte, error) {
	return DialSync(ctx, c.wsURL(docPath(docID, "sync")), logger)
}
