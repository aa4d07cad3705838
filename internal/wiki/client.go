// Package wiki is a typed client for DokuWiki's JSON-RPC content API.
//
// The client speaks JSON-RPC 2.0 to <wiki>/lib/exe/jsonrpc.php and
// authenticates with a session cookie managed by Session. Every call
// classifies its failure into exactly one error Kind (see errors.go);
// a call that fails as unauthenticated is retried exactly once after
// the session re-authenticates. Mutating calls (save, delete) are
// never retried for any other failure, so an ambiguous network error
// cannot turn into a double edit.
package wiki

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// MinAPIVersion is the oldest DokuWiki JSON-RPC API version this
// client supports. Older wikis lack core.* history calls.
const MinAPIVersion = 14

const rpcEndpoint = "/lib/exe/jsonrpc.php"

// Client is a DokuWiki JSON-RPC client. It is safe for concurrent use
// by the exporter's parallel revision fetches.
type Client struct {
	rpcURL  string
	http    *http.Client
	session *Session
	log     *zap.Logger
	reqID   atomic.Uint64
}

// NewClient creates a client for the wiki at wikiURL (scheme + host,
// no trailing slash required). The session owns authentication state
// and is consulted on every call.
func NewClient(wikiURL string, session *Session, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		rpcURL:  strings.TrimRight(wikiURL, "/") + rpcEndpoint,
		http:    &http.Client{Timeout: 60 * time.Second},
		session: session,
		log:     logger,
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
	ID      uint64 `json:"id"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// rpc performs a single JSON-RPC call with no session handling and no
// retry. All failures come back as *Error.
func (c *Client) rpc(ctx context.Context, method, target string, params, out any) error {
	fail := func(kind Kind, err error) error {
		return &Error{Kind: kind, Op: method, Target: target, Err: err}
	}

	if params == nil {
		params = map[string]any{}
	}
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      c.reqID.Add(1),
	})
	if err != nil {
		return fail(KindRemoteProtocol, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(body))
	if err != nil {
		return fail(KindConfiguration, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if cookie := c.session.cookieHeader(); cookie != "" {
		req.Header.Set("Cookie", cookie)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fail(KindTransport, err)
	}
	defer resp.Body.Close()

	c.session.absorbCookies(resp)

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return fail(KindTransport, err)
	}

	if resp.StatusCode != http.StatusOK {
		return fail(classifyHTTP(resp.StatusCode),
			fmt.Errorf("http %d: %s", resp.StatusCode, snippet(respBody)))
	}

	var decoded rpcResponse
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return fail(KindRemoteProtocol, fmt.Errorf("bad json-rpc body: %w (%s)", err, snippet(respBody)))
	}
	if decoded.Error != nil {
		return fail(classifyRPC(decoded.Error), decoded.Error)
	}
	if decoded.Result == nil {
		return fail(KindRemoteProtocol, fmt.Errorf("no result in response"))
	}
	if out != nil {
		if err := json.Unmarshal(decoded.Result, out); err != nil {
			return fail(KindRemoteProtocol, fmt.Errorf("unexpected result shape: %w", err))
		}
	}
	return nil
}

// call is rpc plus session handling: it ensures an authenticated
// session first, and on an unauthenticated response re-authenticates
// once and retries the call once. A second unauthenticated response is
// surfaced as-is.
func (c *Client) call(ctx context.Context, method, target string, params, out any) error {
	if err := c.session.Ensure(ctx, c); err != nil {
		return err
	}
	err := c.rpc(ctx, method, target, params, out)
	if err == nil || !IsKind(err, KindUnauthenticated) {
		return err
	}
	c.log.Debug("session rejected, re-authenticating", zap.String("method", method))
	if aerr := c.session.Reauthenticate(ctx, c); aerr != nil {
		return aerr
	}
	return c.rpc(ctx, method, target, params, out)
}

func snippet(b []byte) string {
	const max = 200
	s := string(b)
	if len(s) > max {
		s = s[:max] + "..."
	}
	return s
}

// pickI64 returns the first non-zero value. DokuWiki calls are not
// consistent about field names ("rev" vs "revision", "user" vs
// "author"), so list items carry both and the caller picks.
func pickI64(vals ...int64) int64 {
	for _, v := range vals {
		if v != 0 {
			return v
		}
	}
	return 0
}

func pickStr(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// Login authenticates with the wiki and establishes a session cookie.
// Called by Session, never directly by operation code.
func (c *Client) Login(ctx context.Context, user, password string) error {
	var ok bool
	err := c.rpc(ctx, "core.login", user, map[string]any{
		"user": user,
		"pass": password,
	}, &ok)
	if err != nil {
		return err
	}
	if !ok {
		return &Error{Kind: KindAuthentication, Op: "core.login", Target: user,
			Err: fmt.Errorf("invalid credentials")}
	}
	return nil
}

// WhoAmI reports the user the current session is authenticated as.
// An empty user means the session is anonymous. Used by Session as the
// cheap cookie-validation probe.
func (c *Client) WhoAmI(ctx context.Context) (string, error) {
	var result struct {
		User string `json:"user"`
	}
	if err := c.rpc(ctx, "core.whoAmI", "", nil, &result); err != nil {
		return "", err
	}
	return result.User, nil
}

// APIVersion returns the wiki's JSON-RPC API version.
func (c *Client) APIVersion(ctx context.Context) (int64, error) {
	var version int64
	if err := c.rpc(ctx, "core.getAPIVersion", "", nil, &version); err != nil {
		return 0, err
	}
	return version, nil
}

type pageListItem struct {
	ID       string `json:"id"`
	Rev      int64  `json:"rev"`
	Revision int64  `json:"revision"`
	Mtime    int64  `json:"mtime"`
	Author   string `json:"author"`
	User     string `json:"user"`
	Size     int64  `json:"size"`
}

// ListPages lists every page under the given namespace, recursively.
// An empty namespace lists the whole wiki.
func (c *Client) ListPages(ctx context.Context, namespace string) ([]PageInfo, error) {
	var items []pageListItem
	err := c.call(ctx, "dokuwiki.getPagelist", namespace, map[string]any{
		"ns":   namespace,
		"opts": map[string]any{"depth": 0},
	}, &items)
	if err != nil {
		return nil, err
	}
	pages := make([]PageInfo, 0, len(items))
	for _, it := range items {
		if it.ID == "" {
			continue
		}
		pages = append(pages, PageInfo{
			ID:       it.ID,
			Revision: pickI64(it.Rev, it.Revision, it.Mtime),
			Author:   pickStr(it.Author, it.User),
			Size:     it.Size,
		})
	}
	return pages, nil
}

// GetPageInfo returns the current state of a single page.
func (c *Client) GetPageInfo(ctx context.Context, pageID string) (PageInfo, error) {
	var item pageListItem
	err := c.call(ctx, "core.getPageInfo", pageID, map[string]any{
		"page": pageID,
	}, &item)
	if err != nil {
		return PageInfo{}, err
	}
	return PageInfo{
		ID:       pickStr(item.ID, pageID),
		Revision: pickI64(item.Revision, item.Rev, item.Mtime),
		Author:   pickStr(item.Author, item.User),
		Size:     item.Size,
	}, nil
}

type historyItem struct {
	Revision   int64  `json:"revision"`
	Rev        int64  `json:"rev"`
	Author     string `json:"author"`
	User       string `json:"user"`
	Summary    string `json:"summary"`
	SizeChange int64  `json:"sizechange"`
	Type       string `json:"type"`
}

// PageHistory returns the revision list of a page, newest first, as
// the wiki reports it.
func (c *Client) PageHistory(ctx context.Context, pageID string) ([]PageRevision, error) {
	var items []historyItem
	err := c.call(ctx, "core.getPageHistory", pageID, map[string]any{
		"page": pageID,
	}, &items)
	if err != nil {
		return nil, err
	}
	revs := make([]PageRevision, 0, len(items))
	for _, it := range items {
		revs = append(revs, PageRevision{
			Revision:   pickI64(it.Revision, it.Rev),
			Author:     pickStr(it.Author, it.User),
			Summary:    it.Summary,
			SizeChange: it.SizeChange,
			Type:       revisionType(it.Type),
		})
	}
	return revs, nil
}

// GetPage returns the current wikitext of a page.
func (c *Client) GetPage(ctx context.Context, pageID string) (string, error) {
	var text string
	err := c.call(ctx, "core.getPage", pageID, map[string]any{
		"page": pageID,
	}, &text)
	return text, err
}

// GetPageAt returns the wikitext of a page at a specific revision.
func (c *Client) GetPageAt(ctx context.Context, pageID string, revision int64) (string, error) {
	var text string
	err := c.call(ctx, "core.getPage", pageID, map[string]any{
		"page": pageID,
		"rev":  revision,
	}, &text)
	return text, err
}

// SavePage writes page content, creating a new wiki revision. Saving
// empty content deletes the page; that is DokuWiki's delete operation.
func (c *Client) SavePage(ctx context.Context, pageID, text, summary string, minor bool) error {
	var ok bool
	err := c.call(ctx, "core.savePage", pageID, map[string]any{
		"page":    pageID,
		"text":    text,
		"summary": summary,
		"isminor": minor,
	}, &ok)
	if err != nil {
		return err
	}
	if !ok {
		return &Error{Kind: KindRemoteProtocol, Op: "core.savePage", Target: pageID,
			Err: fmt.Errorf("wiki rejected the save")}
	}
	return nil
}

// ListMedia lists every media file under the given namespace,
// recursively.
func (c *Client) ListMedia(ctx context.Context, namespace string) ([]MediaInfo, error) {
	var items []pageListItem
	err := c.call(ctx, "core.listMedia", namespace, map[string]any{
		"namespace": namespace,
		"depth":     0,
	}, &items)
	if err != nil {
		return nil, err
	}
	media := make([]MediaInfo, 0, len(items))
	for _, it := range items {
		if it.ID == "" {
			continue
		}
		media = append(media, MediaInfo{
			ID:       it.ID,
			Revision: pickI64(it.Rev, it.Revision, it.Mtime),
			Author:   pickStr(it.Author, it.User),
			Size:     it.Size,
		})
	}
	return media, nil
}

// GetMediaInfo returns the current state of a single media file.
func (c *Client) GetMediaInfo(ctx context.Context, mediaID string) (MediaInfo, error) {
	var item pageListItem
	err := c.call(ctx, "core.getMediaInfo", mediaID, map[string]any{
		"media": mediaID,
	}, &item)
	if err != nil {
		return MediaInfo{}, err
	}
	return MediaInfo{
		ID:       pickStr(item.ID, mediaID),
		Revision: pickI64(item.Revision, item.Rev, item.Mtime),
		Author:   pickStr(item.Author, item.User),
		Size:     item.Size,
	}, nil
}

// MediaHistory returns the revision list of a media file, newest
// first.
func (c *Client) MediaHistory(ctx context.Context, mediaID string) ([]MediaRevision, error) {
	var items []historyItem
	err := c.call(ctx, "core.getMediaHistory", mediaID, map[string]any{
		"media": mediaID,
	}, &items)
	if err != nil {
		return nil, err
	}
	revs := make([]MediaRevision, 0, len(items))
	for _, it := range items {
		revs = append(revs, MediaRevision{
			Revision: pickI64(it.Revision, it.Rev),
			Author:   pickStr(it.Author, it.User),
			Summary:  it.Summary,
			Type:     revisionType(it.Type),
		})
	}
	return revs, nil
}

// GetMedia returns the current content of a media file.
func (c *Client) GetMedia(ctx context.Context, mediaID string) ([]byte, error) {
	return c.getMedia(ctx, mediaID, map[string]any{"media": mediaID})
}

// GetMediaAt returns the content of a media file at a specific
// revision.
func (c *Client) GetMediaAt(ctx context.Context, mediaID string, revision int64) ([]byte, error) {
	return c.getMedia(ctx, mediaID, map[string]any{"media": mediaID, "rev": revision})
}

func (c *Client) getMedia(ctx context.Context, mediaID string, params map[string]any) ([]byte, error) {
	var encoded string
	if err := c.call(ctx, "core.getMedia", mediaID, params, &encoded); err != nil {
		return nil, err
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, &Error{Kind: KindRemoteProtocol, Op: "core.getMedia", Target: mediaID,
			Err: fmt.Errorf("bad base64 payload: %w", err)}
	}
	return data, nil
}

// SaveMedia uploads media content, creating a new revision. Existing
// files are overwritten.
func (c *Client) SaveMedia(ctx context.Context, mediaID string, data []byte) error {
	var ok bool
	err := c.call(ctx, "core.saveMedia", mediaID, map[string]any{
		"media":     mediaID,
		"base64":    base64.StdEncoding.EncodeToString(data),
		"overwrite": true,
	}, &ok)
	if err != nil {
		return err
	}
	if !ok {
		return &Error{Kind: KindRemoteProtocol, Op: "core.saveMedia", Target: mediaID,
			Err: fmt.Errorf("wiki rejected the upload")}
	}
	return nil
}

// DeleteMedia removes a media file.
func (c *Client) DeleteMedia(ctx context.Context, mediaID string) error {
	var ok bool
	err := c.call(ctx, "core.deleteMedia", mediaID, map[string]any{
		"media": mediaID,
	}, &ok)
	if err != nil {
		return err
	}
	if !ok {
		return &Error{Kind: KindRemoteProtocol, Op: "core.deleteMedia", Target: mediaID,
			Err: fmt.Errorf("wiki rejected the delete")}
	}
	return nil
}

func revisionType(s string) RevisionType {
	switch s {
	case "C", "E", "D", "e":
		return RevisionType(s)
	default:
		return RevisionEdit
	}
}
