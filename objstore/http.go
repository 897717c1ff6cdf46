package objstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang/glog"

	"github.com/mqy/minichat/auth"
)

// Handler serves downloads of a BoltStore and authenticated uploads. A user
// may only upload under its own id, e.g. PUT /objects/<uid>/<name>.
type Handler struct {
	Store    *BoltStore
	Auth     auth.Client
	MaxBytes int64
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		h.Store.ServeHTTP(w, r)
		return
	}

	user, err := h.Auth.Auth(r)
	if err != nil {
		glog.Errorf("objstore: authenticate error: %v", err)
		http.Error(w, "Authenticate error", http.StatusForbidden)
		return
	}
	key := strings.TrimPrefix(r.URL.Path, PathPrefix)
	if !strings.HasPrefix(key, user.Id+"/") || len(key) == len(user.Id)+1 {
		http.Error(w, "Key out of scope", http.StatusForbidden)
		return
	}

	body := io.Reader(r.Body)
	if h.MaxBytes > 0 {
		body = http.MaxBytesReader(w, r.Body, h.MaxBytes)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "Object too large", http.StatusRequestEntityTooLarge)
			return
		}
		glog.Errorf("objstore: read body of %s err: %v", key, err)
		http.Error(w, "Read body error", http.StatusBadRequest)
		return
	}

	if err := h.Store.Put(r.Context(), key, data, r.Header.Get("Content-Type")); err != nil {
		if errors.Is(err, ErrQuotaExceeded) {
			http.Error(w, "Quota exceeded", http.StatusInsufficientStorage)
			return
		}
		glog.Errorf("objstore: put %s err: %v", key, err)
		http.Error(w, "Storage error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

// Client stores objects through a Handler.
type Client struct {
	// BaseURL of the server, e.g. http://127.0.0.1:8000.
	BaseURL    string
	Header     http.Header
	HTTPClient *http.Client
}

func (c *Client) url(key string) string {
	return strings.TrimRight(c.BaseURL, "/") + PathPrefix + escapeKey(key)
}

func (c *Client) do(req *http.Request) (*http.Response, error) {
	for k, v := range c.Header {
		req.Header[k] = v
	}
	hc := c.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return hc.Do(req)
}

func (c *Client) Put(ctx context.Context, key string, data []byte, contentType string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.url(key), bytes.NewReader(data))
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent:
		return nil
	case http.StatusInsufficientStorage:
		return fmt.Errorf("put `%s`: %w", key, ErrQuotaExceeded)
	default:
		return fmt.Errorf("objstore: put `%s`: unexpected status %d", key, resp.StatusCode)
	}
}

// PublicURL returns the download URL once the object is retrievable.
func (c *Client) PublicURL(ctx context.Context, key string) (string, error) {
	u := c.url(key)
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, u, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.do(req)
	if err != nil {
		return "", err
	}
	resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return u, nil
	case http.StatusNotFound:
		return "", fmt.Errorf("`%s`: %w", key, ErrNotFound)
	default:
		return "", fmt.Errorf("objstore: head `%s`: unexpected status %d", key, resp.StatusCode)
	}
}
