package worker

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/shinline/shinline/internal/assetcache"
	"github.com/shinline/shinline/internal/notify"
)

// offlineShellPath is the cached root document served when both cache and
// network fail for a document request.
const offlineShellPath = notify.DefaultURL

// Fetch intercepts one outgoing request: cache first, then network, then the
// offline shell for document requests. It blocks until the worker has
// handled the event.
func (w *Worker) Fetch(ctx context.Context, req FetchRequest) (*assetcache.Response, error) {
	reply := make(chan fetchResult, 1)
	if err := w.deliver(ctx, fetchEvent{req: req, reply: reply}); err != nil {
		return nil, err
	}
	select {
	case res := <-reply:
		return res.resp, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (w *Worker) handleFetch(ctx context.Context, req FetchRequest) (*assetcache.Response, error) {
	if resp, ok := w.cache.Match(w.generation, req.Path); ok {
		return resp, nil
	}

	resp, err := w.fetchNetwork(ctx, req.Path)
	if err == nil {
		return resp, nil
	}

	// Offline fallback: a failed document request degrades to the cached
	// root document; subresource failures propagate.
	if req.Mode == ModeDocument {
		if shell, ok := w.cache.Match(w.generation, offlineShellPath); ok {
			return shell, nil
		}
	}
	return nil, fmt.Errorf("fetch %s: %w", req.Path, err)
}

func (w *Worker) fetchNetwork(ctx context.Context, path string) (*assetcache.Response, error) {
	url := w.scope + path
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	resp, err := w.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("upstream status %d", resp.StatusCode)
	}
	return &assetcache.Response{
		Status:      resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
	}, nil
}
