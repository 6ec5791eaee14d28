// Package rehost copies media attachments referenced by answers to a
// destination store using a bounded pool of workers.
package rehost

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/crowdloop/internal/httputil"
	"github.com/banshee-data/crowdloop/internal/monitoring"
	"github.com/banshee-data/crowdloop/internal/task"
)

// DefaultWorkers bounds concurrent transfers. Attachment sizes are unknown
// up front, so keep it conservative.
const DefaultWorkers = 16

var logRehost = monitoring.Tagged("rehost")

// Rehoster copies one attachment and returns its new URL.
type Rehoster interface {
	Rehost(ctx context.Context, src string) (string, error)
}

// HTTP downloads an attachment and PUTs it under Dest. Object names are
// derived from the source URL, so repeating a transfer overwrites the same
// object.
type HTTP struct {
	Client httputil.HTTPClient
	Dest   string
	// MaxBytes bounds a single attachment; zero means 64 MiB.
	MaxBytes int64
}

func (h HTTP) Rehost(ctx context.Context, src string) (string, error) {
	limit := h.MaxBytes
	if limit <= 0 {
		limit = 64 << 20
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return "", fmt.Errorf("download %s: %w", src, err)
	}
	resp, err := h.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("download %s: %w", src, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download %s: status %d", src, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return "", fmt.Errorf("download %s: %w", src, err)
	}
	if int64(len(data)) > limit {
		return "", fmt.Errorf("download %s: larger than %d bytes", src, limit)
	}

	name := uuid.NewSHA1(uuid.NameSpaceURL, []byte(src)).String() + path.Ext(strings.SplitN(src, "?", 2)[0])
	dst := strings.TrimRight(h.Dest, "/") + "/" + name
	put, err := http.NewRequestWithContext(ctx, http.MethodPut, dst, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", dst, err)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		put.Header.Set("Content-Type", ct)
	}
	presp, err := h.Client.Do(put)
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", dst, err)
	}
	defer presp.Body.Close()
	if presp.StatusCode/100 != 2 {
		return "", fmt.Errorf("upload %s: status %d", dst, presp.StatusCode)
	}
	return dst, nil
}

// Pool runs a Rehoster over many attachments with at most Workers
// transfers in flight.
type Pool struct {
	Rehoster Rehoster
	Workers  int
}

// URLs rehosts every distinct URL and returns old -> new. The first
// failure cancels the remaining transfers.
func (p Pool) URLs(ctx context.Context, urls []string) (map[string]string, error) {
	workers := p.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}

	uniq := make(map[string]struct{}, len(urls))
	for _, u := range urls {
		uniq[u] = struct{}{}
	}
	todo := make([]string, 0, len(uniq))
	for u := range uniq {
		todo = append(todo, u)
	}
	sort.Strings(todo)

	var mu sync.Mutex
	out := make(map[string]string, len(todo))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, src := range todo {
		g.Go(func() error {
			dst, err := p.Rehoster.Rehost(gctx, src)
			if err != nil {
				return err
			}
			mu.Lock()
			out[src] = dst
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	logRehost("rehosted %d attachments with %d workers", len(out), workers)
	return out, nil
}

// Answers rewrites every media field of answers in place to point at its
// rehosted copy.
func (p Pool) Answers(ctx context.Context, answers []*task.Answer) error {
	var urls []string
	for _, a := range answers {
		for _, f := range a.Fields {
			if f.Value.Kind == task.KindMedia {
				urls = append(urls, f.Value.Str)
			}
		}
	}
	if len(urls) == 0 {
		return nil
	}
	moved, err := p.URLs(ctx, urls)
	if err != nil {
		return err
	}
	for _, a := range answers {
		for i, f := range a.Fields {
			if f.Value.Kind == task.KindMedia {
				a.Fields[i].Value = task.Media(moved[f.Value.Str])
			}
		}
	}
	return nil
}
