package rehost

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/crowdloop/internal/httputil"
	"github.com/banshee-data/crowdloop/internal/monitoring"
	"github.com/banshee-data/crowdloop/internal/task"
)

func init() {
	monitoring.SetLogger(nil)
}

type countingRehoster struct {
	inFlight atomic.Int32
	peak     atomic.Int32
	mu       sync.Mutex
	seen     []string
	fail     string
}

func (c *countingRehoster) Rehost(ctx context.Context, src string) (string, error) {
	n := c.inFlight.Add(1)
	defer c.inFlight.Add(-1)
	for {
		p := c.peak.Load()
		if n <= p || c.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(2 * time.Millisecond)
	c.mu.Lock()
	c.seen = append(c.seen, src)
	c.mu.Unlock()
	if src == c.fail {
		return "", errors.New("upload refused")
	}
	return "https://store/" + strings.TrimPrefix(src, "https://src/"), nil
}

func TestPool_BoundsConcurrencyAndDedups(t *testing.T) {
	t.Parallel()
	r := &countingRehoster{}
	var urls []string
	for i := 0; i < 40; i++ {
		urls = append(urls, "https://src/"+string(rune('a'+i%20)))
	}

	got, err := Pool{Rehoster: r, Workers: 3}.URLs(context.Background(), urls)
	require.NoError(t, err)
	assert.Len(t, got, 20)
	assert.Len(t, r.seen, 20)
	assert.LessOrEqual(t, r.peak.Load(), int32(3))
	assert.Equal(t, "https://store/c", got["https://src/c"])
}

func TestPool_FirstErrorFails(t *testing.T) {
	t.Parallel()
	r := &countingRehoster{fail: "https://src/b"}
	_, err := Pool{Rehoster: r}.URLs(context.Background(), []string{"https://src/a", "https://src/b"})
	assert.ErrorContains(t, err, "upload refused")
}

func TestPool_Answers(t *testing.T) {
	t.Parallel()
	a := &task.Answer{Fields: []task.Field{
		task.F("mask", task.Media("https://src/m1.png")),
		task.F("label", task.LabelValue("cat")),
	}}
	b := &task.Answer{Fields: []task.Field{task.F("mask", task.Media("https://src/m1.png"))}}

	r := &countingRehoster{}
	require.NoError(t, Pool{Rehoster: r, Workers: 2}.Answers(context.Background(), []*task.Answer{a, b}))

	assert.Equal(t, task.Media("https://store/m1.png"), a.Fields[0].Value)
	assert.Equal(t, task.LabelValue("cat"), a.Fields[1].Value)
	assert.Equal(t, task.Media("https://store/m1.png"), b.Fields[0].Value)
	assert.Len(t, r.seen, 1)

	require.NoError(t, Pool{Rehoster: r}.Answers(context.Background(), []*task.Answer{{}}))
}

func TestHTTP_DownloadThenUpload(t *testing.T) {
	t.Parallel()
	mock := httputil.NewMockHTTPClient()
	mock.DoFunc = func(req *http.Request) (*http.Response, error) {
		status, body := http.StatusOK, "png-bytes"
		if req.Method == http.MethodPut {
			status, body = http.StatusCreated, ""
		}
		return &http.Response{
			StatusCode: status,
			Body:       io.NopCloser(strings.NewReader(body)),
			Header:     http.Header{"Content-Type": []string{"image/png"}},
		}, nil
	}

	h := HTTP{Client: mock, Dest: "https://store/bucket/"}
	dst, err := h.Rehost(context.Background(), "https://src/a/mask.png?sig=1")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(dst, "https://store/bucket/"), dst)
	assert.True(t, strings.HasSuffix(dst, ".png"), dst)

	again, err := h.Rehost(context.Background(), "https://src/a/mask.png?sig=1")
	require.NoError(t, err)
	assert.Equal(t, dst, again)

	require.Equal(t, 4, mock.RequestCount())
	assert.Equal(t, http.MethodPut, mock.Requests[1].Method)
	assert.Equal(t, "png-bytes", mock.Bodies[1])
	assert.Equal(t, "image/png", mock.Requests[1].Header.Get("Content-Type"))
}

func TestHTTP_Errors(t *testing.T) {
	t.Parallel()

	notFound := httputil.NewMockHTTPClient().AddResponse(http.StatusNotFound, "")
	_, err := HTTP{Client: notFound, Dest: "https://store"}.Rehost(context.Background(), "https://src/x")
	assert.ErrorContains(t, err, "status 404")

	tooBig := httputil.NewMockHTTPClient().AddResponse(http.StatusOK, "0123456789")
	_, err = HTTP{Client: tooBig, Dest: "https://store", MaxBytes: 4}.Rehost(context.Background(), "https://src/x")
	assert.ErrorContains(t, err, "larger than 4 bytes")

	uploadFail := httputil.NewMockHTTPClient().AddResponse(http.StatusOK, "x").AddResponse(http.StatusForbidden, "")
	_, err = HTTP{Client: uploadFail, Dest: "https://store"}.Rehost(context.Background(), "https://src/x")
	assert.ErrorContains(t, err, "status 403")
}
