package mediamtx

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osa030/19cast/internal/domain/stream"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, ttl time.Duration) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := New(Config{APIURL: server.URL, CacheTTL: ttl})
	require.NoError(t, err)
	return client
}

func TestNew(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)

	_, err = New(Config{APIURL: "not a url"})
	assert.Error(t, err)

	c, err := New(Config{APIURL: "http://127.0.0.1:9997/"})
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:9997/v3/", c.baseURL)
}

func TestListPaths(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v3/paths/list", r.URL.Path)
		assert.Equal(t, "1", r.URL.Query().Get("page"))
		assert.Equal(t, "5", r.URL.Query().Get("itemsPerPage"))

		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"itemCount": 6,
			"pageCount": 2,
			"items": [
				{
					"name": "cam1",
					"confName": "all_others",
					"source": {"type": "rtmpConn", "id": "abc"},
					"ready": true,
					"readyTime": "2026-01-02T03:04:05Z",
					"tracks": ["H264", "Opus"],
					"bytesReceived": 1024,
					"bytesSent": 0,
					"readers": []
				}
			]
		}`)
	}, 0)

	list, err := client.ListPaths(context.Background(), 1, 5)
	require.NoError(t, err)
	assert.Equal(t, 6, list.ItemCount)
	assert.Equal(t, 2, list.PageCount)
	require.Len(t, list.Items, 1)

	p := list.Items[0]
	assert.Equal(t, "cam1", p.Name)
	assert.Equal(t, "rtmpConn", p.SourceType())
	assert.True(t, p.Ready)
	require.NotNil(t, p.ReadyTime)
	assert.Equal(t, 2026, p.ReadyTime.Year())
	assert.Equal(t, []string{"H264", "Opus"}, p.Tracks)
}

func TestAllPaths_PaginatesAndCaches(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		page := r.URL.Query().Get("page")
		fmt.Fprintf(w, `{"itemCount": 2, "pageCount": 2, "items": [{"name": "p%s", "ready": false}]}`, page)
	}, time.Minute)

	paths, err := client.AllPaths(context.Background())
	require.NoError(t, err)
	require.Len(t, paths, 2)
	assert.Equal(t, "p0", paths[0].Name)
	assert.Equal(t, "p1", paths[1].Name)
	assert.Equal(t, "", paths[0].SourceType())
	assert.Equal(t, int32(2), calls.Load())

	cached, err := client.AllPaths(context.Background())
	require.NoError(t, err)
	assert.Equal(t, paths, cached)
	assert.Equal(t, int32(2), calls.Load(), "second call is served from cache")
}

func TestGetPath(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v3/paths/get/live/cam":
			fmt.Fprint(w, `{"name": "live/cam", "ready": true, "source": {"type": "srtConn", "id": "x"}}`)
		case "/v3/paths/get/broken":
			w.WriteHeader(http.StatusInternalServerError)
			fmt.Fprint(w, `{"status": "error", "error": "boom"}`)
		default:
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"status": "error", "error": "path not found"}`)
		}
	}, 0)

	info, err := client.GetPath(context.Background(), "/live/cam/")
	require.NoError(t, err)
	assert.Equal(t, "live/cam", info.Name)
	assert.Equal(t, "srtConn", info.SourceType())

	_, err = client.GetPath(context.Background(), "missing")
	assert.True(t, errors.Is(err, ErrPathNotFound))

	_, err = client.GetPath(context.Background(), "broken")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")

	_, err = client.GetPath(context.Background(), "")
	assert.Error(t, err)
}

// recordingFactory records the input it is asked to open.
type recordingFactory struct {
	opened atomic.Pointer[stream.Input]
	opts   atomic.Pointer[stream.Options]
}

func (f *recordingFactory) Open(_ context.Context, in stream.Input, opts stream.Options) (*stream.Stream, error) {
	f.opened.Store(&in)
	f.opts.Store(&opts)
	return &stream.Stream{
		Handle: stream.Handle{Controller: stream.FixedVolume{}, Completion: stream.Resolved(nil)},
		Output: io.NopCloser(strings.NewReader("")),
	}, nil
}

func TestFactory_WaitsForReady(t *testing.T) {
	var polls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch polls.Add(1) {
		case 1:
			w.WriteHeader(http.StatusNotFound)
		case 2:
			fmt.Fprint(w, `{"name": "cam1", "ready": false}`)
		default:
			fmt.Fprint(w, `{"name": "cam1", "ready": true}`)
		}
	}, 0)

	delegate := &recordingFactory{}
	f := NewFactory(client, FactoryConfig{RTSPAddr: "127.0.0.1:8554", ReadyTimeout: 5 * time.Second, PollInterval: 10 * time.Millisecond}, delegate)

	_, err := f.Open(context.Background(), stream.Input{URL: "mtx:cam1"}, stream.Options{})
	require.NoError(t, err)
	assert.Equal(t, int32(3), polls.Load())
	assert.Equal(t, "rtsp://127.0.0.1:8554/cam1", delegate.opened.Load().URL)
	assert.True(t, delegate.opts.Load().Realtime)
}

func TestFactory_NotReady(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"name": "cam1", "ready": false}`)
	}, 0)
	f := NewFactory(client, FactoryConfig{RTSPAddr: "127.0.0.1:8554", ReadyTimeout: 50 * time.Millisecond, PollInterval: 10 * time.Millisecond}, &recordingFactory{})

	_, err := f.Open(context.Background(), stream.Input{URL: "mtx:cam1"}, stream.Options{})
	var te *stream.TransportError
	require.True(t, errors.As(err, &te))
	assert.True(t, errors.Is(err, ErrNotReady))
}

func TestFactory_CancelWhileWaiting(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"name": "cam1", "ready": false}`)
	}, 0)
	f := NewFactory(client, FactoryConfig{RTSPAddr: "127.0.0.1:8554", ReadyTimeout: time.Minute, PollInterval: 10 * time.Millisecond}, &recordingFactory{})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := f.Open(ctx, stream.Input{URL: "mtx:cam1"}, stream.Options{})
	assert.True(t, stream.IsCancelled(err) || errors.Is(err, context.DeadlineExceeded))
}

func TestPathName(t *testing.T) {
	assert.Equal(t, "cam1", PathName("mtx:cam1"))
	assert.Equal(t, "live/cam", PathName("MTX://live/cam/"))
	assert.Equal(t, "cam1", PathName("cam1"))
}
