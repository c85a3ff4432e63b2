package source

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/japanese"

	"github.com/nict-isp/uds-sdk/crawler"
	"github.com/nict-isp/uds-sdk/errors"
)

const kanjiCSV = "地点,雨量\n東京,0.5\n"

func encodeAs(t *testing.T, enc encoding.Encoding, s string) []byte {
	t.Helper()
	out, err := enc.NewEncoder().String(s)
	require.NoError(t, err)
	return []byte(out)
}

func TestToUTF8(t *testing.T) {
	sjis := encodeAs(t, japanese.ShiftJIS, kanjiCSV)
	eucjp := encodeAs(t, japanese.EUCJP, kanjiCSV)

	tests := []struct {
		name    string
		in      []byte
		charset string
		want    string
		wantErr bool
	}{
		{"utf8 passthrough", []byte(kanjiCSV), "utf-8", kanjiCSV, false},
		{"empty charset", []byte(kanjiCSV), "", kanjiCSV, false},
		{"shift_jis", sjis, "shift_jis", kanjiCSV, false},
		{"euc-jp", eucjp, "EUC-JP", kanjiCSV, false},
		{"auto keeps utf8", []byte(kanjiCSV), CharsetAuto, kanjiCSV, false},
		{"auto detects shift_jis", sjis, CharsetAuto, kanjiCSV, false},
		{"unknown charset", sjis, "klingon", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ToUTF8(tt.in, tt.charset)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestPacemaker(t *testing.T) {
	clock := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	pm := NewPacemaker(50*time.Millisecond, nil)
	pm.now = func() time.Time { return clock }

	ctx := context.Background()
	began := time.Now()
	require.NoError(t, pm.Wait(ctx))
	assert.Less(t, time.Since(began), 40*time.Millisecond)

	clock = clock.Add(200 * time.Millisecond)
	began = time.Now()
	require.NoError(t, pm.Wait(ctx))
	assert.Less(t, time.Since(began), 40*time.Millisecond)

	clock = clock.Add(20 * time.Millisecond)
	began = time.Now()
	require.NoError(t, pm.Wait(ctx))
	assert.GreaterOrEqual(t, time.Since(began), 25*time.Millisecond)

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	assert.ErrorIs(t, pm.Wait(cctx), context.Canceled)
}

func TestPaced(t *testing.T) {
	calls := 0
	inner := crawler.FetcherFunc[int](func(context.Context) (int, bool, error) {
		calls++
		return calls, true, nil
	})
	f := Paced[int](inner, 0, nil)
	v, ok, err := f.Fetch(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, v)
}

func TestHTTPPoller(t *testing.T) {
	sjis := encodeAs(t, japanese.ShiftJIS, kanjiCSV)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/sjis":
			_, _ = w.Write(sjis)
		case "/form":
			assert.NoError(t, r.ParseForm())
			assert.Equal(t, "rain", r.PostForm.Get("kind"))
			assert.Equal(t, "uds", r.Header.Get("X-Client"))
			_, _ = io.WriteString(w, "ok")
		default:
			http.Error(w, "nope", http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()
	ctx := context.Background()

	t.Run("get decodes body", func(t *testing.T) {
		p, err := NewHTTPPoller(HTTPConfig{URL: srv.URL + "/sjis"}, srv.Client(), nil)
		require.NoError(t, err)
		got, ok, err := p.Fetch(ctx)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, kanjiCSV, string(got.Body))
		assert.Equal(t, srv.URL+"/sjis", got.Source)
	})

	t.Run("request func posts form", func(t *testing.T) {
		p, err := NewHTTPPoller(HTTPConfig{
			Request: func(context.Context) (string, url.Values, error) {
				return srv.URL + "/form", url.Values{"kind": {"rain"}}, nil
			},
			Header: http.Header{"X-Client": {"uds"}},
		}, srv.Client(), nil)
		require.NoError(t, err)
		got, ok, err := p.Fetch(ctx)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "ok", string(got.Body))
	})

	t.Run("bad status is transient", func(t *testing.T) {
		p, err := NewHTTPPoller(HTTPConfig{URL: srv.URL + "/down"}, srv.Client(), nil)
		require.NoError(t, err)
		_, ok, err := p.Fetch(ctx)
		assert.False(t, ok)
		assert.True(t, errors.IsTransient(err))
	})

	t.Run("empty url is an empty fetch", func(t *testing.T) {
		p, err := NewHTTPPoller(HTTPConfig{
			Request: func(context.Context) (string, url.Values, error) { return "", nil, nil },
		}, nil, nil)
		require.NoError(t, err)
		_, ok, err := p.Fetch(ctx)
		assert.NoError(t, err)
		assert.False(t, ok)
	})

	_, err := NewHTTPPoller(HTTPConfig{}, nil, nil)
	assert.True(t, errors.IsFatal(err))
}

func TestCSVFileList(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.csv")
	b := filepath.Join(dir, "b.csv")
	require.NoError(t, os.WriteFile(b, encodeAs(t, japanese.ShiftJIS, kanjiCSV), 0o644))
	require.NoError(t, os.WriteFile(a, []byte("time,rainfall\n"), 0o644))

	files, err := GlobFiles(filepath.Join(dir, "*.csv"), a)
	require.NoError(t, err)
	assert.Equal(t, []string{a, b}, files)

	l := NewCSVFileList(files, "", nil)
	ctx := context.Background()

	got, ok, err := l.Fetch(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, a, got.Source)

	got, ok, err = l.Fetch(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, kanjiCSV, string(got.Body))
	assert.Zero(t, l.Remaining())

	_, ok, err = l.Fetch(ctx)
	assert.False(t, ok)
	assert.ErrorIs(t, err, crawler.ErrAbort)
}

func TestQueue(t *testing.T) {
	q, err := NewQueue[int](QueueConfig{Capacity: 2})
	require.NoError(t, err)
	require.NoError(t, q.Put(1))
	require.NoError(t, q.Put(2))
	assert.Equal(t, 2, q.Len())

	ctx := context.Background()
	v, ok, err := q.Fetch(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	timeout, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	_, _, _ = q.Fetch(ctx)
	_, ok, err = q.Fetch(timeout)
	assert.False(t, ok)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, q.Put(3))
	require.NoError(t, q.Close())
	v, ok, err = q.Fetch(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 3, v)
	_, ok, err = q.Fetch(ctx)
	assert.False(t, ok)
	assert.ErrorIs(t, err, crawler.ErrAbort)
}

func TestQueue_DropOldest(t *testing.T) {
	q, err := NewQueue[int](QueueConfig{Capacity: 2, DropOldest: true})
	require.NoError(t, err)
	for i := 1; i <= 3; i++ {
		require.NoError(t, q.Put(i))
	}
	assert.Equal(t, 2, q.Len())

	v, ok, err := q.Fetch(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 2, v)
}

func TestUDPListener(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	l, err := NewUDPListener(UDPConfig{Bind: "127.0.0.1", Port: 0}, nil)
	require.NoError(t, err)
	require.NoError(t, l.Start(ctx))

	conn, err := net.Dial("udp", l.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte(`{"time":"2020-01-01 09:00:00"}`))
	require.NoError(t, err)

	got, ok, err := l.Fetch(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, `{"time":"2020-01-01 09:00:00"}`, string(got.Body))
	assert.Equal(t, conn.LocalAddr().String(), got.Source)

	received, _ := l.Stats()
	assert.Equal(t, int64(1), received)

	require.NoError(t, l.Stop())
	_, _, err = l.Fetch(ctx)
	assert.ErrorIs(t, err, crawler.ErrAbort)
}

func TestWebSocketListener(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	l, err := NewWebSocketListener(WebSocketConfig{Addr: "127.0.0.1:0"}, nil)
	require.NoError(t, err)
	require.NoError(t, l.Start(ctx))

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, "ws://"+l.Addr().String()+"/ws", nil)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("first")))
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("second")))

	for _, want := range []string{"first", "second"} {
		got, ok, err := l.Fetch(ctx)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, want, string(got.Body))
	}

	require.NoError(t, l.Stop(ctx))
	_ = conn.Close()
	_, _, err = l.Fetch(ctx)
	assert.ErrorIs(t, err, crawler.ErrAbort)
}

func TestCSVDirWatcher(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	dir := t.TempDir()
	existing := filepath.Join(dir, "0001.csv")
	require.NoError(t, os.WriteFile(existing, encodeAs(t, japanese.ShiftJIS, kanjiCSV), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("skip"), 0o644))

	w, err := NewCSVDirWatcher(DirWatchConfig{Dir: dir, Settle: 20 * time.Millisecond}, nil)
	require.NoError(t, err)
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	got, ok, err := w.Fetch(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, existing, got.Source)
	assert.Equal(t, kanjiCSV, string(got.Body))

	dropped := filepath.Join(dir, "0002.csv")
	require.NoError(t, os.WriteFile(dropped, encodeAs(t, japanese.ShiftJIS, "時刻\n"), 0o644))

	got, ok, err = w.Fetch(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, dropped, got.Source)
	assert.Equal(t, "時刻\n", string(got.Body))
}
