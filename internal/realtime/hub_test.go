package realtime_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"taskline/internal/domain"
	"taskline/internal/notify"
	"taskline/internal/realtime"
)

type counter struct {
	mu     sync.Mutex
	counts map[string]int
}

func (c *counter) set(scope string, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[scope] = n
}

func (c *counter) UnreadCount(_ context.Context, r notify.Recipient) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[r.ID+"/"+r.CompanyID], nil
}

func serve(t *testing.T, hub *realtime.Hub) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		hub.Serve(w, r, notify.Recipient{Kind: domain.Client, ID: q.Get("id"), CompanyID: q.Get("company")})
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close(websocket.StatusNormalClosure, "") })
	return c
}

func read(t *testing.T, c *websocket.Conn) realtime.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var m realtime.Message
	require.NoError(t, wsjson.Read(ctx, c, &m))
	return m
}

func TestStreamPushesScopedCounts(t *testing.T) {
	cnt := &counter{counts: map[string]int{"c1/A": 2, "c1/B": 5}}
	hub := realtime.NewHub(cnt, nil)
	url := serve(t, hub)

	a := dial(t, url+"?id=c1&company=A")
	b := dial(t, url+"?id=c1&company=B")
	assert.Equal(t, realtime.Message{Type: realtime.TypeCount, Count: 2}, read(t, a))
	assert.Equal(t, realtime.Message{Type: realtime.TypeCount, Count: 5}, read(t, b))

	cnt.set("c1/A", 3)
	hub.RecipientChanged(context.Background(), domain.Client, "c1")
	assert.Equal(t, 3, read(t, a).Count)
	assert.Equal(t, 5, read(t, b).Count)

	// Other recipients are untouched.
	hub.RecipientChanged(context.Background(), domain.Client, "c9")
	assert.Equal(t, 2, hub.Connections())
}

func TestCloseEndsStreams(t *testing.T) {
	hub := realtime.NewHub(&counter{counts: map[string]int{}}, nil)
	url := serve(t, hub)
	c := dial(t, url+"?id=c1&company=A")
	read(t, c)

	hub.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := c.Read(ctx)
	assert.Equal(t, websocket.StatusGoingAway, websocket.CloseStatus(err))
	require.Eventually(t, func() bool { return hub.Connections() == 0 }, 5*time.Second, 10*time.Millisecond)
}
