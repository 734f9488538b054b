package source

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/alert_trader/internal/storage"
)

const channelPayload = `[
	{"id": "1003", "content": "SOLD SPY 450C $4.00 ALL OUT", "timestamp": "2024-03-01T16:05:00.000000+00:00", "embeds": []},
	{"id": "1002", "content": "", "timestamp": "2024-03-01T15:00:00.000000+00:00", "embeds": [{"description": "BOUGHT SPY 450C $3.20 [10 contracts]"}]},
	{"id": "1001", "content": "gm", "timestamp": "2024-02-29T15:00:00.000000+00:00"},
	{"id": "1000", "content": "no time"}
]`

func newTestDiscord(t *testing.T, handler http.HandlerFunc, todayOnly bool) (*Discord, *storage.MemoryStore) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	seen := storage.NewMemoryStore()
	d, err := NewDiscord(Config{
		Token:     "user-token",
		ChannelID: "42",
		TodayOnly: todayOnly,
		BaseURL:   server.URL,
		Location:  time.UTC,
	}, seen, nil)
	require.NoError(t, err)
	d.WithClock(func() time.Time { return time.Date(2024, 3, 1, 17, 0, 0, 0, time.UTC) })
	return d, seen
}

func TestFetch_FiltersDedupesAndOrders(t *testing.T) {
	var calls int
	d, seen := newTestDiscord(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		assert.Equal(t, "/channels/42/messages", r.URL.Path)
		assert.Equal(t, "10", r.URL.Query().Get("limit"))
		assert.Equal(t, "user-token", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(channelPayload))
	}, true)
	ctx := context.Background()

	msgs, err := d.Fetch(ctx)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "1002", msgs[0].ID, "oldest first")
	assert.Equal(t, "BOUGHT SPY 450C $3.20 [10 contracts]", msgs[0].Text, "embed description is part of the text")
	assert.Equal(t, "1003", msgs[1].ID)

	processed, err := seen.IsProcessed(ctx, "1003")
	require.NoError(t, err)
	assert.True(t, processed)
	processed, err = seen.IsProcessed(ctx, "1001")
	require.NoError(t, err)
	assert.False(t, processed, "filtered messages are not marked")

	again, err := d.Fetch(ctx)
	require.NoError(t, err)
	assert.Empty(t, again, "redelivered ids are skipped")
	assert.Equal(t, 2, calls)
}

func TestFetch_AllDays(t *testing.T) {
	d, _ := newTestDiscord(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(channelPayload))
	}, false)

	msgs, err := d.Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "1001", msgs[0].ID)
}

func TestFetch_Errors(t *testing.T) {
	d, _ := newTestDiscord(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}, true)
	_, err := d.Fetch(context.Background())
	assert.ErrorIs(t, err, ErrUnauthorized)

	d, _ = newTestDiscord(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Unknown Channel", http.StatusNotFound)
	}, true)
	_, err = d.Fetch(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestConnect(t *testing.T) {
	d, _ := newTestDiscord(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/users/@me", r.URL.Path)
		_, _ = w.Write([]byte(`{"id": "1", "username": "trader"}`))
	}, true)
	assert.NoError(t, d.Connect(context.Background()))

	d, _ = newTestDiscord(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}, true)
	assert.ErrorIs(t, d.Connect(context.Background()), ErrUnauthorized)
}

func TestNewDiscord_Validation(t *testing.T) {
	seen := storage.NewMemoryStore()
	_, err := NewDiscord(Config{ChannelID: "1"}, seen, nil)
	assert.Error(t, err)
	_, err = NewDiscord(Config{Token: "t"}, seen, nil)
	assert.Error(t, err)
	_, err = NewDiscord(Config{Token: "t", ChannelID: "1"}, nil, nil)
	assert.Error(t, err)
}
