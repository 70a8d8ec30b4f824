package feed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantgate/quantgate/internal/killswitch"
)

// tickServer serves one websocket connection and writes the given frames.
func tickServer(t *testing.T, frames [][]byte) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, frame := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		}
		// Hold the connection so the reader times out instead of erroring.
		time.Sleep(time.Second)
	}))
}

func frame(t *testing.T, symbol string, bid, ask float64, ts time.Time) []byte {
	t.Helper()
	b, err := json.Marshal(map[string]interface{}{
		"symbol": symbol, "bid": bid, "ask": ask, "ts": ts.UnixMilli(),
	})
	require.NoError(t, err)
	return b
}

func TestWSFeedDeliversValidatedTicks(t *testing.T) {
	now := time.Now()
	srv := tickServer(t, [][]byte{
		frame(t, "EURUSD", 1.1000, 1.1001, now),
		frame(t, "EURUSD", 1.1001, 1.1000, now), // inverted, dropped
		[]byte("not json"),                      // unparseable, dropped
		frame(t, "GBPJPY", 1.9000, 1.9001, now),
	})
	defer srv.Close()

	ks := killswitch.New(killswitch.Config{}, nil)
	f := NewWSFeed(Config{
		URL:           "ws" + strings.TrimPrefix(srv.URL, "http"),
		ReconnectWait: time.Hour, // a single connection is enough
	}, ks)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	go func() { _ = f.Run(ctx) }()

	var got []killswitch.Tick
	timeout := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case tick, ok := <-f.Ticks():
			if !ok {
				t.Fatalf("feed closed early, got %d ticks", len(got))
			}
			got = append(got, tick)
		case <-timeout:
			t.Fatalf("timed out, got %d ticks", len(got))
		}
	}

	assert.Equal(t, "EURUSD", got[0].Symbol)
	assert.Equal(t, "GBPJPY", got[1].Symbol)
	assert.True(t, ks.Status().DataHealthy, "one corrupted tick stays below the trip threshold")
}
