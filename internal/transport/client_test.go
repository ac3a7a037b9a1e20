package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/bitvelo/tradesync/internal/bus"
)

type failingDialer struct {
	calls int64
}

func (d *failingDialer) Dial(ctx context.Context, url string) (Conn, error) {
	atomic.AddInt64(&d.calls, 1)
	return nil, errors.New("connection refused")
}

func testConfig() Config {
	cfg := DefaultConfig("ws://127.0.0.1:1/ws")
	cfg.BaseDelay = time.Millisecond
	cfg.HeartbeatInterval = 0
	cfg.HandshakeTimeout = 100 * time.Millisecond
	cfg.WriteTimeout = time.Second
	return cfg
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not reached within deadline")
}

func TestReconnectBoundedByMaxAttempts(t *testing.T) {
	cfg := testConfig()
	cfg.MaxAttempts = 3

	c := NewClient(cfg, bus.New(nil), zap.NewNop())
	dialer := &failingDialer{}
	c.dialer = dialer

	var mu sync.Mutex
	var seen []Status
	c.OnStateChange(func(st Status) {
		mu.Lock()
		seen = append(seen, st)
		mu.Unlock()
	})

	c.Connect()
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) > 0 && seen[len(seen)-1].State == StateDisconnected
	})

	mu.Lock()
	got := append([]Status{}, seen...)
	mu.Unlock()

	want := []Status{
		{State: StateConnecting},
		{State: StateReconnecting, Attempt: 1},
		{State: StateReconnecting, Attempt: 2},
		{State: StateReconnecting, Attempt: 3},
		{State: StateDisconnected},
	}
	assert.Equal(t, want, got)

	// No further attempts after exhaustion.
	calls := atomic.LoadInt64(&dialer.calls)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, calls, atomic.LoadInt64(&dialer.calls))
}

func TestExhaustionEmitsFinalDisconnected(t *testing.T) {
	cfg := testConfig()
	cfg.MaxAttempts = 1

	b := bus.New(nil)
	c := NewClient(cfg, b, zap.NewNop())
	c.dialer = &failingDialer{}

	var mu sync.Mutex
	var events []DisconnectedEvent
	b.On(EventDisconnected, func(evt bus.Event) {
		mu.Lock()
		events = append(events, evt.Payload.(DisconnectedEvent))
		mu.Unlock()
	})

	c.Connect()
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) > 0
	})

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 1)
	assert.True(t, events[0].Exhausted)
	assert.Equal(t, 1, events[0].Attempts)
}

func TestSendWhileDisconnectedEnqueues(t *testing.T) {
	c := NewClient(testConfig(), bus.New(nil), zap.NewNop())

	for i := 0; i < 3; i++ {
		require.NoError(t, c.Send(map[string]interface{}{"type": "trade", "seq": i}))
	}
	assert.Equal(t, 3, c.QueueLen())
	assert.Equal(t, StateDisconnected, c.Status().State)
}

func newWSServer(t *testing.T, handler func(*websocket.Conn)) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		handler(conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestQueuedMessagesFlushInFIFOOrder(t *testing.T) {
	received := make(chan string, 8)
	url := newWSServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		for {
			conn.SetReadDeadline(time.Now().Add(2 * time.Second))
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			received <- string(data)
		}
	})

	cfg := testConfig()
	cfg.URL = url
	c := NewClient(cfg, bus.New(nil), zap.NewNop())

	for i := 0; i < 3; i++ {
		require.NoError(t, c.Send(map[string]interface{}{"type": "trade", "seq": i}))
	}
	require.Equal(t, 3, c.QueueLen())

	c.Connect()
	defer c.Disconnect()

	for i := 0; i < 3; i++ {
		select {
		case msg := <-received:
			assert.Contains(t, msg, fmt.Sprintf(`"seq":%d`, i))
		case <-time.After(2 * time.Second):
			t.Fatalf("message %d never flushed", i)
		}
	}
	assert.Equal(t, 0, c.QueueLen())
}

func TestConnectIsIdempotent(t *testing.T) {
	var conns int64
	url := newWSServer(t, func(conn *websocket.Conn) {
		atomic.AddInt64(&conns, 1)
		defer conn.Close()
		for {
			conn.SetReadDeadline(time.Now().Add(2 * time.Second))
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	cfg := testConfig()
	cfg.URL = url
	c := NewClient(cfg, bus.New(nil), zap.NewNop())

	c.Connect()
	c.Connect()
	c.Connect()
	defer c.Disconnect()

	waitFor(t, func() bool { return c.Status().State == StateConnected })
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int64(1), atomic.LoadInt64(&conns))
}

func TestUnknownAndMalformedMessagesAreDropped(t *testing.T) {
	url := newWSServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"mystery","x":1}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{not json`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"wallet_update","bucket":"vault","asset":"USDT","amount":"5","op":"add"}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"price_update","symbol":"BTCUSDT","price":"45000","change":"1.2","volume":"900"}`))
		time.Sleep(200 * time.Millisecond)
	})

	cfg := testConfig()
	cfg.URL = url
	b := bus.New(nil)
	c := NewClient(cfg, b, zap.NewNop())

	prices := make(chan PriceUpdatePayload, 4)
	b.On(TypePriceUpdate, func(evt bus.Event) {
		prices <- evt.Payload.(PriceUpdatePayload)
	})
	wallets := make(chan WalletUpdatePayload, 4)
	b.On(TypeWalletUpdate, func(evt bus.Event) {
		wallets <- evt.Payload.(WalletUpdatePayload)
	})

	c.Connect()
	defer c.Disconnect()

	select {
	case p := <-prices:
		assert.Equal(t, "BTCUSDT", p.Symbol)
	case <-time.After(2 * time.Second):
		t.Fatal("price update never dispatched")
	}
	// The wallet update with an unknown bucket must have been rejected
	// at the boundary.
	select {
	case w := <-wallets:
		t.Fatalf("invalid wallet update dispatched: %+v", w)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDecodeMessage(t *testing.T) {
	_, _, err := decodeMessage([]byte(`{"type":"nope"}`))
	assert.True(t, errors.Is(err, ErrUnknownMessageType))

	_, _, err = decodeMessage([]byte(`{"no_type":true}`))
	assert.Error(t, err)

	_, _, err = decodeMessage([]byte(`{"type":"trade","kind":"spot","amount":"-1"}`))
	assert.Error(t, err)

	name, payload, err := decodeMessage([]byte(`{"type":"trade_completed","trade_id":"7f1d6f84-9c38-4b6e-9a10-3f2f6f0f2a11","result":{"success":true}}`))
	require.NoError(t, err)
	assert.Equal(t, TypeTradeCompleted, name)
	tc := payload.(TradeCompletedPayload)
	assert.True(t, tc.Result.Success)

	raw, _ := json.Marshal(map[string]interface{}{"type": "auth", "user_id": "u1", "token": "tk"})
	name, payload, err = decodeMessage(raw)
	require.NoError(t, err)
	assert.Equal(t, TypeAuth, name)
	assert.Equal(t, "u1", payload.(AuthPayload).UserID)
}
