package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	ws "github.com/gorilla/websocket"
	"github.com/pscheid92/widgetsync/internal/config"
	"github.com/pscheid92/widgetsync/internal/domain"
	"github.com/pscheid92/widgetsync/internal/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubAuthorizer struct {
	decision domain.Decision
}

func (s stubAuthorizer) Decide(context.Context, string) domain.Decision {
	return s.decision
}

type appCall struct {
	method   string
	widgetID string
	action   string
}

type recordingApp struct {
	mu    sync.Mutex
	calls []appCall
}

func (a *recordingApp) record(call appCall) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, call)
}

func (a *recordingApp) callList() []appCall {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]appCall(nil), a.calls...)
}

func (a *recordingApp) Connect(_ context.Context, _ string, _ domain.AuthContext) error {
	a.record(appCall{method: "connect"})
	return nil
}

func (a *recordingApp) Disconnect(context.Context, string) error {
	a.record(appCall{method: "disconnect"})
	return nil
}

func (a *recordingApp) Subscribe(_ context.Context, _, widgetID string) error {
	a.record(appCall{method: "subscribe", widgetID: widgetID})
	return nil
}

func (a *recordingApp) Unsubscribe(_ context.Context, _, widgetID string) error {
	a.record(appCall{method: "unsubscribe", widgetID: widgetID})
	return nil
}

func (a *recordingApp) Action(_ context.Context, _, widgetID, action string, _ map[string]any) error {
	a.record(appCall{method: "action", widgetID: widgetID, action: action})
	return nil
}

func allowAll() stubAuthorizer {
	return stubAuthorizer{decision: domain.Decision{
		Allow:   true,
		Context: map[string]string{"authType": string(domain.AuthFullAccess), "userId": "user-1"},
	}}
}

func denyAll() stubAuthorizer {
	return stubAuthorizer{decision: domain.Decision{Allow: false}}
}

func testServer(t *testing.T, authorizer connectionAuthorizer) (*recordingApp, *httptest.Server) {
	t.Helper()

	app := &recordingApp{}
	hub := websocket.NewHub()
	t.Cleanup(func() { hub.Stop() })

	srv := NewServer(&config.Config{Port: "0"}, app, authorizer, hub, nil, nil)
	ts := httptest.NewServer(srv.echo)
	t.Cleanup(ts.Close)
	return app, ts
}

func dialWS(t *testing.T, ts *httptest.Server) *ws.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?token=whatever"
	conn, _, err := ws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitForCalls(t *testing.T, app *recordingApp, want ...appCall) {
	t.Helper()
	assert.Eventually(t, func() bool {
		calls := app.callList()
		if len(calls) < len(want) {
			return false
		}
		for i, w := range want {
			if calls[i] != w {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond, "expected calls %v, got %v", want, app.callList())
}

func TestWebSocket_RejectsBadToken(t *testing.T) {
	_, ts := testServer(t, denyAll())

	resp, err := http.Get(ts.URL + "/ws?token=bad")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWebSocket_ConnectAndSubscribe(t *testing.T) {
	app, ts := testServer(t, allowAll())

	conn := dialWS(t, ts)
	require.NoError(t, conn.WriteMessage(ws.TextMessage, []byte(`{"type":"WIDGET_SUBSCRIBE","widgetId":"w1"}`)))

	waitForCalls(t, app,
		appCall{method: "connect"},
		appCall{method: "subscribe", widgetID: "w1"},
	)
}

func TestWebSocket_RoutesActionFrames(t *testing.T) {
	app, ts := testServer(t, allowAll())

	conn := dialWS(t, ts)
	require.NoError(t, conn.WriteMessage(ws.TextMessage,
		[]byte(`{"type":"WIDGET_ACTION","widgetId":"w1","action":"start"}`)))
	require.NoError(t, conn.WriteMessage(ws.TextMessage,
		[]byte(`{"type":"WIDGET_UNSUBSCRIBE","widgetId":"w1"}`)))

	waitForCalls(t, app,
		appCall{method: "connect"},
		appCall{method: "action", widgetID: "w1", action: "start"},
		appCall{method: "unsubscribe", widgetID: "w1"},
	)
}

func TestWebSocket_SkipsUnknownAndMalformedFrames(t *testing.T) {
	app, ts := testServer(t, allowAll())

	conn := dialWS(t, ts)
	require.NoError(t, conn.WriteMessage(ws.TextMessage, []byte(`{"type":"NO_SUCH_TYPE"}`)))
	require.NoError(t, conn.WriteMessage(ws.TextMessage, []byte(`this is not json`)))
	require.NoError(t, conn.WriteMessage(ws.TextMessage, []byte(`{"type":"WIDGET_SUBSCRIBE","widgetId":"w1"}`)))

	waitForCalls(t, app,
		appCall{method: "connect"},
		appCall{method: "subscribe", widgetID: "w1"},
	)
}

func TestWebSocket_DisconnectRemovesRecord(t *testing.T) {
	app, ts := testServer(t, allowAll())

	conn := dialWS(t, ts)
	waitForCalls(t, app, appCall{method: "connect"})

	conn.Close()

	assert.Eventually(t, func() bool {
		for _, call := range app.callList() {
			if call.method == "disconnect" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHealthEndpoints(t *testing.T) {
	_, ts := testServer(t, denyAll())

	resp, err := http.Get(ts.URL + "/health/live")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/health/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
