package app

import (
	"context"
	"sync"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/widgetsync/internal/domain"
	"github.com/pscheid92/widgetsync/internal/widget"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- In-memory fakes ---

type memoryConnStore struct {
	mu    sync.Mutex
	conns map[string]*domain.Connection
}

func newMemoryConnStore() *memoryConnStore {
	return &memoryConnStore{conns: make(map[string]*domain.Connection)}
}

func (s *memoryConnStore) Create(_ context.Context, conn domain.Connection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := conn
	s.conns[conn.ID] = &c
	return nil
}

func (s *memoryConnStore) Remove(_ context.Context, connectionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, connectionID)
	return nil
}

func (s *memoryConnStore) Get(_ context.Context, connectionID string) (*domain.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conn, ok := s.conns[connectionID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	c := *conn
	c.SubscribedWidgets = append([]string(nil), conn.SubscribedWidgets...)
	return &c, nil
}

func (s *memoryConnStore) Subscribe(_ context.Context, connectionID, widgetID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conn, ok := s.conns[connectionID]
	if !ok {
		return domain.ErrNotFound
	}
	for _, id := range conn.SubscribedWidgets {
		if id == widgetID {
			return nil
		}
	}
	conn.SubscribedWidgets = append(conn.SubscribedWidgets, widgetID)
	return nil
}

func (s *memoryConnStore) Unsubscribe(_ context.Context, connectionID, widgetID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conn, ok := s.conns[connectionID]
	if !ok {
		return nil
	}
	subs := conn.SubscribedWidgets[:0]
	for _, id := range conn.SubscribedWidgets {
		if id != widgetID {
			subs = append(subs, id)
		}
	}
	conn.SubscribedWidgets = subs
	return nil
}

func (s *memoryConnStore) ListByUser(_ context.Context, userID string) ([]*domain.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Connection
	for _, conn := range s.conns {
		if conn.UserID == userID {
			c := *conn
			out = append(out, &c)
		}
	}
	return out, nil
}

func (s *memoryConnStore) ListBoundToWidget(_ context.Context, widgetID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, conn := range s.conns {
		if conn.WidgetID == widgetID {
			out = append(out, conn.ID)
		}
	}
	return out, nil
}

type memoryWidgetStore struct {
	mu      sync.Mutex
	widgets map[string]*domain.Widget
}

func newMemoryWidgetStore(widgets ...*domain.Widget) *memoryWidgetStore {
	s := &memoryWidgetStore{widgets: make(map[string]*domain.Widget)}
	for _, w := range widgets {
		s.widgets[w.ID] = w
	}
	return s
}

func (s *memoryWidgetStore) Get(_ context.Context, widgetID string) (*domain.Widget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.widgets[widgetID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	c := *w
	return &c, nil
}

func (s *memoryWidgetStore) GetByAccessToken(_ context.Context, token string) (*domain.Widget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.widgets {
		if w.AccessToken == token {
			c := *w
			return &c, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (s *memoryWidgetStore) UpdateState(_ context.Context, widgetID string, state map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.widgets[widgetID]
	if !ok {
		return domain.ErrNotFound
	}
	w.State = state
	return nil
}

func (s *memoryWidgetStore) ListEnabledByType(_ context.Context, widgetType string) ([]*domain.Widget, error) {
	return nil, nil
}

type recordingSender struct {
	mu       sync.Mutex
	messages map[string][]any
}

func newRecordingSender() *recordingSender {
	return &recordingSender{messages: make(map[string][]any)}
}

func (s *recordingSender) SendJSON(_ context.Context, connectionID string, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[connectionID] = append(s.messages[connectionID], v)
	return nil
}

func (s *recordingSender) messagesFor(connectionID string) []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messages[connectionID]
}

func (s *recordingSender) lastActionResponse(t *testing.T, connectionID string) domain.ActionResponseMessage {
	t.Helper()
	msgs := s.messagesFor(connectionID)
	for i := len(msgs) - 1; i >= 0; i-- {
		if r, ok := msgs[i].(domain.ActionResponseMessage); ok {
			return r
		}
	}
	t.Fatalf("no action response sent to %s", connectionID)
	return domain.ActionResponseMessage{}
}

// --- Test setup ---

type serviceFixture struct {
	service *Service
	conns   *memoryConnStore
	widgets *memoryWidgetStore
	sender  *recordingSender
	clock   *clockwork.FakeClock
}

func newFixture(t *testing.T, widgets ...*domain.Widget) *serviceFixture {
	t.Helper()
	clock := clockwork.NewFakeClock()
	f := &serviceFixture{
		conns:   newMemoryConnStore(),
		widgets: newMemoryWidgetStore(widgets...),
		sender:  newRecordingSender(),
		clock:   clock,
	}
	f.service = NewService(f.conns, f.widgets, widget.NewEngine(clock), f.sender, clock)
	return f
}

func ownerWidget() *domain.Widget {
	return &domain.Widget{
		ID:          "w1",
		UserID:      "owner",
		Type:        widget.TypeCountdown,
		AccessToken: "9e8b64c2-67a8-44a9-93d8-f9345b9b2cdb",
		Config:      map[string]any{"duration": 120.0},
		State:       map[string]any{"enabled": false},
	}
}

func (f *serviceFixture) connectOwner(t *testing.T, connectionID string) {
	t.Helper()
	err := f.service.Connect(context.Background(), connectionID, domain.AuthContext{
		AuthType: domain.AuthFullAccess,
		UserID:   "owner",
	})
	require.NoError(t, err)
}

func (f *serviceFixture) connectViewer(t *testing.T, connectionID, widgetID string) {
	t.Helper()
	err := f.service.Connect(context.Background(), connectionID, domain.AuthContext{
		AuthType: domain.AuthWidgetAccess,
		UserID:   "owner",
		WidgetID: widgetID,
	})
	require.NoError(t, err)
}

// --- Tests ---

func TestService_ConnectAndDisconnect(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.connectOwner(t, "c1")

	conn, err := f.conns.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, domain.AuthFullAccess, conn.AuthType)
	assert.Equal(t, f.clock.Now().UTC(), conn.ConnectedAt)

	require.NoError(t, f.service.Disconnect(ctx, "c1"))
	_, err = f.conns.Get(ctx, "c1")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestService_SubscribePushesInitialState(t *testing.T) {
	f := newFixture(t, ownerWidget())
	ctx := context.Background()
	f.connectOwner(t, "c1")

	require.NoError(t, f.service.Subscribe(ctx, "c1", "w1"))

	conn, err := f.conns.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"w1"}, conn.SubscribedWidgets)

	msgs := f.sender.messagesFor("c1")
	require.Len(t, msgs, 1)
	initial, ok := msgs[0].(domain.InitialStateMessage)
	require.True(t, ok)
	assert.Equal(t, "w1", initial.WidgetID)
	assert.Equal(t, map[string]any{"enabled": false}, initial.Widget.State)
	assert.Empty(t, initial.Widget.AccessToken, "access token must not leave the service")
}

func TestService_SubscribeForeignWidgetForbidden(t *testing.T) {
	w := ownerWidget()
	w.UserID = "someone-else"
	f := newFixture(t, w)
	ctx := context.Background()
	f.connectOwner(t, "c1")

	err := f.service.Subscribe(ctx, "c1", "w1")

	require.ErrorIs(t, err, domain.ErrForbidden)
	conn, _ := f.conns.Get(ctx, "c1")
	assert.Empty(t, conn.SubscribedWidgets)
	assert.Empty(t, f.sender.messagesFor("c1"))
}

func TestService_SubscribeMissingWidget(t *testing.T) {
	f := newFixture(t)
	f.connectOwner(t, "c1")

	err := f.service.Subscribe(context.Background(), "c1", "nope")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestService_SubscribeMissingConnection(t *testing.T) {
	f := newFixture(t, ownerWidget())

	err := f.service.Subscribe(context.Background(), "ghost", "w1")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestService_WidgetAccessSubscribesOnlyBoundWidget(t *testing.T) {
	f := newFixture(t, ownerWidget())
	ctx := context.Background()
	f.connectViewer(t, "v1", "w1")

	require.NoError(t, f.service.Subscribe(ctx, "v1", "w1"))
	require.ErrorIs(t, f.service.Subscribe(ctx, "v1", "w2"), domain.ErrForbidden)
}

func TestService_Unsubscribe(t *testing.T) {
	f := newFixture(t, ownerWidget())
	ctx := context.Background()
	f.connectOwner(t, "c1")

	require.NoError(t, f.service.Subscribe(ctx, "c1", "w1"))
	require.NoError(t, f.service.Unsubscribe(ctx, "c1", "w1"))
	require.NoError(t, f.service.Unsubscribe(ctx, "c1", "w1")) // no-op repeat

	conn, err := f.conns.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, conn.SubscribedWidgets)
}

func TestService_ActionSuccess(t *testing.T) {
	f := newFixture(t, ownerWidget())
	ctx := context.Background()
	f.connectOwner(t, "c1")

	require.NoError(t, f.service.Action(ctx, "c1", "w1", "start", nil))

	response := f.sender.lastActionResponse(t, "c1")
	assert.True(t, response.Success)
	assert.Equal(t, "start", response.Action)
	assert.Equal(t, true, response.Result["enabled"])
	assert.Equal(t, 120.0, response.Result["duration_left"])

	w, err := f.widgets.Get(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, true, w.State["enabled"])
}

func TestService_ActionFromViewerForbidden(t *testing.T) {
	f := newFixture(t, ownerWidget())
	ctx := context.Background()
	f.connectViewer(t, "v1", "w1")

	require.NoError(t, f.service.Action(ctx, "v1", "w1", "start", nil))

	response := f.sender.lastActionResponse(t, "v1")
	assert.False(t, response.Success)
	assert.Equal(t, "forbidden", response.Error)

	w, _ := f.widgets.Get(ctx, "w1")
	assert.Equal(t, false, w.State["enabled"], "state must be untouched")
}

func TestService_ActionOnForeignWidgetForbidden(t *testing.T) {
	w := ownerWidget()
	w.UserID = "someone-else"
	f := newFixture(t, w)
	f.connectOwner(t, "c1")

	require.NoError(t, f.service.Action(context.Background(), "c1", "w1", "start", nil))

	response := f.sender.lastActionResponse(t, "c1")
	assert.False(t, response.Success)
	assert.Equal(t, "forbidden", response.Error)
}

func TestService_ActionOnMissingWidget(t *testing.T) {
	f := newFixture(t)
	f.connectOwner(t, "c1")

	require.NoError(t, f.service.Action(context.Background(), "c1", "nope", "start", nil))

	response := f.sender.lastActionResponse(t, "c1")
	assert.False(t, response.Success)
	assert.Equal(t, "widget not found", response.Error)
}

func TestService_UnknownActionFails(t *testing.T) {
	f := newFixture(t, ownerWidget())
	f.connectOwner(t, "c1")

	require.NoError(t, f.service.Action(context.Background(), "c1", "w1", "explode", nil))

	response := f.sender.lastActionResponse(t, "c1")
	assert.False(t, response.Success)
	assert.NotEmpty(t, response.Error)
}

func TestService_ActionFromMissingConnection(t *testing.T) {
	f := newFixture(t, ownerWidget())

	err := f.service.Action(context.Background(), "ghost", "w1", "start", nil)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

// countingEngine increments a counter in state, reading the value it was
// handed. Without per-widget serialization concurrent actions would lose
// increments.
type countingEngine struct{}

func (countingEngine) Transition(_ string, _, state map[string]any, _ string, _ map[string]any) (map[string]any, error) {
	n, _ := state["n"].(int)
	return map[string]any{"n": n + 1}, nil
}

func TestService_ConcurrentActionsAreSerializedPerWidget(t *testing.T) {
	clock := clockwork.NewFakeClock()
	conns := newMemoryConnStore()
	widgets := newMemoryWidgetStore(&domain.Widget{
		ID:     "w1",
		UserID: "owner",
		Type:   "counter",
		State:  map[string]any{"n": 0},
	})
	sender := newRecordingSender()
	service := NewService(conns, widgets, countingEngine{}, sender, clock)

	ctx := context.Background()
	require.NoError(t, service.Connect(ctx, "c1", domain.AuthContext{AuthType: domain.AuthFullAccess, UserID: "owner"}))

	const workers = 50
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = service.Action(ctx, "c1", "w1", "increment", nil)
		}()
	}
	wg.Wait()

	w, err := widgets.Get(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, workers, w.State["n"])
}
