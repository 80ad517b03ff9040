package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soypete/phraseguard/pkg/banned"
	"github.com/soypete/phraseguard/pkg/store"
)

func startServer(t *testing.T, opts ...Option) (*Server, string) {
	t.Helper()
	srv := New(opts...)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func roundTrip(t *testing.T, conn *websocket.Conn, req Request) Reply {
	t.Helper()
	require.NoError(t, conn.WriteJSON(req))
	var reply Reply
	require.NoError(t, conn.ReadJSON(&reply))
	return reply
}

func openSevenEight(t *testing.T, conn *websocket.Conn) Reply {
	t.Helper()
	eps := 1.0
	seed := uint64(3)
	reply := roundTrip(t, conn, Request{
		Type:    TypeOpen,
		Label:   "seven-eight",
		Phrases: [][]int{{7, 8}},
		Epsilon: &eps,
		Seed:    &seed,
	})
	require.Equal(t, TypeOpened, reply.Type, reply.Error)
	return reply
}

func kinds(events []banned.Event) []banned.EventKind {
	out := make([]banned.EventKind, len(events))
	for i, e := range events {
		out[i] = e.Kind
	}
	return out
}

func TestSessionRevertsPhrase(t *testing.T) {
	_, url := startServer(t)
	conn := dial(t, url)

	opened := openSevenEight(t, conn)
	_, err := uuid.Parse(opened.Session)
	require.NoError(t, err)
	assert.Empty(t, opened.RunID)

	reply := roundTrip(t, conn, Request{
		Type:    TypeStep,
		History: [][]int{{0}},
		Emitted: []int{7},
		Ranking: [][]int{{7, 9, 1}},
	})
	require.Equal(t, TypeResult, reply.Type, reply.Error)
	assert.Equal(t, []int{7}, reply.Result.Emitted)
	assert.Contains(t, kinds(reply.Events), banned.EventDetected)

	reply = roundTrip(t, conn, Request{
		Type:    TypeStep,
		History: [][]int{{0, 7}},
		Emitted: []int{8},
		Ranking: [][]int{{8, 9, 1}},
	})
	require.Equal(t, TypeResult, reply.Type, reply.Error)
	assert.Contains(t, kinds(reply.Events), banned.EventCompleted)
	assert.Equal(t, []int{0}, reply.Queue)

	reply = roundTrip(t, conn, Request{
		Type:    TypeStep,
		History: [][]int{{0, 7, 8}},
		Emitted: []int{1},
		Ranking: [][]int{{1, 9, 7}},
	})
	require.Equal(t, TypeResult, reply.Type, reply.Error)
	assert.True(t, reply.Result.Rewound)
	assert.Equal(t, 0, reply.Result.Reverted)
	assert.Equal(t, []int{9}, reply.Result.Emitted)
	assert.Contains(t, kinds(reply.Events), banned.EventReverted)

	reply = roundTrip(t, conn, Request{Type: TypeState})
	require.Equal(t, TypeStates, reply.Type, reply.Error)
	require.Len(t, reply.States, 1)
	assert.Equal(t, 0, reply.States[0].Index)

	reply = roundTrip(t, conn, Request{Type: TypeClose})
	assert.Equal(t, TypeClosed, reply.Type)
}

func TestSessionErrors(t *testing.T) {
	_, url := startServer(t)
	conn := dial(t, url)

	reply := roundTrip(t, conn, Request{Type: TypeStep})
	assert.Equal(t, TypeError, reply.Type)
	assert.Contains(t, reply.Error, "no open session")

	reply = roundTrip(t, conn, Request{Type: "bogus"})
	assert.Equal(t, TypeError, reply.Type)

	reply = roundTrip(t, conn, Request{Type: TypeOpen, Phrases: [][]int{{}}})
	assert.Equal(t, TypeError, reply.Type)

	openSevenEight(t, conn)

	reply = roundTrip(t, conn, Request{Type: TypeOpen, Phrases: [][]int{{1}}})
	assert.Equal(t, TypeError, reply.Type)
	assert.Contains(t, reply.Error, "already open")

	// Two rows for a batch of one.
	reply = roundTrip(t, conn, Request{
		Type:    TypeStep,
		History: [][]int{{0}, {0}},
		Emitted: []int{1, 1},
		Ranking: [][]int{{1}, {1}},
	})
	assert.Equal(t, TypeError, reply.Type)
	assert.Contains(t, reply.Error, banned.ErrBatchShapeMismatch.Error())
	assert.NotEmpty(t, reply.Session)

	reply = roundTrip(t, conn, Request{Type: TypeFinish})
	assert.Equal(t, TypeError, reply.Type)

	seq := 5
	reply = roundTrip(t, conn, Request{Type: TypeFinish, Sequence: &seq})
	assert.Equal(t, TypeError, reply.Type)
	assert.Contains(t, reply.Error, banned.ErrSequenceOutOfRange.Error())

	seq = 0
	reply = roundTrip(t, conn, Request{Type: TypeFinish, Sequence: &seq})
	assert.Equal(t, TypeFinished, reply.Type, reply.Error)
}

func TestSessionReset(t *testing.T) {
	_, url := startServer(t)
	conn := dial(t, url)
	openSevenEight(t, conn)

	roundTrip(t, conn, Request{
		Type:    TypeStep,
		History: [][]int{{0}},
		Emitted: []int{7},
		Ranking: [][]int{{7, 9}},
	})

	reply := roundTrip(t, conn, Request{Type: TypeReset})
	require.Equal(t, TypeStates, reply.Type, reply.Error)
	assert.Equal(t, banned.StatusIdle.String(), reply.States[0].Status)
	assert.Empty(t, reply.Queue)
}

func TestSessionLimit(t *testing.T) {
	srv, url := startServer(t, WithMaxSessions(1))

	first := dial(t, url)
	openSevenEight(t, first)
	assert.Equal(t, 1, srv.Sessions())

	second := dial(t, url)
	reply := roundTrip(t, second, Request{Type: TypeOpen, Phrases: [][]int{{7}}})
	assert.Equal(t, TypeError, reply.Type)
	assert.Contains(t, reply.Error, ErrTooManySessions.Error())

	roundTrip(t, first, Request{Type: TypeClose})
	assert.Equal(t, 0, srv.Sessions())

	reply = roundTrip(t, second, Request{Type: TypeOpen, Phrases: [][]int{{7}}})
	assert.Equal(t, TypeOpened, reply.Type, reply.Error)
}

func TestStepRateLimit(t *testing.T) {
	_, url := startServer(t, WithStepRate(20, 1))
	conn := dial(t, url)
	openSevenEight(t, conn)

	start := time.Now()
	for range 3 {
		reply := roundTrip(t, conn, Request{
			Type:    TypeStep,
			History: [][]int{{0}},
			Emitted: []int{1},
			Ranking: [][]int{{1, 9, 7}},
		})
		require.Equal(t, TypeResult, reply.Type, reply.Error)
	}
	// The burst covers the first step; the other two wait 50ms each.
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestSessionPersistsEvents(t *testing.T) {
	es := store.NewMemoryStore()
	_, url := startServer(t, WithStore(es))
	conn := dial(t, url)

	opened := openSevenEight(t, conn)
	require.Equal(t, opened.Session, opened.RunID)
	runID := uuid.MustParse(opened.RunID)

	run, err := es.GetRun(context.Background(), runID)
	require.NoError(t, err)
	assert.Equal(t, "seven-eight", run.Label)
	assert.Equal(t, [][]int{{7, 8}}, run.Phrases)

	reply := roundTrip(t, conn, Request{
		Type:    TypeStep,
		History: [][]int{{0}},
		Emitted: []int{7},
		Ranking: [][]int{{7, 9}},
	})
	require.NotEmpty(t, reply.Events)

	records, err := es.ListEvents(context.Background(), runID)
	require.NoError(t, err)
	assert.Len(t, records, len(reply.Events))
}

func TestHealthAndMetrics(t *testing.T) {
	h := New().Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "phraseguard_http_requests_total")
}

func TestRunShutsDown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- New().Run(ctx, "127.0.0.1:0") }()
	cancel()
	assert.NoError(t, <-errCh)
}
