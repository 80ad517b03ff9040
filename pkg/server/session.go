package server

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/soypete/phraseguard/pkg/banned"
	"github.com/soypete/phraseguard/pkg/metrics"
	"github.com/soypete/phraseguard/pkg/store"
)

// session owns one mechanism driven by one client.
type session struct {
	id       uuid.UUID
	mech     *banned.Mechanism
	events   *eventBuffer
	recorder *store.Recorder
}

// eventBuffer collects the events of the request being handled.
type eventBuffer struct {
	mu     sync.Mutex
	events []banned.Event
}

func (b *eventBuffer) Observe(e banned.Event) {
	b.mu.Lock()
	b.events = append(b.events, e)
	b.mu.Unlock()
}

func (b *eventBuffer) drain() []banned.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.events
	b.events = nil
	return out
}

// connection is the per-WebSocket request handler. It holds at most one
// session at a time.
type connection struct {
	server  *Server
	conn    *websocket.Conn
	sess    *session
	limiter *rate.Limiter
}

// handle processes one request and reports whether the connection should
// close.
func (c *connection) handle(ctx context.Context, req *Request) bool {
	var err error
	switch req.Type {
	case TypeOpen:
		err = c.open(ctx, req)
	case TypeStep:
		err = c.step(ctx, req)
	case TypeFinish:
		err = c.finish(ctx, req)
	case TypeState:
		err = c.state()
	case TypeReset:
		err = c.reset()
	case TypeClose:
		c.closeSession(ctx)
		c.send(&Reply{Type: TypeClosed})
		return true
	default:
		err = fmt.Errorf("unknown message type: %q", req.Type)
	}

	if err != nil {
		c.sendError(err)
	}
	return false
}

var errNoSession = errors.New("no open session")

func (c *connection) open(ctx context.Context, req *Request) error {
	if c.sess != nil {
		return fmt.Errorf("session %s already open", c.sess.id)
	}

	ps, err := banned.NewPhraseSet(req.Phrases)
	if err != nil {
		return err
	}
	eps := c.server.defaultEpsilon
	if req.Epsilon != nil {
		eps = *req.Epsilon
	}
	batch := req.Batch
	if batch == 0 {
		batch = 1
	}

	sess := &session{id: uuid.New(), events: &eventBuffer{}}
	opts := []banned.Option{
		banned.WithEpsilon(eps),
		banned.WithObserver(sess.events),
		banned.WithObserver(metrics.Observer{}),
		banned.WithLogger(c.server.logger.With("session", sess.id)),
	}
	if req.Seed != nil {
		opts = append(opts, banned.WithSeed(*req.Seed))
	}

	var rec *store.Recorder
	if c.server.store != nil {
		// The run id is the session id so stored events can be found by it.
		rec = store.NewRecorder(c.server.store, sess.id)
		opts = append(opts, banned.WithObserver(rec))
	}

	mech, err := banned.New(ps, batch, opts...)
	if err != nil {
		return err
	}
	sess.mech = mech
	sess.recorder = rec

	if err := c.server.register(sess); err != nil {
		return err
	}
	if c.server.store != nil {
		run := store.NewRun(req.Label, mech)
		run.ID = sess.id
		if err := c.server.store.SaveRun(ctx, run); err != nil {
			c.server.unregister(sess.id)
			return fmt.Errorf("save run: %w", err)
		}
	}
	c.sess = sess

	c.server.logger.Info("session opened",
		"session", sess.id, "phrases", ps.Len(), "batch", batch, "epsilon", eps)

	reply := &Reply{Type: TypeOpened, Session: sess.id.String()}
	if rec != nil {
		reply.RunID = sess.id.String()
	}
	c.send(reply)
	return nil
}

func (c *connection) step(ctx context.Context, req *Request) error {
	if c.sess == nil {
		return errNoSession
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("step rate: %w", err)
		}
	}

	res, err := c.sess.mech.Process(banned.Step{
		History: req.History,
		Emitted: req.Emitted,
		Ranking: req.Ranking,
	})
	if err != nil {
		c.sess.events.drain()
		return err
	}
	queue := c.sess.mech.Queue()
	metrics.RecordStep(res, len(queue))
	c.flush(ctx)

	c.send(&Reply{
		Type:    TypeResult,
		Session: c.sess.id.String(),
		Result:  stepReply(res),
		Events:  c.sess.events.drain(),
		Queue:   queue,
	})
	return nil
}

func (c *connection) finish(ctx context.Context, req *Request) error {
	if c.sess == nil {
		return errNoSession
	}
	if req.Sequence == nil {
		return errors.New("finish requires a sequence")
	}
	if err := c.sess.mech.Finish(*req.Sequence); err != nil {
		c.sess.events.drain()
		return err
	}
	c.flush(ctx)

	c.send(&Reply{
		Type:    TypeFinished,
		Session: c.sess.id.String(),
		Events:  c.sess.events.drain(),
		Queue:   c.sess.mech.Queue(),
	})
	return nil
}

func (c *connection) state() error {
	if c.sess == nil {
		return errNoSession
	}
	c.send(&Reply{
		Type:    TypeStates,
		Session: c.sess.id.String(),
		States:  sequenceStates(c.sess.mech.States()),
		Queue:   c.sess.mech.Queue(),
	})
	return nil
}

func (c *connection) reset() error {
	if c.sess == nil {
		return errNoSession
	}
	c.sess.mech.Reset()
	c.sess.events.drain()
	return c.state()
}

// flush writes recorded events; failures are logged and retried on the
// next flush.
func (c *connection) flush(ctx context.Context) {
	if c.sess.recorder == nil {
		return
	}
	if err := c.sess.recorder.Flush(ctx); err != nil {
		c.server.logger.Warn("failed to persist events", "session", c.sess.id, "error", err)
	}
}

func (c *connection) closeSession(ctx context.Context) {
	if c.sess == nil {
		return
	}
	c.flush(ctx)
	c.server.unregister(c.sess.id)
	c.server.logger.Info("session closed", "session", c.sess.id)
	c.sess = nil
}

func (c *connection) send(reply *Reply) {
	if err := c.conn.WriteJSON(reply); err != nil {
		c.server.logger.Debug("websocket write error", "error", err)
	}
}

func (c *connection) sendError(err error) {
	reply := &Reply{Type: TypeError, Error: err.Error()}
	if c.sess != nil {
		reply.Session = c.sess.id.String()
	}
	c.send(reply)
}
