package httpapi

import (
	"context"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gin-gonic/gin"

	"github.com/boternity/boternity/internal/bus"
	"github.com/boternity/boternity/internal/errs"
	"github.com/boternity/boternity/internal/ids"
)

// wsCommand is a tagged client->server command on the event socket
// (spec.md §6): subscribe_workflow, cancel_agent, budget_continue,
// budget_stop, ping. Only the fields a given command type uses are set.
type wsCommand struct {
	Type      string `json:"type"`
	RunID     string `json:"run_id"`
	AgentID   string `json:"agent_id"`
	RequestID string `json:"request_id"`
}

// wireEvent is the server->client frame shape: a bus event kind (or
// "pong") plus its payload.
type wireEvent struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// socketSubs tracks the bus subscriptions a single socket has accumulated
// via subscribe_workflow commands, so they can all be torn down together
// when the connection drops.
type socketSubs struct {
	mu   sync.Mutex
	subs map[string]*bus.Subscription
	done chan struct{}
	once sync.Once
}

func newSocketSubs() *socketSubs {
	return &socketSubs{subs: make(map[string]*bus.Subscription), done: make(chan struct{})}
}

func (ss *socketSubs) add(b *bus.Bus, topic bus.Topic, out chan<- bus.Event) {
	key := string(topic.Kind) + ":" + topic.Value
	ss.mu.Lock()
	if _, exists := ss.subs[key]; exists {
		ss.mu.Unlock()
		return
	}
	sub := b.Subscribe(topic)
	ss.subs[key] = sub
	ss.mu.Unlock()

	go func() {
		for {
			select {
			case ev, ok := <-sub.C:
				if !ok {
					return
				}
				select {
				case out <- ev:
				case <-ss.done:
					return
				}
			case <-ss.done:
				return
			}
		}
	}()
}

func (ss *socketSubs) closeAll() {
	ss.once.Do(func() { close(ss.done) })
	ss.mu.Lock()
	defer ss.mu.Unlock()
	for _, sub := range ss.subs {
		sub.Close()
	}
}

// handleEventSocket serves the global event socket at /ws/events: every
// connection starts subscribed to bus.TopicGlobal and can add run-scoped
// subscriptions via subscribe_workflow.
func (s *Server) handleEventSocket(c *gin.Context) {
	s.serveEventSocket(c, bus.Topic{Kind: bus.TopicGlobal, Value: "global"})
}

// handleBuilderSocket serves the per-session socket at
// /ws/builder/{session_id}: the connection starts subscribed to that
// session's events, and can likewise add run subscriptions.
func (s *Server) handleBuilderSocket(c *gin.Context) {
	sessionID, err := ids.Parse(c.Param("sessionID"))
	if err != nil {
		writeError(c, errs.Wrap(errs.InvalidArgument, "invalid session id", err))
		return
	}
	s.serveEventSocket(c, bus.Topic{Kind: bus.TopicSession, Value: sessionID.String()})
}

// serveEventSocket accepts the upgrade and runs the connection's lifetime:
// one goroutine reads tagged commands and applies them (new subscriptions,
// pong replies), the caller's goroutine drains the fan-in channel every
// subscription's forwarder writes to and relays each event onto the wire.
//
// coder/websocket's own docs are the only grounding for the server-side
// Accept/Read/Write calls here — no pack example calls this library from a
// server, only from a client (internal/sandbox's sibling package notes the
// same gap for wazero). Write is documented safe for concurrent use, which
// is what lets the read goroutine's "pong" replies and the main loop's
// event relay share one *websocket.Conn without their own locking.
func (s *Server) serveEventSocket(c *gin.Context, initial bus.Topic) {
	conn, err := websocket.Accept(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.CloseNow()

	ctx := c.Request.Context()
	out := make(chan bus.Event, 64)
	subs := newSocketSubs()
	defer subs.closeAll()

	subs.add(s.bus, initial, out)
	go s.readCommands(ctx, conn, subs, out)

	for {
		select {
		case ev, ok := <-out:
			if !ok {
				return
			}
			if err := wsjson.Write(ctx, conn, wireEvent{Type: string(ev.Kind), Payload: ev.Payload}); err != nil {
				return
			}
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "context cancelled")
			return
		case <-subs.done:
			return
		}
	}
}

func (s *Server) readCommands(ctx context.Context, conn *websocket.Conn, subs *socketSubs, out chan<- bus.Event) {
	defer subs.closeAll()
	for {
		var cmd wsCommand
		if err := wsjson.Read(ctx, conn, &cmd); err != nil {
			return
		}
		switch cmd.Type {
		case "subscribe_workflow":
			if cmd.RunID != "" {
				subs.add(s.bus, bus.Topic{Kind: bus.TopicRun, Value: cmd.RunID}, out)
			}
		case "ping":
			if err := wsjson.Write(ctx, conn, wireEvent{Type: "pong"}); err != nil {
				return
			}
		case "cancel_agent", "budget_continue", "budget_stop":
			// Accepted for wire-protocol compatibility. Nothing in this
			// module implements the nested-agent hierarchy these commands
			// control — no code here publishes bus.go's agent/budget Kind
			// values — so these are no-ops rather than errors.
		}
	}
}
