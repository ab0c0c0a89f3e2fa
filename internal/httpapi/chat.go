package httpapi

import (
	"io"

	"github.com/gin-gonic/gin"

	"github.com/boternity/boternity/internal/bus"
	"github.com/boternity/boternity/internal/chat"
	"github.com/boternity/boternity/internal/errs"
	"github.com/boternity/boternity/internal/ids"
)

type chatStreamRequest struct {
	SessionID *string `json:"session_id"`
	Message   string  `json:"message" binding:"required"`
}

// handleChatStream implements spec.md §6's completion streaming endpoint:
// POST /api/v1/bots/{id}/chat/stream, an SSE response with named event
// frames (session/text_delta/usage/done/error, plus the agent-hierarchy
// event kinds for nested-agent workflows — forwarded verbatim since their
// bus.Kind values already match the wire event names spec.md names).
//
// The handler subscribes on the bot's bus topic before starting the turn,
// not the session's: a brand new session has no id yet (chat.Pipeline
// allocates one internally), but the bot id is already known from the URL,
// and chat.Pipeline tags every event it publishes with both topics.
func (s *Server) handleChatStream(c *gin.Context) {
	botID, err := ids.Parse(c.Param("id"))
	if err != nil {
		writeError(c, errs.Wrap(errs.InvalidArgument, "invalid bot id", err))
		return
	}

	var req chatStreamRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, errs.Wrap(errs.InvalidArgument, "invalid request body", err))
		return
	}

	turnReq := chat.TurnRequest{BotID: botID, UserMessage: req.Message}
	if req.SessionID != nil {
		sid, err := ids.Parse(*req.SessionID)
		if err != nil {
			writeError(c, errs.Wrap(errs.InvalidArgument, "invalid session id", err))
			return
		}
		turnReq.SessionID = &sid
	}

	sub := s.bus.Subscribe(bus.Topic{Kind: bus.TopicBot, Value: botID.String()})
	defer sub.Close()

	ctx := c.Request.Context()
	turnErr := make(chan error, 1)
	go func() {
		_, err := s.chat.Turn(ctx, turnReq)
		turnErr <- err
	}()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	sawTerminal := false
	c.Stream(func(w io.Writer) bool {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				return false
			}
			c.SSEvent(string(ev.Kind), ev.Payload)
			if ev.Kind == bus.KindDone || ev.Kind == bus.KindError {
				sawTerminal = true
				return false
			}
			return true
		case err := <-turnErr:
			if err != nil && !sawTerminal {
				// Turn failed before publishing anything at all — e.g. an
				// unknown session id — so there is no bus event to relay.
				c.SSEvent("error", gin.H{"message": err.Error(), "code": string(errs.KindOf(err))})
			}
			return false
		case <-ctx.Done():
			return false
		}
	})
}
