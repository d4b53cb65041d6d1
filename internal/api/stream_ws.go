package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/user/crowdwatch/internal/bus"
)

type wsWriter interface {
	Write(ctx context.Context, msgType websocket.MessageType, data []byte) error
}

// streamFrame is one websocket message. Data is the published body.
type streamFrame struct {
	ID        string          `json:"id"`
	Topic     string          `json:"topic"`
	Published string          `json:"published"`
	Data      json.RawMessage `json:"data"`
}

// handleStreamWS streams published bus messages. topics is a comma-separated
// list of topic names; empty streams everything.
func (s *Server) handleStreamWS(w http.ResponseWriter, r *http.Request) {
	if s.Feed == nil {
		s.writeError(w, errStreamDisabled)
		return
	}
	topics := splitComma(r.URL.Query().Get("topics"))

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "closed")

	// The client only listens; CloseRead handles its close frame.
	ctx := conn.CloseRead(r.Context())
	if err := streamMessages(ctx, s.Feed, topics, conn); err != nil && ctx.Err() == nil {
		s.Logger.Warn("stream ended", zap.Error(err))
		_ = conn.Close(websocket.StatusInternalError, "stream error")
		return
	}
	_ = conn.Close(websocket.StatusNormalClosure, "done")
}

func streamMessages(ctx context.Context, feed *bus.Feed, topics []string, writer wsWriter) error {
	sub := feed.Subscribe(ctx, topics)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-sub:
			if !ok {
				return nil
			}
			payload, err := json.Marshal(streamFrame{
				ID:        msg.ID,
				Topic:     msg.Topic,
				Published: msg.Published.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
				Data:      msg.Data,
			})
			if err != nil {
				return err
			}
			if err := writer.Write(ctx, websocket.MessageText, payload); err != nil {
				return err
			}
		}
	}
}
