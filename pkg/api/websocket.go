package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// wsWriteTimeout bounds one websocket send.
const wsWriteTimeout = 10 * time.Second

// wsQueryRequest is the client's opening message on /ws/query.
type wsQueryRequest struct {
	SessionID string `json:"session_id"`
	Query     string `json:"query"`
}

// wsChunk is one streamed response message.
type wsChunk struct {
	Type  string `json:"type"` // "chunk" | "done" | "error"
	Chunk string `json:"chunk,omitempty"`
}

// handleQueryWS upgrades to WebSocket, reads one query message, and streams
// the routed response as chunk messages, ending with a done message.
func (s *Server) handleQueryWS(c *gin.Context) {
	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // origin validation is deferred to the deployment proxy
	})
	if err != nil {
		slog.Warn("WebSocket accept failed", "error", err)
		return
	}
	defer conn.CloseNow()

	ctx := c.Request.Context()

	_, data, err := conn.Read(ctx)
	if err != nil {
		return
	}
	var req wsQueryRequest
	if err := json.Unmarshal(data, &req); err != nil || req.Query == "" {
		_ = writeWS(ctx, conn, wsChunk{Type: "error", Chunk: "expected {\"query\": ...}"})
		return
	}
	if req.SessionID == "" {
		req.SessionID = uuid.New().String()
	}

	// Cancel the router when the client disconnects mid-stream.
	queryCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		// A second read only returns when the connection closes or the
		// client sends something unexpected; either way, stop the query.
		_, _, _ = conn.Read(ctx)
		cancel()
	}()

	out := s.queryRtr.Run(queryCtx, req.SessionID, req.Query)
	for chunk := range out {
		if err := writeWS(ctx, conn, wsChunk{Type: "chunk", Chunk: chunk}); err != nil {
			cancel()
			for range out {
			}
			return
		}
	}

	_ = writeWS(ctx, conn, wsChunk{Type: "done"})
	_ = conn.Close(websocket.StatusNormalClosure, "done")
}

func writeWS(ctx context.Context, conn *websocket.Conn, msg wsChunk) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
