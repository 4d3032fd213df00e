package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/adjutant-ai/adjutant/pkg/database"
	"github.com/adjutant-ai/adjutant/pkg/dispatch"
	"github.com/adjutant-ai/adjutant/pkg/llm"
	"github.com/adjutant-ai/adjutant/pkg/pool"
	"github.com/adjutant-ai/adjutant/pkg/version"
)

// defaultStreamTimeout bounds /stream when the client gives none.
const defaultStreamTimeout = 60 * time.Second

// submitRequest is the wire body of POST /submit.
type submitRequest struct {
	Name     string         `json:"name" binding:"required"`
	Payload  map[string]any `json:"payload"`
	Context  map[string]any `json:"context"`
	Priority int            `json:"priority"`
	Labels   []string       `json:"labels"`
}

// handleSubmit accepts a wire-protocol task submission and runs it locally.
// The RouterHint pins execution to this node so a submission cannot bounce
// between nodes.
func (s *Server) handleSubmit(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	prio := pool.Priority(req.Priority)
	if !prio.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "priority out of range"})
		return
	}

	taskID, err := s.dispatcher.SubmitTask(c.Request.Context(), dispatch.SubmitSpec{
		Name:       req.Name,
		Payload:    req.Payload,
		Context:    req.Context,
		Priority:   prio,
		Labels:     req.Labels,
		RouterHint: dispatch.RouterHintLocal,
	})
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, dispatch.ErrUnknownTask) {
			status = http.StatusNotFound
		} else if errors.Is(err, pool.ErrPoolStopped) || errors.Is(err, pool.ErrQueueFull) {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"task_id": taskID})
}

// wireToken is the NDJSON form of a stream token.
type wireToken struct {
	Kind string `json:"kind"`
	Text string `json:"text"`
}

func toWire(tok llm.Token) wireToken {
	switch tok.Kind {
	case llm.KindThought:
		return wireToken{Kind: "thought", Text: tok.Text}
	case llm.KindError:
		return wireToken{Kind: "error", Text: tok.Text}
	default:
		return wireToken{Kind: "text", Text: tok.Text}
	}
}

// handleStream serves GET /stream?task_id=… as a newline-delimited JSON
// token stream.
func (s *Server) handleStream(c *gin.Context) {
	taskID := c.Query("task_id")
	if taskID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "task_id is required"})
		return
	}
	timeout := defaultStreamTimeout
	if raw := c.Query("timeout"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid timeout"})
			return
		}
		timeout = parsed
	}

	stream, err := s.dispatcher.StreamResult(taskID, timeout)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	c.Header("Content-Type", "application/x-ndjson")
	c.Status(http.StatusOK)
	enc := json.NewEncoder(c.Writer)
	for tok := range stream {
		if err := enc.Encode(toWire(tok)); err != nil {
			// Client went away; drain so the handler can finish.
			for range stream {
			}
			return
		}
		c.Writer.Flush()
	}
}

// queryRequest is the body of POST /query.
type queryRequest struct {
	SessionID string `json:"session_id"`
	Query     string `json:"query" binding:"required"`
}

// handleQuery streams a routed query response as NDJSON chunks.
func (s *Server) handleQuery(c *gin.Context) {
	var req queryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.SessionID == "" {
		req.SessionID = uuid.New().String()
	}

	out := s.queryRtr.Run(c.Request.Context(), req.SessionID, req.Query)

	c.Header("Content-Type", "application/x-ndjson")
	c.Header("X-Session-Id", req.SessionID)
	c.Status(http.StatusOK)
	enc := json.NewEncoder(c.Writer)
	for chunk := range out {
		if err := enc.Encode(gin.H{"chunk": chunk}); err != nil {
			// Client disconnected; the request context cancellation stops
			// the router.
			for range out {
			}
			return
		}
		c.Writer.Flush()
	}
}

// handleHealth reports pool, node, and database health.
func (s *Server) handleHealth(c *gin.Context) {
	stats := s.workerPool.Stats()

	nodes := make([]gin.H, 0)
	for _, n := range s.dispatcher.Nodes() {
		nodes = append(nodes, gin.H{
			"name":     n.Name,
			"healthy":  n.Healthy(),
			"inflight": n.Inflight(),
			"last_ok":  n.LastOK(),
		})
	}

	body := gin.H{
		"status":  "healthy",
		"version": version.Full(),
		"pool":    stats,
		"nodes":   nodes,
	}

	status := http.StatusOK
	if s.dbClient != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()
		dbHealth, err := database.Health(ctx, s.dbClient.DB())
		body["database"] = dbHealth
		if err != nil {
			body["status"] = "unhealthy"
			status = http.StatusServiceUnavailable
		}
	}

	c.JSON(status, body)
}

// handleListActions returns pending proactive actions and recent history.
func (s *Server) handleListActions(c *gin.Context) {
	if s.scheduler == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "proactive scheduler disabled"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"pending": s.scheduler.PendingActions(),
		"history": s.scheduler.History(),
		"metrics": s.scheduler.Stats(),
	})
}

// handleApproveAction approves and executes a pending action.
func (s *Server) handleApproveAction(c *gin.Context) {
	if s.scheduler == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "proactive scheduler disabled"})
		return
	}
	if err := s.scheduler.Approve(c.Request.Context(), c.Param("id"), "api"); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "approved"})
}

// handleRejectAction rejects a pending action.
func (s *Server) handleRejectAction(c *gin.Context) {
	if s.scheduler == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "proactive scheduler disabled"})
		return
	}
	var body struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&body)
	if err := s.scheduler.Reject(c.Param("id"), body.Reason); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "rejected"})
}
