package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"runtime"

	"github.com/gin-gonic/gin"
	"github.com/newrelic/go-agent/v3/newrelic"

	"example.com/aethyr/world/domain"
)

// CommandRequest is the body of POST /api/v1/commands
type CommandRequest struct {
	CommandType string          `json:"commandType" binding:"required"`
	Data        json.RawMessage `json:"data" binding:"required"`
}

// errorStatus maps domain errors to HTTP status codes
func errorStatus(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrAggregateNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrConcurrency):
		return http.StatusConflict
	case errors.Is(err, domain.ErrSerialization):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, domain.ErrPersistence), errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(c *gin.Context, err error) {
	if errorStatus(err) >= http.StatusInternalServerError {
		newrelic.FromContext(c.Request.Context()).NoticeError(err)
	}
	c.JSON(errorStatus(err), gin.H{"error": err.Error()})
}

func (s *Server) requestContext(c *gin.Context) (context.Context, context.CancelFunc) {
	if s.cfg.Server.Timeout <= 0 {
		return context.WithCancel(c.Request.Context())
	}
	return context.WithTimeout(c.Request.Context(), s.cfg.Server.Timeout)
}

// submitCommand decodes and executes one command
func (s *Server) submitCommand(c *gin.Context) {
	var req CommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx, cancel := s.requestContext(c)
	defer cancel()

	events, err := s.world.SubmitEncoded(ctx, req.CommandType, req.Data)
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"events": events})
}

// queryProjection filters a read table by query parameters
func (s *Server) queryProjection(c *gin.Context) {
	filter := make(map[string]any)
	for key, values := range c.Request.URL.Query() {
		if len(values) > 0 {
			filter[key] = values[0]
		}
	}

	ctx, cancel := s.requestContext(c)
	defer cancel()

	rows, err := s.world.QueryProjection(ctx, c.Param("table"), filter)
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"rows": rows, "count": len(rows)})
}

// rebuildWorldState replays the log into the read tables. It is not bound
// by the request timeout.
func (s *Server) rebuildWorldState(c *gin.Context) {
	stats, err := s.world.RebuildWorldState(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// getAggregateEvents returns an aggregate's event stream
func (s *Server) getAggregateEvents(c *gin.Context) {
	ctx, cancel := s.requestContext(c)
	defer cancel()

	events, err := s.world.Events(ctx, c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"aggregate_id": c.Param("id"), "events": events})
}

func (s *Server) getStatistics(c *gin.Context) {
	ctx, cancel := s.requestContext(c)
	defer cancel()

	c.JSON(http.StatusOK, s.world.Statistics(ctx))
}

func (s *Server) getMetrics(c *gin.Context) {
	m := s.world.Metrics()
	m.SetGauge("goroutines", int64(runtime.NumGoroutine()))
	c.JSON(http.StatusOK, m.GetAllMetrics())
}
