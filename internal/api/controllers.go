package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"intraday-core/internal/feed"
	"intraday-core/pkg/kite"
)

type startFeedRequest struct {
	// Tokens maps trading symbol to instrument token.
	Tokens map[string]uint32 `json:"tokens"`
	Mode   string            `json:"mode"`
}

func (s *Server) startFeed(c *gin.Context) {
	var req startFeedRequest
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "INVALID_PAYLOAD",
			"error": "invalid request payload",
		})
		return
	}
	if len(req.Tokens) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "NO_TOKENS",
			"error": "tokens map is required",
		})
		return
	}
	if req.Mode == "" {
		req.Mode = kite.ModeFull
	}

	if err := s.Feed.StartFeed(c.Request.Context(), req.Tokens, req.Mode); err != nil {
		status := http.StatusInternalServerError
		code := "START_FAILED"
		if errors.Is(err, feed.ErrFeedRunning) {
			status = http.StatusConflict
			code = "FEED_RUNNING"
		}
		c.JSON(status, gin.H{"code": code, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, s.Feed.Status())
}

func (s *Server) stopFeed(c *gin.Context) {
	s.Feed.StopFeed()
	c.JSON(http.StatusOK, s.Feed.Status())
}

func (s *Server) feedStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.Feed.Status())
}

func (s *Server) updateTokens(c *gin.Context) {
	var req startFeedRequest
	if err := c.BindJSON(&req); err != nil || len(req.Tokens) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "INVALID_PAYLOAD",
			"error": "tokens map is required",
		})
		return
	}
	if err := s.Feed.UpdateTokens(c.Request.Context(), req.Tokens); err != nil {
		status := http.StatusInternalServerError
		code := "UPDATE_FAILED"
		if errors.Is(err, feed.ErrFeedNotRunning) {
			status = http.StatusConflict
			code = "FEED_NOT_RUNNING"
		}
		c.JSON(status, gin.H{"code": code, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, s.Feed.Status())
}

func (s *Server) recentTicks(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ticks": s.Feed.RecentTicks(c.Query("symbol"))})
}

func (s *Server) getConfig(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"effective": s.Store.Effective(),
		"overrides": s.Store.Overrides(),
	})
}

func (s *Server) postConfig(c *gin.Context) {
	var raw map[string]any
	if err := c.BindJSON(&raw); err != nil || len(raw) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "INVALID_PAYLOAD",
			"error": "expected a non-empty override object",
		})
		return
	}
	res, err := s.Feed.ApplyConfig(c.Request.Context(), raw)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":  "APPLY_FAILED",
			"error": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) resetConfig(c *gin.Context) {
	if err := s.Feed.ResetConfig(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":  "RESET_FAILED",
			"error": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"effective": s.Store.Effective()})
}

func (s *Server) getDiagnostics(c *gin.Context) {
	symbol := c.Query("symbol")
	if symbol == "" {
		c.JSON(http.StatusOK, gin.H{"latest": s.Recorder.LatestAll()})
		return
	}
	n, _ := strconv.Atoi(c.DefaultQuery("n", "0"))
	c.JSON(http.StatusOK, gin.H{
		"symbol":    symbol,
		"snapshots": s.Recorder.Recent(symbol, n),
	})
}

func (s *Server) getTrades(c *gin.Context) {
	symbol := c.Query("symbol")
	if symbol == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "MISSING_SYMBOL",
			"error": "symbol query parameter is required",
		})
		return
	}
	n, err := strconv.Atoi(c.DefaultQuery("n", "50"))
	if err != nil || n <= 0 {
		n = 50
	}
	entries, err := s.DB.RecentTradeLog(c.Request.Context(), symbol, n)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":  "QUERY_FAILED",
			"error": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"symbol": symbol, "trades": entries})
}

func (s *Server) squareOff(c *gin.Context) {
	var req struct {
		Symbol string `json:"symbol"`
		Reason string `json:"reason"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  "INVALID_PAYLOAD",
			"error": "invalid request payload",
		})
		return
	}
	if err := s.Feed.SquareOff(req.Symbol, req.Reason); err != nil {
		status := http.StatusBadRequest
		code := "SQUAREOFF_FAILED"
		if errors.Is(err, feed.ErrFeedNotRunning) {
			status = http.StatusConflict
			code = "FEED_NOT_RUNNING"
		}
		c.JSON(status, gin.H{"code": code, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
