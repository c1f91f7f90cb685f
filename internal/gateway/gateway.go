// Package gateway exposes the cache over HTTP for clients without a zmq
// stack. It translates between JSON requests and the API protocol of one
// node.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/merry-bits/DCache/internal/client"
)

// Gateway is an HTTP front for one node's API endpoint.
type Gateway struct {
	apiAddress string
	timeout    time.Duration
	log        *slog.Logger
	server     *http.Server
}

// New builds the gateway. listenAddress is the HTTP listen address,
// apiAddress the node's API endpoint and timeout the per-request bound.
func New(listenAddress, apiAddress string, timeout time.Duration, log *slog.Logger) *Gateway {
	g := &Gateway{
		apiAddress: apiAddress,
		timeout:    timeout,
		log:        log,
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(g.logRequests(), g.recovery())
	router.GET("/dcache", g.getKey)
	router.POST("/dcache", g.setKey)
	router.GET("/dcache/status", g.status)
	g.server = &http.Server{Addr: listenAddress, Handler: router}
	return g
}

// Run serves HTTP until the context is cancelled, then shuts down
// gracefully.
func (g *Gateway) Run(ctx context.Context) error {
	errs := make(chan error, 1)
	go func() {
		errs <- g.server.ListenAndServe()
	}()
	g.log.Info("http gateway listening", "address", g.server.Addr)
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), g.timeout)
		defer cancel()
		return g.server.Shutdown(shutdownCtx)
	case err := <-errs:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// connect opens a fresh api connection for one request. The zmq req socket
// is strictly lock-step, so gin handlers cannot share one.
func (g *Gateway) connect(c *gin.Context) *client.Client {
	conn, err := client.Dial(g.apiAddress, g.timeout)
	if err != nil {
		g.log.Error("node connection failed", "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "node unreachable"})
		return nil
	}
	return conn
}

func (g *Gateway) getKey(c *gin.Context) {
	key := c.Query("key")
	if key == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "key parameter required"})
		return
	}
	conn := g.connect(c)
	if conn == nil {
		return
	}
	defer conn.Close()
	value, err := conn.Get(key)
	if err != nil {
		g.replyError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": key, "value": value})
}

type setRequest struct {
	Key   string `json:"key" binding:"required"`
	Value string `json:"value"`
}

func (g *Gateway) setKey(c *gin.Context) {
	var req setRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	conn := g.connect(c)
	if conn == nil {
		return
	}
	defer conn.Close()
	if err := conn.Set(req.Key, req.Value); err != nil {
		g.replyError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (g *Gateway) status(c *gin.Context) {
	conn := g.connect(c)
	if conn == nil {
		return
	}
	defer conn.Close()
	status, err := conn.Status()
	if err != nil {
		g.replyError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"node_id": status.NodeID,
		"peers":   status.Peers,
		"rings":   status.Rings,
		"entries": status.Entries,
		"usage":   status.Usage,
	})
}

func (g *Gateway) replyError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, client.ErrTooBig):
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "entry too big"})
	case errors.Is(err, client.ErrTimeout):
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": "cache timeout"})
	default:
		g.log.Error("request failed", "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "cache request failed"})
	}
}

func (g *Gateway) logRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		g.log.Debug(
			"http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"latency", time.Since(start))
	}
}

func (g *Gateway) recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				g.log.Error("handler panic", "error", err)
				c.AbortWithStatusJSON(
					http.StatusInternalServerError,
					gin.H{"error": "internal server error"})
			}
		}()
		c.Next()
	}
}
