// Package server exposes a download Manager as an HTTP control plane.
package server

import (
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/mkdlm/rangedl/internal/dlm"
	"github.com/mkdlm/rangedl/internal/dlm/transport"
)

// Response is the standard API response envelope.
type Response struct {
	Code    int         `json:"code"`
	Data    interface{} `json:"data"`
	Message string      `json:"message"`
}

// AddDownloadRequest is the body for POST /downloads.
type AddDownloadRequest struct {
	URLs      []string `json:"urls" binding:"required"`
	Output    string   `json:"output"`
	MaxSlot   int      `json:"max_slot"`
	ChunkSize int64    `json:"chunk_size"`
}

// Server wraps a Manager with a gin.Engine. It only calls public
// Manager/Download methods and never reaches into the dlm internals.
type Server struct {
	manager   *dlm.Manager
	outputDir string
	engine    *gin.Engine
	httpSrv   *http.Server
}

// New creates a Server bound to manager, defaulting new downloads to
// outputDir when no per-request output is given.
func New(manager *dlm.Manager, outputDir string) *Server {
	s := &Server{manager: manager, outputDir: outputDir}
	s.engine = gin.New()
	s.engine.Use(gin.Recovery(), s.loggingMiddleware())
	s.registerRoutes()
	return s
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Printf("%s %s %s", c.Request.Method, c.Request.URL.Path, time.Since(start))
	}
}

func (s *Server) registerRoutes() {
	s.engine.POST("/downloads", s.handleAddDownload)
	s.engine.GET("/downloads", s.handleListDownloads)
	s.engine.GET("/downloads/:id", s.handleGetDownload)
	s.engine.POST("/downloads/:id/pause", s.handleAction(func(d *dlm.Download) bool { return d.Pause() }))
	s.engine.POST("/downloads/:id/resume", s.handleAction(func(d *dlm.Download) bool { return d.Ready() }))
	s.engine.POST("/downloads/:id/cancel", s.handleAction(func(d *dlm.Download) bool { return d.Cancel() }))
	s.engine.GET("/downloads/:id/log", s.handleLog)
}

// ServeHTTP lets a Server be driven directly by an httptest.Server or a
// test's http.Handler call, without going through Run's listener.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.engine.ServeHTTP(w, r)
}

// Run starts listening on addr, blocking until the server stops.
func (s *Server) Run(addr string) error {
	s.httpSrv = &http.Server{
		Addr:         addr,
		Handler:      s.engine,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}
	log.Printf("rangedl control API listening on %s", addr)
	return s.httpSrv.ListenAndServe()
}

func (s *Server) handleAddDownload(c *gin.Context) {
	var req AddDownloadRequest
	if err := c.ShouldBindJSON(&req); err != nil || len(req.URLs) == 0 {
		c.JSON(http.StatusBadRequest, Response{Code: 400, Message: "urls is required"})
		return
	}

	output := req.Output
	if output == "" {
		output = s.outputDir
	}

	id := uuid.NewString()
	fetcher := fetcherFor(req.URLs[0])
	d := dlm.NewDownload(id, output, filenameFromURL(req.URLs[0]), fetcher)
	for _, u := range req.URLs {
		d.AddSource(u)
	}
	if req.MaxSlot > 0 {
		d.SetMaxSlot(req.MaxSlot)
	}
	if req.ChunkSize > 0 {
		d.SetChunkSize(req.ChunkSize)
	}

	s.manager.AddDownload(d)

	c.JSON(http.StatusOK, Response{
		Code:    200,
		Data:    gin.H{"id": id, "state": d.State().String()},
		Message: "download added",
	})
}

func (s *Server) handleListDownloads(c *gin.Context) {
	downloads := s.manager.List()
	out := make([]gin.H, len(downloads))
	for i, d := range downloads {
		out[i] = downloadSummary(d)
	}
	c.JSON(http.StatusOK, Response{Code: 200, Data: gin.H{"downloads": out}, Message: fmt.Sprintf("%d downloads", len(out))})
}

func (s *Server) handleGetDownload(c *gin.Context) {
	d := s.manager.Get(c.Param("id"))
	if d == nil {
		c.JSON(http.StatusNotFound, Response{Code: 404, Message: "download not found"})
		return
	}
	c.JSON(http.StatusOK, Response{Code: 200, Data: downloadSummary(d), Message: d.State().String()})
}

func (s *Server) handleAction(fn func(*dlm.Download) bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		d := s.manager.Get(c.Param("id"))
		if d == nil {
			c.JSON(http.StatusNotFound, Response{Code: 404, Message: "download not found"})
			return
		}
		if !fn(d) {
			c.JSON(http.StatusConflict, Response{Code: 409, Message: "transition refused from state " + d.State().String()})
			return
		}
		c.JSON(http.StatusOK, Response{Code: 200, Data: gin.H{"state": d.State().String()}, Message: "ok"})
	}
}

func (s *Server) handleLog(c *gin.Context) {
	d := s.manager.Get(c.Param("id"))
	if d == nil {
		c.JSON(http.StatusNotFound, Response{Code: 404, Message: "download not found"})
		return
	}
	entries := d.Log().Entries()
	out := make([]gin.H, len(entries))
	for i, e := range entries {
		out[i] = gin.H{
			"severity":  e.Severity.String(),
			"time":      e.Time,
			"component": e.Component,
			"message":   e.Message,
		}
	}
	c.JSON(http.StatusOK, Response{Code: 200, Data: gin.H{"log": out}, Message: fmt.Sprintf("%d entries", len(out))})
}

func downloadSummary(d *dlm.Download) gin.H {
	return gin.H{
		"id":       d.ID(),
		"state":    d.State().String(),
		"filename": d.Filename(),
		"filesize": d.Filesize(),
		"loaded":   d.GetBytesLoaded(),
		"retries":  d.GetRetries(),
	}
}

func fetcherFor(rawURL string) dlm.Fetcher {
	if len(rawURL) >= 6 && rawURL[:6] == "ftp://" {
		return transport.NewFTPFetcher()
	}
	return transport.NewHTTPFetcher()
}

func filenameFromURL(rawURL string) string {
	for i := len(rawURL) - 1; i >= 0; i-- {
		if rawURL[i] == '/' {
			name := rawURL[i+1:]
			if name != "" {
				return name
			}
			break
		}
	}
	return "download"
}
