// Package api exposes the remote access layer over HTTP and provides the
// matching client used by the CLI and dashboard.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/treykane/remote-viewer/internal/app"
	"github.com/treykane/remote-viewer/internal/browse"
	"github.com/treykane/remote-viewer/internal/envprobe"
	"github.com/treykane/remote-viewer/internal/events"
	"github.com/treykane/remote-viewer/internal/faults"
	"github.com/treykane/remote-viewer/internal/history"
	"github.com/treykane/remote-viewer/internal/model"
	"github.com/treykane/remote-viewer/internal/pool"
	"github.com/treykane/remote-viewer/internal/profiles"
	"github.com/treykane/remote-viewer/internal/viewer"
)

const shutdownGrace = 5 * time.Second

// Server routes HTTP requests to the shared services.
type Server struct {
	app    *app.App
	engine *gin.Engine
}

func NewServer(a *app.App) *Server {
	s := &Server{app: a, engine: gin.New()}
	s.engine.Use(gin.Recovery(), requestLogger())
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) routes() {
	r := s.engine.Group("/api/remote")
	r.POST("/connect", s.connect)
	r.POST("/disconnect", s.disconnect)
	r.GET("/sessions", s.sessions)

	r.GET("/known-hosts", s.listHostKeys)
	r.POST("/known-hosts/accept", s.acceptHostKey)
	r.POST("/known-hosts/remove", s.removeHostKey)

	r.GET("/environments", s.environments)
	r.GET("/fs/list", s.listDir)
	r.GET("/fs/exists", s.pathExists)

	r.POST("/viewer/start", s.startViewer)
	r.POST("/viewer/stop", s.stopViewer)
	r.GET("/viewer/sessions", s.viewerSessions)
	r.GET("/viewer/status/:id", s.viewerStatus)
	r.GET("/viewer/tunnels", s.viewerTunnels)
	r.GET("/viewer/events", s.viewerEvents)

	r.GET("/connections/saved", s.savedConnections)
	r.POST("/connections/saved", s.saveConnection)
	r.DELETE("/connections/saved/:name", s.deleteConnection)
}

// ListenAndServe serves on the configured address until ctx ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.app.Config.ListenAddr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	slog.Info("api listening", "addr", srv.Addr)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.Debug("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

func (s *Server) bind(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		s.fail(c, badRequest("invalid JSON body: %v", err))
		return false
	}
	return true
}

func touch(key string) {
	if err := history.Touch(key); err != nil {
		slog.Debug("record last use failed", "connection", key, "error", err)
	}
}

func (s *Server) connect(c *gin.Context) {
	var req ConnectRequest
	if !s.bind(c, &req) {
		return
	}
	id := req.identity()
	if err := id.Validate(); err != nil {
		s.fail(c, faults.Wrap(faults.InvalidArgument, "connect", err))
		return
	}
	conn, err := s.app.Pool.Connect(c.Request.Context(), pool.ConnectRequest{
		Identity: id,
		Auth:     req.auth(),
		Source:   c.ClientIP(),
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	touch(id.Key())
	c.JSON(http.StatusOK, ConnectResponse{ConnectionID: id.Key(), Backend: conn.Backend})
}

func (s *Server) disconnect(c *gin.Context) {
	var req DisconnectRequest
	if !s.bind(c, &req) {
		return
	}
	id := model.ConnectionIdentity{Host: req.Host, Port: req.Port, Username: req.Username}.Normalize()
	if err := id.Validate(); err != nil {
		s.fail(c, faults.Wrap(faults.InvalidArgument, "disconnect", err))
		return
	}
	if err := s.app.Viewers.Disconnect(c.Request.Context(), id); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, okResponse{OK: true})
}

func (s *Server) sessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": s.app.Pool.List()})
}

func (s *Server) listHostKeys(c *gin.Context) {
	hosts, err := s.app.HostKeys.List()
	if err != nil {
		s.fail(c, err)
		return
	}
	if hosts == nil {
		hosts = []model.HostKeyRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"hosts": hosts})
}

func (s *Server) acceptHostKey(c *gin.Context) {
	var rec model.HostKeyRecord
	if !s.bind(c, &rec) {
		return
	}
	if err := s.app.HostKeys.Accept(rec); err != nil {
		s.fail(c, err)
		return
	}
	slog.Info("host key accepted", "host", rec.Host, "port", rec.Port, "fingerprint", rec.FingerprintSHA256)
	c.JSON(http.StatusOK, okResponse{OK: true})
}

func (s *Server) removeHostKey(c *gin.Context) {
	var req RemoveHostKeyRequest
	if !s.bind(c, &req) {
		return
	}
	if req.Host == "" {
		s.fail(c, badRequest("host is required"))
		return
	}
	removed, err := s.app.HostKeys.Remove(req.Host, req.Port)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, okResponse{OK: true, Removed: removed})
}

// connection resolves the connection_id query parameter to a live handle.
func (s *Server) connection(c *gin.Context) (*pool.Connection, bool) {
	id, err := model.ParseIdentityKey(c.Query("connection_id"))
	if err != nil {
		s.fail(c, faults.Wrap(faults.InvalidArgument, "parse connection id", err))
		return nil, false
	}
	conn, err := s.app.Pool.Get(id)
	if err != nil {
		s.fail(c, err)
		return nil, false
	}
	return conn, true
}

func (s *Server) environments(c *gin.Context) {
	conn, ok := s.connection(c)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), s.app.Config.Timeouts.Probe())
	defer cancel()
	envs, err := envprobe.Probe(ctx, conn.Handle, s.app.Config.Viewer.Package)
	if err != nil {
		s.fail(c, err)
		return
	}
	if envs == nil {
		envs = []model.RemoteEnvironment{}
	}
	c.JSON(http.StatusOK, gin.H{"environments": envs})
}

func (s *Server) listDir(c *gin.Context) {
	conn, ok := s.connection(c)
	if !ok {
		return
	}
	hidden, _ := strconv.ParseBool(c.Query("hidden"))
	listing, err := browse.List(c.Request.Context(), conn.Handle, c.Query("path"), browse.Options{IncludeHidden: hidden})
	if err != nil {
		s.fail(c, err)
		return
	}
	if listing.Entries == nil {
		listing.Entries = []browse.Entry{}
	}
	c.JSON(http.StatusOK, listing)
}

func (s *Server) pathExists(c *gin.Context) {
	conn, ok := s.connection(c)
	if !ok {
		return
	}
	exists, isDir, err := browse.Stat(c.Request.Context(), conn.Handle, c.Query("path"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"exists": exists, "is_dir": isDir})
}

func (s *Server) startViewer(c *gin.Context) {
	var req StartViewerRequest
	if !s.bind(c, &req) {
		return
	}
	id := model.ConnectionIdentity{Host: req.Host, Port: req.Port, Username: req.Username}.Normalize()
	// Only Stop cancels a launch, not a dropped client.
	ctx := context.WithoutCancel(c.Request.Context())
	session, err := s.app.Viewers.Start(ctx, viewer.StartRequest{
		Identity:    id,
		Auth:        req.auth(),
		Source:      c.ClientIP(),
		RemoteRoot:  req.RemoteRoot,
		Environment: req.Environment,
		LocalPort:   req.LocalPort,
		RemotePort:  req.RemotePort,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	touch(id.Key())
	c.JSON(http.StatusOK, gin.H{"session": session})
}

func (s *Server) stopViewer(c *gin.Context) {
	var req StopViewerRequest
	if !s.bind(c, &req) {
		return
	}
	if req.SessionID == "" {
		s.fail(c, badRequest("session_id is required"))
		return
	}
	if err := s.app.Viewers.Stop(c.Request.Context(), req.SessionID); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, okResponse{OK: true})
}

func (s *Server) viewerSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": s.app.Viewers.List()})
}

// viewerTunnels reports the forwards behind viewer sessions with a fresh
// latency sample for the ones that are up.
func (s *Server) viewerTunnels(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tunnels": s.app.Tunnels.Snapshot()})
}

func (s *Server) viewerStatus(c *gin.Context) {
	session, err := s.app.Viewers.Get(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, session)
}

func (s *Server) viewerEvents(c *gin.Context) {
	q := events.Query{
		Connection: c.Query("connection"),
		SessionID:  c.Query("session_id"),
		EventType:  c.Query("type"),
	}
	if v := c.Query("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.fail(c, badRequest("since must be RFC 3339: %v", err))
			return
		}
		q.Since = t
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.fail(c, badRequest("limit must be a non-negative integer"))
			return
		}
		q.Limit = n
	}
	evts, err := s.app.Events.Read(q)
	if err != nil {
		s.fail(c, err)
		return
	}
	if evts == nil {
		evts = []events.Event{}
	}
	c.JSON(http.StatusOK, gin.H{"events": evts})
}

func (s *Server) savedConnections(c *gin.Context) {
	all, err := profiles.LoadAll()
	if err != nil {
		s.fail(c, err)
		return
	}
	if lastUsed, err := history.LastUsed(); err == nil {
		all = history.SortRecent(all, func(p profiles.Profile) string { return p.Identity().Key() }, lastUsed)
	}
	if all == nil {
		all = []profiles.Profile{}
	}
	c.JSON(http.StatusOK, gin.H{"connections": all})
}

func (s *Server) saveConnection(c *gin.Context) {
	var p profiles.Profile
	if !s.bind(c, &p) {
		return
	}
	if err := profiles.Save(p); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, okResponse{OK: true})
}

func (s *Server) deleteConnection(c *gin.Context) {
	if err := profiles.Delete(c.Param("name")); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, okResponse{OK: true})
}
