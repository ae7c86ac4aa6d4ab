package server

import (
	"crypto/tls"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/procyard/internal/auth"
	"github.com/loykin/procyard/internal/config"
	"github.com/loykin/procyard/internal/events"
	"github.com/loykin/procyard/internal/logger"
	mng "github.com/loykin/procyard/internal/manager"
	"github.com/loykin/procyard/internal/metrics"
	"github.com/loykin/procyard/internal/process"
	pg "github.com/loykin/procyard/internal/process_group"
	"github.com/loykin/procyard/internal/store"
)

// Router provides embeddable HTTP handlers for the engine. Every route lives
// under basePath, which may be empty or start with '/'.
//
//	GET    /status                                  all projections
//	GET    /projects/:project/status                one projection
//	GET    /groups/:group/status                    projections of a group
//	POST   /groups/:group/start|stop                every project of a group
//	POST   /groups/:group/projects/:project/start
//	POST   /groups/:group/projects/:project/restart
//	POST   /projects/:project/stop
//	POST   /projects/:project/stdin                 body: {"data": "..."}
//	POST   /projects/:project/resize                body: {"cols": 80, "rows": 24}
//	GET    /groups
//	GET    /projects/:project/sessions
//	DELETE /projects/:project/logs
//	GET    /sessions/:id[/logs|/metrics]
//	DELETE /sessions/:id
//	GET    /storage
//	POST   /storage/cleanup?days=N
//	POST   /storage/cleanup-all
//	GET    /events                                  server-sent events
//	GET    /metrics                                 when metrics are enabled
//	POST   /auth/login                              when auth is enabled
type Router struct {
	mgr      *mng.Manager
	st       store.Store
	groups   *config.Store
	grp      *pg.Group
	bus      *events.Bus
	basePath string
	logDir   string
	metrics  bool
	auth     *auth.Service
	logger   *slog.Logger
}

type Options struct {
	BasePath string
	// LogDir is where per-project output files live; clearing a project's
	// logs truncates its file there.
	LogDir  string
	Metrics bool
	// Auth, when set, guards every route except POST /auth/login.
	Auth   *auth.Service
	Logger *slog.Logger
}

func NewRouter(mgr *mng.Manager, st store.Store, groups *config.Store, bus *events.Bus, opts Options) *Router {
	l := opts.Logger
	if l == nil {
		l = slog.Default()
	}
	var cfg mng.ConfigProvider
	if groups != nil {
		cfg = groups
	}
	return &Router{
		mgr:      mgr,
		st:       st,
		groups:   groups,
		grp:      pg.New(mgr, cfg),
		bus:      bus,
		basePath: sanitizeBase(opts.BasePath),
		logDir:   opts.LogDir,
		metrics:  opts.Metrics,
		auth:     opts.Auth,
		logger:   l,
	}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	api := g.Group(r.basePath)
	if r.auth != nil {
		api.POST("/auth/login", r.auth.LoginHandler)
		api = api.Group("", r.auth.Gin())
	}
	api.GET("/status", r.handleStatuses)
	api.GET("/groups", r.handleGroups)

	api.GET("/groups/:group/status", r.handleGroupStatus)
	api.POST("/groups/:group/start", r.handleGroupStart)
	api.POST("/groups/:group/stop", r.handleGroupStop)
	api.POST("/groups/:group/projects/:project/start", r.handleStart)
	api.POST("/groups/:group/projects/:project/restart", r.handleRestart)

	api.GET("/projects/:project/status", r.handleStatus)
	api.POST("/projects/:project/stop", r.handleStop)
	api.POST("/projects/:project/stdin", r.handleStdin)
	api.POST("/projects/:project/resize", r.handleResize)
	api.GET("/projects/:project/sessions", r.handleProjectSessions)
	api.DELETE("/projects/:project/logs", r.handleClearProjectLogs)

	api.GET("/sessions/:id", r.handleSession)
	api.GET("/sessions/:id/logs", r.handleSessionLogs)
	api.GET("/sessions/:id/metrics", r.handleSessionMetrics)
	api.DELETE("/sessions/:id", r.handleDeleteSession)

	api.GET("/storage", r.handleStorage)
	api.POST("/storage/cleanup", r.handleCleanup)
	api.POST("/storage/cleanup-all", r.handleCleanupAll)

	api.GET("/events", r.handleEvents)
	if r.metrics {
		api.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	return g
}

// NewServer builds an http.Server for h. Write timeouts are left unset so
// event streams stay open. tlsConfig may be nil.
func NewServer(addr string, h http.Handler, tlsConfig *tls.Config) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type countResp struct {
	Deleted int64 `json:"deleted"`
}

type stdinReq struct {
	Data string `json:"data"`
}

type resizeReq struct {
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

// statusOf maps engine and store errors onto HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, process.ErrGroupNotFound),
		errors.Is(err, process.ErrProjectNotFound),
		errors.Is(err, process.ErrNotRunning),
		errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, process.ErrAlreadyRunning):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (r *Router) fail(c *gin.Context, err error) {
	code := statusOf(err)
	if code == http.StatusInternalServerError {
		r.logger.Error("request failed", "method", c.Request.Method, "path", c.FullPath(), "error", err)
	}
	writeJSON(c, code, errorResp{Error: err.Error()})
}

func badRequest(c *gin.Context, msg string) {
	writeJSON(c, http.StatusBadRequest, errorResp{Error: msg})
}

// projectParam returns the :project path parameter, rejecting names that
// could escape the log directory.
func projectParam(c *gin.Context) (string, bool) {
	id := c.Param("project")
	if err := config.CheckID(id); err != nil {
		badRequest(c, err.Error())
		return "", false
	}
	return id, true
}

func (r *Router) handleStatuses(c *gin.Context) {
	writeJSON(c, http.StatusOK, r.mgr.Statuses())
}

func (r *Router) handleStatus(c *gin.Context) {
	id, ok := projectParam(c)
	if !ok {
		return
	}
	writeJSON(c, http.StatusOK, r.mgr.Status(id))
}

func (r *Router) handleGroups(c *gin.Context) {
	if r.groups == nil {
		writeJSON(c, http.StatusOK, []config.Group{})
		return
	}
	writeJSON(c, http.StatusOK, r.groups.Groups())
}

type groupResp struct {
	Projects []string `json:"projects"`
}

func (r *Router) handleGroupStatus(c *gin.Context) {
	infos, err := r.grp.Status(c.Param("group"))
	if err != nil {
		r.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, infos)
}

func (r *Router) handleGroupStart(c *gin.Context) {
	started, err := r.grp.Start(c.Param("group"))
	if err != nil {
		r.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, groupResp{Projects: nonNil(started)})
}

func (r *Router) handleGroupStop(c *gin.Context) {
	stopped, err := r.grp.Stop(c.Param("group"))
	if err != nil {
		r.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, groupResp{Projects: nonNil(stopped)})
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func (r *Router) handleStart(c *gin.Context) {
	id, ok := projectParam(c)
	if !ok {
		return
	}
	if err := r.mgr.Start(c.Param("group"), id); err != nil {
		r.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, r.mgr.Status(id))
}

func (r *Router) handleRestart(c *gin.Context) {
	id, ok := projectParam(c)
	if !ok {
		return
	}
	if err := r.mgr.Restart(c.Request.Context(), c.Param("group"), id); err != nil {
		r.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, r.mgr.Status(id))
}

func (r *Router) handleStop(c *gin.Context) {
	id, ok := projectParam(c)
	if !ok {
		return
	}
	if err := r.mgr.Stop(id); err != nil {
		r.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleStdin(c *gin.Context) {
	id, ok := projectParam(c)
	if !ok {
		return
	}
	var req stdinReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid JSON: "+err.Error())
		return
	}
	if err := r.mgr.WriteStdin(id, []byte(req.Data)); err != nil {
		r.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleResize(c *gin.Context) {
	id, ok := projectParam(c)
	if !ok {
		return
	}
	var req resizeReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid JSON: "+err.Error())
		return
	}
	if req.Cols == 0 || req.Rows == 0 {
		badRequest(c, "cols and rows must be positive")
		return
	}
	if err := r.mgr.ResizePTY(id, req.Cols, req.Rows); err != nil {
		r.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleProjectSessions(c *gin.Context) {
	id, ok := projectParam(c)
	if !ok {
		return
	}
	sessions, err := r.st.ProjectSessions(c.Request.Context(), id)
	if err != nil {
		r.fail(c, err)
		return
	}
	if sessions == nil {
		sessions = []store.SessionWithStats{}
	}
	writeJSON(c, http.StatusOK, sessions)
}

// handleClearProjectLogs deletes the closed sessions of a project and empties
// its output file.
func (r *Router) handleClearProjectLogs(c *gin.Context) {
	id, ok := projectParam(c)
	if !ok {
		return
	}
	n, err := r.st.DeleteProjectSessions(c.Request.Context(), id)
	if err != nil {
		r.fail(c, err)
		return
	}
	if r.logDir != "" {
		if err := os.Truncate(logger.ProjectLogPath(r.logDir, id), 0); err != nil && !os.IsNotExist(err) {
			r.fail(c, err)
			return
		}
	}
	writeJSON(c, http.StatusOK, countResp{Deleted: n})
}

func (r *Router) handleSession(c *gin.Context) {
	s, err := r.st.Session(c.Request.Context(), c.Param("id"))
	if err != nil {
		r.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, s)
}

func (r *Router) handleSessionLogs(c *gin.Context) {
	logs, err := r.st.SessionLogs(c.Request.Context(), c.Param("id"))
	if err != nil {
		r.fail(c, err)
		return
	}
	if logs == nil {
		logs = []store.LogEntry{}
	}
	writeJSON(c, http.StatusOK, logs)
}

func (r *Router) handleSessionMetrics(c *gin.Context) {
	ms, err := r.st.SessionMetrics(c.Request.Context(), c.Param("id"))
	if err != nil {
		r.fail(c, err)
		return
	}
	if ms == nil {
		ms = []store.Metric{}
	}
	writeJSON(c, http.StatusOK, ms)
}

func (r *Router) handleDeleteSession(c *gin.Context) {
	id := c.Param("id")
	if _, err := r.st.Session(c.Request.Context(), id); err != nil {
		r.fail(c, err)
		return
	}
	if err := r.st.DeleteSession(c.Request.Context(), id); err != nil {
		r.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleStorage(c *gin.Context) {
	st, err := r.st.StorageStats(c.Request.Context())
	if err != nil {
		r.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, st)
}

func (r *Router) handleCleanup(c *gin.Context) {
	days, err := strconv.Atoi(c.Query("days"))
	if err != nil || days <= 0 {
		badRequest(c, "days query param must be a positive integer")
		return
	}
	n, err := r.st.CleanupOlderThan(c.Request.Context(), days)
	if err != nil {
		r.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, countResp{Deleted: n})
}

func (r *Router) handleCleanupAll(c *gin.Context) {
	if err := r.st.CleanupAll(c.Request.Context()); err != nil {
		r.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

// handleEvents streams bus events as SSE until the client goes away. The
// optional project query param limits status and log events to one project.
func (r *Router) handleEvents(c *gin.Context) {
	if r.bus == nil {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: "event stream disabled"})
		return
	}
	project := c.Query("project")
	ch, cancel := r.bus.Subscribe(256)
	defer cancel()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()
	c.Writer.Flush()
	c.Stream(func(io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case e, ok := <-ch:
			if !ok {
				return false
			}
			if matches(e, project) {
				c.SSEvent(e.Name, e.Payload)
			}
			return true
		}
	})
}

func matches(e events.Envelope, project string) bool {
	if project == "" {
		return true
	}
	switch p := e.Payload.(type) {
	case events.StatusChanged:
		return p.ProjectID == project
	case events.Log:
		return p.ProjectID == project
	default:
		return true
	}
}
