package server

import (
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/regulata/regwatch/internal/kb"
	"github.com/regulata/regwatch/internal/store"
	"github.com/regulata/regwatch/internal/watcher"
)

// Server exposes the read-only ops API over the version store and registry.
type Server struct {
	Store     *store.Store
	Registry  *watcher.Registry
	Scheduler *watcher.Scheduler
	KB        *kb.Loader
	Logger    *log.Logger
}

// New builds a Server; kb may be nil when the knowledge base is disabled.
func New(st *store.Store, reg *watcher.Registry, sched *watcher.Scheduler, loader *kb.Loader) *Server {
	return &Server{
		Store:     st,
		Registry:  reg,
		Scheduler: sched,
		KB:        loader,
		Logger:    log.New(log.Writer(), "[HTTP] ", log.LstdFlags),
	}
}

// Echo assembles the router with all routes registered.
func (s *Server) Echo() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		s.Logger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	api := e.Group("/api")
	api.GET("/sources", s.listSources)
	api.POST("/sources/:id/run", s.runSource)
	api.GET("/sources/:id/documents", s.listDocuments)
	api.GET("/documents/:source/:slug/latest", s.latestVersion)
	api.GET("/documents/:source/:slug/history", s.versionHistory)
	api.GET("/documents/:source/:slug/versions/:seq", s.getVersion)
	api.GET("/changes/pending", s.pendingChanges)
	api.GET("/failures", s.listFailures)
	api.GET("/search", s.search)
	return e
}

type sourceView struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	URL          string `json:"url"`
	Kind         string `json:"kind"`
	PollInterval string `json:"poll_interval"`
}

func (s *Server) listSources(c echo.Context) error {
	sources := s.Registry.ListSources()
	out := make([]sourceView, 0, len(sources))
	for _, src := range sources {
		out = append(out, sourceView{
			ID:           src.ID,
			Name:         src.Name,
			URL:          src.URL,
			Kind:         string(src.Kind),
			PollInterval: src.PollInterval.String(),
		})
	}
	return c.JSON(http.StatusOK, out)
}

// runSource triggers one synchronous cycle for a source. Useful for testing
// a new source definition without waiting out the poll interval.
func (s *Server) runSource(c echo.Context) error {
	id := c.Param("id")
	if _, ok := s.Registry.Get(id); !ok {
		return echo.NewHTTPError(http.StatusNotFound, "unknown source: "+id)
	}
	if s.Scheduler == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "watcher not running")
	}
	started := time.Now()
	res, err := s.Scheduler.RunOnce(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"fetched":   res.Fetched,
		"stored":    res.Stored,
		"unchanged": res.Unchanged,
		"failed":    res.Failed,
		"took":      time.Since(started).String(),
	})
}

func (s *Server) listDocuments(c echo.Context) error {
	id := c.Param("id")
	if _, ok := s.Registry.Get(id); !ok {
		return echo.NewHTTPError(http.StatusNotFound, "unknown source: "+id)
	}
	identities, err := s.Store.ListIdentities(c.Request().Context(), id, queryInt(c, "limit", 100))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"identities": identities})
}

func (s *Server) latestVersion(c echo.Context) error {
	identity := pathIdentity(c)
	v, ok, err := s.Store.Latest(c.Request().Context(), identity)
	if err != nil {
		return err
	}
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "unknown document: "+identity)
	}
	return c.JSON(http.StatusOK, v)
}

func (s *Server) versionHistory(c echo.Context) error {
	identity := pathIdentity(c)
	versions, err := s.Store.History(c.Request().Context(), identity)
	if err != nil {
		return err
	}
	if len(versions) == 0 {
		return echo.NewHTTPError(http.StatusNotFound, "unknown document: "+identity)
	}
	return c.JSON(http.StatusOK, versions)
}

func (s *Server) getVersion(c echo.Context) error {
	identity := pathIdentity(c)
	seq, err := strconv.Atoi(c.Param("seq"))
	if err != nil || seq < 1 {
		return echo.NewHTTPError(http.StatusBadRequest, "seq must be a positive integer")
	}
	v, ok, err := s.Store.GetVersion(c.Request().Context(), identity, seq)
	if err != nil {
		return err
	}
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, fmt.Sprintf("no version %d for %s", seq, identity))
	}
	return c.JSON(http.StatusOK, v)
}

func (s *Server) pendingChanges(c echo.Context) error {
	events, err := s.Store.PendingChanges(c.Request().Context(), queryInt(c, "limit", 100))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, events)
}

func (s *Server) listFailures(c echo.Context) error {
	failures, err := s.Store.ListFailures(c.Request().Context(), c.QueryParam("source"), queryInt(c, "limit", 100))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, failures)
}

func (s *Server) search(c echo.Context) error {
	if s.KB == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "knowledge base disabled")
	}
	q := c.QueryParam("q")
	if q == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "q is required")
	}
	hits, err := s.KB.Search(c.Request().Context(), q, c.QueryParam("category"), queryInt(c, "k", 10))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, hits)
}

// pathIdentity reassembles a document identity from its two path segments.
// Identities have the form "<source>/<slug>".
func pathIdentity(c echo.Context) string {
	return c.Param("source") + "/" + c.Param("slug")
}

func queryInt(c echo.Context, name string, def int) int {
	raw := c.QueryParam(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
