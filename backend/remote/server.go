// Package remote exposes a backend over HTTP and provides the matching
// client backend, so several processes can persist through one store.
//
// The server relays encoded values without decoding them: it wraps a
// backend.Backend[[]byte] and the client owns the value codec.
package remote

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/adeilh/go-durable/backend"
)

type entriesBody struct {
	Entries map[string][]byte `json:"entries"`
}

type updatedBody struct {
	Updated map[string]time.Time `json:"updated"`
}

type existsBody struct {
	Exists bool `json:"exists"`
}

type deleteBody struct {
	Keys []string `json:"keys"`
}

type errorBody struct {
	Error string `json:"error"`
}

// Server serves one backend over HTTP.
type Server struct {
	echo     *echo.Echo
	backend  backend.Backend[[]byte]
	address  string
	log      *slog.Logger
	srv      *http.Server
	shutdown time.Duration
}

func NewServer(b backend.Backend[[]byte], opts ...ServerOption) *Server {
	cfg := defaultServerOptions()
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler
	e.Server.ReadTimeout = cfg.ReadTimeout
	e.Server.WriteTimeout = cfg.WriteTimeout
	e.Use(middleware.Recover())
	e.Use(requestLogger(cfg.Logger))
	if cfg.Token != "" {
		e.Use(middleware.KeyAuth(func(key string, _ echo.Context) (bool, error) {
			return subtle.ConstantTimeCompare([]byte(key), []byte(cfg.Token)) == 1, nil
		}))
	}
	for _, mw := range cfg.Middlewares {
		e.Use(mw)
	}

	s := &Server{
		echo:     e,
		backend:  b,
		address:  cfg.Address,
		log:      cfg.Logger,
		shutdown: cfg.ShutdownTimeout,
	}
	g := e.Group("/v1/containers")
	g.GET("/:name/exists", s.exists)
	g.GET("/:name", s.load)
	g.GET("/:name/updated", s.loadLastUpdated)
	g.PUT("/:name", s.save)
	g.POST("/:name/delete", s.delete)
	return s
}

func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start listens until ctx is canceled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.srv = &http.Server{
		Addr:         s.address,
		Handler:      s.echo,
		ReadTimeout:  s.echo.Server.ReadTimeout,
		WriteTimeout: s.echo.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.Info("remote backend listening", slog.String("address", s.address))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdown)
		defer cancel()
		_ = s.srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func containerName(c echo.Context) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(c.Param("name"))
	if err != nil || len(raw) == 0 {
		return "", echo.NewHTTPError(http.StatusBadRequest, "malformed container name")
	}
	return string(raw), nil
}

func (s *Server) exists(c echo.Context) error {
	name, err := containerName(c)
	if err != nil {
		return err
	}
	ok, err := s.backend.Exists(c.Request().Context(), name)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, existsBody{Exists: ok})
}

func (s *Server) load(c echo.Context) error {
	name, err := containerName(c)
	if err != nil {
		return err
	}
	entries, err := s.backend.Load(c.Request().Context(), name)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, entriesBody{Entries: entries})
}

func (s *Server) loadLastUpdated(c echo.Context) error {
	loader, ok := s.backend.(backend.LastUpdatedLoader)
	if !ok {
		return errors.ErrUnsupported
	}
	name, err := containerName(c)
	if err != nil {
		return err
	}
	updated, err := loader.LoadLastUpdated(c.Request().Context(), name)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, updatedBody{Updated: updated})
}

func (s *Server) save(c echo.Context) error {
	name, err := containerName(c)
	if err != nil {
		return err
	}
	var body entriesBody
	if err := c.Bind(&body); err != nil {
		return err
	}
	if body.Entries == nil {
		body.Entries = map[string][]byte{}
	}
	if err := s.backend.Save(c.Request().Context(), name, body.Entries); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) delete(c echo.Context) error {
	deleter, ok := s.backend.(backend.Deleter)
	if !ok {
		return errors.ErrUnsupported
	}
	name, err := containerName(c)
	if err != nil {
		return err
	}
	var body deleteBody
	if err := c.Bind(&body); err != nil {
		return err
	}
	if err := deleter.Delete(c.Request().Context(), name, body.Keys...); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// statusOf maps backend errors onto the status codes the client translates
// back.
func statusOf(err error) int {
	switch {
	case errors.Is(err, backend.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, backend.ErrCorrupt):
		return http.StatusUnprocessableEntity
	case errors.Is(err, backend.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, backend.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, errors.ErrUnsupported):
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

func errorHandler(err error, c echo.Context) {
	code := statusOf(err)
	msg := err.Error()
	var he *echo.HTTPError
	if errors.As(err, &he) {
		code = he.Code
		if str, ok := he.Message.(string); ok {
			msg = str
		} else {
			msg = http.StatusText(code)
		}
	}
	if !c.Response().Committed {
		_ = c.JSON(code, errorBody{Error: msg})
	}
}

func requestLogger(log *slog.Logger) echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
				slog.Duration("latency", v.Latency),
			}
			if v.Error != nil {
				log.Warn("request failed", append(attrs, slog.Any("error", v.Error))...)
				return nil
			}
			log.Debug("request", attrs...)
			return nil
		},
	})
}
