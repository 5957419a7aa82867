// Package server implements the reference REST server that a remotefs
// mount talks to. Files are persisted through a storage.Store.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/klauspost/compress/gzhttp"
	"github.com/sirupsen/logrus"

	"github.com/remotefs/remotefs/internal/storage"
	"github.com/remotefs/remotefs/pkg/errors"
	"github.com/remotefs/remotefs/pkg/types"
	"github.com/remotefs/remotefs/pkg/utils"
)

// RequestIDHeader is echoed back on every response.
const RequestIDHeader = "X-Request-ID"

// DefaultMaxBody bounds PUT bodies when Config.MaxBody is zero.
const DefaultMaxBody int64 = 1 << 30

// Config configures a Server.
type Config struct {
	Store   storage.Store
	MaxBody int64
	Version string
	Logger  *logrus.Entry
}

// apiFunc is a route handler. A returned error is translated to a status
// code and a JSON error body by makeHTTPHandler.
type apiFunc func(ctx context.Context, w http.ResponseWriter, r *http.Request, vars map[string]string) error

type route struct {
	method  string
	path    string
	handler apiFunc
}

// Server serves the remote filesystem API over HTTP.
type Server struct {
	store   storage.Store
	maxBody int64
	version string
	logger  *logrus.Entry
	handler http.Handler
}

// New builds a Server over cfg.Store. Only JSON responses are compressed;
// file bodies keep their Content-Length and Range semantics.
func New(cfg Config) *Server {
	s := &Server{
		store:   cfg.Store,
		maxBody: cfg.MaxBody,
		version: cfg.Version,
		logger:  cfg.Logger,
	}
	if s.maxBody <= 0 {
		s.maxBody = DefaultMaxBody
	}
	if s.logger == nil {
		s.logger = utils.ComponentLogger("server")
	}

	r := mux.NewRouter()
	for _, rt := range s.routes() {
		r.Path(rt.path).Methods(rt.method).Handler(s.makeHTTPHandler(rt.handler))
	}
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "no such endpoint")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	r.Use(s.requestMiddleware)

	wrap, err := gzhttp.NewWrapper(gzhttp.ContentTypes([]string{"application/json"}))
	if err != nil {
		panic(err)
	}
	s.handler = wrap(r)
	return s
}

func (s *Server) routes() []route {
	return []route{
		{http.MethodGet, "/", s.getIndex},
		{http.MethodGet, "/health", s.getHealth},
		{http.MethodGet, "/list", s.getList},
		{http.MethodGet, "/list/{path:.*}", s.getList},
		{http.MethodGet, "/files/{path:.*}", s.getFile},
		{http.MethodHead, "/files/{path:.*}", s.getFile},
		{http.MethodPut, "/files/{path:.*}", s.putFile},
		{http.MethodDelete, "/files/{path:.*}", s.deleteFile},
		{http.MethodPost, "/mkdir/{path:.*}", s.postMkdir},
		{http.MethodPost, "/rename", s.postRename},
	}
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.WithFields(logrus.Fields{"addr": ln.Addr().String(), "store": s.store.Name()}).Info("Serving remote filesystem API")
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if stderrors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}

func (s *Server) makeHTTPHandler(handler apiFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := handler(r.Context(), w, r, mux.Vars(r)); err != nil {
			status := statusFromError(err)
			fields := logrus.Fields{
				"method":     r.Method,
				"path":       r.URL.Path,
				"status":     status,
				"request_id": w.Header().Get(RequestIDHeader),
			}
			if status >= http.StatusInternalServerError {
				s.logger.WithFields(fields).WithError(err).Error("Handler for request failed")
			} else {
				s.logger.WithFields(fields).WithError(err).Debug("Request rejected")
			}
			writeJSONError(w, status, err)
		}
	})
}

func (s *Server) requestMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := r.Header.Get(RequestIDHeader); id != "" {
			w.Header().Set(RequestIDHeader, id)
		}
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.WithFields(logrus.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"request_id": r.Header.Get(RequestIDHeader),
			"duration":   time.Since(start),
		}).Debug("Request served")
	})
}

func (s *Server) getIndex(ctx context.Context, w http.ResponseWriter, r *http.Request, vars map[string]string) error {
	return writeJSON(w, http.StatusOK, map[string]interface{}{
		"service": "remotefs",
		"version": s.version,
		"store":   s.store.Name(),
		"endpoints": []string{
			"GET /list/<path>",
			"GET|HEAD|PUT|DELETE /files/<path>",
			"POST /mkdir/<path>",
			"POST /rename",
			"GET /health",
		},
	})
}

func (s *Server) getHealth(ctx context.Context, w http.ResponseWriter, r *http.Request, vars map[string]string) error {
	if hc, ok := s.store.(storage.HealthChecker); ok {
		if err := hc.HealthCheck(ctx); err != nil {
			s.logger.WithError(err).Warn("Store health check failed")
			return writeJSON(w, http.StatusServiceUnavailable, types.HealthResponse{
				Status:  "unavailable",
				Version: s.version,
				Error:   err.Error(),
			})
		}
	}
	return writeJSON(w, http.StatusOK, types.HealthResponse{Status: "ok", Version: s.version})
}

func (s *Server) getList(ctx context.Context, w http.ResponseWriter, r *http.Request, vars map[string]string) error {
	infos, err := s.store.List(ctx, remotePath(vars))
	if err != nil {
		return err
	}
	resp := types.ListResponse{Entries: make([]types.ListEntry, 0, len(infos))}
	for _, fi := range infos {
		resp.Entries = append(resp.Entries, types.NewListEntry(fi))
	}
	return writeJSON(w, http.StatusOK, resp)
}

// getFile serves GET and HEAD. Range requests are answered with 206 by
// http.ServeContent.
func (s *Server) getFile(ctx context.Context, w http.ResponseWriter, r *http.Request, vars map[string]string) error {
	path := remotePath(vars)
	data, fi, err := s.store.ReadFile(ctx, path)
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	http.ServeContent(w, r, fi.Name, fi.ModTime, bytes.NewReader(data))
	return nil
}

func (s *Server) putFile(ctx context.Context, w http.ResponseWriter, r *http.Request, vars map[string]string) error {
	path := remotePath(vars)
	if path == "/" {
		return storage.Errorf(errors.ErrCodeIsADirectory, "write", path, "cannot write the root")
	}
	if r.ContentLength > s.maxBody {
		return errBodyTooLarge
	}

	body := http.MaxBytesReader(w, r.Body, s.maxBody)
	defer body.Close()

	if err := s.store.WriteFile(ctx, path, body, r.ContentLength); err != nil {
		var maxErr *http.MaxBytesError
		if stderrors.As(err, &maxErr) {
			return errBodyTooLarge
		}
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (s *Server) deleteFile(ctx context.Context, w http.ResponseWriter, r *http.Request, vars map[string]string) error {
	if err := s.store.Remove(ctx, remotePath(vars)); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (s *Server) postMkdir(ctx context.Context, w http.ResponseWriter, r *http.Request, vars map[string]string) error {
	path := remotePath(vars)
	if path == "/" {
		return storage.Errorf(errors.ErrCodeAlreadyExists, "mkdir", path, "root already exists")
	}
	if err := s.store.Mkdir(ctx, path); err != nil {
		return err
	}
	w.WriteHeader(http.StatusCreated)
	return nil
}

func (s *Server) postRename(ctx context.Context, w http.ResponseWriter, r *http.Request, vars map[string]string) error {
	var req types.RenameRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, 64*1024))
	if err := dec.Decode(&req); err != nil {
		return storage.Errorf(errors.ErrCodeInvalidArgument, "rename", "", "invalid rename request").WithCause(err)
	}
	if req.From == "" || req.To == "" {
		return storage.Errorf(errors.ErrCodeInvalidArgument, "rename", req.From, "from and to are required")
	}
	if err := s.store.Rename(ctx, req.From, req.To); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

var errBodyTooLarge = errors.NewError(errors.ErrCodeFileTooLarge, "request body too large").
	WithComponent("server")

func remotePath(vars map[string]string) string {
	return utils.CleanRemotePath(vars["path"])
}

// statusFromError maps store errors to the status codes the client expects.
// A directory where a file is required is reported as 400, as is a file
// where a directory is required.
func statusFromError(err error) int {
	switch errors.CodeOf(err) {
	case errors.ErrCodeFileTooLarge:
		return http.StatusRequestEntityTooLarge
	case errors.ErrCodeNotFound:
		return http.StatusNotFound
	case errors.ErrCodeAlreadyExists, errors.ErrCodeNotEmpty:
		return http.StatusConflict
	case errors.ErrCodeIsADirectory:
		return http.StatusConflict
	case errors.ErrCodeNotADirectory, errors.ErrCodeInvalidArgument:
		return http.StatusBadRequest
	case errors.ErrCodeConnectionFailed:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func errorMessage(err error) string {
	var rfe *errors.RemoteFSError
	if stderrors.As(err, &rfe) {
		return rfe.Message
	}
	return err.Error()
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	_ = writeJSON(w, status, types.ErrorResponse{Error: msg})
}

// writeJSONError sends err with its code so clients can tell apart the
// conditions that share a status.
func writeJSONError(w http.ResponseWriter, status int, err error) {
	_ = writeJSON(w, status, types.ErrorResponse{
		Error: errorMessage(err),
		Code:  string(errors.CodeOf(err)),
	})
}
