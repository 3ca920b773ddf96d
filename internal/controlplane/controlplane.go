// Package controlplane exposes the Service composition root over a local
// HTTP+JSON API on a Unix domain socket, plus a Server-Sent Events stream
// of activity records, so a UI/companion process can drive mount, sync,
// and eviction operations and observe state changes without embedding Go.
//
// Grounded on pkg/api/server.go's middleware chain (logging, CORS,
// structured JSON responses) and http.Server-over-net.Listener shape,
// generalized from a fixed health/status/info mux to the ~20-operation
// surface SPEC_FULL.md §4.11 names, routed with gorilla/mux (seen vendored
// in the pack's moby-moby example) since named-route dispatch fits a
// control surface this size better than a hand-rolled ServeMux switch.
package controlplane

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/sys/unix"

	"github.com/hybridfs/hybridfs/internal/service"
	"github.com/hybridfs/hybridfs/pkg/utils"
)

// Config configures the control plane's transport.
type Config struct {
	// SocketPath is where the Unix domain socket is created.
	SocketPath string

	// RequirePeerMatch rejects requests from a peer UID other than this
	// process's own (or root's), via SO_PEERCRED.
	RequirePeerMatch bool

	// RequestTimeout bounds how long any single handler may run.
	RequestTimeout time.Duration
}

// DefaultConfig returns sensible defaults, including SPEC_FULL.md's
// default 30s XpcTimeout.
func DefaultConfig(socketPath string) Config {
	return Config{
		SocketPath:       socketPath,
		RequirePeerMatch: true,
		RequestTimeout:   30 * time.Second,
	}
}

// Server is the control plane's HTTP surface over svc.
type Server struct {
	svc    *service.Service
	cfg    Config
	http   *http.Server
	ln     net.Listener
	logger *utils.StructuredLogger
}

// NewServer builds a Server wired to svc. The mux is constructed eagerly;
// Start only needs to bind the socket and begin serving. The logger is
// svc's own root structured logger (SPEC_FULL.md §2.1) scoped to this
// component, so control plane and service logs share one destination.
func NewServer(svc *service.Service, cfg Config) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}

	s := &Server{svc: svc, cfg: cfg, logger: svc.Logger().WithComponent("controlplane")}

	router := mux.NewRouter()
	router.Use(s.loggingMiddleware, s.recoverMiddleware, s.peerCredMiddleware)

	router.HandleFunc("/version", s.handleVersionInfo).Methods(http.MethodGet)
	router.HandleFunc("/compatibility", s.handleCheckCompatibility).Methods(http.MethodGet)
	router.HandleFunc("/state", s.handleGetFullState).Methods(http.MethodGet)
	router.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)

	router.HandleFunc("/config", s.handleConfigGetAll).Methods(http.MethodGet)
	router.HandleFunc("/config", s.handleConfigUpdate).Methods(http.MethodPut)

	router.HandleFunc("/disks", s.handleDiskConnected).Methods(http.MethodPost)
	router.HandleFunc("/disks/{diskID}", s.handleDiskDisconnected).Methods(http.MethodDelete)

	router.HandleFunc("/pairs", s.handlePairAdd).Methods(http.MethodPost)
	router.HandleFunc("/pairs/{pairID}", s.handlePairRemove).Methods(http.MethodDelete)

	router.HandleFunc("/pairs/{pairID}/mount", s.handleMount).Methods(http.MethodPost)
	router.HandleFunc("/pairs/{pairID}/unmount", s.handleUnmount).Methods(http.MethodPost)
	router.HandleFunc("/unmount_all", s.handleUnmountAll).Methods(http.MethodPost)

	router.HandleFunc("/pairs/{pairID}/sync", s.handleSyncNow).Methods(http.MethodPost)
	router.HandleFunc("/sync_all", s.handleSyncAll).Methods(http.MethodPost)
	router.HandleFunc("/pairs/{pairID}/sync/file", s.handleSyncFile).Methods(http.MethodPost)
	router.HandleFunc("/pairs/{pairID}/sync/pause", s.handleSyncPause).Methods(http.MethodPost)
	router.HandleFunc("/pairs/{pairID}/sync/resume", s.handleSyncResume).Methods(http.MethodPost)
	router.HandleFunc("/pairs/{pairID}/sync/cancel", s.handleSyncCancel).Methods(http.MethodPost)
	router.HandleFunc("/pairs/{pairID}/sync/status", s.handleSyncGetStatus).Methods(http.MethodGet)
	router.HandleFunc("/sync/status", s.handleSyncGetAllStatus).Methods(http.MethodGet)
	router.HandleFunc("/pairs/{pairID}/sync/progress", s.handleSyncGetProgress).Methods(http.MethodGet)
	router.HandleFunc("/pairs/{pairID}/sync/history", s.handleSyncGetHistory).Methods(http.MethodGet)

	router.HandleFunc("/pairs/{pairID}/evict", s.handleEvict).Methods(http.MethodPost)
	router.HandleFunc("/pairs/{pairID}/evict_file", s.handleEvictFile).Methods(http.MethodPost)
	router.HandleFunc("/pairs/{pairID}/prefetch", s.handlePrefetchFile).Methods(http.MethodPost)

	s.http = &http.Server{
		Handler:           router,
		ReadTimeout:       cfg.RequestTimeout,
		WriteTimeout:      0, // the SSE stream outlives a fixed write deadline
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		ConnContext:       s.saveConn,
	}

	return s
}

// Start binds the control socket (removing any stale file first) and
// begins serving in the background.
func (s *Server) Start(ctx context.Context) error {
	if err := os.RemoveAll(s.cfg.SocketPath); err != nil {
		return fmt.Errorf("failed to clear stale control socket: %w", err)
	}

	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on control socket %s: %w", s.cfg.SocketPath, err)
	}
	if err := os.Chmod(s.cfg.SocketPath, 0600); err != nil {
		ln.Close()
		return fmt.Errorf("failed to restrict control socket permissions: %w", err)
	}
	s.ln = ln

	go func() {
		if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Errorf("control plane server error: %v", err)
		}
	}()

	s.logger.Infof("control plane listening on %s", s.cfg.SocketPath)
	return nil
}

// Stop gracefully shuts down the control plane and removes the socket file.
func (s *Server) Stop(ctx context.Context) error {
	if err := s.http.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shut down control plane: %w", err)
	}
	return os.RemoveAll(s.cfg.SocketPath)
}

type connCtxKey struct{}

func (s *Server) saveConn(ctx context.Context, c net.Conn) context.Context {
	return context.WithValue(ctx, connCtxKey{}, c)
}

// peerCredMiddleware enforces that the connecting process runs as this
// process's own UID (or root), using SO_PEERCRED on the underlying Unix
// socket, per SPEC_FULL.md §4.11's local-trust transport model.
func (s *Server) peerCredMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.cfg.RequirePeerMatch {
			next.ServeHTTP(w, r)
			return
		}

		conn, _ := r.Context().Value(connCtxKey{}).(net.Conn)
		unixConn, ok := conn.(*net.UnixConn)
		if !ok {
			next.ServeHTTP(w, r)
			return
		}

		raw, err := unixConn.SyscallConn()
		if err != nil {
			s.respondError(w, http.StatusInternalServerError, "failed to inspect peer credentials")
			return
		}

		var ucred *unix.Ucred
		var credErr error
		ctrlErr := raw.Control(func(fd uintptr) {
			ucred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
		})
		if ctrlErr != nil || credErr != nil {
			s.respondError(w, http.StatusInternalServerError, "failed to read peer credentials")
			return
		}

		if int(ucred.Uid) != os.Getuid() && ucred.Uid != 0 {
			s.respondError(w, http.StatusForbidden, "peer UID not permitted")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Infof("%s %s completed in %v", r.Method, r.URL.Path, time.Since(start))
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Errorf("panic handling %s %s: %v", r.Method, r.URL.Path, rec)
				s.respondError(w, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Errorf("failed to encode response: %v", err)
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]any{"error": message, "timestamp": time.Now()})
}

func pairFromRequest(r *http.Request, svc *service.Service) (*service.PairRuntime, bool) {
	pairID := mux.Vars(r)["pairID"]
	return svc.Pair(pairID)
}

func parseLimit(r *http.Request, def int) int {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
