// Package admin serves the operator JSON-RPC surface: validator set
// changes, manual review, pause control and reward distribution.
package admin

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/rpc/v2"
	"github.com/gorilla/rpc/v2/json2"

	"github.com/bardlex/bridgepool/pkg/errors"
	"github.com/bardlex/bridgepool/pkg/log"
)

// EmptyArgs is used by methods without arguments.
type EmptyArgs struct{}

// NewHandler mounts the given services at /rpc. Nil services are skipped.
func NewHandler(bridge *BridgeService, pool *PoolService) (http.Handler, error) {
	server := rpc.NewServer()
	server.RegisterCodec(json2.NewCodec(), "application/json")
	server.RegisterCodec(json2.NewCodec(), "application/json;charset=UTF-8")

	if bridge != nil {
		if err := server.RegisterService(bridge, "bridge"); err != nil {
			return nil, err
		}
	}
	if pool != nil {
		if err := server.RegisterService(pool, "pool"); err != nil {
			return nil, err
		}
	}

	router := mux.NewRouter()
	router.Handle("/rpc", server).Methods(http.MethodPost)
	router.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)
	return router, nil
}

// Server runs the admin handler until its context ends.
type Server struct {
	srv    *http.Server
	logger *log.Logger
}

// NewServer wraps handler in an HTTP server.
func NewServer(handler http.Handler, logger *log.Logger) *Server {
	return &Server{
		srv: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger.WithComponent("admin"),
	}
}

// Serve accepts connections on ln until ctx ends, then shuts down.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("admin rpc listening", "addr", ln.Addr().String())
		errCh <- s.srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}

// rpcError turns a service error into a JSON-RPC error whose data carries
// the taxonomy code.
func rpcError(err error) error {
	if err == nil {
		return nil
	}
	code := json2.E_SERVER
	if errors.IsType(err, errors.ErrorTypeValidation) {
		code = json2.E_BAD_PARAMS
	}
	data := map[string]any{"code": string(errors.CodeOf(err))}
	return &json2.Error{Code: code, Message: err.Error(), Data: data}
}
