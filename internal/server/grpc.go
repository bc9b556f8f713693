package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"LeverVault/internal/observability"
	"LeverVault/internal/query"

	"github.com/gagliardetto/solana-go"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

// Server owns the gRPC server (health + reflection) and the HTTP/JSON
// gateway mux serving the query routes.
type Server struct {
	grpcServer *grpc.Server
	health     *health.Server
	httpServer *http.Server
	gateway    *runtime.ServeMux
	handler    http.Handler

	grpcAddr string
	httpAddr string

	query   *query.Service
	metrics *observability.Metrics
	logger  zerolog.Logger
}

// Deps holds everything the routes need.
type Deps struct {
	Query         *query.Service
	HealthChecker *observability.HealthChecker
	Metrics       *observability.Metrics
	Logger        zerolog.Logger
}

// New builds the servers and registers every route. Health starts as
// NOT_SERVING until SetServing(true).
func New(grpcAddr, httpAddr string, deps Deps) (*Server, error) {
	s := &Server{
		grpcServer: grpc.NewServer(),
		health:     health.NewServer(),
		gateway:    runtime.NewServeMux(),
		grpcAddr:   grpcAddr,
		httpAddr:   httpAddr,
		query:      deps.Query,
		metrics:    deps.Metrics,
		logger:     deps.Logger,
	}

	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	// Reflection for grpcurl / grpcui
	reflection.Register(s.grpcServer)

	routes := []struct {
		pattern string
		name    string
		fn      route
	}{
		{"/v1/groups/{group}", "group", s.getGroup},
		{"/v1/groups/{group}/tokens/{mint}/price", "price", s.getPrice},
		{"/v1/invocations", "invocations", s.listInvocations},
		{"/v1/tokens/{mint}/stats", "stats", s.getTokenStats},
	}
	for _, rt := range routes {
		if err := s.gateway.HandlePath(http.MethodGet, rt.pattern, s.wrap(rt.name, rt.fn)); err != nil {
			return nil, fmt.Errorf("register %s: %w", rt.pattern, err)
		}
	}

	httpMux := http.NewServeMux()
	if deps.HealthChecker != nil {
		httpMux.HandleFunc("/healthz", deps.HealthChecker.LivenessHandler)
		httpMux.HandleFunc("/readyz", deps.HealthChecker.ReadinessHandler)
	}
	httpMux.Handle("/", s.gateway)
	s.handler = httpMux

	return s, nil
}

// Handler returns the HTTP handler (health endpoints + gateway routes).
func (s *Server) Handler() http.Handler { return s.handler }

// SetServing flips the gRPC health status.
func (s *Server) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
}

// StartGRPC starts the gRPC server (blocking).
func (s *Server) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.health.Shutdown()
		s.grpcServer.GracefulStop()
	}()

	s.logger.Info().Str("addr", s.grpcAddr).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// StartHTTP starts the HTTP/JSON server (blocking).
func (s *Server) StartHTTP(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.httpAddr,
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("HTTP server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", s.httpAddr).Msg("HTTP server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// --- Routes ---

// route returns the JSON response body or an error to classify.
type route func(r *http.Request, params map[string]string) (interface{}, error)

func (s *Server) wrap(name string, fn route) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		resp, err := fn(r, params)
		err = toStatus(err)
		if err != nil {
			runtime.HTTPError(r.Context(), s.gateway, &runtime.JSONPb{}, w, r, err)
		} else {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			if encErr := json.NewEncoder(w).Encode(resp); encErr != nil {
				s.logger.Debug().Err(encErr).Str("route", name).Msg("write response")
			}
		}
		if s.metrics != nil {
			s.metrics.QueryRequests.WithLabelValues(name, status.Code(err).String()).Inc()
		}
	}
}

func (s *Server) getGroup(r *http.Request, params map[string]string) (interface{}, error) {
	group, err := parseKey("group", params["group"])
	if err != nil {
		return nil, err
	}
	resp, err := s.query.GetGroup(r.Context(), group)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (s *Server) getPrice(r *http.Request, params map[string]string) (interface{}, error) {
	group, err := parseKey("group", params["group"])
	if err != nil {
		return nil, err
	}
	mint, err := parseKey("mint", params["mint"])
	if err != nil {
		return nil, err
	}
	q := r.URL.Query()
	venueGroup, err := parseKey("venue_group", q.Get("venue_group"))
	if err != nil {
		return nil, err
	}
	cache, err := parseKey("cache", q.Get("cache"))
	if err != nil {
		return nil, err
	}

	resp, err := s.query.GetPrice(r.Context(), group, mint, venueGroup, cache)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (s *Server) getTokenStats(r *http.Request, params map[string]string) (interface{}, error) {
	mint, err := parseKey("mint", params["mint"])
	if err != nil {
		return nil, err
	}
	return s.query.GetTokenStats(r.Context(), mint)
}

func (s *Server) listInvocations(r *http.Request, _ map[string]string) (interface{}, error) {
	q := r.URL.Query()

	group := q.Get("group")
	if group != "" {
		if _, err := parseKey("group", group); err != nil {
			return nil, err
		}
	}
	after, err := parseInt("after", q.Get("after"), 0)
	if err != nil {
		return nil, err
	}
	limit, err := parseInt("limit", q.Get("limit"), 100)
	if err != nil {
		return nil, err
	}

	envs, err := s.query.ListInvocations(r.Context(), group, after, int(limit))
	if err != nil {
		return nil, err
	}

	next := after
	if len(envs) > 0 {
		next = envs[len(envs)-1].Sequence
	}
	return map[string]interface{}{
		"invocations": envs,
		"next_after":  next,
	}, nil
}

// --- Helpers ---

func parseKey(name, s string) (solana.PublicKey, error) {
	if s == "" {
		return solana.PublicKey{}, status.Errorf(codes.InvalidArgument, "%s is required", name)
	}
	k, err := solana.PublicKeyFromBase58(s)
	if err != nil {
		return solana.PublicKey{}, status.Errorf(codes.InvalidArgument, "invalid %s: %v", name, err)
	}
	return k, nil
}

func parseInt(name, s string, def int64) (int64, error) {
	if s == "" {
		return def, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v < 0 {
		return 0, status.Errorf(codes.InvalidArgument, "invalid %s: %q", name, s)
	}
	return v, nil
}

// toStatus classifies an error for the gateway error handler.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, query.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
