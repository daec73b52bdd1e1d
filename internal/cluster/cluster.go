// Package cluster manages the dedicated gRPC port used for raft consensus
// among master peers. The cluster port carries the raft transport, the
// leader health service and the raft admin endpoint.
//
// Lifecycle:
//  1. New(cfg)        — create the server and bind the listen port
//  2. Transport()     — get the raft.Transport for NewRaft()
//  3. NewRaft(fsm)    — build the raft instance over boltdb stores
//  4. Start()         — register services and serve
//  5. Stop()          — graceful shutdown
package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"path/filepath"
	"strings"
	"time"

	transport "github.com/Jille/raft-grpc-transport"
	"github.com/Jille/raft-grpc-leader-rpc/leaderhealth"
	"github.com/Jille/raftadmin"
	hraft "github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb/v2"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"grove/internal/auth"
	"grove/internal/logging"
)

// Config holds cluster server configuration.
type Config struct {
	// ClusterAddr is the listen address for the cluster gRPC port.
	ClusterAddr string

	// LocalAddr is the advertised address other peers use to reach this
	// node. Defaults to the bound address.
	LocalAddr string

	// NodeID is this node's unique raft identifier. Defaults to the
	// advertised address.
	NodeID string

	// DataDir holds the raft log and snapshots.
	DataDir string

	// Tokens optionally authenticates inbound cluster calls. When nil the
	// port is open (tests, single-node).
	Tokens *auth.TokenAuthority

	// Logger for structured logging.
	Logger *slog.Logger
}

// Server manages the cluster gRPC port and the raft plumbing around it.
type Server struct {
	cfg       Config
	grpcSrv   *grpc.Server
	tm        *transport.Manager
	listener  net.Listener
	localAddr string
	logger    *slog.Logger

	raft     *hraft.Raft
	logStore *raftboltdb.BoltStore
}

// New creates a Server and binds the listen port immediately, so resolved
// :0 ports are available before raft construction.
func New(cfg Config) (*Server, error) {
	ln, err := net.Listen("tcp", cfg.ClusterAddr)
	if err != nil {
		return nil, fmt.Errorf("listen cluster port %s: %w", cfg.ClusterAddr, err)
	}
	localAddr := cfg.LocalAddr
	if localAddr == "" {
		localAddr = ln.Addr().String()
	}
	if cfg.NodeID == "" {
		cfg.NodeID = localAddr
	}

	s := &Server{
		cfg:       cfg,
		listener:  ln,
		localAddr: localAddr,
		logger:    logging.Default(cfg.Logger).With("component", "cluster"),
	}

	var serverOpts []grpc.ServerOption
	if cfg.Tokens != nil {
		serverOpts = append(serverOpts,
			grpc.ChainUnaryInterceptor(s.authUnaryInterceptor),
			grpc.ChainStreamInterceptor(s.authStreamInterceptor),
		)
	}
	s.grpcSrv = grpc.NewServer(serverOpts...)
	s.tm = transport.New(
		hraft.ServerAddress(localAddr),
		[]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())},
	)
	return s, nil
}

// LocalAddr returns the advertised cluster address.
func (s *Server) LocalAddr() string { return s.localAddr }

// Transport returns the raft transport bound to the cluster port.
func (s *Server) Transport() hraft.Transport { return s.tm.Transport() }

// NewRaft builds the raft instance over boltdb stores in DataDir.
func (s *Server) NewRaft(fsm hraft.FSM, bootstrap bool) (*hraft.Raft, error) {
	config := hraft.DefaultConfig()
	config.LocalID = hraft.ServerID(s.cfg.NodeID)
	config.Logger = logging.HCLog(s.logger).Named("raft")

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(s.cfg.DataDir, "raft.db"))
	if err != nil {
		return nil, fmt.Errorf("open raft log store: %w", err)
	}
	snapshots, err := hraft.NewFileSnapshotStore(s.cfg.DataDir, 2, nil)
	if err != nil {
		_ = logStore.Close()
		return nil, fmt.Errorf("open snapshot store: %w", err)
	}

	r, err := hraft.NewRaft(config, fsm, logStore, logStore, snapshots, s.Transport())
	if err != nil {
		_ = logStore.Close()
		return nil, fmt.Errorf("create raft: %w", err)
	}
	s.raft = r
	s.logStore = logStore

	if bootstrap {
		future := r.BootstrapCluster(hraft.Configuration{Servers: []hraft.Server{{
			ID:      config.LocalID,
			Address: hraft.ServerAddress(s.localAddr),
		}}})
		if err := future.Error(); err != nil && err != hraft.ErrCantBootstrap {
			return nil, fmt.Errorf("bootstrap cluster: %w", err)
		}
	}
	return r, nil
}

// Start registers the cluster services and serves until Stop.
func (s *Server) Start() error {
	if s.raft == nil {
		return fmt.Errorf("cluster start: raft not set")
	}
	s.tm.Register(s.grpcSrv)
	leaderhealth.Setup(s.raft, s.grpcSrv, []string{"grove"})
	raftadmin.Register(s.grpcSrv, s.raft)

	s.logger.Info("cluster port serving", "addr", s.localAddr, "node", s.cfg.NodeID)
	go func() {
		if err := s.grpcSrv.Serve(s.listener); err != nil {
			s.logger.Warn("cluster server stopped", "error", err)
		}
	}()
	return nil
}

// WaitForLeadership blocks until some node holds leadership.
func (s *Server) WaitForLeadership(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if addr, _ := s.raft.LeaderWithID(); addr != "" {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("no raft leader after %v", timeout)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// Stop shuts the raft instance and the gRPC server down.
func (s *Server) Stop() error {
	if s.raft != nil {
		if err := s.raft.Shutdown().Error(); err != nil {
			s.logger.Warn("raft shutdown", "error", err)
		}
	}
	s.grpcSrv.GracefulStop()
	if s.logStore != nil {
		return s.logStore.Close()
	}
	return nil
}

// authUnaryInterceptor validates the bearer token on inbound unary calls.
func (s *Server) authUnaryInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	if err := s.authorize(ctx); err != nil {
		return nil, err
	}
	return handler(ctx, req)
}

// authStreamInterceptor validates the bearer token on inbound streams.
func (s *Server) authStreamInterceptor(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	if err := s.authorize(ss.Context()); err != nil {
		return err
	}
	return handler(srv, ss)
}

func (s *Server) authorize(ctx context.Context) error {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return status.Error(codes.Unauthenticated, "missing metadata")
	}
	values := md.Get("authorization")
	if len(values) == 0 {
		return status.Error(codes.Unauthenticated, "missing authorization token")
	}
	token := strings.TrimPrefix(values[0], "Bearer ")
	if _, err := s.cfg.Tokens.Verify(token); err != nil {
		return status.Error(codes.Unauthenticated, err.Error())
	}
	return nil
}
