package rpc

import (
	"context"
	"errors"
	"net"
	"net/rpc"
	"time"

	"github.com/wfunc/gridduel/logger"
	"github.com/wfunc/gridduel/models"
	"github.com/wfunc/gridduel/services"
)

const callTimeout = 5 * time.Second

// Server manages the RPC listener.
type Server struct {
	listener  net.Listener
	address   string
	rpcServer *rpc.Server
}

// NewServer listens on addr and registers service under its type name.
func NewServer(addr string, service interface{}) (*Server, error) {
	rpcServer := rpc.NewServer()
	if err := rpcServer.Register(service); err != nil {
		return nil, err
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Server{
		listener:  listener,
		address:   listener.Addr().String(),
		rpcServer: rpcServer,
	}, nil
}

// Addr returns the bound address.
func (s *Server) Addr() string {
	return s.address
}

// Start begins listening for RPC requests.
func (s *Server) Start() {
	logger.Log.Infof("RPC server listening on %s", s.address)
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				logger.Log.Info("RPC server listener closed.")
				return
			}
			logger.Log.Errorf("RPC server accept error: %v", err)
			continue
		}
		go s.rpcServer.ServeConn(conn)
	}
}

// Stop closes the RPC listener.
func (s *Server) Stop() {
	if s.listener != nil {
		logger.Log.Info("Stopping RPC server.")
		s.listener.Close()
	}
}

// GameService 管理端只读接口：玩家信息、排行榜、对局历史
type GameService struct {
	playerService *services.PlayerService
	coordinator   *services.Coordinator
}

// NewGameService creates a new GameService.
func NewGameService(ps *services.PlayerService, coordinator *services.Coordinator) *GameService {
	return &GameService{playerService: ps, coordinator: coordinator}
}

type GetPlayerArgs struct {
	PlayerID string
}

type GetPlayerReply struct {
	Player models.Player
}

func (gs *GameService) GetPlayer(args *GetPlayerArgs, reply *GetPlayerReply) error {
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	player, err := gs.playerService.GetPlayerWithStats(ctx, args.PlayerID)
	if err != nil {
		return err
	}
	reply.Player = *player
	return nil
}

type LeaderboardArgs struct {
	Limit int
}

type LeaderboardReply struct {
	Players []models.Player
}

func (gs *GameService) Leaderboard(args *LeaderboardArgs, reply *LeaderboardReply) error {
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	players, err := gs.playerService.Leaderboard(ctx, args.Limit)
	if err != nil {
		return err
	}
	reply.Players = make([]models.Player, 0, len(players))
	for _, p := range players {
		reply.Players = append(reply.Players, *p)
	}
	return nil
}

type SessionHistoryArgs struct {
	PlayerID string
	Limit    int
}

type SessionHistoryReply struct {
	Sessions []models.Session
}

func (gs *GameService) SessionHistory(args *SessionHistoryArgs, reply *SessionHistoryReply) error {
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	sessions, err := gs.coordinator.History(ctx, args.PlayerID, args.Limit)
	if err != nil {
		return err
	}
	reply.Sessions = make([]models.Session, 0, len(sessions))
	for _, s := range sessions {
		reply.Sessions = append(reply.Sessions, *s)
	}
	return nil
}
