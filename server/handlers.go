package server

import (
	"context"
	"fmt"
	"time"

	"github.com/wfunc/gridduel/models"
	"github.com/wfunc/gridduel/network"
	"github.com/wfunc/gridduel/services"
	"github.com/wfunc/gridduel/session"
)

type heartbeatReply struct {
	ServerTime int64 `json:"server_time"`
}

type sessionList struct {
	Sessions []*models.Session `json:"sessions"`
}

func decode(data []byte, v interface{}) error {
	if err := network.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: malformed payload: %v", models.ErrInvalidArgument, err)
	}
	return nil
}

func decodeSessionID(data []byte) (string, error) {
	var req network.SessionRequest
	if err := decode(data, &req); err != nil {
		return "", err
	}
	if req.SessionID == "" {
		return "", fmt.Errorf("%w: session_id is required", models.ErrInvalidArgument)
	}
	return req.SessionID, nil
}

func newSessionList(sessions []*models.Session) sessionList {
	if sessions == nil {
		sessions = []*models.Session{}
	}
	return sessionList{Sessions: sessions}
}

func (s *GameServer) handleHeartbeat(ctx context.Context, sess *session.Session, playerID string, data []byte) (interface{}, error) {
	return heartbeatReply{ServerTime: time.Now().UnixMilli()}, nil
}

func (s *GameServer) handleCreateSession(ctx context.Context, sess *session.Session, playerID string, data []byte) (interface{}, error) {
	var cfg services.CreateConfig
	if err := decode(data, &cfg); err != nil {
		return nil, err
	}
	return s.coordinator.Create(ctx, cfg, playerID)
}

func (s *GameServer) handleJoinSession(ctx context.Context, sess *session.Session, playerID string, data []byte) (interface{}, error) {
	sessionID, err := decodeSessionID(data)
	if err != nil {
		return nil, err
	}
	return s.coordinator.Join(ctx, sessionID, playerID)
}

func (s *GameServer) handleSubmitMove(ctx context.Context, sess *session.Session, playerID string, data []byte) (interface{}, error) {
	var req network.MoveRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	if req.SessionID == "" || req.Cell == nil {
		return nil, fmt.Errorf("%w: session_id and cell are required", models.ErrInvalidArgument)
	}
	return s.coordinator.SubmitMove(ctx, req.SessionID, services.MoveRequest{
		From:            req.From,
		Cell:            *req.Cell,
		ExpectedVersion: req.ExpectedVersion,
	}, playerID)
}

func (s *GameServer) handleAbandonSession(ctx context.Context, sess *session.Session, playerID string, data []byte) (interface{}, error) {
	sessionID, err := decodeSessionID(data)
	if err != nil {
		return nil, err
	}
	return s.coordinator.Abandon(ctx, sessionID, playerID)
}

func (s *GameServer) handleRandomMatch(ctx context.Context, sess *session.Session, playerID string, data []byte) (interface{}, error) {
	return s.matchmaker.RequestRandomMatch(ctx, playerID)
}

func (s *GameServer) handleListWaiting(ctx context.Context, sess *session.Session, playerID string, data []byte) (interface{}, error) {
	var req network.ListWaitingRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	sessions, err := s.coordinator.ListWaiting(ctx, req.Search)
	if err != nil {
		return nil, err
	}
	return newSessionList(sessions), nil
}

func (s *GameServer) handleSessionHistory(ctx context.Context, sess *session.Session, playerID string, data []byte) (interface{}, error) {
	var req network.HistoryRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	sessions, err := s.coordinator.History(ctx, playerID, req.Limit)
	if err != nil {
		return nil, err
	}
	return newSessionList(sessions), nil
}

// handleJoinRoom 快照由 registry 以 sessionState 推送，这里不再回复
func (s *GameServer) handleJoinRoom(ctx context.Context, sess *session.Session, playerID string, data []byte) (interface{}, error) {
	sessionID, err := decodeSessionID(data)
	if err != nil {
		return nil, err
	}
	_, err = s.registry.JoinSessionRoom(ctx, sess, sessionID)
	return nil, err
}

func (s *GameServer) handleLeaveRoom(ctx context.Context, sess *session.Session, playerID string, data []byte) (interface{}, error) {
	sessionID, err := decodeSessionID(data)
	if err != nil {
		return nil, err
	}
	if err := s.registry.LeaveSessionRoom(sess, sessionID); err != nil {
		return nil, err
	}
	return network.SessionRequest{SessionID: sessionID}, nil
}

func (s *GameServer) handleChat(ctx context.Context, sess *session.Session, playerID string, data []byte) (interface{}, error) {
	var req network.ChatRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	return nil, s.registry.Chat(sess, req)
}

func (s *GameServer) handleRequestDraw(ctx context.Context, sess *session.Session, playerID string, data []byte) (interface{}, error) {
	sessionID, err := decodeSessionID(data)
	if err != nil {
		return nil, err
	}
	return nil, s.registry.RequestDraw(ctx, sess, sessionID)
}

func (s *GameServer) handleRespondDraw(ctx context.Context, sess *session.Session, playerID string, data []byte) (interface{}, error) {
	var req network.RespondDrawRequest
	if err := decode(data, &req); err != nil {
		return nil, err
	}
	if req.SessionID == "" {
		return nil, fmt.Errorf("%w: session_id is required", models.ErrInvalidArgument)
	}
	_, err := s.registry.RespondDraw(ctx, sess, req.SessionID, req.Accepted)
	return nil, err
}
