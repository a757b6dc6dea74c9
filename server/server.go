package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/wfunc/gridduel/logger"
	"github.com/wfunc/gridduel/models"
	"github.com/wfunc/gridduel/monitor"
	"github.com/wfunc/gridduel/network"
	"github.com/wfunc/gridduel/registry"
	gridduel_rpc "github.com/wfunc/gridduel/rpc"
	"github.com/wfunc/gridduel/services"
	"github.com/wfunc/gridduel/session"
)

const (
	defaultHeartbeat = 30 * time.Second
	requestTimeout   = 10 * time.Second
)

type Options struct {
	Addr          string
	Registry      *registry.Registry
	Sessions      *session.Manager
	Coordinator   *services.Coordinator
	Matchmaker    *services.Matchmaker
	Monitor       *monitor.Monitor
	RPC           *gridduel_rpc.Server // 可选
	SendQueueSize int
	Heartbeat     time.Duration
}

// handlerFunc 处理一个已认证连接的请求，返回值非 nil 时以请求的 msgID 回复
type handlerFunc func(ctx context.Context, sess *session.Session, playerID string, data []byte) (interface{}, error)

type GameServer struct {
	addr           string
	upgrader       websocket.Upgrader
	registry       *registry.Registry
	sessionManager *session.Manager
	coordinator    *services.Coordinator
	matchmaker     *services.Matchmaker
	monitor        *monitor.Monitor
	rpcServer      *gridduel_rpc.Server
	handlers       map[uint16]handlerFunc
	queueSize      int
	heartbeat      time.Duration

	httpServer   *http.Server
	ctx          context.Context
	cancel       context.CancelFunc
	mutex        sync.Mutex
	shutdownOnce sync.Once
	shutdownChan chan struct{}
}

func NewGameServer(opts Options) *GameServer {
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = defaultHeartbeat
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &GameServer{
		addr:           opts.Addr,
		registry:       opts.Registry,
		sessionManager: opts.Sessions,
		coordinator:    opts.Coordinator,
		matchmaker:     opts.Matchmaker,
		monitor:        opts.Monitor,
		rpcServer:      opts.RPC,
		queueSize:      opts.SendQueueSize,
		heartbeat:      opts.Heartbeat,
		ctx:            ctx,
		cancel:         cancel,
		shutdownChan:   make(chan struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // 允许所有跨域请求
			},
		},
	}

	s.handlers = map[uint16]handlerFunc{
		network.MsgTypeHeartbeat:      s.handleHeartbeat,
		network.MsgTypeCreateSession:  s.handleCreateSession,
		network.MsgTypeJoinSession:    s.handleJoinSession,
		network.MsgTypeSubmitMove:     s.handleSubmitMove,
		network.MsgTypeAbandonSession: s.handleAbandonSession,
		network.MsgTypeRandomMatch:    s.handleRandomMatch,
		network.MsgTypeListWaiting:    s.handleListWaiting,
		network.MsgTypeSessionHistory: s.handleSessionHistory,
		network.MsgTypeJoinRoom:       s.handleJoinRoom,
		network.MsgTypeLeaveRoom:      s.handleLeaveRoom,
		network.MsgTypeChat:           s.handleChat,
		network.MsgTypeRequestDraw:    s.handleRequestDraw,
		network.MsgTypeRespondDraw:    s.handleRespondDraw,
	}
	return s
}

// Handler serves the websocket endpoint and a health check.
func (s *GameServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	return mux
}

func (s *GameServer) Start() error {
	if s.rpcServer != nil {
		go s.rpcServer.Start()
	}

	s.mutex.Lock()
	s.httpServer = &http.Server{Addr: s.addr, Handler: s.Handler()}
	httpServer := s.httpServer
	s.mutex.Unlock()

	logger.Log.Infof("Game server listening on %s", s.addr)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and closes the live ones.
func (s *GameServer) Shutdown(ctx context.Context) error {
	var err error
	s.shutdownOnce.Do(func() {
		close(s.shutdownChan)
		s.cancel()
		if s.rpcServer != nil {
			s.rpcServer.Stop()
		}

		s.mutex.Lock()
		httpServer := s.httpServer
		s.mutex.Unlock()
		if httpServer != nil {
			err = httpServer.Shutdown(ctx)
		}

		// 已升级的连接不受 http.Server 管理，需要逐个关闭
		for _, sess := range s.sessionManager.List() {
			sess.Close()
		}
	})
	return err
}

func (s *GameServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := tokenFromRequest(r)
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Log.Infof("Failed to upgrade connection: %v", err)
		return
	}
	s.handleConnection(conn, token)
}

// tokenFromRequest 优先使用 token 查询参数，其次是 Authorization 头
func tokenFromRequest(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	return r.Header.Get("Authorization")
}

func (s *GameServer) handleConnection(conn *websocket.Conn, token string) {
	wsConn := network.NewWSConnection(conn)
	sess := session.NewSession(uuid.New().String(), wsConn, s.queueSize)
	sess.Start()
	s.registry.Register(sess)

	logger.Log.Infow("new connection", "conn_id", sess.ID, "remote", wsConn.RemoteAddr().String())

	defer func() {
		s.registry.Disconnect(sess)
		sess.Close()
		logger.Log.Infow("connection closed", "conn_id", sess.ID, "remote", wsConn.RemoteAddr().String())
	}()

	if token != "" && !s.authenticate(sess, token) {
		return
	}
	wsConn.SetHeartbeat(s.heartbeat)

	for {
		select {
		case <-s.shutdownChan:
			return
		default:
		}

		packet, err := wsConn.ReadPacket()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Log.Debugw("read failed", "conn_id", sess.ID, "error", err)
			}
			return
		}
		sess.Touch()

		if !sess.IsAuthenticated() {
			// 未认证前只接受 auth 包
			if packet.MsgID != network.MsgTypeAuth {
				s.reject(sess, packet.MsgID, fmt.Errorf("%w: authenticate first", models.ErrUnauthorized))
				return
			}
			var req network.AuthRequest
			if err := network.Unmarshal(packet.Data, &req); err != nil || req.Token == "" {
				s.reject(sess, packet.MsgID, fmt.Errorf("%w: missing token", models.ErrUnauthorized))
				return
			}
			if !s.authenticate(sess, req.Token) {
				return
			}
			continue
		}

		s.handlePacket(sess, packet)
	}
}

func (s *GameServer) authenticate(sess *session.Session, token string) bool {
	identity, err := s.registry.Connect(s.ctx, sess, token)
	if err != nil {
		logger.Log.Infow("authentication failed", "conn_id", sess.ID, "error", err)
		s.reject(sess, network.MsgTypeAuth, err)
		return false
	}
	s.reply(sess, network.MsgTypeAuth, network.Presence{
		PlayerID:    identity.PlayerID,
		DisplayName: identity.DisplayName,
	})
	return true
}

// reject 绕过发送队列直接写出错误，调用方随后关闭连接
func (s *GameServer) reject(sess *session.Session, requestID uint16, err error) {
	data, _ := network.Marshal(network.ErrorNotice{
		RequestID: requestID,
		Code:      models.ErrorCode(err),
		Message:   err.Error(),
	})
	sess.Conn.Send(network.MsgTypeErrorNotice, data)
}

func (s *GameServer) handlePacket(sess *session.Session, packet *network.Packet) {
	start := time.Now()
	s.monitor.IncMessagesReceived(strconv.Itoa(int(packet.MsgID)))
	defer func() {
		s.monitor.ObserveMessageLatency(time.Since(start))
	}()

	handler, ok := s.handlers[packet.MsgID]
	if !ok {
		logger.Log.Infof("Unknown message type: %d", packet.MsgID)
		s.sendError(sess, packet.MsgID, fmt.Errorf("%w: unknown message type %d", models.ErrInvalidArgument, packet.MsgID))
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, requestTimeout)
	defer cancel()

	playerID, _ := sess.Identity()
	result, err := handler(ctx, sess, playerID, packet.Data)
	if err != nil {
		s.sendError(sess, packet.MsgID, err)
		return
	}
	if result != nil {
		s.reply(sess, packet.MsgID, result)
	}
}

func (s *GameServer) reply(sess *session.Session, msgID uint16, v interface{}) {
	data, err := network.Marshal(v)
	if err != nil {
		logger.Log.Errorw("marshal reply failed", "msg_id", msgID, "error", err)
		return
	}
	if err := sess.Send(msgID, data); err != nil {
		logger.Log.Debugw("reply dropped", "conn_id", sess.ID, "msg_id", msgID, "error", err)
	}
}

func (s *GameServer) sendError(sess *session.Session, requestID uint16, err error) {
	code := models.ErrorCode(err)
	message := err.Error()
	if code == "internal" {
		logger.Log.Errorw("request failed", "conn_id", sess.ID, "msg_id", requestID, "error", err)
		message = "internal error"
	} else {
		logger.Log.Debugw("request rejected", "conn_id", sess.ID, "msg_id", requestID, "code", code, "error", err)
	}
	s.reply(sess, network.MsgTypeErrorNotice, network.ErrorNotice{
		RequestID: requestID,
		Code:      code,
		Message:   message,
	})
}
