package network

import (
	"encoding/json"
)

// 客户端 -> 服务端
const (
	MsgTypeHeartbeat      = 1
	MsgTypeAuth           = 2
	MsgTypeCreateSession  = 101
	MsgTypeJoinSession    = 102
	MsgTypeSubmitMove     = 103
	MsgTypeAbandonSession = 104
	MsgTypeRandomMatch    = 105
	MsgTypeListWaiting    = 106
	MsgTypeSessionHistory = 107
	MsgTypeJoinRoom       = 111
	MsgTypeLeaveRoom      = 112
	MsgTypeChat           = 121
	MsgTypeRequestDraw    = 122
	MsgTypeRespondDraw    = 123
)

// 服务端 -> 客户端
const (
	MsgTypeSessionState    = 301
	MsgTypeSessionChanged  = 302
	MsgTypeSessionEnded    = 303
	MsgTypePresenceOnline  = 311
	MsgTypePresenceOffline = 312
	MsgTypePeerJoinedRoom  = 313
	MsgTypePeerLeftRoom    = 314
	MsgTypeChatMessage     = 321
	MsgTypeDrawRequested   = 322
	MsgTypeDrawResolved    = 323
	MsgTypeErrorNotice     = 399
)

type AuthRequest struct {
	Token string `json:"token"`
}

type SessionRequest struct {
	SessionID string `json:"session_id"`
}

// MoveRequest Cell 为 0 起始的格子下标
type MoveRequest struct {
	SessionID       string `json:"session_id"`
	From            string `json:"from,omitempty"`
	Cell            *int   `json:"cell"`
	ExpectedVersion int64  `json:"expected_version,omitempty"`
}

type ListWaitingRequest struct {
	Search string `json:"search,omitempty"`
}

type HistoryRequest struct {
	Limit int `json:"limit,omitempty"`
}

type ChatRequest struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
}

type RespondDrawRequest struct {
	SessionID string `json:"session_id"`
	Accepted  bool   `json:"accepted"`
}

type Presence struct {
	PlayerID    string `json:"player_id"`
	DisplayName string `json:"display_name,omitempty"`
}

type RoomPeer struct {
	SessionID   string `json:"session_id"`
	PlayerID    string `json:"player_id"`
	DisplayName string `json:"display_name,omitempty"`
}

type ChatMessage struct {
	SessionID   string `json:"session_id"`
	PlayerID    string `json:"player_id"`
	DisplayName string `json:"display_name,omitempty"`
	Text        string `json:"text"`
	Timestamp   int64  `json:"timestamp"`
}

type DrawOffer struct {
	SessionID string `json:"session_id"`
	PlayerID  string `json:"player_id"`
}

type DrawResolution struct {
	SessionID string `json:"session_id"`
	PlayerID  string `json:"player_id"`
	Accepted  bool   `json:"accepted"`
}

type SessionEnded struct {
	SessionID string `json:"session_id"`
	Outcome   string `json:"outcome"`
	Winner    string `json:"winner,omitempty"`
}

type ErrorNotice struct {
	RequestID uint16 `json:"request_id,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

// Marshal 消息体统一使用 JSON
func Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func Unmarshal(data []byte, v interface{}) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}
