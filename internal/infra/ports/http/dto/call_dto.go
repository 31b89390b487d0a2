package dto

import (
	"encoding/json"
	"errors"

	"github.com/hanainplan/consultcall/internal/domain/call"
	"github.com/hanainplan/consultcall/internal/domain/calllog"
	"github.com/hanainplan/consultcall/internal/domain/media"
	"github.com/hanainplan/consultcall/internal/domain/signaling"
)

type StartCallRequest struct {
	RoomID     string           `json:"roomId"`
	CalleeID   signaling.UserID `json:"calleeId"`
	CalleeName string           `json:"calleeName"`
}

type StartCallResponse struct {
	RoomID string `json:"roomId"`
}

type MediaRequest struct {
	Audio bool `json:"audio"`
	Video bool `json:"video"`
}

type ToggleResponse struct {
	Enabled bool `json:"enabled"`
}

type WaitRequest struct {
	RoomID string `json:"roomId"`
}

type ConsultationRequest struct {
	RoomID     string           `json:"roomId"`
	CustomerID signaling.UserID `json:"customerId"`
}

type SyncRequest struct {
	ReceiverID signaling.UserID `json:"receiverId"`
	RoomID     string           `json:"roomId"`
	Data       json.RawMessage  `json:"data"`
}

type StateResponse struct {
	*call.State

	LocalStream  *media.StreamInfo `json:"localStream,omitempty"`
	RemoteStream *media.StreamInfo `json:"remoteStream,omitempty"`
	ScreenStream *media.StreamInfo `json:"screenStream,omitempty"`
}

func NewStateResponse(s *call.State) StateResponse {
	resp := StateResponse{State: s}

	if s.LocalStream != nil {
		info := s.LocalStream.Info()
		resp.LocalStream = &info
	}

	if s.RemoteStream != nil {
		info := s.RemoteStream.Info()
		resp.RemoteStream = &info
	}

	if s.ScreenStream != nil {
		info := s.ScreenStream.Info()
		resp.ScreenStream = &info
	}

	return resp
}

type ErrorResponse struct {
	Error string `json:"error"`

	Kind           call.ErrorKind `json:"kind,omitempty"`
	Fatal          bool           `json:"fatal,omitempty"`
	DismissAfterMs int64          `json:"dismissAfterMs,omitempty"`
}

func NewErrorResponse(err error) ErrorResponse {
	resp := ErrorResponse{Error: err.Error()}

	var ce *call.Error
	if errors.As(err, &ce) {
		resp.Kind = ce.Kind
		resp.Fatal = ce.Fatal()
		resp.DismissAfterMs = ce.DismissAfter().Milliseconds()
	}

	return resp
}

type ListCallsResponse struct {
	Calls []calllog.Record `json:"calls"`
}

// Event кадр потока событий: state, error, incoming или sync
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

const (
	EventState    = "state"
	EventError    = "error"
	EventIncoming = "incoming"
	EventSync     = "sync"
)
