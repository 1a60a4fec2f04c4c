// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/lumenforge/modelhost/pkg/extensions"
	"github.com/lumenforge/modelhost/services/orchestrator/datatypes"
	"github.com/lumenforge/modelhost/services/orchestrator/queue"
	"github.com/lumenforge/modelhost/services/orchestrator/wsfanout"
)

// WSFrame is the inbound client frame. Type discriminates; the
// validator tags apply per type in validateFrame.
type WSFrame struct {
	Type string `json:"type" validate:"required"`

	// identify
	ClientID string `json:"client_id,omitempty"`

	// message
	UserID         string                 `json:"user_id,omitempty"`
	ConversationID string                 `json:"conversation_id,omitempty"`
	Message        string                 `json:"message,omitempty"`
	MessageID      string                 `json:"message_id,omitempty"`
	ChannelID      string                 `json:"channel_id,omitempty"`
	Attachments    []datatypes.Attachment `json:"attachments,omitempty"`
	Model          string                 `json:"model,omitempty"`
	Temperature    *float32               `json:"temperature,omitempty"`
	Thinking       *bool                  `json:"thinking,omitempty"`

	// cancel
	RequestID string `json:"request_id,omitempty"`

	// configure
	Setting string      `json:"setting,omitempty"`
	Value   interface{} `json:"value,omitempty"`
}

// frameValidate validates inbound frames, sharing the maxbytes custom
// validator with the datatypes package convention.
var frameValidate *validator.Validate

func init() {
	frameValidate = validator.New()
	_ = frameValidate.RegisterValidation("maxbytes", func(fl validator.FieldLevel) bool {
		return len(fl.Field().String()) <= datatypes.MaxMessageContentBytes
	})
}

// messagePayload is the shape validated for type=message frames.
type messagePayload struct {
	UserID         string                 `validate:"required"`
	ConversationID string                 `validate:"required"`
	Message        string                 `validate:"required,maxbytes"`
	Attachments    []datatypes.Attachment `validate:"omitempty,max=16,dive"`
}

// =============================================================================
// Out-of-scope Collaborator Boundaries
// =============================================================================

// PreferenceStore is the stored-user-preference boundary; persistence
// lives behind the admin surface.
type PreferenceStore interface {
	Get(ctx context.Context, userID string) (datatypes.UserPreferences, error)
	Set(ctx context.Context, userID string, prefs datatypes.UserPreferences) error
}

// ConversationAdmin resets and closes conversations in the delegated
// conversation store.
type ConversationAdmin interface {
	Reset(ctx context.Context, conversationID, userID string) error
	Close(ctx context.Context, conversationID, userID string) error
}

// QuotaChecker enforces per-user token budgets. The accounting itself
// belongs to the admin surface; the backbone only surfaces the typed
// rejection.
type QuotaChecker interface {
	// Check returns *datatypes.TokenBudgetExceededError when the user
	// is over quota.
	Check(ctx context.Context, userID string, estimatedTokens int) error
}

// NopPreferenceStore keeps preferences in memory for the open build.
type NopPreferenceStore struct {
	prefs map[string]datatypes.UserPreferences
}

func NewNopPreferenceStore() *NopPreferenceStore {
	return &NopPreferenceStore{prefs: make(map[string]datatypes.UserPreferences)}
}

func (s *NopPreferenceStore) Get(ctx context.Context, userID string) (datatypes.UserPreferences, error) {
	p, ok := s.prefs[userID]
	if !ok {
		return datatypes.UserPreferences{UserID: userID}, nil
	}
	return p, nil
}

func (s *NopPreferenceStore) Set(ctx context.Context, userID string, prefs datatypes.UserPreferences) error {
	s.prefs[userID] = prefs
	return nil
}

// NopConversationAdmin accepts and discards admin operations.
type NopConversationAdmin struct{}

func (NopConversationAdmin) Reset(ctx context.Context, conversationID, userID string) error { return nil }
func (NopConversationAdmin) Close(ctx context.Context, conversationID, userID string) error { return nil }

// NopQuotaChecker allows everything.
type NopQuotaChecker struct{}

func (NopQuotaChecker) Check(ctx context.Context, userID string, estimatedTokens int) error {
	return nil
}

// =============================================================================
// Handler
// =============================================================================

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024 * 1024,
	WriteBufferSize: 1024 * 1024,
}

// WSDeps bundles the handler's collaborators.
type WSDeps struct {
	Fanout *wsfanout.Fanout
	Queue  *queue.Queue
	Prefs  PreferenceStore
	Admin  ConversationAdmin
	Quota  QuotaChecker

	// Audit receives an event per admitted request; the open build
	// discards them.
	Audit extensions.AuditLogger
}

func (d *WSDeps) defaults() {
	if d.Prefs == nil {
		d.Prefs = NewNopPreferenceStore()
	}
	if d.Admin == nil {
		d.Admin = NopConversationAdmin{}
	}
	if d.Quota == nil {
		d.Quota = NopQuotaChecker{}
	}
	if d.Audit == nil {
		d.Audit = &extensions.NopAuditLogger{}
	}
}

// HandleClientWebSocket serves one client connection of the given kind.
//
// Protocol: the client identifies itself first; message frames then
// enqueue requests whose responses flow back through the fan-out under
// the identified routing key. Message frames before identify are
// rejected; the other frame types do not require it.
func HandleClientWebSocket(kind datatypes.ClientKind, deps WSDeps) gin.HandlerFunc {
	deps.defaults()

	return func(c *gin.Context) {
		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			slog.Error("failed to upgrade the websocket", "error", err)
			return
		}
		defer ws.Close()

		session := &wsSession{
			kind: kind,
			deps: deps,
			conn: ws,
		}
		defer session.close()

		for {
			var frame WSFrame
			if err := ws.ReadJSON(&frame); err != nil {
				slog.Info("websocket client disconnected", "client_id", session.clientID, "error", err.Error())
				return
			}
			if !session.dispatch(c.Request.Context(), frame) {
				return
			}
		}
	}
}

// wsSession is the per-connection state.
type wsSession struct {
	kind     datatypes.ClientKind
	deps     WSDeps
	conn     *websocket.Conn
	clientID string
}

func (s *wsSession) close() {
	if s.clientID != "" {
		s.deps.Fanout.Unregister(s.clientID)
	}
}

func (s *wsSession) send(v interface{}) bool {
	if err := s.conn.WriteJSON(v); err != nil {
		slog.Warn("failed to write websocket frame", "error", err)
		return false
	}
	return true
}

func (s *wsSession) sendError(msg string, frame WSFrame) bool {
	return s.send(map[string]interface{}{
		"type":       "error",
		"error":      msg,
		"channel_id": frame.ChannelID,
		"message_id": frame.MessageID,
	})
}

// dispatch handles one frame; false ends the connection.
func (s *wsSession) dispatch(ctx context.Context, frame WSFrame) bool {
	switch frame.Type {
	case "identify":
		return s.handleIdentify(frame)
	case "message":
		return s.handleMessage(ctx, frame)
	case "cancel":
		return s.handleCancel(frame)
	case "reset":
		return s.handleAdmin(ctx, frame, s.deps.Admin.Reset)
	case "close":
		return s.handleAdmin(ctx, frame, s.deps.Admin.Close)
	case "configure":
		return s.handleConfigure(ctx, frame)
	case "ping":
		return s.send(map[string]interface{}{"type": "pong"})
	default:
		return s.sendError("unknown frame type: "+frame.Type, frame)
	}
}

func (s *wsSession) handleIdentify(frame WSFrame) bool {
	clientID := frame.ClientID
	if clientID == "" {
		clientID = uuid.NewString()
	}
	if s.clientID != "" && s.clientID != clientID {
		s.deps.Fanout.Unregister(s.clientID)
	}
	s.clientID = clientID
	s.deps.Fanout.Register(clientID, s.kind, s.conn)
	return s.send(map[string]interface{}{
		"type":      "connected",
		"client_id": clientID,
	})
}

func (s *wsSession) handleMessage(ctx context.Context, frame WSFrame) bool {
	if s.clientID == "" {
		return s.sendError("identify before sending messages", frame)
	}
	payload := messagePayload{
		UserID:         frame.UserID,
		ConversationID: frame.ConversationID,
		Message:        frame.Message,
		Attachments:    frame.Attachments,
	}
	if err := frameValidate.Struct(payload); err != nil {
		return s.sendError("invalid message frame: "+err.Error(), frame)
	}

	estimated := len(frame.Message) / 4
	if err := s.deps.Quota.Check(ctx, frame.UserID, estimated); err != nil {
		return s.sendError(err.Error(), frame)
	}

	req := &datatypes.Request{
		UserID:          frame.UserID,
		ConversationID:  frame.ConversationID,
		Message:         frame.Message,
		Attachments:     frame.Attachments,
		EstimatedTokens: estimated,
		ClientKind:      s.kind,
		ClientID:        s.clientID,
		ChannelID:       frame.ChannelID,
		MessageID:       frame.MessageID,
		ModelOverride:   frame.Model,
		Temperature:     frame.Temperature,
		Thinking:        frame.Thinking,
	}

	requestID, err := s.deps.Queue.Enqueue(req)
	if err != nil {
		return s.sendError(err.Error(), frame)
	}

	_ = s.deps.Audit.Log(ctx, extensions.AuditEvent{
		EventType:    "chat.message",
		UserID:       frame.UserID,
		Action:       "enqueue",
		ResourceType: "request",
		ResourceID:   requestID,
	})

	return s.send(map[string]interface{}{
		"type":           "queued",
		"request_id":     requestID,
		"queue_position": s.deps.Queue.Position(requestID),
	})
}

func (s *wsSession) handleCancel(frame WSFrame) bool {
	if frame.RequestID == "" {
		return s.sendError("cancel requires request_id", frame)
	}
	if s.deps.Queue.Cancel(frame.RequestID) {
		return s.send(map[string]interface{}{
			"type":       "cancelled",
			"request_id": frame.RequestID,
		})
	}
	return s.sendError("request is already processing or unknown", frame)
}

func (s *wsSession) handleAdmin(ctx context.Context, frame WSFrame,
	op func(ctx context.Context, conversationID, userID string) error) bool {

	if frame.ConversationID == "" || frame.UserID == "" {
		return s.sendError("conversation_id and user_id are required", frame)
	}
	if err := op(ctx, frame.ConversationID, frame.UserID); err != nil {
		return s.sendError(err.Error(), frame)
	}
	return s.send(map[string]interface{}{
		"type":            "ok",
		"conversation_id": frame.ConversationID,
	})
}

// handleConfigure updates stored user preferences:
// temperature, thinking, model, or reset (clears all three).
func (s *wsSession) handleConfigure(ctx context.Context, frame WSFrame) bool {
	if frame.UserID == "" {
		return s.sendError("configure requires user_id", frame)
	}
	prefs, err := s.deps.Prefs.Get(ctx, frame.UserID)
	if err != nil {
		return s.sendError(err.Error(), frame)
	}

	switch frame.Setting {
	case "temperature":
		v, ok := frame.Value.(float64)
		if !ok || v < 0 || v > 2 {
			return s.sendError("temperature must be a number in [0, 2]", frame)
		}
		t := float32(v)
		prefs.Temperature = &t
	case "thinking":
		v, ok := frame.Value.(bool)
		if !ok {
			return s.sendError("thinking must be a boolean", frame)
		}
		prefs.ThinkingEnabled = &v
	case "model":
		v, ok := frame.Value.(string)
		if !ok || strings.TrimSpace(v) == "" {
			return s.sendError("model must be a non-empty string", frame)
		}
		prefs.PreferredModel = v
	case "reset":
		prefs = datatypes.UserPreferences{UserID: frame.UserID}
	default:
		return s.sendError("unknown setting: "+frame.Setting, frame)
	}

	if err := s.deps.Prefs.Set(ctx, frame.UserID, prefs); err != nil {
		return s.sendError(err.Error(), frame)
	}
	return s.send(map[string]interface{}{
		"type":    "ok",
		"setting": frame.Setting,
	})
}
