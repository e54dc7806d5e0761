package server

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/hupe1980/tailormesh"
	"github.com/hupe1980/tailormesh/agent"
	"github.com/hupe1980/tailormesh/core"
)

// attachmentPayload accepts both the current and the legacy field names.
type attachmentPayload struct {
	Filename   string `json:"filename"`
	Base64Data string `json:"base64_data"`
	Data       string `json:"data"`
	MimeType   string `json:"mime_type"`
	FileSize   int    `json:"file_size"`
	Size       int    `json:"size"`
}

func (a attachmentPayload) attachment() core.Attachment {
	out := core.Attachment{Filename: a.Filename, Data: a.Base64Data, MimeType: a.MimeType, Size: a.FileSize}
	if out.Data == "" {
		out.Data = a.Data
	}
	if out.Size == 0 {
		out.Size = a.Size
	}
	return out
}

type chatRequest struct {
	Message            string              `json:"message"`
	SessionID          string              `json:"session_id" binding:"required"`
	Attachments        []attachmentPayload `json:"attachments"`
	Model              string              `json:"model"`
	CustomInstructions string              `json:"custom_instructions"`
	PractitionerMode   bool                `json:"practitioner_mode"`
	ReasoningEffort    string              `json:"reasoning_effort"`
	Verbosity          string              `json:"verbosity"`
}

func (r chatRequest) toMesh() tailormesh.ChatRequest {
	req := tailormesh.ChatRequest{
		SessionID:          r.SessionID,
		Message:            r.Message,
		Model:              r.Model,
		CustomInstructions: r.CustomInstructions,
		Practitioner:       r.PractitionerMode,
		ReasoningEffort:    r.ReasoningEffort,
		Verbosity:          r.Verbosity,
	}
	for _, a := range r.Attachments {
		req.Attachments = append(req.Attachments, a.attachment())
	}
	return req
}

type tokenInfo struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

type chatResponse struct {
	Response     string    `json:"response"`
	SessionID    string    `json:"session_id"`
	Tokens       tokenInfo `json:"tokens"`
	CostZAR      float64   `json:"cost_zar"`
	Model        string    `json:"model"`
	MessageCount int       `json:"message_count"`
	Partial      bool      `json:"partial,omitempty"`
}

func (s *Server) bindChat(c *gin.Context) (chatRequest, bool) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, fmt.Errorf("%w: %v", core.ErrInvalidRequest, err))
		return req, false
	}
	if strings.TrimSpace(req.Message) == "" && len(req.Attachments) == 0 {
		s.writeError(c, fmt.Errorf("%w: message is required", core.ErrInvalidRequest))
		return req, false
	}
	return req, s.allow(c, req.SessionID)
}

// stream starts the SSE response for events. Errors returned by start are
// answered as JSON before any frame is written.
func (s *Server) stream(c *gin.Context, events <-chan core.StreamEvent, err error) {
	if err != nil {
		s.writeError(c, err)
		return
	}
	w, werr := newSSEWriter(c.Writer)
	if werr != nil {
		s.writeError(c, werr)
		return
	}
	setSSEHeaders(c.Writer)
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()
	pipeEvents(c.Request.Context(), w, events, s.opts.KeepaliveInterval, s.logger)
}

func (s *Server) handleChatStream(c *gin.Context) {
	req, ok := s.bindChat(c)
	if !ok {
		return
	}
	events, err := s.mesh.Chat(c.Request.Context(), req.toMesh())
	s.stream(c, events, err)
}

// handleChatStreamGet is the text-only variant used by EventSource clients.
func (s *Server) handleChatStreamGet(c *gin.Context) {
	req := tailormesh.ChatRequest{
		SessionID:          c.Query("session_id"),
		Message:            c.Query("message"),
		Model:              c.Query("model"),
		CustomInstructions: c.Query("custom_instructions"),
		ReasoningEffort:    c.Query("reasoning_effort"),
		Verbosity:          c.Query("verbosity"),
	}
	if req.SessionID == "" || strings.TrimSpace(req.Message) == "" {
		s.writeError(c, fmt.Errorf("%w: message and session_id are required", core.ErrInvalidRequest))
		return
	}
	if !s.allow(c, req.SessionID) {
		return
	}
	events, err := s.mesh.Chat(c.Request.Context(), req)
	s.stream(c, events, err)
}

func (s *Server) handleChatSync(c *gin.Context) {
	req, ok := s.bindChat(c)
	if !ok {
		return
	}
	res, err := s.mesh.ChatSync(c.Request.Context(), req.toMesh())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, chatResponse{
		Response:  res.Response,
		SessionID: res.SessionID,
		Tokens: tokenInfo{
			InputTokens:  res.Usage.InputTokens,
			OutputTokens: res.Usage.OutputTokens,
			TotalTokens:  res.Usage.TotalTokens(),
		},
		CostZAR:      res.Usage.Cost,
		Model:        s.modelOrDefault(res.Model),
		MessageCount: res.MessageCount,
		Partial:      res.Partial,
	})
}

// pipelineRequest accepts the profile either flat or nested under
// patient_profile next to session_id.
type pipelineRequest struct {
	agent.PatientProfile
	Nested *agent.PatientProfile `json:"patient_profile"`
}

func (r pipelineRequest) profile() agent.PatientProfile {
	if r.Nested == nil {
		return r.PatientProfile
	}
	p := *r.Nested
	if p.SessionID == "" {
		p.SessionID = r.SessionID
	}
	return p
}

func (s *Server) handlePipelineStream(c *gin.Context) {
	var req pipelineRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, fmt.Errorf("%w: %v", core.ErrInvalidRequest, err))
		return
	}
	profile := req.profile()
	if profile.SessionID != "" && !s.allow(c, profile.SessionID) {
		return
	}
	events, err := s.mesh.RunPipeline(c.Request.Context(), profile)
	s.stream(c, events, err)
}

func (s *Server) modelOrDefault(m string) string {
	if m == "" {
		return s.opts.DefaultModel
	}
	return m
}
