package server

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/hupe1980/tailormesh/core"
	"github.com/hupe1980/tailormesh/instruction"
	"github.com/hupe1980/tailormesh/usage"
)

type statsResponse struct {
	SessionID         string  `json:"session_id"`
	Model             string  `json:"model"`
	MessageCount      int     `json:"message_count"`
	TotalInputTokens  int     `json:"total_input_tokens"`
	TotalOutputTokens int     `json:"total_output_tokens"`
	TotalTokens       int     `json:"total_tokens"`
	CostZAR           float64 `json:"cost_zar"`
	CostFormatted     string  `json:"cost_formatted"`
	Busy              bool    `json:"busy"`
}

func (s *Server) handleStats(c *gin.Context) {
	id := c.Query("session_id")
	if id == "" {
		s.writeError(c, fmt.Errorf("%w: session_id is required", core.ErrInvalidRequest))
		return
	}
	st := s.mesh.Stats(id)
	c.JSON(http.StatusOK, statsResponse{
		SessionID:         id,
		Model:             s.modelOrDefault(st.Model),
		MessageCount:      st.MessageCount,
		TotalInputTokens:  st.Usage.InputTokens,
		TotalOutputTokens: st.Usage.OutputTokens,
		TotalTokens:       st.Usage.TotalTokens(),
		CostZAR:           st.Usage.Cost,
		CostFormatted:     usage.FormatZAR(st.Usage.Cost),
		Busy:              st.Busy,
	})
}

// handleReset accepts the session id as a form field, a JSON body or a
// query parameter.
func (s *Server) handleReset(c *gin.Context) {
	id := c.PostForm("session_id")
	if id == "" {
		var body struct {
			SessionID string `json:"session_id"`
		}
		_ = c.ShouldBindJSON(&body)
		id = body.SessionID
	}
	if id == "" {
		id = c.Query("session_id")
	}
	if id == "" {
		s.writeError(c, fmt.Errorf("%w: session_id is required", core.ErrInvalidRequest))
		return
	}

	if err := s.mesh.Reset(id); err != nil {
		s.writeError(c, err)
		return
	}
	s.limiter.Forget(id)
	c.JSON(http.StatusOK, gin.H{"success": true, "message": fmt.Sprintf("Session %s reset successfully", id)})
}

func (s *Server) handleGetInstructions(c *gin.Context) {
	snap := s.mesh.Instructions().Snapshot(instruction.ModeDefault)
	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"sections":  instruction.ParseSections(snap.Text),
		"full_text": snap.Text,
		"version":   snap.Version,
		"source":    snap.Source,
	})
}

type updateInstructionsRequest struct {
	RawText  *string           `json:"raw_text"`
	Sections map[string]string `json:"sections"`
}

func (s *Server) handleUpdateInstructions(c *gin.Context) {
	var req updateInstructionsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeError(c, fmt.Errorf("%w: %v", core.ErrInvalidRequest, err))
		return
	}

	reg := s.mesh.Instructions()
	var err error
	if req.RawText != nil {
		err = reg.Replace(*req.RawText)
	} else {
		err = reg.ReplaceSections(req.Sections)
	}
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "Instructions updated successfully (resets on restart)",
		"version": reg.Snapshot(instruction.ModeDefault).Version,
	})
}

func (s *Server) handleResetInstructions(c *gin.Context) {
	reg := s.mesh.Instructions()
	reg.ResetToDefault()
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "Reset to default instructions",
		"version": reg.Snapshot(instruction.ModeDefault).Version,
	})
}
