package rest

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/lsst-ts/mtreflector/internal/csc"
	"github.com/lsst-ts/mtreflector/internal/sal"
)

// CommandAck is the response for a completed command.
type CommandAck struct {
	CommandID string    `json:"command_id"`
	Command   string    `json:"command"`
	Ack       string    `json:"ack"`
	Timestamp time.Time `json:"timestamp"`
}

// POST /api/v1/cmd/:command
//
// The command runs to completion before the response is written; a
// rejected or failed command reports the reason in the error envelope.
func (s *Server) executeCommand(c *gin.Context) {
	command := sal.Command(c.Param("command"))

	var data csc.CommandData
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&data); err != nil {
			c.JSON(http.StatusBadRequest, NewErrorResponse("CSC_400", "Invalid request body", err.Error()))
			return
		}
	}

	commandID, err := s.csc.Do(c.Request.Context(), command, data)
	if err != nil {
		s.logger.Warn("Command failed",
			zap.String("command", string(command)),
			zap.String("command_id", commandID),
			zap.Error(err))
		c.JSON(http.StatusBadRequest, NewErrorResponse("CSC_400", "Command failed", err.Error()))
		return
	}

	c.JSON(http.StatusOK, CommandAck{
		CommandID: commandID,
		Command:   string(command),
		Ack:       csc.AckComplete,
		Timestamp: time.Now(),
	})
}
