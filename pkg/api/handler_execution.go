package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/hirebay/hirebay/pkg/fault"
	"github.com/hirebay/hirebay/pkg/models"
	"github.com/hirebay/hirebay/pkg/store"
)

// execute handles POST /api/v1/hirings/:id/executions.
//
// The call blocks until the execution reaches a terminal state. Whenever a
// finalized row exists it is returned with 200 even if the run failed: the
// error taxonomy lives in the row's error fields. Only failures that never
// produced a row map onto HTTP statuses.
func (s *Server) execute(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	var req executeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "$", "invalid execute request: %v", err)
		return
	}
	operation := req.Operation
	if operation == "" {
		operation = models.OpExecute
	}
	input := []byte(req.Input)
	if len(input) == 0 {
		input = []byte(`{}`)
	}

	exec, err := s.dispatcher.Execute(c.Request.Context(), id, operation, input)
	if exec == nil && err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, exec)
}

// listExecutions handles GET /api/v1/hirings/:id/executions.
func (s *Server) listExecutions(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	f := store.ExecutionFilter{
		HiringID: id,
		Limit:    queryInt(c, "limit", 50),
		Offset:   queryInt(c, "offset", 0),
	}
	if state := c.Query("state"); state != "" {
		f.States = []models.ExecutionState{models.ExecutionState(state)}
	}
	execs, err := s.store.Executions().List(c.Request.Context(), f)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if execs == nil {
		execs = []*models.Execution{}
	}
	c.JSON(http.StatusOK, gin.H{"executions": execs, "count": len(execs)})
}

// getExecution handles GET /api/v1/executions/:execId.
func (s *Server) getExecution(c *gin.Context) {
	execID := c.Param("execId")
	exec, err := s.store.Executions().GetByExecID(c.Request.Context(), execID)
	if errors.Is(err, store.ErrNotFound) {
		notFound(c, "execution %q not found", execID)
		return
	}
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, exec)
}

// cancelExecution handles POST /api/v1/executions/:execId/cancel. The row
// reaches its terminal state once the invocation unwinds, so the response
// is an acknowledgement, not the final record.
func (s *Server) cancelExecution(c *gin.Context) {
	execID := c.Param("execId")
	if _, err := s.store.Executions().GetByExecID(c.Request.Context(), execID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			notFound(c, "execution %q not found", execID)
			return
		}
		s.writeError(c, err)
		return
	}
	if !s.dispatcher.CancelExecution(execID) {
		s.writeError(c, fault.New(fault.CategoryLifecycle, fault.CodeIllegalTransition,
			"execution %q is not in flight", execID))
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"execution_id": execID, "cancelling": true})
}
