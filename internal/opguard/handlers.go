// Copyright © 2025 jackelyj <dreamerlyj@gmail.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.
//

package opguard

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/innovationmech/opguard/pkg/operations"
	"github.com/innovationmech/opguard/pkg/saga"
	"github.com/innovationmech/opguard/pkg/storage"
)

type createSagaRequest struct {
	Steps []saga.StepDefinition `json:"steps" binding:"required,min=1"`
}

func (s *Server) health(c *gin.Context) {
	if err := s.manager.HealthCheck(c.Request.Context()); err != nil {
		s.logger.Warn("health check failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "storage": string(s.cfg.Storage.Backend)})
}

func (s *Server) tenant(c *gin.Context) string {
	if t := c.GetHeader(s.cfg.Idempotency.TenantHeader); t != "" {
		return t
	}
	return s.cfg.Idempotency.DefaultTenant
}

func (s *Server) createSaga(c *gin.Context) {
	var req createSagaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	report, err := s.manager.CreateSaga(c.Request.Context(), s.tenant(c), req.Steps)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, report)
}

func (s *Server) getSaga(c *gin.Context) {
	report, err := s.manager.GetSagaStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// executeSaga runs the saga in the request unless async=true, in which case
// it is started as a background operation and 202 is returned.
func (s *Server) executeSaga(c *gin.Context) {
	id := c.Param("id")
	async, _ := strconv.ParseBool(c.Query("async"))
	if async {
		if _, err := s.manager.GetSagaStatus(c.Request.Context(), id); err != nil {
			s.writeError(c, err)
			return
		}
		op, err := s.manager.Go(c.Request.Context(), s.tenant(c), "saga.execute",
			map[string]string{"saga_id": id}, func(ctx context.Context) error {
				report, err := s.manager.ExecuteSaga(ctx, id)
				if err != nil {
					return err
				}
				return report.Err()
			})
		if err != nil {
			s.writeError(c, err)
			return
		}
		c.Header("Location", "/v1/operations/"+op.ID)
		c.JSON(http.StatusAccepted, op)
		return
	}

	report, err := s.manager.ExecuteSaga(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) cancelSaga(c *gin.Context) {
	report, err := s.manager.CancelSaga(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) sagaHistory(c *gin.Context) {
	history, err := s.manager.SagaHistory(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"saga_id": c.Param("id"), "history": history})
}

func (s *Server) getOperation(c *gin.Context) {
	op, err := s.manager.GetOperation(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, op)
}

func (s *Server) cleanup(c *gin.Context) {
	stats, err := s.manager.CleanupExpired(c.Request.Context(), c.Query("tenant"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) writeError(c *gin.Context, err error) {
	var validation *saga.ValidationError
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, saga.ErrSagaNotFound), errors.Is(err, operations.ErrOperationNotFound):
		status = http.StatusNotFound
	case errors.As(err, &validation):
		status = http.StatusBadRequest
	case errors.Is(err, saga.ErrSagaBusy), errors.Is(err, saga.ErrInvalidTransition),
		errors.Is(err, operations.ErrCleanupInProgress):
		status = http.StatusConflict
	case storage.IsUnavailable(err), errors.Is(err, operations.ErrManagerClosed):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
