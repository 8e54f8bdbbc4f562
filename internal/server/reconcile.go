package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	ierr "github.com/smallbiznis/quotaengine/internal/errors"
	"go.uber.org/zap"
)

// Reconcile runs one expiry sweep on demand, for external cron triggers.
// Partial cascade failure answers 207 with the report so the caller can see
// which grants stay pending.
func (s *Server) Reconcile(c *gin.Context) {
	if s.sweeper == nil {
		AbortWithError(c, ierr.NewError("reconciler is not configured").Mark(ierr.ErrNotFound))
		return
	}

	report, err := s.sweeper.RunOnce(c.Request.Context())
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"data": report})
	case ierr.IsPartialCascadeFailure(err):
		s.log.Warn("http.reconcile.partial_failure",
			zap.String("run_id", report.RunID),
			zap.Int("failures", len(report.Failures)),
		)
		c.JSON(http.StatusMultiStatus, gin.H{
			"data": report,
			"error": errorPayload{
				Type:    ierr.CodePartialCascadeFailure,
				Message: err.Error(),
				Hint:    ierr.Hint(err),
			},
		})
	default:
		AbortWithError(c, err)
	}
}
