package workflow

import (
	"context"
	"errors"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/mmdatafocus/mfg_backend/config"
	"github.com/mmdatafocus/mfg_backend/models"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

var tracer = otel.Tracer("github.com/mmdatafocus/mfg_backend/workflow")

// isRetryableTxErr: lost version checks, InnoDB deadlocks (1213) and lock wait timeouts (1205).
func isRetryableTxErr(err error) bool {
	if models.IsKind(err, models.ErrKindConcurrentUpdate) {
		return true
	}
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1213 || mysqlErr.Number == 1205
	}
	return false
}

// runInTransaction runs fn in a fresh transaction, re-running it from scratch
// when it loses an optimistic version check, up to LAYER_VERSION_RETRIES times.
func runInTransaction(ctx context.Context, db *gorm.DB, logger *logrus.Logger, operation string, fn func(tx *gorm.DB) error) error {
	attempts := config.LayerVersionRetries()
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = db.WithContext(ctx).Transaction(fn)
		if err == nil || !isRetryableTxErr(err) {
			return err
		}
		config.GetMetrics().VersionConflicts.WithLabelValues(operation).Inc()
		logger.WithFields(logrus.Fields{
			"field":     "runInTransaction",
			"operation": operation,
			"attempt":   attempt,
			"max":       attempts,
		}).Warn("transaction lost a version check; retrying: " + err.Error())
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	if models.IsKind(err, models.ErrKindConcurrentUpdate) {
		return err
	}
	return models.WrapProductionError(models.ErrKindConcurrentUpdate, "transaction retries exhausted", err)
}

// asEngineError makes sure nothing opaque crosses the public boundary.
func asEngineError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := models.AsProductionError(err); ok {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return models.WrapProductionError(models.ErrKindInternal, "operation cancelled", err)
	}
	return models.ErrInternal("storage operation failed", err)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
