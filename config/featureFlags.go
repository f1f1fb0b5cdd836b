package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Engine policy knobs. All are read on each call so tests can t.Setenv them.

// ProductionQcDefault is the QC status new production layers are created with.
// PENDING holds the batch until the post-commit inspection check releases it.
//
// Set via env:
// - PRODUCTION_QC_DEFAULT=PENDING|NOT_REQUIRED (default PENDING)
func ProductionQcDefault() string {
	v := strings.ToUpper(strings.TrimSpace(os.Getenv("PRODUCTION_QC_DEFAULT")))
	if v == "NOT_REQUIRED" {
		return v
	}
	return "PENDING"
}

// ProductionVarianceTolerancePct is the yield variance (percentage points)
// a step may show without a written justification.
//
// Set via env:
// - PRODUCTION_VARIANCE_TOLERANCE_PCT (default 5)
func ProductionVarianceTolerancePct() decimal.Decimal {
	v := strings.TrimSpace(os.Getenv("PRODUCTION_VARIANCE_TOLERANCE_PCT"))
	if v == "" {
		return decimal.NewFromInt(5)
	}
	d, err := decimal.NewFromString(v)
	if err != nil || d.IsNegative() {
		return decimal.NewFromInt(5)
	}
	return d
}

// LayerVersionRetries bounds how many times a transaction that lost an
// optimistic version check is re-run from scratch.
//
// Set via env:
// - LAYER_VERSION_RETRIES (default 3)
func LayerVersionRetries() int {
	n := intFromEnv("LAYER_VERSION_RETRIES", 3)
	if n < 1 {
		return 1
	}
	return n
}

// ProductionChainMaxDepth caps chain expansion and lineage traversal.
//
// Set via env:
// - PRODUCTION_CHAIN_MAX_DEPTH (default 10)
func ProductionChainMaxDepth() int {
	n := intFromEnv("PRODUCTION_CHAIN_MAX_DEPTH", 10)
	if n < 1 {
		return 10
	}
	return n
}

// OutboxDispatcherEnabled toggles the in-process outbox dispatcher in server.go.
//
// Set via env:
// - OUTBOX_DISPATCHER_ENABLED=true
func OutboxDispatcherEnabled() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("OUTBOX_DISPATCHER_ENABLED")))
	b, err := strconv.ParseBool(v)
	if err != nil {
		return v == "yes" || v == "y"
	}
	return b
}

// AuditSubscriberEnabled runs a scoped auditor pass for every stock event
// read from PUBSUB_AUDIT_SUBSCRIPTION.
//
// Set via env:
// - AUDIT_SUBSCRIBER_ENABLED=true
func AuditSubscriberEnabled() bool {
	b, _ := strconv.ParseBool(strings.TrimSpace(os.Getenv("AUDIT_SUBSCRIBER_ENABLED")))
	return b
}
