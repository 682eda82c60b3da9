package storage

import (
	"context"
	"errors"

	"dex-pnl-indexer/internal/domain"
)

// AuditSinks fans legs out to every sink. All sinks are attempted; their
// errors are joined.
type AuditSinks []LegAuditSink

var _ LegAuditSink = AuditSinks(nil)

// InsertLegs implements LegAuditSink.
func (s AuditSinks) InsertLegs(ctx context.Context, legs []*domain.TradeLeg) error {
	var errs []error
	for _, sink := range s {
		if err := sink.InsertLegs(ctx, legs); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
