package database

import (
	"context"
	"time"

	"github.com/flowpbx/callbridge/internal/database/models"
)

// CallRecordListFilter specifies filtering and pagination for history queries.
type CallRecordListFilter struct {
	Limit     int
	Offset    int
	Search    string // matches caller_id or answered_for
	State     string // exact state name, or "" for all
	StartDate string // RFC3339 or YYYY-MM-DD
	EndDate   string // RFC3339 or YYYY-MM-DD
}

// CallRecordRepository manages call history.
type CallRecordRepository interface {
	Create(ctx context.Context, rec *models.CallRecord) error
	GetByToken(ctx context.Context, token string) (*models.CallRecord, error)
	UpdateState(ctx context.Context, rec *models.CallRecord) error
	Finish(ctx context.Context, token, state, reason string, endedAt time.Time) error
	List(ctx context.Context, filter CallRecordListFilter) ([]models.CallRecord, int, error)
	CountByState(ctx context.Context) (map[string]int64, error)
}
