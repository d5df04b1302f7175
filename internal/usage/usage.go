// Package usage implements the Token Usage Ledger (§4, §3 TokenUsage):
// append-only per-call records plus the summary and detail queries exposed
// under /v1/admin/users/{id}/token-usage.
//
// Grounded on original_source's token_usage_service.py and its repository's
// get_usage_summary_by_user / get_by_filters, translated from SQLAlchemy
// aggregate queries into GORM equivalents the way BaSui01-agentflow's
// llm package wraps *gorm.DB per service.
package usage

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/ygo74/openai-proxy/internal/domain"
)

// Ledger is the Token Usage Ledger component.
type Ledger struct {
	db *gorm.DB
}

// New wraps an already-migrated *gorm.DB.
func New(db *gorm.DB) *Ledger {
	return &Ledger{db: db}
}

// Record persists one TokenUsage row (§4.6 step 6: written only on success).
func (l *Ledger) Record(ctx context.Context, u domain.TokenUsage) error {
	return l.db.WithContext(ctx).Create(&u).Error
}

// Summary is the aggregate returned by token-usage[?days] (§6.2).
type Summary struct {
	UserID                 string    `json:"user_id"`
	TotalPromptTokens      int64     `json:"total_prompt_tokens"`
	TotalCompletionTokens  int64     `json:"total_completion_tokens"`
	TotalTokens            int64     `json:"total_tokens"`
	RequestCount           int64     `json:"request_count"`
	FromDate               time.Time `json:"from_date"`
}

// GetUserUsageSummary aggregates a user's token consumption since now-days
// (days<=0 means no lower bound), mirroring
// token_usage_repository.get_usage_summary_by_user.
func (l *Ledger) GetUserUsageSummary(ctx context.Context, userID string, days int) (Summary, error) {
	summary := Summary{UserID: userID}

	q := l.db.WithContext(ctx).Model(&domain.TokenUsage{}).Where("user_id = ?", userID)
	if days > 0 {
		summary.FromDate = timeNow().AddDate(0, 0, -days)
		q = q.Where("timestamp >= ?", summary.FromDate)
	}

	row := struct {
		TotalPromptTokens     int64
		TotalCompletionTokens int64
		TotalTokens           int64
		RequestCount          int64
	}{}
	err := q.Select(
		"COALESCE(SUM(prompt_tokens),0) AS total_prompt_tokens",
		"COALESCE(SUM(completion_tokens),0) AS total_completion_tokens",
		"COALESCE(SUM(total_tokens),0) AS total_tokens",
		"COUNT(*) AS request_count",
	).Scan(&row).Error
	if err != nil {
		return summary, err
	}

	summary.TotalPromptTokens = row.TotalPromptTokens
	summary.TotalCompletionTokens = row.TotalCompletionTokens
	summary.TotalTokens = row.TotalTokens
	summary.RequestCount = row.RequestCount
	return summary, nil
}

// ModelBreakdown is one row of token-usage/details[?days&limit] (§6.2): the
// per-model aggregation the original's details endpoint folds in alongside
// the raw summary.
type ModelBreakdown struct {
	Model            string `json:"model"`
	PromptTokens     int64  `json:"prompt_tokens"`
	CompletionTokens int64  `json:"completion_tokens"`
	TotalTokens      int64  `json:"total_tokens"`
	RequestCount     int64  `json:"request_count"`
}

// GetUserUsageDetails returns a per-model breakdown of a user's consumption
// over the trailing `days` window (days<=0 means no lower bound), capped at
// limit distinct models ordered by total_tokens descending.
func (l *Ledger) GetUserUsageDetails(ctx context.Context, userID string, days, limit int) ([]ModelBreakdown, error) {
	if limit <= 0 {
		limit = 100
	}

	q := l.db.WithContext(ctx).Model(&domain.TokenUsage{}).Where("user_id = ?", userID)
	if days > 0 {
		q = q.Where("timestamp >= ?", timeNow().AddDate(0, 0, -days))
	}

	var rows []ModelBreakdown
	err := q.Select(
		"model AS model",
		"COALESCE(SUM(prompt_tokens),0) AS prompt_tokens",
		"COALESCE(SUM(completion_tokens),0) AS completion_tokens",
		"COALESCE(SUM(total_tokens),0) AS total_tokens",
		"COUNT(*) AS request_count",
	).Group("model").Order("total_tokens DESC").Limit(limit).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// timeNow is overridable in tests.
var timeNow = time.Now
