package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kirillkom/invoice-pipeline/internal/core/domain"
)

func (s *Store) CreateAnalysis(ctx context.Context, analysis *domain.Analysis) error {
	recommendations := analysis.Recommendations
	if recommendations == nil {
		recommendations = []string{}
	}
	recJSON, err := marshalJSON(recommendations)
	if err != nil {
		return err
	}
	metadata := analysis.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	metaJSON, err := marshalJSON(metadata)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO analyses (id, batch_id, summary, recommendations, metadata, created_at)
VALUES ($1,$2,$3,$4,$5,$6)
`, analysis.ID, analysis.BatchID, analysis.Summary, recJSON, metaJSON, analysis.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.WrapError(domain.ErrConflict, "create analysis", err)
		}
		return fmt.Errorf("insert analysis: %w", err)
	}
	return nil
}

func (s *Store) GetAnalysisByBatch(ctx context.Context, batchID string) (*domain.Analysis, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, batch_id, summary, recommendations, metadata, created_at
FROM analyses
WHERE batch_id = $1
`, batchID)

	var (
		a       domain.Analysis
		recRaw  []byte
		metaRaw []byte
	)
	if err := row.Scan(&a.ID, &a.BatchID, &a.Summary, &recRaw, &metaRaw, &a.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrAnalysisNotFound, "get analysis", fmt.Errorf("batch_id=%s", batchID))
		}
		return nil, fmt.Errorf("scan analysis: %w", err)
	}
	if err := json.Unmarshal(recRaw, &a.Recommendations); err != nil {
		return nil, fmt.Errorf("unmarshal recommendations: %w", err)
	}
	if err := json.Unmarshal(metaRaw, &a.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	return &a, nil
}
