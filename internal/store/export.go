package store

import (
	"context"
	"fmt"
	"time"

	"github.com/pavelanni/skillcheck/internal/model"
)

// ExportResults builds the export document for every result in the organisation,
// oldest first so the file reads chronologically.
func (s *Store) ExportResults(ctx context.Context, orgID string) (model.ResultsExport, error) {
	if _, err := s.GetOrganisation(ctx, orgID); err != nil {
		return model.ResultsExport{}, err
	}
	results, err := s.queryResults(ctx,
		`SELECT `+resultColumns+` FROM results WHERE org_id = ? ORDER BY timestamp, id`, orgID)
	if err != nil {
		return model.ResultsExport{}, fmt.Errorf("list results: %w", err)
	}
	if results == nil {
		results = []model.ResultRecord{}
	}
	return model.ResultsExport{
		OrgID:      orgID,
		ExportedAt: time.Now().UTC(),
		Results:    results,
	}, nil
}
