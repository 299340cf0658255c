package db

import (
	"context"
	"fmt"

	"github.com/kohakuhub/hub/internal/models"
)

// ListFallbackSources returns enabled sources scoped globally ("") or to
// namespace, ordered by priority ascending, stable on ties (ORDER BY
// priority, id gives a deterministic tie-break matching insertion order).
func (d *DB) ListFallbackSources(ctx context.Context, namespace string) ([]*models.FallbackSource, error) {
	rows, err := d.Query(ctx, `SELECT id, namespace, base_url, token, priority, name, source_type, enabled
		FROM fallbacksource WHERE enabled = TRUE AND (namespace = '' OR namespace = ?)
		ORDER BY priority ASC, id ASC`, namespace)
	if err != nil {
		return nil, fmt.Errorf("list fallback sources: %w", err)
	}
	defer rows.Close()
	var out []*models.FallbackSource
	for rows.Next() {
		var s models.FallbackSource
		var sourceType string
		if err := rows.Scan(&s.ID, &s.Namespace, &s.BaseURL, &s.Token, &s.Priority, &s.Name, &sourceType, &s.Enabled); err != nil {
			return nil, err
		}
		s.Type = models.FallbackSourceType(sourceType)
		out = append(out, &s)
	}
	return out, rows.Err()
}
