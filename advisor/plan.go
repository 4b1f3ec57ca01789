package advisor

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// FetchPlan returns the EXPLAIN FORMAT=JSON output of query inside database.
// Non-SELECT text and any database error yield "".
func FetchPlan(ctx context.Context, sess Session, query, database string, log *zap.Logger) string {
	plan, err := fetchPlan(ctx, sess, query, database)
	if err != nil {
		log.Error("error executing EXPLAIN", zap.String("database", database), zap.String("query", query), zap.Error(err))
		return ""
	}
	return plan
}

func fetchPlan(ctx context.Context, sess Session, query, database string) (string, error) {
	if !isSelect(query) {
		return "", nil
	}
	if err := sess.UseDatabase(ctx, database); err != nil {
		return "", &PlanFetchError{Database: database, Query: query, Err: fmt.Errorf("use: %w", err)}
	}
	plan, err := sess.ExplainJSON(ctx, query)
	if err != nil {
		return "", &PlanFetchError{Database: database, Query: query, Err: err}
	}
	return plan, nil
}
