package postgres

import (
	"fmt"

	"github.com/alanyoungcy/sentinel/internal/domain"
)

// withListOpts appends time bounds on col, newest-first ordering and
// pagination to a query whose WHERE clause already exists.
func withListOpts(sql string, args []any, col string, opts domain.ListOpts) (string, []any) {
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if opts.Since != nil {
		sql += fmt.Sprintf(" AND %s >= %s", col, next(*opts.Since))
	}
	if opts.Until != nil {
		sql += fmt.Sprintf(" AND %s <= %s", col, next(*opts.Until))
	}
	sql += " ORDER BY " + col + " DESC"
	if opts.Limit > 0 {
		sql += " LIMIT " + next(opts.Limit)
	}
	if opts.Offset > 0 {
		sql += " OFFSET " + next(opts.Offset)
	}
	return sql, args
}
