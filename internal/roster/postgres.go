package roster

import (
	"context"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/scholarmetrics/awardlink/internal/model"
)

// Querier is the query subset of pgxpool.Pool needed to load a roster.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

var tableNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.]*$`)

// LoadPostgres reads the roster from a Postgres table carrying the same
// columns as the CSV schema (id, name, aliases, org, lat, lng; aliases
// semicolon-separated). Failure rules match Parse: rows without a name are
// warned about and skipped, duplicate ids and an empty roster are fatal.
func LoadPostgres(ctx context.Context, q Querier, table string, log *zap.Logger) (*EntitySet, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if !tableNameRe.MatchString(table) {
		return nil, eris.Errorf("roster: invalid table name %q", table)
	}

	rows, err := q.Query(ctx, `SELECT id, name, COALESCE(aliases, ''), COALESCE(org, ''), `+
		`COALESCE(lat, 0), COALESCE(lng, 0) FROM `+table+` ORDER BY id`)
	if err != nil {
		return nil, eris.Wrap(err, "roster: query")
	}
	defer rows.Close()

	var entities []model.ReferenceEntity
	seen := make(map[int64]bool)
	skipped := 0

	for rows.Next() {
		var ent model.ReferenceEntity
		var aliases string
		if err := rows.Scan(&ent.ID, &ent.Name, &aliases, &ent.Org, &ent.Lat, &ent.Lng); err != nil {
			return nil, eris.Wrap(err, "roster: scan row")
		}

		ent.Name = strings.TrimSpace(ent.Name)
		if ent.Name == "" {
			log.Warn("skipping roster row",
				zap.Int64("id", ent.ID),
				zap.String("reason", "empty name"))
			skipped++
			continue
		}
		ent.Org = strings.TrimSpace(ent.Org)
		for _, alias := range strings.Split(aliases, ";") {
			if alias = strings.TrimSpace(alias); alias != "" {
				ent.Aliases = append(ent.Aliases, alias)
			}
		}

		if seen[ent.ID] {
			return nil, eris.Errorf("roster: duplicate entity id %d", ent.ID)
		}
		seen[ent.ID] = true

		entities = append(entities, ent)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "roster: iterate rows")
	}

	return newSet(entities, skipped)
}
