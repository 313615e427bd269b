package subscription

import (
	"context"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"worldwatch/internal/entity"
)

// Querier is the part of *pgxpool.Pool the resolver needs.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Postgres resolves against the settings database shared with the command
// layer. Expected tables:
//
//	channels(id text primary key, platform text)
//	type_notifications(channel_id text, type text)
//	item_notifications(channel_id text, item text)
//	pings(channel_id text, item_or_type text, text text)
type Postgres struct {
	db Querier
}

func NewPostgres(db Querier) *Postgres {
	return &Postgres{db: db}
}

// ConnectPostgres opens a pool and verifies connectivity.
func ConnectPostgres(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return pool, nil
}

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// buildQuery renders the lookup. Channels tracking the event type match; when
// filter tags are given the channel must also track at least one of them.
func buildQuery(category entity.Category, platform string, filterTags []string) (string, []any, error) {
	q := psql.
		Select("c.id", "COALESCE(string_agg(DISTINCT p.text, ' '), '')").
		From("channels c").
		Join("type_notifications t ON t.channel_id = c.id").
		LeftJoin("pings p ON p.channel_id = c.id AND (p.item_or_type = ? OR p.item_or_type = ANY(?))", string(category), nonNil(filterTags)).
		Where(sq.Eq{"c.platform": strings.ToLower(platform), "t.type": string(category)})
	if len(filterTags) > 0 {
		q = q.Where("EXISTS (SELECT 1 FROM item_notifications i WHERE i.channel_id = c.id AND i.item = ANY(?))", filterTags)
	}
	return q.GroupBy("c.id").OrderBy("c.id").ToSql()
}

func nonNil(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}

func (p *Postgres) Resolve(ctx context.Context, category entity.Category, platform string, filterTags []string) ([]Destination, error) {
	sqlStr, args, err := buildQuery(category, platform, filterTags)
	if err != nil {
		return nil, fmt.Errorf("building subscription query: %w", err)
	}
	rows, err := p.db.Query(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("querying subscriptions: %w", err)
	}
	defer rows.Close()

	out := []Destination{}
	index := map[string]int{}
	for rows.Next() {
		var d Destination
		if err := rows.Scan(&d.ID, &d.Ping); err != nil {
			return nil, fmt.Errorf("scanning subscription: %w", err)
		}
		out = merge(out, index, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating subscriptions: %w", err)
	}
	return out, nil
}
