// Package teamdata loads the per-team KPI snapshot that the host attaches to
// slide updates.
package teamdata

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/gamesync/go/internal/dbconfig"
	"github.com/mcdev12/gamesync/go/internal/protocol"
)

// ErrSessionNotFound is returned when the game session does not exist
var ErrSessionNotFound = errors.New("game session not found")

const roundQuery = `SELECT current_round FROM game_sessions WHERE id = $1`

// One row per (team, kpi) for the session's current round. Teams without KPIs
// yet come back once with NULL key and value.
const kpiQuery = `
SELECT t.id, t.name, k.kpi_key, k.value
FROM teams t
LEFT JOIN team_kpis k ON k.team_id = t.id AND k.round = $2
WHERE t.session_id = $1
ORDER BY t.name, t.id, k.kpi_key`

// kpiRow is one scanned row of kpiQuery
type kpiRow struct {
	TeamID   string
	TeamName string
	KPIKey   *string
	Value    *float64
}

// querier is the subset of pgxpool.Pool the provider needs
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresProvider reads team snapshots from Postgres
type PostgresProvider struct {
	db querier
}

// Connect opens a pool for cfg and verifies it with a ping
func Connect(ctx context.Context, cfg dbconfig.Config) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to create database pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	log.Info().
		Str("host", cfg.Host).
		Int("port", cfg.Port).
		Str("database", cfg.Database).
		Msg("connected to database")
	return pool, nil
}

// NewPostgresProvider returns a provider over pool
func NewPostgresProvider(pool *pgxpool.Pool) *PostgresProvider {
	return &PostgresProvider{db: pool}
}

// Snapshot returns every team of the session with its KPIs for the current round
func (p *PostgresProvider) Snapshot(ctx context.Context, sessionID string) (*protocol.TeamSnapshot, error) {
	var round int
	if err := p.db.QueryRow(ctx, roundQuery, sessionID).Scan(&round); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
		}
		return nil, fmt.Errorf("failed to load current round: %w", err)
	}

	rows, err := p.db.Query(ctx, kpiQuery, sessionID, round)
	if err != nil {
		return nil, fmt.Errorf("failed to query team kpis: %w", err)
	}
	kpis, err := pgx.CollectRows(rows, pgx.RowToStructByPos[kpiRow])
	if err != nil {
		return nil, fmt.Errorf("failed to scan team kpis: %w", err)
	}

	return assemble(round, kpis), nil
}

// assemble groups rows by team, keeping query order
func assemble(round int, rows []kpiRow) *protocol.TeamSnapshot {
	snapshot := &protocol.TeamSnapshot{Round: round, Teams: []protocol.TeamKPIs{}}
	index := make(map[string]int)

	for _, r := range rows {
		i, ok := index[r.TeamID]
		if !ok {
			i = len(snapshot.Teams)
			index[r.TeamID] = i
			snapshot.Teams = append(snapshot.Teams, protocol.TeamKPIs{
				TeamID:   r.TeamID,
				TeamName: r.TeamName,
				KPIs:     make(map[string]float64),
			})
		}
		if r.KPIKey != nil && r.Value != nil {
			snapshot.Teams[i].KPIs[*r.KPIKey] = *r.Value
		}
	}
	return snapshot
}
