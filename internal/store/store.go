// Package store loads the stop loop and waypoint rules from Postgres.
// The engine runs fine without it; a missing DSN falls back to the
// embedded default loop.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"shuttle-eta/internal/route"
)

func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

func Ping(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

// FetchStops returns the loop's stop sequence ordered by seq.
func FetchStops(ctx context.Context, db *sql.DB) ([]route.Stop, error) {
	q := `SELECT id, title, lat, lng, COALESCE(visible, true)
          FROM stops ORDER BY seq`
	rows, err := db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query stops: %w", err)
	}
	defer rows.Close()

	var stops []route.Stop
	for rows.Next() {
		var s route.Stop
		if err := rows.Scan(&s.ID, &s.Title, &s.Point.Lat, &s.Point.Lng, &s.Visible); err != nil {
			return nil, err
		}
		stops = append(stops, s)
	}
	return stops, rows.Err()
}

// FetchWaypointRules returns, per goal stop, the ordered stop ids a route
// toward that goal must pass through.
func FetchWaypointRules(ctx context.Context, db *sql.DB) (map[string][]string, error) {
	q := `SELECT goal_stop_id, waypoint_stop_id
          FROM waypoint_rules ORDER BY goal_stop_id, seq`
	rows, err := db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query waypoint_rules: %w", err)
	}
	defer rows.Close()

	rules := make(map[string][]string)
	for rows.Next() {
		var goal, wp string
		if err := rows.Scan(&goal, &wp); err != nil {
			return nil, err
		}
		rules[goal] = append(rules[goal], wp)
	}
	return rules, rows.Err()
}

// LoadLoop assembles a route.Loop from the database.
func LoadLoop(ctx context.Context, db *sql.DB) (*route.Loop, error) {
	stops, err := FetchStops(ctx, db)
	if err != nil {
		return nil, err
	}
	rules, err := FetchWaypointRules(ctx, db)
	if err != nil {
		return nil, err
	}
	return route.NewLoop(stops, rules)
}
