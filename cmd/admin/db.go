package main

import (
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "modernc.org/sqlite"
)

func dbCmd(args []string) {
	fs := flag.NewFlagSet("db", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	dbPath := fs.String("db", "", "sqlite db path (optional; defaults to <data>/index/boracay.sqlite)")
	limit := fs.Int("limit", 20, "result limit")
	id := fs.String("id", "", "feature or query id filter (history, path)")
	_ = fs.Parse(args)

	q := "ticks"
	if fs.NArg() > 0 {
		q = strings.TrimSpace(fs.Arg(0))
	}
	path := strings.TrimSpace(*dbPath)
	if path == "" {
		path = filepath.Join(*dataDir, "index", "boracay.sqlite")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := runQuery(os.Stdout, db, q, *id, *limit); err != nil {
		fmt.Fprintln(os.Stderr, q+":", err)
		os.Exit(1)
	}
}

// runQuery prints one JSON object per row.
func runQuery(w io.Writer, db *sql.DB, q, id string, limit int) error {
	if limit <= 0 {
		limit = 20
	}
	var (
		query string
		args  []any
	)
	switch q {
	case "sources":
		query = `SELECT name,digest,json,updated_at FROM sources ORDER BY name`
	case "ticks":
		query = `SELECT tick,at,vx,vy,spawns,despawns,chunks_spawned,chunks_despawned FROM stream_ticks ORDER BY tick DESC LIMIT ?`
		args = []any{limit}
	case "history":
		if id == "" {
			return fmt.Errorf("missing -id")
		}
		query = `SELECT tick,'spawn' AS event,category,kind AS detail FROM spawns WHERE id=?
			UNION ALL
			SELECT tick,'despawn',category,reason FROM despawns WHERE id=?
			ORDER BY tick DESC LIMIT ?`
		args = []any{id, id, limit}
	case "paths":
		query = `SELECT id,tick,state,reason,start_node,goal_node,hops,cost,expanded,took_ms FROM path_results ORDER BY tick DESC LIMIT ?`
		args = []any{limit}
	case "path":
		if id == "" {
			return fmt.Errorf("missing -id")
		}
		query = `SELECT id,tick,state,reason,start_node,goal_node,hops,cost,expanded,took_ms FROM path_results WHERE id=?`
		args = []any{id}
	case "rejections":
		query = `SELECT tick,seq,id,error FROM path_rejections ORDER BY tick DESC, seq DESC LIMIT ?`
		args = []any{limit}
	case "categories":
		query = `SELECT s.category, s.n AS spawned, COALESCE(d.n,0) AS despawned
			FROM (SELECT category, COUNT(*) AS n FROM spawns GROUP BY category) s
			LEFT JOIN (SELECT category, COUNT(*) AS n FROM despawns GROUP BY category) d ON d.category = s.category
			ORDER BY s.category`
	default:
		return fmt.Errorf("unknown query %q (sources|ticks|history|paths|path|rejections|categories)", q)
	}

	rows, err := db.Query(query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	cols, err := rows.Columns()
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return err
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			switch v := vals[i].(type) {
			case []byte:
				row[c] = string(v)
			default:
				row[c] = v
			}
		}
		if err := enc.Encode(row); err != nil {
			return err
		}
	}
	return rows.Err()
}

func parseVec2(s string) ([2]float64, error) {
	parts := strings.Split(strings.TrimSpace(s), ",")
	if len(parts) != 2 {
		return [2]float64{}, fmt.Errorf("expected x,y")
	}
	var out [2]float64
	for i := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(parts[i]), 64)
		if err != nil {
			return [2]float64{}, err
		}
		out[i] = v
	}
	return out, nil
}
