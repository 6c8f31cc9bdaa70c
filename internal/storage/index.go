package storage

import (
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/glebarez/go-sqlite"
)

// flowIndex is a queryable SQLite projection over the flow log, so the UI
// can paginate and filter without scanning every JSON document (§6). The
// JSON documents written by Persister remain the source of truth; every flow
// loaded from them at startup is upserted into this index, and rows for flows
// no longer on disk are not removed.
type flowIndex struct {
	db *sql.DB
}

// FlowIndexRow is one row of the flow projection.
type FlowIndexRow struct {
	FlowID     string
	Timestamp  int64
	Host       string
	Path       string
	Method     string
	IsLLMAPI   bool
	StatusCode int
	Hidden     bool
}

// FlowIndexQuery mirrors the teacher's QueryParams shape, narrowed to the
// predicates a flow listing view needs.
type FlowIndexQuery struct {
	Host     string
	IsLLMAPI *bool
	Hidden   *bool
	Since    int64 // flows with Timestamp >= Since; 0 means no filter
	Limit    int
}

func openFlowIndex(path string) (*flowIndex, error) {
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening flow index %s: %w", path, err)
	}
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS flows (
			flow_id     TEXT PRIMARY KEY,
			ts          INTEGER NOT NULL,
			host        TEXT NOT NULL DEFAULT '',
			path        TEXT NOT NULL DEFAULT '',
			method      TEXT NOT NULL DEFAULT '',
			is_llm_api  INTEGER NOT NULL DEFAULT 0,
			status_code INTEGER NOT NULL DEFAULT 0,
			hidden      INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_flows_ts ON flows(ts);
		CREATE INDEX IF NOT EXISTS idx_flows_host ON flows(host);
		CREATE INDEX IF NOT EXISTS idx_flows_is_llm ON flows(is_llm_api);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating flow index schema: %w", err)
	}
	return &flowIndex{db: db}, nil
}

func (idx *flowIndex) upsert(row FlowIndexRow) {
	_, err := idx.db.Exec(
		`INSERT INTO flows (flow_id, ts, host, path, method, is_llm_api, status_code, hidden)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(flow_id) DO UPDATE SET
		   ts=excluded.ts, host=excluded.host, path=excluded.path, method=excluded.method,
		   is_llm_api=excluded.is_llm_api, status_code=excluded.status_code, hidden=excluded.hidden`,
		row.FlowID, row.Timestamp, row.Host, row.Path, row.Method,
		boolToInt(row.IsLLMAPI), row.StatusCode, boolToInt(row.Hidden),
	)
	if err != nil {
		slog.Error("flow index upsert failed", "flow_id", row.FlowID, "error", err)
	}
}

func (idx *flowIndex) delete(flowID string) {
	if _, err := idx.db.Exec(`DELETE FROM flows WHERE flow_id = ?`, flowID); err != nil {
		slog.Error("flow index delete failed", "flow_id", flowID, "error", err)
	}
}

func (idx *flowIndex) clear() {
	if _, err := idx.db.Exec(`DELETE FROM flows`); err != nil {
		slog.Error("flow index clear failed", "error", err)
	}
}

func (idx *flowIndex) query(q FlowIndexQuery) ([]string, error) {
	query := "SELECT flow_id FROM flows WHERE 1=1"
	var args []any

	if q.Host != "" {
		query += " AND host = ?"
		args = append(args, q.Host)
	}
	if q.IsLLMAPI != nil {
		query += " AND is_llm_api = ?"
		args = append(args, boolToInt(*q.IsLLMAPI))
	}
	if q.Hidden != nil {
		query += " AND hidden = ?"
		args = append(args, boolToInt(*q.Hidden))
	}
	if q.Since > 0 {
		query += " AND ts >= ?"
		args = append(args, q.Since)
	}
	query += " ORDER BY ts DESC"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := idx.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying flow index: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning flow index row: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (idx *flowIndex) close() error {
	return idx.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
