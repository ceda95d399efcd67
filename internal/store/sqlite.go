package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"seqd/internal/log"
)

// SQLiteStore is the concrete C1 adapter, backed by database/sql over
// mattn/go-sqlite3. DSN tuning (WAL + busy_timeout) mirrors the teacher
// daemon's connection string: concurrent reads during writes, and a long
// busy-timeout instead of surfacing SQLITE_BUSY to callers.
type SQLiteStore struct {
	db *sql.DB
}

// Open opens (and migrates) the segment store at path.
func Open(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=30000&cache=shared&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(10)

	s := &SQLiteStore{db: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS segments (
			business_type TEXT NOT NULL,
			time_key      TEXT NOT NULL DEFAULT '',
			role          TEXT NOT NULL,
			max_value     INTEGER NOT NULL DEFAULT 0,
			step_size     INTEGER NOT NULL,
			PRIMARY KEY (business_type, time_key, role)
		)`,
		`CREATE TABLE IF NOT EXISTS nodes (
			node_id       TEXT PRIMARY KEY,
			role          TEXT NOT NULL,
			status        TEXT NOT NULL DEFAULT 'offline',
			last_heartbeat INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_segments_business ON segments(business_type)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) GetSegment(ctx context.Context, business, timeKey string, role Role) (*Segment, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT business_type, time_key, role, max_value, step_size FROM segments
		 WHERE business_type = ? AND time_key = ? AND role = ?`,
		business, timeKey, string(role))

	var seg Segment
	var roleStr string
	if err := row.Scan(&seg.BusinessType, &seg.TimeKey, &roleStr, &seg.MaxValue, &seg.StepSize); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	seg.Role = Role(roleStr)
	return &seg, nil
}

func (s *SQLiteStore) CreateSegment(ctx context.Context, business, timeKey string, role Role, initialMax int64, step int32) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO segments (business_type, time_key, role, max_value, step_size)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(business_type, time_key, role) DO NOTHING`,
		business, timeKey, string(role), initialMax, step)
	return err
}

func (s *SQLiteStore) SetMaxValue(ctx context.Context, business, timeKey string, role Role, newMax int64) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE segments SET max_value = ? WHERE business_type = ? AND time_key = ? AND role = ?`,
		newMax, business, timeKey, string(role))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) SetMaxValueAndStep(ctx context.Context, business, timeKey string, role Role, newMax int64, newStep int32) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE segments SET max_value = ?, step_size = ? WHERE business_type = ? AND time_key = ? AND role = ?`,
		newMax, newStep, business, timeKey, string(role))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) ListSegments(ctx context.Context, business string, timeKey *string) ([]Segment, error) {
	query := `SELECT business_type, time_key, role, max_value, step_size FROM segments WHERE business_type = ?`
	args := []interface{}{business}
	if timeKey != nil {
		query += ` AND time_key = ?`
		args = append(args, *timeKey)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSegments(rows)
}

func (s *SQLiteStore) ListByRole(ctx context.Context, role Role) ([]Segment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT business_type, time_key, role, max_value, step_size FROM segments WHERE role = ?`,
		string(role))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSegments(rows)
}

func scanSegments(rows *sql.Rows) ([]Segment, error) {
	var out []Segment
	for rows.Next() {
		var seg Segment
		var roleStr string
		if err := rows.Scan(&seg.BusinessType, &seg.TimeKey, &roleStr, &seg.MaxValue, &seg.StepSize); err != nil {
			return nil, err
		}
		seg.Role = Role(roleStr)
		out = append(out, seg)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListDistinctBusinessTypes(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT business_type FROM segments ORDER BY business_type`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var b string
		if err := rows.Scan(&b); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteWhereTimeKeyLessThan(ctx context.Context, cutoff string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM segments WHERE time_key != '' AND time_key < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) SumMaxValue(ctx context.Context, role Role) (int64, error) {
	var sum sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT SUM(max_value) FROM segments WHERE role = ?`, string(role)).Scan(&sum)
	if err != nil {
		return 0, err
	}
	return sum.Int64, nil
}

// ── Node registry (C2) ──

func (s *SQLiteStore) RegisterNode(ctx context.Context, nodeID string, role Role) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO nodes (node_id, role, status, last_heartbeat) VALUES (?, ?, 'online', ?)
		 ON CONFLICT(node_id) DO UPDATE SET role = excluded.role, status = 'online', last_heartbeat = excluded.last_heartbeat`,
		nodeID, string(role), time.Now().Unix())
	if err != nil {
		return err
	}
	log.WithComponent("store").Info().Str("node_id", nodeID).Str("role", string(role)).Msg("node registered")
	return nil
}

func (s *SQLiteStore) Heartbeat(ctx context.Context, nodeID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE nodes SET status = 'online', last_heartbeat = ? WHERE node_id = ?`,
		time.Now().Unix(), nodeID)
	return err
}

func (s *SQLiteStore) PeerOnline(ctx context.Context, peerRole Role) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM nodes WHERE role = ? AND status = 'online'`,
		string(peerRole)).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *SQLiteStore) SweepStale(ctx context.Context, threshold time.Duration) (int64, error) {
	cutoff := time.Now().Add(-threshold).Unix()
	res, err := s.db.ExecContext(ctx,
		`UPDATE nodes SET status = 'offline' WHERE status = 'online' AND last_heartbeat < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.WithComponent("store").Warn().Int64("count", n).Msg("marked stale nodes offline")
	}
	return n, nil
}

func (s *SQLiteStore) GetNode(ctx context.Context, nodeID string) (*Node, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT node_id, role, status, last_heartbeat FROM nodes WHERE node_id = ?`, nodeID)
	var n Node
	var roleStr, statusStr string
	var hb int64
	if err := row.Scan(&n.NodeID, &roleStr, &statusStr, &hb); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	n.Role = Role(roleStr)
	n.Status = NodeStatus(statusStr)
	n.LastHeartbeat = time.Unix(hb, 0)
	return &n, nil
}

// CountNodesByRole tallies every registered node by role and status, for
// the admin status endpoint's peer_counts (spec §6).
func (s *SQLiteStore) CountNodesByRole(ctx context.Context) (map[Role]NodeCounts, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT role, status, COUNT(*) FROM nodes GROUP BY role, status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[Role]NodeCounts)
	for rows.Next() {
		var roleStr, statusStr string
		var n int
		if err := rows.Scan(&roleStr, &statusStr, &n); err != nil {
			return nil, err
		}
		c := counts[Role(roleStr)]
		if NodeStatus(statusStr) == NodeOnline {
			c.Online = n
		} else {
			c.Offline = n
		}
		counts[Role(roleStr)] = c
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return counts, nil
}
