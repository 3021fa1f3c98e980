package sqlstore

import (
	"context"
	"fmt"
	"time"

	"github.com/zhouzirui/z-relay/backend/internal/service/eventlog"
)

// Append 保存一个事件，拒绝空洞、重复以及向已封存会话的写入
func (s *Store) Append(ctx context.Context, key string, seq int64, payload []byte) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var sealed, last int64
	row := tx.QueryRowContext(ctx, s.rebind(`SELECT (SELECT COUNT(1) FROM stream_seals WHERE session_id = ?), (SELECT COALESCE(MAX(seq), -1) FROM stream_events WHERE session_id = ?)`), key, key)
	if err := row.Scan(&sealed, &last); err != nil {
		return fmt.Errorf("check sequence: %w", err)
	}
	if sealed > 0 {
		return eventlog.ErrSealed
	}
	if seq != last+1 {
		return eventlog.ErrSequenceConflict
	}

	if _, err := tx.ExecContext(ctx, s.rebind(`INSERT INTO stream_events(session_id, seq, payload, created_at) VALUES(?, ?, ?, ?)`),
		key, seq, string(payload), toMillis(s.now())); err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return tx.Commit()
}

func (s *Store) Read(ctx context.Context, key string, from int64, limit int) ([]eventlog.Record, error) {
	if limit <= 0 {
		limit = 256
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT seq, payload FROM stream_events WHERE session_id = ? AND seq >= ? ORDER BY seq ASC LIMIT ?`), key, from, limit)
	if err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	defer rows.Close()

	var records []eventlog.Record
	for rows.Next() {
		var (
			r       eventlog.Record
			payload string
		)
		if err := rows.Scan(&r.Seq, &payload); err != nil {
			return nil, err
		}
		r.Payload = []byte(payload)
		records = append(records, r)
	}
	return records, rows.Err()
}

func (s *Store) Seal(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO stream_seals(session_id, sealed_at) VALUES(?, ?) ON CONFLICT (session_id) DO NOTHING`), key, toMillis(s.now()))
	if err != nil {
		return fmt.Errorf("seal: %w", err)
	}
	return nil
}

func (s *Store) Sealed(ctx context.Context, key string) (bool, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, s.rebind(`SELECT COUNT(1) FROM stream_seals WHERE session_id = ?`), key).Scan(&n); err != nil {
		return false, fmt.Errorf("check seal: %w", err)
	}
	return n > 0, nil
}

// Purge 删除最后事件早于 cutoff 的事件日志及其封存标记，
// 返回删除的事件数
func (s *Store) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	ms := toMillis(cutoff)
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM stream_events WHERE session_id IN (SELECT session_id FROM stream_events GROUP BY session_id HAVING MAX(created_at) < ?)`), ms)
	if err != nil {
		return 0, fmt.Errorf("purge events: %w", err)
	}
	n, _ := res.RowsAffected()
	if _, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM stream_seals WHERE sealed_at < ? AND session_id NOT IN (SELECT DISTINCT session_id FROM stream_events)`), ms); err != nil {
		return n, fmt.Errorf("purge seals: %w", err)
	}
	return n, nil
}
