package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// SQLiteStore mirrors the WAL into SQLite for indexed queries and persists the trade-id registry.
// The JSONL file stays authoritative.
type SQLiteStore struct {
	db *sql.DB
}

func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("Не удалось открыть sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("Не удалось применить %s: %w", pragma, err)
		}
	}

	schema := []string{
		`CREATE TABLE IF NOT EXISTS ledger_entries (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			type TEXT NOT NULL,
			intent_hash TEXT NOT NULL,
			ts INTEGER NOT NULL,
			payload BLOB NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS intents (
			intent_hash TEXT PRIMARY KEY,
			group_id TEXT NOT NULL,
			leg_idx INTEGER NOT NULL,
			state TEXT NOT NULL,
			payload BLOB NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS intents_state ON intents(state);`,
		`CREATE TABLE IF NOT EXISTS trade_ids (
			trade_id TEXT PRIMARY KEY,
			intent_hash TEXT NOT NULL,
			group_id TEXT NOT NULL,
			leg_idx INTEGER NOT NULL,
			ts INTEGER NOT NULL,
			qty REAL NOT NULL,
			price REAL NOT NULL
		);`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("Не удалось создать схему sqlite: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Mirror(ctx context.Context, e Entry, rec Record) error {
	entry, err := json.Marshal(e)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("Не удалось начать транзакцию: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO ledger_entries (type, intent_hash, ts, payload) VALUES (?, ?, ?, ?)",
		string(e.Type), e.Hash, e.TS, entry,
	); err != nil {
		return fmt.Errorf("Не удалось записать событие: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO intents (intent_hash, group_id, leg_idx, state, payload) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(intent_hash) DO UPDATE SET state = excluded.state, payload = excluded.payload`,
		rec.IntentHash, rec.GroupID, rec.LegIdx, string(rec.State), payload,
	); err != nil {
		return fmt.Errorf("Не удалось обновить намерение: %w", err)
	}
	return tx.Commit()
}

// NonTerminal returns intents not yet Filled, Canceled or Failed.
func (s *SQLiteStore) NonTerminal(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT payload FROM intents WHERE state NOT IN ('Filled', 'Canceled', 'Failed')",
	)
	if err != nil {
		return nil, fmt.Errorf("Не удалось выбрать намерения: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var rec Record
		if err := json.Unmarshal(payload, &rec); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	sortRecords(out)
	return out, rows.Err()
}

func (s *SQLiteStore) InsertTrade(ctx context.Context, ref TradeRef) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO trade_ids (trade_id, intent_hash, group_id, leg_idx, ts, qty, price)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ref.TradeID, ref.IntentHash, ref.GroupID, ref.LegIdx, ref.TS.UnixMilli(), ref.Qty, ref.Price,
	)
	if err != nil {
		return false, fmt.Errorf("Не удалось записать trade_id: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SQLiteStore) LoadTrades(ctx context.Context) ([]TradeRef, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT trade_id, intent_hash, group_id, leg_idx, ts, qty, price FROM trade_ids",
	)
	if err != nil {
		return nil, fmt.Errorf("Не удалось прочитать trade_id: %w", err)
	}
	defer rows.Close()

	var out []TradeRef
	for rows.Next() {
		var ref TradeRef
		var ts int64
		if err := rows.Scan(&ref.TradeID, &ref.IntentHash, &ref.GroupID, &ref.LegIdx, &ts, &ref.Qty, &ref.Price); err != nil {
			return nil, err
		}
		ref.TS = time.UnixMilli(ts)
		out = append(out, ref)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
