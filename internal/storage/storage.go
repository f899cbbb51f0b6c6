package storage

import (
	"binance-candle-bot-go/internal/models"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // Import the sqlite3 driver
)

// InitDB initializes the database connection and creates necessary tables.
func InitDB(dataSourceName string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite 只允许一个写者；":memory:" 每个连接是独立的库
	db.SetMaxOpenConns(1)

	if err = db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err = createTables(db); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return db, nil
}

// createTables creates the necessary database tables if they don't exist.
func createTables(db *sql.DB) error {
	// One row per trade. exit_time is NULL while the position is open.
	createTradesTableSQL := `
	CREATE TABLE IF NOT EXISTS trades (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		bot_id INTEGER NOT NULL,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		quantity REAL NOT NULL,
		entry_price REAL NOT NULL,
		exit_price REAL NOT NULL DEFAULT 0,
		entry_time INTEGER NOT NULL,
		exit_time INTEGER,
		margin_used REAL NOT NULL DEFAULT 0,
		pnl REAL NOT NULL DEFAULT 0,
		roi_percent REAL NOT NULL DEFAULT 0,
		close_reason TEXT NOT NULL DEFAULT '',
		client_order_id TEXT NOT NULL DEFAULT ''
	);`
	if _, err := db.Exec(createTradesTableSQL); err != nil {
		return err
	}

	createIndexSQL := `CREATE INDEX IF NOT EXISTS idx_trades_open ON trades (bot_id, symbol, exit_time);`
	_, err := db.Exec(createIndexSQL)
	return err
}

// TradeJournal 交易记录存储
type TradeJournal struct {
	db *sql.DB
}

// NewTradeJournal opens (or creates) the journal at dataSourceName.
func NewTradeJournal(dataSourceName string) (*TradeJournal, error) {
	db, err := InitDB(dataSourceName)
	if err != nil {
		return nil, err
	}
	return &TradeJournal{db: db}, nil
}

// RecordOpen inserts an open trade and returns its row id.
func (j *TradeJournal) RecordOpen(trade *models.TradeRecord) (int64, error) {
	query := `
	INSERT INTO trades (bot_id, symbol, side, quantity, entry_price, entry_time, margin_used, client_order_id)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	res, err := j.db.Exec(query,
		trade.BotID, trade.Symbol, string(trade.Side), trade.Quantity, trade.EntryPrice,
		trade.EntryTime.UnixMilli(), trade.MarginUsed, trade.ClientOrderID,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert trade for %s: %w", trade.Symbol, err)
	}
	return res.LastInsertId()
}

// CloseOpenTrade closes the latest open trade of (bot, symbol). A close with
// no matching open row (position opened before the journal existed, or
// opened manually) is inserted as a complete row.
func (j *TradeJournal) CloseOpenTrade(c *models.TradeClose) error {
	tx, err := j.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() // Rollback on any error

	var id int64
	err = tx.QueryRow(`
	SELECT id FROM trades
	WHERE bot_id = ? AND symbol = ? AND exit_time IS NULL
	ORDER BY id DESC LIMIT 1`, c.BotID, c.Symbol).Scan(&id)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = tx.Exec(`
		INSERT INTO trades (bot_id, symbol, side, quantity, entry_price, exit_price, entry_time, exit_time,
		                    margin_used, pnl, roi_percent, close_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.BotID, c.Symbol, string(c.Side), c.Quantity, c.EntryPrice, c.ExitPrice,
			c.ExitTime.UnixMilli(), c.ExitTime.UnixMilli(), c.MarginUsed, c.PnL, c.ROIPercent, c.Reason)
	case err != nil:
		return fmt.Errorf("failed to query open trade: %w", err)
	default:
		_, err = tx.Exec(`
		UPDATE trades
		SET exit_price = ?, exit_time = ?, pnl = ?, roi_percent = ?, close_reason = ?,
		    margin_used = CASE WHEN margin_used = 0 THEN ? ELSE margin_used END
		WHERE id = ?`,
			c.ExitPrice, c.ExitTime.UnixMilli(), c.PnL, c.ROIPercent, c.Reason, c.MarginUsed, id)
	}
	if err != nil {
		return fmt.Errorf("failed to close trade for %s: %w", c.Symbol, err)
	}
	return tx.Commit()
}

// ListTrades returns trades ordered by id. botID 0 selects every bot.
func (j *TradeJournal) ListTrades(botID int64) ([]models.TradeRecord, error) {
	query := `
	SELECT id, bot_id, symbol, side, quantity, entry_price, exit_price, entry_time, exit_time,
	       margin_used, pnl, roi_percent, close_reason, client_order_id
	FROM trades
	WHERE ? = 0 OR bot_id = ?
	ORDER BY id`

	rows, err := j.db.Query(query, botID, botID)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	var trades []models.TradeRecord
	for rows.Next() {
		var (
			t         models.TradeRecord
			side      string
			entryTime int64
			exitTime  sql.NullInt64
		)
		if err := rows.Scan(
			&t.ID, &t.BotID, &t.Symbol, &side, &t.Quantity, &t.EntryPrice, &t.ExitPrice, &entryTime, &exitTime,
			&t.MarginUsed, &t.PnL, &t.ROIPercent, &t.CloseReason, &t.ClientOrderID,
		); err != nil {
			return nil, fmt.Errorf("failed to scan trade row: %w", err)
		}
		t.Side = models.Side(side)
		t.EntryTime = time.UnixMilli(entryTime)
		if exitTime.Valid {
			et := time.UnixMilli(exitTime.Int64)
			t.ExitTime = &et
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// Close closes the underlying database.
func (j *TradeJournal) Close() error {
	return j.db.Close()
}
