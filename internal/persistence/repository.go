package persistence

import (
	"binance-candle-bot-go/internal/models"
	"errors"
)

// ErrNotFound 机器人记录不存在
var ErrNotFound = errors.New("bot not found")

// BotRepository defines the interface for bot configuration persistence.
// It abstracts the underlying storage mechanism (e.g., BadgerDB, in-memory)
// from the rest of the application.
type BotRepository interface {
	// SaveBot creates or replaces a bot record.
	SaveBot(record *models.BotRecord) error

	// GetBot returns ErrNotFound when the id is unknown.
	GetBot(id int64) (*models.BotRecord, error)

	// ListBots returns all records ordered by id.
	ListBots() ([]*models.BotRecord, error)

	// SetStatus updates only the persisted status field.
	SetStatus(id int64, status models.BotStatus) error

	// Close gracefully closes the connection to the database.
	Close() error
}
