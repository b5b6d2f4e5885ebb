package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/brandon/email-archiver/pkg/types"
)

// Store provides methods for recording and querying archived messages
// and per-provider sync checkpoints.
type Store struct {
	db     *DB
	logger *logrus.Logger
}

// NewStore creates a new store instance
func NewStore(db *DB, logger *logrus.Logger) *Store {
	return &Store{
		db:     db,
		logger: logger,
	}
}

// UpsertMessage inserts a message record, or updates the existing row when
// the message_id is already present. Sync is idempotent: a second write with
// the same id refreshes subject, path and AI results instead of failing.
func (s *Store) UpsertMessage(msg *types.ArchivedMessage) error {
	var classJSON, extJSON interface{}
	if msg.Classification != nil {
		data, err := json.Marshal(msg.Classification)
		if err != nil {
			return fmt.Errorf("failed to marshal classification: %w", err)
		}
		classJSON = string(data)
	}
	if msg.Extraction != nil {
		data, err := json.Marshal(msg.Extraction)
		if err != nil {
			return fmt.Errorf("failed to marshal extraction: %w", err)
		}
		extJSON = string(data)
	}

	var aiProcessedAt interface{}
	if msg.AIProcessedAt != nil {
		aiProcessedAt = msg.AIProcessedAt.UTC().Format(time.RFC3339)
	}

	query := `
		INSERT INTO messages (message_id, provider, subject, sender, recipients, received_at, file_path,
			classification, extraction, ai_classification_status, ai_extraction_status, ai_processing_error, ai_processed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(message_id) DO UPDATE SET
			provider = excluded.provider,
			subject = excluded.subject,
			sender = excluded.sender,
			recipients = excluded.recipients,
			received_at = excluded.received_at,
			file_path = excluded.file_path,
			classification = excluded.classification,
			extraction = excluded.extraction,
			ai_classification_status = excluded.ai_classification_status,
			ai_extraction_status = excluded.ai_extraction_status,
			ai_processing_error = excluded.ai_processing_error,
			ai_processed_at = excluded.ai_processed_at,
			processed_at = CURRENT_TIMESTAMP
	`
	_, err := s.db.Conn().Exec(query,
		msg.MessageID,
		string(msg.Provider),
		msg.Subject,
		msg.Sender,
		msg.Recipients,
		msg.ReceivedAt.UTC().Format(time.RFC3339),
		msg.FilePath,
		classJSON,
		extJSON,
		string(msg.AIClassificationStatus),
		string(msg.AIExtractionStatus),
		msg.AIProcessingError,
		aiProcessedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert message: %w", err)
	}

	return nil
}

// GetMessage retrieves a message by its provider message id.
// Returns nil without error when the message is not archived.
func (s *Store) GetMessage(messageID string) (*types.ArchivedMessage, error) {
	query := selectColumns + ` WHERE message_id = ?`

	row := s.db.Conn().QueryRow(query, messageID)
	msg, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return msg, nil
}

// ListByAIStatus returns up to limit messages whose classification or
// extraction status matches the given value, oldest first.
func (s *Store) ListByAIStatus(status types.AIStatus, limit int) ([]*types.ArchivedMessage, error) {
	query := selectColumns + ` WHERE ai_classification_status = ? OR ai_extraction_status = ? ORDER BY received_at ASC LIMIT ?`

	rows, err := s.db.Conn().Query(query, string(status), string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages by AI status: %w", err)
	}
	defer rows.Close()

	var messages []*types.ArchivedMessage
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// GetCheckpoint returns the last sync value for a provider, or nil when no
// checkpoint has been saved yet.
func (s *Store) GetCheckpoint(provider types.Provider) (*string, error) {
	var value sql.NullString
	err := s.db.Conn().QueryRow("SELECT last_sync_value FROM checkpoints WHERE provider = ?", string(provider)).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get checkpoint: %w", err)
	}
	if !value.Valid {
		return nil, nil
	}
	return &value.String, nil
}

// SaveCheckpoint upserts the sync checkpoint for a provider
func (s *Store) SaveCheckpoint(provider types.Provider, value string) error {
	query := `
		INSERT INTO checkpoints (provider, last_sync_value, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(provider) DO UPDATE SET
			last_sync_value = excluded.last_sync_value,
			updated_at = CURRENT_TIMESTAMP
	`
	if _, err := s.db.Conn().Exec(query, string(provider), value); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// Stats returns aggregate archive statistics
func (s *Store) Stats() (*types.ArchiveStats, error) {
	stats := &types.ArchiveStats{
		Categories: make(map[string]int),
	}

	if err := s.db.Conn().QueryRow("SELECT COUNT(*) FROM messages").Scan(&stats.TotalArchived); err != nil {
		return nil, fmt.Errorf("failed to count messages: %w", err)
	}
	if err := s.db.Conn().QueryRow("SELECT COUNT(*) FROM messages WHERE classification IS NOT NULL AND classification != ''").Scan(&stats.Classified); err != nil {
		return nil, fmt.Errorf("failed to count classified messages: %w", err)
	}
	if err := s.db.Conn().QueryRow("SELECT COUNT(*) FROM messages WHERE extraction IS NOT NULL AND extraction != ''").Scan(&stats.Extracted); err != nil {
		return nil, fmt.Errorf("failed to count extracted messages: %w", err)
	}

	rows, err := s.db.Conn().Query("SELECT classification FROM messages WHERE classification IS NOT NULL AND classification != ''")
	if err != nil {
		return nil, fmt.Errorf("failed to query classifications: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var classJSON string
		if err := rows.Scan(&classJSON); err != nil {
			return nil, fmt.Errorf("failed to scan classification: %w", err)
		}
		var class types.Classification
		if err := json.Unmarshal([]byte(classJSON), &class); err != nil {
			continue
		}
		cat := class.Category
		if cat == "" {
			cat = "unknown"
		}
		stats.Categories[cat]++
	}
	return stats, rows.Err()
}

const selectColumns = `
	SELECT id, message_id, provider, subject, sender, recipients, received_at, file_path,
		classification, extraction, ai_classification_status, ai_extraction_status,
		ai_processing_error, processed_at, ai_processed_at
	FROM messages`

// rowScanner is satisfied by both *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMessage(row rowScanner) (*types.ArchivedMessage, error) {
	var msg types.ArchivedMessage
	var provider string
	var classJSON, extJSON sql.NullString
	var classStatus, extStatus, aiErr sql.NullString
	var receivedAt, processedAt, aiProcessedAt sql.NullString

	err := row.Scan(
		&msg.ID,
		&msg.MessageID,
		&provider,
		&msg.Subject,
		&msg.Sender,
		&msg.Recipients,
		&receivedAt,
		&msg.FilePath,
		&classJSON,
		&extJSON,
		&classStatus,
		&extStatus,
		&aiErr,
		&processedAt,
		&aiProcessedAt,
	)
	if err != nil {
		return nil, err
	}

	msg.Provider = types.Provider(provider)
	msg.AIClassificationStatus = types.AIStatus(classStatus.String)
	msg.AIExtractionStatus = types.AIStatus(extStatus.String)
	msg.AIProcessingError = aiErr.String

	if receivedAt.Valid {
		if t, err := parseStoredTime(receivedAt.String); err == nil {
			msg.ReceivedAt = t
		}
	}
	if processedAt.Valid {
		if t, err := parseStoredTime(processedAt.String); err == nil {
			msg.ProcessedAt = t
		}
	}
	if aiProcessedAt.Valid {
		if t, err := parseStoredTime(aiProcessedAt.String); err == nil {
			msg.AIProcessedAt = &t
		}
	}

	if classJSON.Valid && classJSON.String != "" {
		var class types.Classification
		if err := json.Unmarshal([]byte(classJSON.String), &class); err != nil {
			return nil, fmt.Errorf("failed to unmarshal classification: %w", err)
		}
		msg.Classification = &class
	}
	if extJSON.Valid && extJSON.String != "" {
		var ext types.Extraction
		if err := json.Unmarshal([]byte(extJSON.String), &ext); err != nil {
			return nil, fmt.Errorf("failed to unmarshal extraction: %w", err)
		}
		msg.Extraction = &ext
	}

	return &msg, nil
}

// parseStoredTime handles both RFC 3339 values written by this store and the
// "YYYY-MM-DD HH:MM:SS" form produced by SQLite's CURRENT_TIMESTAMP.
func parseStoredTime(value string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02 15:04:05", value)
}
