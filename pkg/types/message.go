package types

import "time"

// Provider identifies a mail provider.
type Provider string

const (
	ProviderGmail Provider = "gmail"
	ProviderM365  Provider = "m365"
	ProviderIMAP  Provider = "imap"
)

// AIStatus records the outcome of an AI processing stage for a message.
type AIStatus string

const (
	AIStatusNone     AIStatus = ""         // stage was never requested
	AIStatusSuccess  AIStatus = "success"
	AIStatusFailed   AIStatus = "failed"
	AIStatusSkipped  AIStatus = "skipped"
	AIStatusDisabled AIStatus = "disabled" // circuit breaker was open
)

// Classification is the structured result of AI email classification.
type Classification struct {
	Category    string   `json:"category"`
	Confidence  float64  `json:"confidence"`
	Reasoning   string   `json:"reasoning"`
	IsImportant bool     `json:"is_important"`
	Tags        []string `json:"tags"`
}

// Entities holds named entities extracted from an email.
type Entities struct {
	Organizations  []string `json:"organizations"`
	People         []string `json:"people"`
	Dates          []string `json:"dates"`
	MonetaryValues []string `json:"monetary_values"`
}

// StructuredData holds type-specific key/value fields extracted from an email.
type StructuredData struct {
	Type   string            `json:"type"`
	Fields map[string]string `json:"fields"`
}

// Extraction is the structured result of AI metadata extraction.
type Extraction struct {
	Summary        string         `json:"summary"`
	Entities       Entities       `json:"entities"`
	StructuredData StructuredData `json:"structured_data"`
	ActionItems    []string       `json:"action_items"`
}

// ArchivedMessage is one durable record per archived email.
type ArchivedMessage struct {
	ID                     int64           `json:"id"`
	MessageID              string          `json:"message_id"`
	Provider               Provider        `json:"provider"`
	Subject                string          `json:"subject"`
	Sender                 string          `json:"sender"`
	Recipients             string          `json:"recipients"`
	ReceivedAt             time.Time       `json:"received_at"`
	FilePath               string          `json:"file_path"`
	Classification         *Classification `json:"classification,omitempty"`
	Extraction             *Extraction     `json:"extraction,omitempty"`
	AIClassificationStatus AIStatus        `json:"ai_classification_status,omitempty"`
	AIExtractionStatus     AIStatus        `json:"ai_extraction_status,omitempty"`
	AIProcessingError      string          `json:"ai_processing_error,omitempty"`
	ProcessedAt            time.Time       `json:"processed_at"`
	AIProcessedAt          *time.Time      `json:"ai_processed_at,omitempty"`
}

// SyncCheckpoint is the per-provider resume point for incremental sync.
// The value is opaque: epoch milliseconds for Gmail, an ISO-8601 timestamp
// for M365, epoch seconds for IMAP.
type SyncCheckpoint struct {
	Provider      Provider  `json:"provider"`
	LastSyncValue string    `json:"last_sync_value"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// ArchiveStats are aggregate counts over the archive.
type ArchiveStats struct {
	TotalArchived int            `json:"total_archived"`
	Classified    int            `json:"classified"`
	Extracted     int            `json:"extracted"`
	Categories    map[string]int `json:"categories"`
}
