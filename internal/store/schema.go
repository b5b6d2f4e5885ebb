package store

// Schema contains SQL schema definitions for the archive database
const Schema = `
-- Archived messages table
CREATE TABLE IF NOT EXISTS messages (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    message_id TEXT NOT NULL UNIQUE,
    provider TEXT NOT NULL,
    subject TEXT,
    sender TEXT,
    recipients TEXT,
    received_at DATETIME,
    file_path TEXT,
    classification TEXT,
    extraction TEXT,
    ai_classification_status TEXT,
    ai_extraction_status TEXT,
    ai_processing_error TEXT,
    processed_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    ai_processed_at DATETIME
);

-- Sync checkpoints table, one row per provider
CREATE TABLE IF NOT EXISTS checkpoints (
    provider TEXT PRIMARY KEY,
    last_sync_value TEXT,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- Create indexes for faster queries
CREATE INDEX IF NOT EXISTS idx_messages_message_id ON messages(message_id);
CREATE INDEX IF NOT EXISTS idx_messages_provider ON messages(provider);
CREATE INDEX IF NOT EXISTS idx_messages_received_at ON messages(received_at);
CREATE INDEX IF NOT EXISTS idx_messages_ai_classification_status ON messages(ai_classification_status);
`
