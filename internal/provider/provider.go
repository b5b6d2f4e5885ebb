package provider

import (
	"context"
	"errors"
	"time"

	"github.com/brandon/email-archiver/pkg/types"
)

// ErrNotFound means the provider no longer has the requested message
var ErrNotFound = errors.New("message not found")

// Ref identifies one listed message. Timestamp is the provider-native
// received time when the listing carries one (epoch milliseconds for Gmail,
// ISO 8601 for M365, epoch seconds for IMAP); it may be empty until the
// message is downloaded.
type Ref struct {
	ID        string
	Timestamp string
}

// Filter narrows a listing. Each client translates it into its own query
// language; empty fields are ignored.
type Filter struct {
	// Since bounds the listing to messages received on or after this day
	Since time.Time
	// Checkpoint is the provider-native value saved by a previous run;
	// only strictly newer messages are listed
	Checkpoint string
	// Query is a free-form provider query (Gmail search syntax, M365 $search)
	Query string
}

// Empty reports whether the filter constrains nothing
func (f Filter) Empty() bool {
	return f.Since.IsZero() && f.Checkpoint == "" && f.Query == ""
}

// Client is a mail provider the orchestrator can sync from
type Client interface {
	Name() types.Provider

	// ListIDs returns the identifiers of all messages matching the filter,
	// in provider order. Pagination happens inside the client.
	ListIDs(ctx context.Context, filter Filter) ([]Ref, error)

	// Download returns the raw RFC 822 bytes of one message plus its
	// provider-native timestamp ("" when the provider has none).
	Download(ctx context.Context, id string) ([]byte, string, error)
}
