package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/brandon/email-archiver/internal/email"
	"github.com/brandon/email-archiver/internal/llm"
	"github.com/brandon/email-archiver/internal/provider"
	"github.com/brandon/email-archiver/internal/store"
	"github.com/brandon/email-archiver/pkg/types"
)

// checkpointInterval bounds re-download work lost on a crash mid-run
const checkpointInterval = 10

// Options configure one archive run
type Options struct {
	Store       *store.Store
	Logger      *logrus.Logger
	DownloadDir string

	Since       time.Time
	AfterID     string
	Query       string
	Incremental bool
	LocalOnly   bool
	ReprocessAI bool

	// MessageID fetches a single message instead of listing. The checkpoint
	// is left untouched, since one arbitrary message says nothing about what
	// has been synced.
	MessageID string

	// nil disables the stage
	Classifier *llm.Classifier
	Extractor  *llm.Extractor

	// nil disables the side channel
	Metadata *MetadataWriter
	Webhook  *Webhook

	// LegacyCheckpointPath points at a checkpoint.json from before
	// checkpoints moved into the database; migrated once, then ignored.
	LegacyCheckpointPath string
}

// Result summarizes one archive run
type Result struct {
	RunID             string
	Listed            int
	Downloaded        int
	Reused            int
	SkippedByCategory int
	SkippedMissing    int
	Failed            int
	Cancelled         bool
	Checkpoint        string
}

// Runner drives one provider through the archive pipeline: list, download or
// reuse, enrich, persist, checkpoint.
type Runner struct {
	provider provider.Client
	opts     Options
}

// NewRunner creates a runner for one provider
func NewRunner(client provider.Client, opts Options) *Runner {
	return &Runner{provider: client, opts: opts}
}

// Run executes a full sync. Cancellation via ctx stops the loop at the next
// message boundary; progress made so far is kept and the checkpoint is still
// saved.
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	runID := uuid.NewString()
	name := r.provider.Name()
	log := r.opts.Logger.WithFields(logrus.Fields{
		"run_id":   runID,
		"provider": name,
	})

	if err := os.MkdirAll(r.opts.DownloadDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create download directory: %w", err)
	}

	var refs []provider.Ref
	startCheckpoint := ""
	if r.opts.MessageID != "" {
		refs = []provider.Ref{{ID: r.opts.MessageID}}
	} else {
		filter, cp, err := r.resolveFilter(log)
		if err != nil {
			return nil, err
		}
		startCheckpoint = cp

		refs, err = r.provider.ListIDs(ctx, filter)
		if err != nil {
			// the checkpoint on disk is still the last good one
			return nil, fmt.Errorf("listing failed: %w", err)
		}
	}

	res := &Result{RunID: runID, Listed: len(refs), Checkpoint: startCheckpoint}
	log.WithField("count", len(refs)).Info("Starting download loop")

	// final checkpoint save runs even when the loop exits early
	defer func() {
		r.saveCheckpoint(log, res, startCheckpoint)
		log.WithFields(logrus.Fields{
			"listed":     res.Listed,
			"downloaded": res.Downloaded,
			"reused":     res.Reused,
			"failed":     res.Failed,
			"skipped":    res.SkippedByCategory,
		}).Info("Sync finished")
	}()

	for _, ref := range refs {
		if ctx.Err() != nil {
			log.Warn("Sync cancelled, stopping at message boundary")
			res.Cancelled = true
			break
		}
		r.processMessage(ctx, log, ref, res)
	}

	return res, nil
}

func (r *Runner) processMessage(ctx context.Context, log *logrus.Entry, ref provider.Ref, res *Result) {
	providerTS := ref.Timestamp

	var raw []byte
	reusedPath := ""
	if path, ok := findLocalCopy(r.opts.DownloadDir, ref.ID); ok {
		data, err := os.ReadFile(path)
		if err != nil {
			log.WithError(err).WithField("path", path).Warn("Failed to read local copy, will re-download")
		} else {
			raw = data
			reusedPath = path
			res.Reused++
		}
	}
	if raw == nil {
		if r.opts.LocalOnly {
			res.SkippedMissing++
			return
		}
		data, ts, err := r.provider.Download(ctx, ref.ID)
		if err != nil {
			log.WithError(err).WithField("id", ref.ID).Warn("Failed to download message, skipping")
			res.Failed++
			return
		}
		raw = data
		if ts != "" {
			providerTS = ts
		}
	}

	env, err := email.Parse(raw)
	if err != nil {
		log.WithError(err).WithField("id", ref.ID).Warn("Failed to parse message, skipping")
		res.Failed++
		return
	}

	// a message already on disk and in the database needs no further work
	// unless AI re-processing was requested
	if reusedPath != "" && !r.opts.ReprocessAI {
		if existing, err := r.opts.Store.GetMessage(ref.ID); err == nil && existing != nil {
			r.trackCheckpoint(res, providerTS)
			return
		}
	}

	record := &types.ArchivedMessage{
		MessageID:  ref.ID,
		Provider:   r.provider.Name(),
		Subject:    env.Subject,
		Sender:     env.Sender,
		Recipients: env.Recipients(),
	}

	content := llm.MessageContent{
		Subject:        env.Subject,
		Sender:         env.Sender,
		To:             env.To,
		Cc:             env.Cc,
		Body:           env.Body(),
		HasUnsubscribe: env.HasUnsubscribe,
		Priority:       env.Priority,
	}

	aiRan := false
	if r.opts.Classifier != nil {
		aiRan = true
		class, err := r.opts.Classifier.Classify(ctx, content)
		switch {
		case err != nil:
			record.AIClassificationStatus = types.AIStatusFailed
			record.AIProcessingError = err.Error()
			log.WithError(err).WithField("id", ref.ID).Warn("Classification failed")
		case class == nil:
			record.AIClassificationStatus = types.AIStatusDisabled
		default:
			record.Classification = class
			record.AIClassificationStatus = types.AIStatusSuccess
			if r.opts.Classifier.ShouldSkip(class.Category) {
				// hard filter: not written to disk, database or metadata
				log.WithFields(logrus.Fields{
					"subject":  env.Subject,
					"category": class.Category,
				}).Info("Skipping message by category")
				res.SkippedByCategory++
				r.trackCheckpoint(res, providerTS)
				return
			}
		}
	}
	if r.opts.Extractor != nil {
		aiRan = true
		ext, err := r.opts.Extractor.Extract(ctx, content)
		switch {
		case errors.Is(err, llm.ErrNoContent):
			record.AIExtractionStatus = types.AIStatusSkipped
		case err != nil:
			record.AIExtractionStatus = types.AIStatusFailed
			if record.AIProcessingError == "" {
				record.AIProcessingError = err.Error()
			}
			log.WithError(err).WithField("id", ref.ID).Warn("Extraction failed")
		case ext == nil:
			record.AIExtractionStatus = types.AIStatusDisabled
		default:
			record.Extraction = ext
			record.AIExtractionStatus = types.AIStatusSuccess
		}
	}
	if aiRan {
		now := time.Now().UTC()
		record.AIProcessedAt = &now
	}

	timestamp := r.resolveTime(providerTS, env.Date)
	record.ReceivedAt = timestamp

	newFile := false
	filePath := reusedPath
	if filePath == "" {
		filePath = filepath.Join(r.opts.DownloadDir, Filename(env.Subject, timestamp, ref.ID))
		if _, err := os.Stat(filePath); os.IsNotExist(err) {
			if err := os.WriteFile(filePath, raw, 0o644); err != nil {
				log.WithError(err).WithField("path", filePath).Error("Failed to write message file")
				res.Failed++
				return
			}
			newFile = true
			res.Downloaded++
		}
	}
	record.FilePath = filePath

	// store failures must not abandon an already written file
	if err := r.opts.Store.UpsertMessage(record); err != nil {
		log.WithError(err).WithField("id", ref.ID).Error("Failed to record message in archive database")
	}

	if newFile && r.opts.Metadata != nil {
		entry := MetadataEntry{
			MessageID:      ref.ID,
			Subject:        env.Subject,
			From:           env.Sender,
			Date:           timestamp.Format(time.RFC3339),
			FilePath:       filePath,
			Classification: record.Classification,
			Extraction:     record.Extraction,
		}
		if err := r.opts.Metadata.Write(entry); err != nil {
			log.WithError(err).Warn("Failed to append metadata entry")
		}
	}
	if newFile && r.opts.Webhook != nil {
		r.opts.Webhook.Send(filePath)
	}

	r.trackCheckpoint(res, providerTS)

	if newFile && res.Downloaded%checkpointInterval == 0 {
		if err := r.opts.Store.SaveCheckpoint(r.provider.Name(), res.Checkpoint); err != nil {
			log.WithError(err).Warn("Failed to save interim checkpoint")
		}
	}
}

// resolveFilter builds the provider filter from CLI options and, when
// incremental, the stored checkpoint. The stored value is always loaded as
// the baseline for this run's max-seen tracking, so a run over an old date
// range can never move the checkpoint backwards. Without any bound and
// outside local-only mode it defaults to today, to avoid an unbounded
// full-mailbox pull on a bare first invocation.
func (r *Runner) resolveFilter(log *logrus.Entry) (provider.Filter, string, error) {
	f := provider.Filter{Since: r.opts.Since, Query: r.opts.Query}

	cp, err := r.opts.Store.GetCheckpoint(r.provider.Name())
	if err != nil {
		return f, "", fmt.Errorf("failed to load checkpoint: %w", err)
	}
	if cp == nil {
		cp = r.migrateLegacyCheckpoint(log)
	}
	current := ""
	if cp != nil {
		current = *cp
	}

	if r.opts.Incremental {
		if current != "" {
			f.Checkpoint = current
			log.WithField("checkpoint", current).Info("Resuming from checkpoint")
		} else {
			log.Info("Incremental sync requested but no checkpoint found, starting fresh")
		}
	}

	if r.opts.AfterID != "" {
		log.Warn("-after-id requires resolving that message's timestamp first and is not supported; use -since or -query")
	}

	if f.Empty() && !r.opts.LocalOnly {
		now := time.Now().UTC()
		f.Since = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		log.WithField("since", f.Since.Format("2006-01-02")).Info("No filter given, defaulting to messages received today")
	}

	return f, current, nil
}

// migrateLegacyCheckpoint reads a pre-database checkpoint.json once and
// moves the value for this provider into the store.
func (r *Runner) migrateLegacyCheckpoint(log *logrus.Entry) *string {
	if r.opts.LegacyCheckpointPath == "" {
		return nil
	}
	data, err := os.ReadFile(r.opts.LegacyCheckpointPath)
	if err != nil {
		return nil
	}

	var legacy struct {
		Gmail struct {
			LastInternalDate int64 `json:"last_internal_date"`
		} `json:"gmail"`
		M365 struct {
			LastReceivedTime string `json:"last_received_time"`
		} `json:"m365"`
	}
	if err := json.Unmarshal(data, &legacy); err != nil {
		log.WithError(err).Warn("Found legacy checkpoint file but could not parse it")
		return nil
	}

	value := ""
	switch r.provider.Name() {
	case types.ProviderGmail:
		if legacy.Gmail.LastInternalDate > 0 {
			value = strconv.FormatInt(legacy.Gmail.LastInternalDate, 10)
		}
	case types.ProviderM365:
		if legacy.M365.LastReceivedTime != "" && legacy.M365.LastReceivedTime != "1970-01-01T00:00:00Z" {
			value = legacy.M365.LastReceivedTime
		}
	}
	if value == "" {
		return nil
	}

	if err := r.opts.Store.SaveCheckpoint(r.provider.Name(), value); err != nil {
		log.WithError(err).Warn("Failed to migrate legacy checkpoint")
		return nil
	}
	log.WithField("checkpoint", value).Info("Migrated legacy checkpoint into database")
	return &value
}

// trackCheckpoint advances the running checkpoint when the provider
// timestamp is newer than the maximum seen so far. Listings are not
// guaranteed ordered, so this is a max, not a watermark.
func (r *Runner) trackCheckpoint(res *Result, providerTS string) {
	if providerTS == "" {
		return
	}
	if newerCheckpoint(r.provider.Name(), providerTS, res.Checkpoint) {
		res.Checkpoint = providerTS
	}
}

func (r *Runner) saveCheckpoint(log *logrus.Entry, res *Result, start string) {
	if r.opts.MessageID != "" {
		return
	}
	if res.Checkpoint == "" || res.Checkpoint == start {
		return
	}
	if err := r.opts.Store.SaveCheckpoint(r.provider.Name(), res.Checkpoint); err != nil {
		log.WithError(err).Error("Failed to save final checkpoint")
		return
	}
	log.WithField("checkpoint", res.Checkpoint).Info("Checkpoint saved")
}

// newerCheckpoint compares provider-native checkpoint values: numeric for
// Gmail (epoch ms) and IMAP (epoch sec), lexicographic for M365 ISO strings.
func newerCheckpoint(p types.Provider, candidate, current string) bool {
	if current == "" {
		return true
	}
	switch p {
	case types.ProviderGmail, types.ProviderIMAP:
		cand, err1 := strconv.ParseInt(candidate, 10, 64)
		curr, err2 := strconv.ParseInt(current, 10, 64)
		if err1 != nil || err2 != nil {
			return candidate > current
		}
		return cand > curr
	default:
		return candidate > current
	}
}

// resolveTime turns a provider timestamp into the canonical received time,
// falling back to the Date header, then to now.
func (r *Runner) resolveTime(providerTS string, headerDate time.Time) time.Time {
	if providerTS != "" {
		switch r.provider.Name() {
		case types.ProviderGmail:
			if ms, err := strconv.ParseInt(providerTS, 10, 64); err == nil && ms > 0 {
				return time.UnixMilli(ms).UTC()
			}
		case types.ProviderIMAP:
			if sec, err := strconv.ParseInt(providerTS, 10, 64); err == nil && sec > 0 {
				return time.Unix(sec, 0).UTC()
			}
		default:
			if t, err := time.Parse(time.RFC3339, providerTS); err == nil {
				return t.UTC()
			}
		}
	}
	if !headerDate.IsZero() {
		return headerDate.UTC()
	}
	return time.Now().UTC()
}

// RetryAI re-runs the enrichment stages over messages whose previous AI
// processing failed, reading the archived files from disk. Returns how many
// messages were successfully re-enriched.
func (r *Runner) RetryAI(ctx context.Context, limit int) (int, error) {
	if r.opts.Classifier == nil && r.opts.Extractor == nil {
		return 0, fmt.Errorf("no AI stage enabled")
	}

	log := r.opts.Logger.WithField("provider", r.provider.Name())

	msgs, err := r.opts.Store.ListByAIStatus(types.AIStatusFailed, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list messages for retry: %w", err)
	}
	log.WithField("count", len(msgs)).Info("Retrying AI processing for failed messages")

	recovered := 0
	for _, msg := range msgs {
		if ctx.Err() != nil {
			break
		}

		raw, err := os.ReadFile(msg.FilePath)
		if err != nil {
			log.WithError(err).WithField("path", msg.FilePath).Warn("Archived file missing, skipping")
			continue
		}
		env, err := email.Parse(raw)
		if err != nil {
			log.WithError(err).WithField("id", msg.MessageID).Warn("Failed to parse archived file, skipping")
			continue
		}

		content := llm.MessageContent{
			Subject:        env.Subject,
			Sender:         env.Sender,
			To:             env.To,
			Cc:             env.Cc,
			Body:           env.Body(),
			HasUnsubscribe: env.HasUnsubscribe,
			Priority:       env.Priority,
		}

		msg.AIProcessingError = ""
		ok := true
		if r.opts.Classifier != nil && msg.AIClassificationStatus != types.AIStatusSuccess {
			class, err := r.opts.Classifier.Classify(ctx, content)
			switch {
			case err != nil:
				msg.AIClassificationStatus = types.AIStatusFailed
				msg.AIProcessingError = err.Error()
				ok = false
			case class == nil:
				msg.AIClassificationStatus = types.AIStatusDisabled
				ok = false
			default:
				msg.Classification = class
				msg.AIClassificationStatus = types.AIStatusSuccess
			}
		}
		if r.opts.Extractor != nil && msg.AIExtractionStatus != types.AIStatusSuccess {
			ext, err := r.opts.Extractor.Extract(ctx, content)
			switch {
			case errors.Is(err, llm.ErrNoContent):
				msg.AIExtractionStatus = types.AIStatusSkipped
			case err != nil:
				msg.AIExtractionStatus = types.AIStatusFailed
				if msg.AIProcessingError == "" {
					msg.AIProcessingError = err.Error()
				}
				ok = false
			case ext == nil:
				msg.AIExtractionStatus = types.AIStatusDisabled
				ok = false
			default:
				msg.Extraction = ext
				msg.AIExtractionStatus = types.AIStatusSuccess
			}
		}

		now := time.Now().UTC()
		msg.AIProcessedAt = &now
		if err := r.opts.Store.UpsertMessage(msg); err != nil {
			log.WithError(err).WithField("id", msg.MessageID).Error("Failed to update message record")
			continue
		}
		if ok {
			recovered++
		}
	}

	return recovered, nil
}
