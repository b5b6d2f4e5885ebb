package sync

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brandon/email-archiver/internal/llm"
	"github.com/brandon/email-archiver/internal/provider"
	"github.com/brandon/email-archiver/internal/store"
	"github.com/brandon/email-archiver/pkg/types"
)

type fakeProvider struct {
	name       types.Provider
	refs       []provider.Ref
	messages   map[string][]byte
	timestamps map[string]string
	failIDs    map[string]bool

	lastFilter provider.Filter
	listCalls  int
	downloads  int
}

func (f *fakeProvider) Name() types.Provider { return f.name }

func (f *fakeProvider) ListIDs(_ context.Context, filter provider.Filter) ([]provider.Ref, error) {
	f.listCalls++
	f.lastFilter = filter
	return f.refs, nil
}

func (f *fakeProvider) Download(_ context.Context, id string) ([]byte, string, error) {
	f.downloads++
	if f.failIDs[id] {
		return nil, "", fmt.Errorf("download %s: %w", id, provider.ErrNotFound)
	}
	raw, ok := f.messages[id]
	if !ok {
		return nil, "", fmt.Errorf("download %s: %w", id, provider.ErrNotFound)
	}
	return raw, f.timestamps[id], nil
}

type stubCompleter struct {
	response string
	err      error
}

func (s *stubCompleter) Complete(_ context.Context, _ llm.CompletionRequest) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return s.response, nil
}

func rawMessage(subject, sender string) []byte {
	return []byte("From: " + sender + "\r\n" +
		"To: me@example.com\r\n" +
		"Subject: " + subject + "\r\n" +
		"Date: Fri, 14 Mar 2025 09:26:00 +0000\r\n" +
		"\r\n" +
		"Hello there.\r\n")
}

func newGmailFake() *fakeProvider {
	return &fakeProvider{
		name: types.ProviderGmail,
		refs: []provider.Ref{{ID: "msg-0001"}, {ID: "msg-0002"}, {ID: "msg-0003"}},
		messages: map[string][]byte{
			"msg-0001": rawMessage("first", "a@example.com"),
			"msg-0002": rawMessage("second", "b@example.com"),
			"msg-0003": rawMessage("third", "c@example.com"),
		},
		timestamps: map[string]string{
			"msg-0001": "1741944360000",
			"msg-0002": "1741944420000",
			"msg-0003": "1741944480000",
		},
		failIDs: map[string]bool{},
	}
}

func newTestEnv(t *testing.T) (*store.Store, *logrus.Logger, string) {
	t.Helper()

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	db, err := store.Open(filepath.Join(t.TempDir(), "archive.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return store.NewStore(db, logger), logger, t.TempDir()
}

func countEmlFiles(t *testing.T, dir string) int {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, "*.eml"))
	require.NoError(t, err)
	return len(matches)
}

func TestRunEndToEnd(t *testing.T) {
	st, logger, dir := newTestEnv(t)
	fake := newGmailFake()

	r := NewRunner(fake, Options{
		Store:       st,
		Logger:      logger,
		DownloadDir: dir,
	})

	res, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, res.Listed)
	assert.Equal(t, 3, res.Downloaded)
	assert.Equal(t, 0, res.Failed)
	assert.Equal(t, 3, countEmlFiles(t, dir))

	stats, err := st.Stats()
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TotalArchived)

	cp, err := st.GetCheckpoint(types.ProviderGmail)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, "1741944480000", *cp, "checkpoint is the newest internalDate seen")
}

func TestRunSingleMessageID(t *testing.T) {
	st, logger, dir := newTestEnv(t)
	fake := newGmailFake()

	r := NewRunner(fake, Options{
		Store:       st,
		Logger:      logger,
		DownloadDir: dir,
		MessageID:   "msg-0002",
	})

	res, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, fake.listCalls, "single-message fetch must not list")
	assert.Equal(t, 1, res.Listed)
	assert.Equal(t, 1, res.Downloaded)
	assert.Equal(t, 1, countEmlFiles(t, dir))

	got, err := st.GetMessage("msg-0002")
	require.NoError(t, err)
	require.NotNil(t, got)

	cp, err := st.GetCheckpoint(types.ProviderGmail)
	require.NoError(t, err)
	assert.Nil(t, cp, "single-message fetch must not move the checkpoint")
}

func TestRunIdempotent(t *testing.T) {
	st, logger, dir := newTestEnv(t)
	fake := newGmailFake()
	opts := Options{Store: st, Logger: logger, DownloadDir: dir}

	_, err := NewRunner(fake, opts).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, fake.downloads)

	res, err := NewRunner(fake, opts).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, res.Downloaded, "second run downloads nothing")
	assert.Equal(t, 3, res.Reused)
	assert.Equal(t, 3, fake.downloads, "second run does no network I/O for archived messages")
	assert.Equal(t, 3, countEmlFiles(t, dir))

	stats, err := st.Stats()
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TotalArchived, "no new rows on the second run")
}

func TestRunSkipCategory(t *testing.T) {
	st, logger, dir := newTestEnv(t)
	fake := newGmailFake()

	breaker := llm.NewBreaker(logger)
	classifier := llm.NewClassifier(
		&stubCompleter{response: `{"category": "promotional", "confidence": 0.9}`},
		breaker, logger, nil, []string{"promotional"})

	metaPath := filepath.Join(t.TempDir(), "metadata.jsonl")
	meta, err := OpenMetadata(metaPath)
	require.NoError(t, err)
	defer meta.Close()

	r := NewRunner(fake, Options{
		Store:       st,
		Logger:      logger,
		DownloadDir: dir,
		Classifier:  classifier,
		Metadata:    meta,
	})

	res, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, res.SkippedByCategory)
	assert.Equal(t, 0, res.Downloaded)
	assert.Equal(t, 0, countEmlFiles(t, dir), "skipped messages never reach disk")

	stats, err := st.Stats()
	require.NoError(t, err)
	assert.Equal(t, 0, stats.TotalArchived, "skipped messages never reach the database")

	info, err := os.Stat(metaPath)
	require.NoError(t, err)
	assert.Zero(t, info.Size(), "skipped messages never reach the metadata log")

	cp, err := st.GetCheckpoint(types.ProviderGmail)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, "1741944480000", *cp, "skipping still advances the checkpoint")
}

func TestRunClassifies(t *testing.T) {
	st, logger, dir := newTestEnv(t)
	fake := newGmailFake()

	breaker := llm.NewBreaker(logger)
	classifier := llm.NewClassifier(
		&stubCompleter{response: `{"category": "important", "confidence": 0.8, "is_important": true}`},
		breaker, logger, nil, nil)

	r := NewRunner(fake, Options{
		Store:       st,
		Logger:      logger,
		DownloadDir: dir,
		Classifier:  classifier,
	})

	_, err := r.Run(context.Background())
	require.NoError(t, err)

	msg, err := st.GetMessage("msg-0001")
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, types.AIStatusSuccess, msg.AIClassificationStatus)
	require.NotNil(t, msg.Classification)
	assert.Equal(t, "important", msg.Classification.Category)
	require.NotNil(t, msg.AIProcessedAt)
}

func TestRunAIFailureStillArchives(t *testing.T) {
	st, logger, dir := newTestEnv(t)
	fake := newGmailFake()

	breaker := llm.NewBreaker(logger)
	breaker.Handle(&llm.StatusError{Code: 401, Message: "bad key"})
	require.True(t, breaker.IsOpen())

	classifier := llm.NewClassifier(&stubCompleter{}, breaker, logger, nil, nil)

	r := NewRunner(fake, Options{
		Store:       st,
		Logger:      logger,
		DownloadDir: dir,
		Classifier:  classifier,
	})

	res, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Downloaded, "archive keeps working when AI is disabled")

	msg, err := st.GetMessage("msg-0001")
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, types.AIStatusDisabled, msg.AIClassificationStatus)
	assert.Nil(t, msg.Classification)
}

func TestRunDownloadFailureContinues(t *testing.T) {
	st, logger, dir := newTestEnv(t)
	fake := newGmailFake()
	fake.failIDs["msg-0002"] = true

	r := NewRunner(fake, Options{Store: st, Logger: logger, DownloadDir: dir})
	res, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, res.Downloaded)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 2, countEmlFiles(t, dir))
}

func TestRunCancellation(t *testing.T) {
	st, logger, dir := newTestEnv(t)
	fake := newGmailFake()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := NewRunner(fake, Options{Store: st, Logger: logger, DownloadDir: dir})
	res, err := r.Run(ctx)
	require.NoError(t, err, "cancellation is not an error")
	assert.True(t, res.Cancelled)
	assert.Equal(t, 0, res.Downloaded)
}

func TestRunIncrementalUsesCheckpoint(t *testing.T) {
	st, logger, dir := newTestEnv(t)
	require.NoError(t, st.SaveCheckpoint(types.ProviderGmail, "1741944400000"))

	fake := newGmailFake()
	r := NewRunner(fake, Options{
		Store:       st,
		Logger:      logger,
		DownloadDir: dir,
		Incremental: true,
	})

	_, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1741944400000", fake.lastFilter.Checkpoint)
}

func TestRunCheckpointNeverRegresses(t *testing.T) {
	st, logger, dir := newTestEnv(t)
	require.NoError(t, st.SaveCheckpoint(types.ProviderGmail, "9999999999999"))

	fake := newGmailFake()
	r := NewRunner(fake, Options{
		Store:       st,
		Logger:      logger,
		DownloadDir: dir,
		Incremental: true,
	})

	_, err := r.Run(context.Background())
	require.NoError(t, err)

	cp, err := st.GetCheckpoint(types.ProviderGmail)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, "9999999999999", *cp)
}

func TestRunCheckpointNeverRegressesNonIncremental(t *testing.T) {
	st, logger, dir := newTestEnv(t)
	require.NoError(t, st.SaveCheckpoint(types.ProviderGmail, "9999999999999"))

	fake := newGmailFake()
	r := NewRunner(fake, Options{
		Store:       st,
		Logger:      logger,
		DownloadDir: dir,
		Since:       time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
	})

	res, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Downloaded, "old mail is still archived")

	cp, err := st.GetCheckpoint(types.ProviderGmail)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, "9999999999999", *cp, "a backfill over old mail must not move the checkpoint back")
}

func TestRunEmptyMessageExtractionSkipped(t *testing.T) {
	st, logger, dir := newTestEnv(t)

	empty := []byte("From: a@example.com\r\n" +
		"To: me@example.com\r\n" +
		"Date: Fri, 14 Mar 2025 09:26:00 +0000\r\n" +
		"\r\n")
	fake := &fakeProvider{
		name:       types.ProviderGmail,
		refs:       []provider.Ref{{ID: "msg-empty"}},
		messages:   map[string][]byte{"msg-empty": empty},
		timestamps: map[string]string{"msg-empty": "1741944360000"},
		failIDs:    map[string]bool{},
	}

	breaker := llm.NewBreaker(logger)
	extractor := llm.NewExtractor(&stubCompleter{response: "{}"}, breaker, logger)

	r := NewRunner(fake, Options{
		Store:       st,
		Logger:      logger,
		DownloadDir: dir,
		Extractor:   extractor,
	})

	res, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Downloaded)
	assert.Equal(t, 0, res.Failed)

	got, err := st.GetMessage("msg-empty")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, types.AIStatusSkipped, got.AIExtractionStatus,
		"a message with nothing to extract is skipped, not disabled")
}

func TestRunDefaultsToSinceToday(t *testing.T) {
	st, logger, dir := newTestEnv(t)
	fake := newGmailFake()

	_, err := NewRunner(fake, Options{Store: st, Logger: logger, DownloadDir: dir}).Run(context.Background())
	require.NoError(t, err)

	require.False(t, fake.lastFilter.Since.IsZero())
	y, m, d := time.Now().UTC().Date()
	sy, sm, sd := fake.lastFilter.Since.Date()
	assert.Equal(t, [3]int{y, int(m), d}, [3]int{sy, int(sm), sd})
}

func TestRunExplicitQuerySkipsDefault(t *testing.T) {
	st, logger, dir := newTestEnv(t)
	fake := newGmailFake()

	_, err := NewRunner(fake, Options{
		Store:       st,
		Logger:      logger,
		DownloadDir: dir,
		Query:       "has:attachment",
	}).Run(context.Background())
	require.NoError(t, err)

	assert.True(t, fake.lastFilter.Since.IsZero())
	assert.Equal(t, "has:attachment", fake.lastFilter.Query)
}

func TestRunMigratesLegacyCheckpoint(t *testing.T) {
	st, logger, dir := newTestEnv(t)

	legacyPath := filepath.Join(t.TempDir(), "checkpoint.json")
	legacy := map[string]map[string]interface{}{
		"gmail": {"last_internal_date": 1741944400000},
	}
	data, err := json.Marshal(legacy)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(legacyPath, data, 0o644))

	fake := newGmailFake()
	r := NewRunner(fake, Options{
		Store:                st,
		Logger:               logger,
		DownloadDir:          dir,
		Incremental:          true,
		LegacyCheckpointPath: legacyPath,
	})

	_, err = r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1741944400000", fake.lastFilter.Checkpoint)

	cp, err := st.GetCheckpoint(types.ProviderGmail)
	require.NoError(t, err)
	require.NotNil(t, cp)
}

func TestRunWritesMetadata(t *testing.T) {
	st, logger, dir := newTestEnv(t)
	fake := newGmailFake()

	metaPath := filepath.Join(t.TempDir(), "metadata.jsonl")
	meta, err := OpenMetadata(metaPath)
	require.NoError(t, err)

	r := NewRunner(fake, Options{
		Store:       st,
		Logger:      logger,
		DownloadDir: dir,
		Metadata:    meta,
	})
	_, err = r.Run(context.Background())
	require.NoError(t, err)
	require.NoError(t, meta.Close())

	f, err := os.Open(metaPath)
	require.NoError(t, err)
	defer f.Close()

	var entries []MetadataEntry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e MetadataEntry
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &e))
		entries = append(entries, e)
	}
	require.Len(t, entries, 3)
	assert.Equal(t, "msg-0001", entries[0].MessageID)
	assert.Equal(t, "first", entries[0].Subject)
	assert.NotEmpty(t, entries[0].FilePath)
}

func TestRetryAI(t *testing.T) {
	st, logger, dir := newTestEnv(t)
	fake := newGmailFake()

	_, err := NewRunner(fake, Options{
		Store: st, Logger: logger, DownloadDir: dir,
	}).Run(context.Background())
	require.NoError(t, err)

	// mark one message as failed by hand
	msg, err := st.GetMessage("msg-0001")
	require.NoError(t, err)
	require.NotNil(t, msg)
	msg.AIClassificationStatus = types.AIStatusFailed
	msg.AIProcessingError = "rate limited"
	require.NoError(t, st.UpsertMessage(msg))

	working := llm.NewClassifier(
		&stubCompleter{response: `{"category": "important", "confidence": 0.9}`},
		llm.NewBreaker(logger), logger, nil, nil)

	r := NewRunner(fake, Options{
		Store: st, Logger: logger, DownloadDir: dir,
		Classifier: working,
	})
	recovered, err := r.RetryAI(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	msg, err = st.GetMessage("msg-0001")
	require.NoError(t, err)
	assert.Equal(t, types.AIStatusSuccess, msg.AIClassificationStatus)
	assert.Empty(t, msg.AIProcessingError)
	require.NotNil(t, msg.Classification)
	assert.Equal(t, "important", msg.Classification.Category)
}

func TestNewerCheckpoint(t *testing.T) {
	assert.True(t, newerCheckpoint(types.ProviderGmail, "100", ""))
	assert.True(t, newerCheckpoint(types.ProviderGmail, "200", "100"))
	assert.False(t, newerCheckpoint(types.ProviderGmail, "99", "100"), "numeric, not lexicographic")
	assert.True(t, newerCheckpoint(types.ProviderM365, "2025-03-14T10:00:00Z", "2025-03-14T09:00:00Z"))
	assert.False(t, newerCheckpoint(types.ProviderM365, "2025-03-14T08:00:00Z", "2025-03-14T09:00:00Z"))
}
