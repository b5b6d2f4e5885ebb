package provider

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/brandon/email-archiver/pkg/types"
)

// Gmail archives mail through the Gmail REST API. Its checkpoint value is
// the message internalDate in epoch milliseconds.
type Gmail struct {
	svc    *gmail.Service
	logger *logrus.Logger
}

// NewGmail creates a Gmail client over an authenticated service
func NewGmail(svc *gmail.Service, logger *logrus.Logger) *Gmail {
	return &Gmail{svc: svc, logger: logger}
}

// NewGmailService builds an authenticated Gmail API service from OAuth2
// client credentials and a previously stored token. Refreshed tokens are
// written back to tokenPath.
func NewGmailService(ctx context.Context, clientID, clientSecret, tokenPath string) (*gmail.Service, error) {
	token, err := loadToken(tokenPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load gmail token: %w", err)
	}

	cfg := &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       []string{gmail.GmailReadonlyScope},
	}

	source := &savingTokenSource{
		src:     cfg.TokenSource(ctx, token),
		current: token,
		path:    tokenPath,
	}

	svc, err := gmail.NewService(ctx, option.WithHTTPClient(oauth2.NewClient(ctx, source)))
	if err != nil {
		return nil, fmt.Errorf("unable to create Gmail service: %w", err)
	}
	return svc, nil
}

// Name returns the provider identifier
func (g *Gmail) Name() types.Provider {
	return types.ProviderGmail
}

// ListIDs lists message IDs matching the filter, following pagination
func (g *Gmail) ListIDs(ctx context.Context, filter Filter) ([]Ref, error) {
	query := gmailQuery(filter)
	g.logger.WithField("query", query).Info("Listing Gmail messages")

	var refs []Ref
	pageToken := ""
	for {
		call := g.svc.Users.Messages.List("me").Q(query).Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		resp, err := call.Do()
		if err != nil {
			return nil, fmt.Errorf("failed to list messages: %w", err)
		}

		for _, m := range resp.Messages {
			refs = append(refs, Ref{ID: m.Id})
		}
		if len(refs) > 0 && len(refs)%1000 == 0 {
			g.logger.WithField("count", len(refs)).Info("Listing Gmail messages, still paging")
		}

		pageToken = resp.NextPageToken
		if pageToken == "" {
			break
		}
	}

	g.logger.WithFields(logrus.Fields{
		"count": len(refs),
		"query": query,
	}).Info("Gmail listing complete")
	return refs, nil
}

// Download fetches the raw RFC 822 bytes of one message. The returned
// timestamp is the internalDate in epoch milliseconds.
func (g *Gmail) Download(ctx context.Context, id string) ([]byte, string, error) {
	msg, err := g.svc.Users.Messages.Get("me", id).Format("raw").Context(ctx).Do()
	if err != nil {
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) && apiErr.Code == 404 {
			return nil, "", fmt.Errorf("message %s: %w", id, ErrNotFound)
		}
		return nil, "", fmt.Errorf("failed to download message %s: %w", id, err)
	}

	raw, err := base64.RawURLEncoding.DecodeString(msg.Raw)
	if err != nil {
		// some responses carry padding
		raw, err = base64.URLEncoding.DecodeString(msg.Raw)
		if err != nil {
			return nil, "", fmt.Errorf("failed to decode message %s: %w", id, err)
		}
	}

	return raw, strconv.FormatInt(msg.InternalDate, 10), nil
}

// gmailQuery translates a filter into Gmail search syntax. The "after:"
// operator accepts both dates and epoch seconds.
func gmailQuery(f Filter) string {
	var parts []string
	if f.Query != "" {
		parts = append(parts, f.Query)
	}
	if !f.Since.IsZero() {
		parts = append(parts, "after:"+f.Since.Format("2006/01/02"))
	}
	if f.Checkpoint != "" {
		if ms, err := strconv.ParseInt(f.Checkpoint, 10, 64); err == nil && ms > 0 {
			parts = append(parts, fmt.Sprintf("after:%d", ms/1000))
		}
	}
	return strings.Join(parts, " ")
}

func loadToken(path string) (*oauth2.Token, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var token oauth2.Token
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, fmt.Errorf("failed to parse token file: %w", err)
	}
	return &token, nil
}

// savingTokenSource persists refreshed tokens so the next run does not have
// to reauthorize.
type savingTokenSource struct {
	src     oauth2.TokenSource
	current *oauth2.Token
	path    string
}

func (s *savingTokenSource) Token() (*oauth2.Token, error) {
	t, err := s.src.Token()
	if err != nil {
		return nil, err
	}
	if t.AccessToken != s.current.AccessToken {
		s.current = t
		if data, err := json.Marshal(t); err == nil {
			_ = os.WriteFile(s.path, data, 0o600)
		}
	}
	return t, nil
}
