package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"github.com/brandon/email-archiver/pkg/types"
)

const graphBaseURL = "https://graph.microsoft.com/v1.0"

// Graph archives mail through the Microsoft Graph API. Its checkpoint value
// is the receivedDateTime of the newest message seen, as an ISO 8601 string.
type Graph struct {
	httpClient *http.Client
	baseURL    string
	logger     *logrus.Logger

	// injectable for tests
	wait func(ctx context.Context, d time.Duration) error
}

// NewGraph creates a Graph client. The token source supplies bearer tokens;
// a static token can be wrapped with oauth2.StaticTokenSource.
func NewGraph(source oauth2.TokenSource, logger *logrus.Logger) *Graph {
	client := oauth2.NewClient(context.Background(), source)
	client.Timeout = 30 * time.Second
	return &Graph{
		httpClient: client,
		baseURL:    graphBaseURL,
		logger:     logger,
		wait:       waitRetry,
	}
}

// waitRetry sleeps for d unless ctx is cancelled first
func waitRetry(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Name returns the provider identifier
func (g *Graph) Name() types.Provider {
	return types.ProviderM365
}

type graphListResponse struct {
	Value []struct {
		ID                string `json:"id"`
		ReceivedDateTime  string `json:"receivedDateTime"`
		InternetMessageID string `json:"internetMessageId"`
	} `json:"value"`
	NextLink string `json:"@odata.nextLink"`
}

// ListIDs lists message IDs matching the filter, following @odata.nextLink
// pagination and honoring 429 Retry-After.
func (g *Graph) ListIDs(ctx context.Context, filter Filter) ([]Ref, error) {
	endpoint := g.baseURL + "/me/messages?$select=id,receivedDateTime,internetMessageId&$top=50"
	if f := graphFilter(filter); f != "" {
		endpoint += "&$filter=" + url.QueryEscape(f)
	}
	if filter.Query != "" {
		endpoint += "&$search=" + url.QueryEscape(`"`+filter.Query+`"`)
	}

	g.logger.WithField("endpoint", endpoint).Info("Listing M365 messages")

	var refs []Ref
	for endpoint != "" {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to build list request: %w", err)
		}

		resp, err := g.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("failed to list messages: %w", err)
		}

		switch resp.StatusCode {
		case http.StatusOK:
			var page graphListResponse
			err := json.NewDecoder(resp.Body).Decode(&page)
			resp.Body.Close()
			if err != nil {
				return nil, fmt.Errorf("failed to decode list response: %w", err)
			}
			for _, m := range page.Value {
				refs = append(refs, Ref{ID: m.ID, Timestamp: m.ReceivedDateTime})
			}
			endpoint = page.NextLink

		case http.StatusTooManyRequests:
			retryAfter := 5
			if v := resp.Header.Get("Retry-After"); v != "" {
				if n, err := strconv.Atoi(v); err == nil {
					retryAfter = n
				}
			}
			resp.Body.Close()
			g.logger.WithField("retry_after", retryAfter).Warn("Graph API rate limited, waiting")
			if err := g.wait(ctx, time.Duration(retryAfter)*time.Second); err != nil {
				return nil, err
			}
			// retry the same page

		default:
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			resp.Body.Close()
			return nil, fmt.Errorf("graph list failed: status %d: %s", resp.StatusCode, string(body))
		}
	}

	g.logger.WithField("count", len(refs)).Info("M365 listing complete")
	return refs, nil
}

// Download fetches the MIME content of one message via the $value endpoint.
// The timestamp comes from the listing, so Download returns "".
func (g *Graph) Download(ctx context.Context, id string) ([]byte, string, error) {
	endpoint := g.baseURL + "/me/messages/" + url.PathEscape(id) + "/$value"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to build download request: %w", err)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("failed to download message %s: %w", id, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, "", fmt.Errorf("failed to read message %s: %w", id, err)
		}
		return raw, "", nil
	case http.StatusNotFound:
		return nil, "", fmt.Errorf("message %s: %w", id, ErrNotFound)
	default:
		return nil, "", fmt.Errorf("graph download failed for %s: status %d", id, resp.StatusCode)
	}
}

// graphFilter translates a filter into an OData expression
func graphFilter(f Filter) string {
	var parts []string
	if !f.Since.IsZero() {
		parts = append(parts, fmt.Sprintf("receivedDateTime ge %sT00:00:00Z", f.Since.Format("2006-01-02")))
	}
	if f.Checkpoint != "" {
		parts = append(parts, fmt.Sprintf("receivedDateTime gt %s", f.Checkpoint))
	}
	return strings.Join(parts, " and ")
}
