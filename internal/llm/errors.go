package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrNoContent means a stage declined a message because there was nothing
// for the model to read. No API call was made; the breaker is untouched.
var ErrNoContent = errors.New("message has no usable content")

// ErrorKind buckets API failures so the breaker can apply the right policy:
// transient kinds back off and count toward thresholds, fatal kinds disable
// AI processing for the rest of the run.
type ErrorKind int

const (
	KindNetwork ErrorKind = iota
	KindAuth
	KindRateLimit
	KindServer
	KindModel
	KindTimeout
	KindParse
	KindContentFilter
	KindUnknown
)

func (k ErrorKind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindAuth:
		return "auth"
	case KindRateLimit:
		return "rate_limit"
	case KindServer:
		return "server"
	case KindModel:
		return "model"
	case KindTimeout:
		return "timeout"
	case KindParse:
		return "parse"
	case KindContentFilter:
		return "content_filter"
	default:
		return "unknown"
	}
}

// StatusError is an LLM API error with an HTTP status code
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("llm api error: status %d: %s", e.Code, e.Message)
}

// ParseError means the model responded but its output was not usable JSON.
// The endpoint is healthy, so these never open the breaker.
type ParseError struct {
	Raw string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("unparseable llm response: %v", e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// ClassifyError maps an API call failure to an ErrorKind. First match wins:
// connection-level failures before HTTP status buckets before string
// heuristics.
func ClassifyError(err error) ErrorKind {
	var parseErr *ParseError
	if errors.As(err, &parseErr) {
		return KindParse
	}

	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "no route to host") ||
		strings.Contains(msg, "network is unreachable") {
		return KindNetwork
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.Code == 401 || statusErr.Code == 403:
			return KindAuth
		case statusErr.Code == 429:
			return KindRateLimit
		case statusErr.Code >= 500:
			return KindServer
		case statusErr.Code >= 400:
			if strings.Contains(strings.ToLower(statusErr.Message), "content") &&
				(strings.Contains(strings.ToLower(statusErr.Message), "filter") ||
					strings.Contains(strings.ToLower(statusErr.Message), "policy")) {
				return KindContentFilter
			}
			// other 4xx means our request shape or model name is wrong
			return KindModel
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindNetwork
	}
	if strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out") {
		return KindTimeout
	}

	return KindUnknown
}
