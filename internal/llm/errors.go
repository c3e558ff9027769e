package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrNotConfigured is returned when no credential is available at all.
var ErrNotConfigured = errors.New("no API keys configured")

// PoolExhaustedError is returned when every candidate was rejected or failed.
type PoolExhaustedError struct {
	Attempts   int
	RetryAfter string
	QuotaValue string
}

func (e *PoolExhaustedError) Error() string {
	quota := e.QuotaValue
	if quota == "" {
		quota = "unknown"
	}
	return fmt.Sprintf("All %d API keys are exhausted (%s requests/day per key). Please wait %s or add more API keys.",
		e.Attempts, quota, e.RetryAfter)
}

// RetryAfterSeconds returns the advised wait in whole seconds, or 0 when the
// advice cannot be parsed.
func (e *PoolExhaustedError) RetryAfterSeconds() int {
	d, err := time.ParseDuration(e.RetryAfter)
	if err != nil {
		return 0
	}
	return int(d.Round(time.Second).Seconds())
}

// ServiceUnavailableError is returned when the upstream reports 503. It ends
// dispatch immediately since other keys reach the same overloaded service.
type ServiceUnavailableError struct {
	Message string
}

func (e *ServiceUnavailableError) Error() string {
	if e.Message == "" {
		return "upstream service unavailable"
	}
	return "upstream service unavailable: " + e.Message
}

// errorPayload is the upstream JSON error body.
type errorPayload struct {
	Error struct {
		Code    int               `json:"code"`
		Message string            `json:"message"`
		Status  string            `json:"status"`
		Details []json.RawMessage `json:"details"`
	} `json:"error"`
}

type errorDetail struct {
	Type       string `json:"@type"`
	RetryDelay string `json:"retryDelay"`
	Violations []struct {
		QuotaValue json.RawMessage `json:"quotaValue"`
	} `json:"violations"`
}

// rejection holds what could be learned from an upstream error body.
type rejection struct {
	Message    string
	RetryDelay string
	QuotaValue string
}

// parseRejection extracts retry advice and quota from an error body. Bodies
// that are not JSON yield a zero rejection.
func parseRejection(body []byte) rejection {
	var r rejection
	var p errorPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return r
	}
	r.Message = p.Error.Message

	for _, raw := range p.Error.Details {
		var d errorDetail
		if err := json.Unmarshal(raw, &d); err != nil {
			continue
		}
		switch {
		case strings.HasSuffix(d.Type, "RetryInfo"):
			if d.RetryDelay != "" {
				r.RetryDelay = d.RetryDelay
			}
		case strings.HasSuffix(d.Type, "QuotaFailure"):
			if len(d.Violations) > 0 {
				r.QuotaValue = quotaString(d.Violations[0].QuotaValue)
			}
		}
	}
	return r
}

// quotaString accepts both "50" and 50 encodings.
func quotaString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

// formatRetryAfter renders a duration the way the upstream does ("60s").
func formatRetryAfter(d time.Duration) string {
	return strconv.Itoa(int(d.Round(time.Second).Seconds())) + "s"
}
