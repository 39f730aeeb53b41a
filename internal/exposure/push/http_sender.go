package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"chainalert/pkg/platform/circuit"
	"chainalert/pkg/platform/sentinel"
)

// HTTPSender talks to an Expo-style push gateway: one POST carries up to
// MaxMulticast messages, the response carries one ticket per message in
// order.
type HTTPSender struct {
	endpoint string
	apiKey   string
	client   *http.Client
	breaker  *circuit.Breaker
	logger   *slog.Logger
}

func NewHTTPSender(endpoint string, logger *slog.Logger) *HTTPSender {
	return &HTTPSender{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 15 * time.Second},
		breaker:  circuit.New("push-gateway"),
		logger:   logger,
	}
}

// WithAPIKey sets the bearer token sent to the gateway.
func (s *HTTPSender) WithAPIKey(key string) *HTTPSender {
	s.apiKey = key
	return s
}

func (s *HTTPSender) recordFailure(ctx context.Context) {
	if _, change := s.breaker.RecordFailure(); change.Opened {
		s.logger.WarnContext(ctx, "push gateway circuit opened")
	}
}

type pushMessage struct {
	To       string            `json:"to"`
	TitleKey string            `json:"titleKey"`
	BodyKey  string            `json:"bodyKey"`
	Data     map[string]string `json:"data,omitempty"`
}

type pushTicket struct {
	Status  string `json:"status"` // "ok" or "error"
	Message string `json:"message,omitempty"`
	Details struct {
		Error string `json:"error,omitempty"`
	} `json:"details,omitempty"`
}

type pushResponse struct {
	Data []pushTicket `json:"data"`
}

// invalidTokenCodes are the gateway error codes that mean the token itself is
// dead, as opposed to a transient delivery failure.
var invalidTokenCodes = map[string]bool{
	"DeviceNotRegistered":               true,
	"UNREGISTERED":                      true,
	"INVALID_ARGUMENT":                  true,
	"registration-token-not-registered": true,
}

func (s *HTTPSender) SendMulticast(ctx context.Context, tokens []string, payload Payload) (*MulticastResult, error) {
	if len(tokens) > MaxMulticast {
		return nil, fmt.Errorf("multicast of %d exceeds transport limit %d", len(tokens), MaxMulticast)
	}
	if s.breaker.IsOpen() {
		return nil, fmt.Errorf("push gateway circuit open: %w", sentinel.ErrUnavailable)
	}
	messages := make([]pushMessage, len(tokens))
	for i, token := range tokens {
		messages[i] = pushMessage{To: token, TitleKey: payload.TitleKey, BodyKey: payload.BodyKey, Data: payload.Data}
	}
	body, err := json.Marshal(messages)
	if err != nil {
		return nil, fmt.Errorf("encode push request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		s.recordFailure(ctx)
		return nil, fmt.Errorf("push gateway: %w: %w", sentinel.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		s.recordFailure(ctx)
		return nil, fmt.Errorf("push gateway status %d: %w", resp.StatusCode, sentinel.ErrUnavailable)
	}
	if _, change := s.breaker.RecordSuccess(); change.Closed {
		s.logger.InfoContext(ctx, "push gateway circuit closed")
	}

	var decoded pushResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode push response: %w", err)
	}
	if len(decoded.Data) != len(tokens) {
		return nil, fmt.Errorf("push gateway returned %d tickets for %d messages", len(decoded.Data), len(tokens))
	}

	result := &MulticastResult{Responses: make([]Response, len(tokens))}
	for i, ticket := range decoded.Data {
		if ticket.Status == "ok" {
			result.SuccessCount++
			result.Responses[i] = Response{OK: true}
			continue
		}
		result.FailureCount++
		if invalidTokenCodes[ticket.Details.Error] {
			result.Responses[i] = Response{Err: fmt.Errorf("%s: %w", ticket.Details.Error, sentinel.ErrInvalidToken)}
		} else {
			result.Responses[i] = Response{Err: fmt.Errorf("push delivery failed: %s", ticket.Message)}
		}
	}
	if result.FailureCount > 0 {
		s.logger.WarnContext(ctx, "push multicast had per-token failures",
			"failed", result.FailureCount,
			"sent", result.SuccessCount,
		)
	}
	return result, nil
}
