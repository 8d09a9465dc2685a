package push

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/sokoni/bff/internal/httputil"
	"github.com/sokoni/bff/internal/logging"
)

const fcmEndpoint = "https://fcm.googleapis.com/fcm/send"

// Sender delivers one notification to one device token.
type Sender interface {
	Send(ctx context.Context, token, title, body string, data map[string]string) error
}

// FCMSender posts to the FCM legacy HTTP API. When no server key is
// configured, delivery is simulated as success so the gateway can be
// exercised end-to-end without a live push backend.
type FCMSender struct {
	serverKey string
	forwarder *httputil.Forwarder
	logger    *logging.Logger
}

// NewFCMSender creates the provider-backed sender.
func NewFCMSender(serverKey string, forwarder *httputil.Forwarder, logger *logging.Logger) *FCMSender {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &FCMSender{serverKey: serverKey, forwarder: forwarder, logger: logger}
}

// Send implements Sender.
func (s *FCMSender) Send(ctx context.Context, token, title, body string, data map[string]string) error {
	if s.serverKey == "" {
		s.logger.WithContext(ctx).Debug().Str("token_suffix", suffix(token)).Msg("push delivery simulated (no FCM key)")
		return nil
	}

	payload, err := json.Marshal(map[string]interface{}{
		"to": token,
		"notification": map[string]string{
			"title": title,
			"body":  body,
		},
		"data": data,
	})
	if err != nil {
		return fmt.Errorf("encode push payload: %w", err)
	}

	header := make(http.Header)
	header.Set("Content-Type", "application/json")
	header.Set("Authorization", "key="+s.serverKey)

	resp, err := s.forwarder.Post(ctx, fcmEndpoint, header, payload)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("fcm returned %d", resp.StatusCode)
	}
	return nil
}

func suffix(token string) string {
	if len(token) <= 8 {
		return token
	}
	return token[len(token)-8:]
}
