// Package webhook delivers terminal job results to a client-supplied
// callback URL. Delivery is at-most-once and best-effort: failures are
// logged and swallowed, never reflected in job state.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/speech-stream/backend/internal/store"
)

type Notifier struct {
	store      *store.Store
	httpClient *http.Client
	log        *zap.Logger
}

func NewNotifier(st *store.Store, logger *zap.Logger) *Notifier {
	return &Notifier{
		store:      st,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		log:        logger,
	}
}

// Notify re-reads the terminal job record and POSTs its JSON representation
// to url, attaching authHeader as the Authorization header when present.
func (n *Notifier) Notify(ctx context.Context, jobID, url, authHeader string) {
	record, err := n.store.Get(jobID)
	if err != nil {
		n.log.Warn("webhook skipped, record unavailable", zap.String("id", jobID), zap.Error(err))
		return
	}

	payload, err := json.Marshal(record)
	if err != nil {
		n.log.Warn("webhook payload marshal failed", zap.String("id", jobID), zap.Error(err))
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		n.log.Warn("webhook request build failed", zap.String("id", jobID), zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}

	resp, err := n.httpClient.Do(req)
	if err != nil {
		n.log.Warn("webhook delivery failed", zap.String("id", jobID), zap.String("url", url), zap.Error(err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		n.log.Warn("webhook rejected",
			zap.String("id", jobID),
			zap.String("url", url),
			zap.Int("status", resp.StatusCode))
		return
	}

	n.log.Info("webhook delivered", zap.String("id", jobID), zap.String("url", url))
}
