// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package notify

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/AleutianAI/SubmissionPortal/pkg/logging"
)

// Message is an outgoing mail.
type Message struct {
	To      string
	Subject string
	Body    string
}

// Mailer sends mail.
type Mailer interface {
	SendMail(ctx context.Context, msg Message) error
}

// LogMailer writes mail to the log instead of sending it. Sends are paced
// by a token bucket so a burst of submissions cannot flood the log.
type LogMailer struct {
	logger  *logging.Logger
	limiter *rate.Limiter
}

// NewLogMailer creates a LogMailer allowing perSecond mails with the given
// burst. perSecond <= 0 disables pacing.
func NewLogMailer(logger *logging.Logger, perSecond float64, burst int) *LogMailer {
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	if burst < 1 {
		burst = 1
	}
	return &LogMailer{
		logger:  logging.OrDefault(logger).With("component", "notify.mail"),
		limiter: rate.NewLimiter(limit, burst),
	}
}

// SendMail implements Mailer.
func (m *LogMailer) SendMail(ctx context.Context, msg Message) error {
	if msg.To == "" {
		return fmt.Errorf("send mail %q: missing recipient", msg.Subject)
	}
	if err := m.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("send mail to %s: %w", msg.To, err)
	}
	m.logger.InfoContext(ctx, "mail", "to", msg.To, "subject", msg.Subject)
	return nil
}
