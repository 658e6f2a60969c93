package services

import (
	"context"
	"sync"
	"time"

	"saas-knowledge-platform/internal/config"
	"saas-knowledge-platform/internal/logger"
)

const (
	alertWindow   = 15 * time.Minute
	alertCooldown = time.Hour
)

// AlertService turns repeated pipeline failures into one operator email.
// Failures are counted inside a sliding window; crossing the configured
// threshold sends a digest, then a cooldown suppresses repeats so a broken
// provider cannot flood the admin inbox.
type AlertService struct {
	sender      EmailSender
	serviceName string
	threshold   int

	mu       sync.Mutex
	failures []FailureDetail
	lastSent time.Time
}

// NewAlertService returns nil when no sender is configured; a nil service
// silently drops failure records.
func NewAlertService(sender EmailSender, cfg *config.Config) *AlertService {
	if sender == nil {
		return nil
	}
	threshold := cfg.AlertFailureThreshold
	if threshold < 1 {
		threshold = 5
	}
	return &AlertService{
		sender:      sender,
		serviceName: cfg.ServiceName,
		threshold:   threshold,
	}
}

// RecordFailure notes one failed unit of work and sends the digest when the
// window crosses the threshold. Sending happens on the caller's goroutine
// but never blocks the pipeline on an error: a failed send is only logged.
func (a *AlertService) RecordFailure(ctx context.Context, stage, subjectID, message string) {
	if a == nil {
		return
	}

	a.mu.Lock()
	now := time.Now()
	a.failures = append(a.failures, FailureDetail{
		Stage:     stage,
		SubjectID: subjectID,
		Message:   message,
		At:        now,
	})

	cutoff := now.Add(-alertWindow)
	kept := a.failures[:0]
	for _, f := range a.failures {
		if f.At.After(cutoff) {
			kept = append(kept, f)
		}
	}
	a.failures = kept

	shouldSend := len(a.failures) >= a.threshold && now.Sub(a.lastSent) >= alertCooldown
	var digest []FailureDetail
	if shouldSend {
		digest = make([]FailureDetail, len(a.failures))
		copy(digest, a.failures)
		a.lastSent = now
		a.failures = a.failures[:0]
	}
	a.mu.Unlock()

	if !shouldSend {
		return
	}

	data := FailureAlertData{
		ServiceName:   a.serviceName,
		Count:         len(digest),
		WindowMinutes: int(alertWindow.Minutes()),
		Failures:      digest,
	}
	if err := a.sender.SendFailureAlert(data); err != nil {
		logger.Error("failure alert email not sent", "failures", len(digest), "error", err)
		return
	}
	logger.Info("failure alert email sent", "failures", len(digest))
}
