// Package reporting forwards supervision verdicts to whoever consumes them:
// the log, a Redis channel for proctor dashboards, or both.
package reporting

import (
	"context"
	"errors"

	"github.com/MrCodeEU/examguard/pkg/logging"
	"github.com/MrCodeEU/examguard/pkg/supervision"
)

// Reporter receives session results after every attempt.
type Reporter = supervision.Reporter

// LogReporter writes a line per report.
type LogReporter struct{}

// Report logs the current verdict.
func (LogReporter) Report(ctx context.Context, r supervision.Results) error {
	entry := logging.ForIdentity("reporting", r.Identity).WithFields(logging.Fields{
		"session":     r.SessionID,
		"state":       r.State,
		"attempts":    len(r.Attempts),
		"verified":    r.Verified,
		"compromised": r.Compromised,
	})
	if r.Compromised {
		entry.Warn("Session verdict")
	} else {
		entry.Info("Session verdict")
	}
	return nil
}

// Multi fans a report out to several reporters.
type Multi []Reporter

// Report calls every reporter and joins their errors.
func (m Multi) Report(ctx context.Context, r supervision.Results) error {
	var errs []error
	for _, rep := range m {
		if err := rep.Report(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
