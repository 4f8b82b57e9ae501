package tasks

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/log-zero/sentinel/internal/analysis"
	"github.com/log-zero/sentinel/pkg/errors"
)

const patternAlertSubject = "🚨 Anomaly Pattern Alert - System Monitoring"

// PatternAlertResult is the outcome of logs.send_pattern_alert.
type PatternAlertResult struct {
	Status        string     `json:"status"`
	ClustersCount *int       `json:"clusters_count,omitempty"`
	PatternsCount *int       `json:"patterns_count,omitempty"`
	SentAt        *time.Time `json:"sent_at,omitempty"`
}

// SendPatternAlert mails the findings of a pattern analysis to the configured
// recipients. An analysis with nothing to report sends nothing.
func (s *Service) SendPatternAlert(ctx context.Context, args PatternResult) (*PatternAlertResult, error) {
	if !args.NeedsAlert() {
		return &PatternAlertResult{Status: StatusNoAlertsNeeded}, nil
	}

	if err := s.send(ctx, patternAlertSubject, patternAlertBody(&args), s.config.Recipients); err != nil {
		return nil, err
	}

	sentAt := s.now().UTC()
	clusters, patterns := len(args.AnomalyClusters), len(args.UnusualPatterns)
	s.logger.Info("Pattern alert sent",
		zap.Int("clusters", clusters),
		zap.Int("patterns", patterns),
	)
	return &PatternAlertResult{
		Status:        StatusAlertSent,
		ClustersCount: &clusters,
		PatternsCount: &patterns,
		SentAt:        &sentAt,
	}, nil
}

func patternAlertBody(r *PatternResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Anomaly pattern analysis completed at %s\n", r.AnalyzedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "Analysis window: %s\n", r.AnalysisWindow)
	fmt.Fprintf(&b, "Total logs analyzed: %d\n", r.TotalLogs)

	b.WriteString("\nSEVERITY DISTRIBUTION:\n")
	for _, sev := range analysis.SortedSeverities(r.SeverityDistribution) {
		fmt.Fprintf(&b, "  %s: %d\n", sev, r.SeverityDistribution[sev])
	}

	if len(r.AnomalyClusters) > 0 {
		b.WriteString("\n🔴 ANOMALY CLUSTERS DETECTED:\n")
		for _, c := range r.AnomalyClusters {
			fmt.Fprintf(&b, "  - %d anomalies at %s (Severity: %s)\n",
				c.ClusterSize, c.Timestamp.UTC().Format(time.RFC3339), c.Severity)
		}
	}

	if len(r.UnusualPatterns) > 0 {
		b.WriteString("\n⚠️ UNUSUAL PATTERNS DETECTED:\n")
		for _, p := range r.UnusualPatterns {
			fmt.Fprintf(&b, "  - %s\n", p.Description)
		}
	}

	b.WriteString("\nPlease investigate these patterns immediately.\n")
	b.WriteString("\nThis is an automated alert from the Anomaly Detection System.")
	return b.String()
}

// NotificationResult is the outcome of logs.send_notification.
type NotificationResult struct {
	Status          string    `json:"status"`
	RecipientsCount int       `json:"recipients_count"`
	SentAt          time.Time `json:"sent_at"`
}

// SendNotification delivers an ad-hoc message. Transport failures are
// returned so the task is retried.
func (s *Service) SendNotification(ctx context.Context, args NotificationArgs) (*NotificationResult, error) {
	if len(args.RecipientList) == 0 {
		return nil, errors.InvalidInput("recipient_list is empty")
	}
	if err := s.send(ctx, args.Subject, args.Message, args.RecipientList); err != nil {
		return nil, err
	}

	s.logger.Info("Notification sent",
		zap.String("subject", args.Subject),
		zap.Int("recipients", len(args.RecipientList)),
	)
	return &NotificationResult{
		Status:          StatusSuccess,
		RecipientsCount: len(args.RecipientList),
		SentAt:          s.now().UTC(),
	}, nil
}
