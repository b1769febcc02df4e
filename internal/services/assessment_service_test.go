package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/quillon/dmarcwatch/internal/config"
	"github.com/quillon/dmarcwatch/internal/models"
)

type stubReasoner struct {
	response string
	err      error
	calls    int
	prompts  []string
}

func (s *stubReasoner) Complete(_ context.Context, _, prompt string) (string, error) {
	s.calls++
	s.prompts = append(s.prompts, prompt)
	if s.err != nil {
		return "", s.err
	}
	return s.response, nil
}

func (s *stubReasoner) Model() string { return "stub-model" }

type sentMail struct {
	to      string
	subject string
	html    string
	text    string
}

type stubSender struct {
	err  error
	sent []sentMail
}

func (s *stubSender) Send(to, subject, htmlBody, textBody string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	s.sent = append(s.sent, sentMail{to: to, subject: subject, html: htmlBody, text: textBody})
	return "<msg-1@dmarcwatch.test>", nil
}

func testSMTPConfig() config.SMTPConfig {
	return config.SMTPConfig{
		Host:        "smtp.example.org",
		Port:        587,
		FromAddress: "dmarcwatch@example.org",
		ToAddress:   "secops@example.org",
		Encryption:  "starttls",
	}
}

func seedReport(t *testing.T, db *gorm.DB, reportID string, recordCount int) models.Report {
	report := models.Report{
		ReportID:  reportID,
		OrgName:   "google.com",
		Email:     "noreply@google.com",
		DateBegin: 1700000000,
		DateEnd:   1700086400,
		Domain:    "example.org",
		Policy:    `{"domain":"example.org","p":"reject","pct":100}`,
		RawXML:    "<feedback/>",
	}
	require.NoError(t, db.Create(&report).Error)

	for i := 0; i < recordCount; i++ {
		record := models.ReportRecord{
			ReportID:    report.ID,
			SourceIP:    "192.0.2.10",
			Count:       5,
			Disposition: "reject",
			DKIMResult:  "fail",
			SPFResult:   "fail",
			HeaderFrom:  "example.org",
		}
		require.NoError(t, db.Create(&record).Error)
	}

	return report
}

const criticalResponse = `{
	"compliance": "non_compliant",
	"score": 15,
	"severity": "critical",
	"findings": [{"category": "spoofing", "severity": "critical", "description": "Sustained spoofing from one source", "source_ips": ["192.0.2.10"], "evidence": "5 rejected messages failing both DKIM and SPF"}],
	"trends": {"total_messages": 5, "passing_count": 0, "failing_count": 5, "failure_rate": 1.0, "unique_sources": 1, "top_failing_ip": "192.0.2.10", "quarantined_pct": 0, "rejected_pct": 100},
	"recommendations": ["Investigate 192.0.2.10"],
	"summary": "All observed traffic failed authentication."
}`

func newAssessmentFixture(t *testing.T, reasoner *stubReasoner, sender *stubSender) (*gorm.DB, *AssessmentService) {
	db := setupServiceTestDB(t)
	alerts := NewAlertService(db, sender, testSMTPConfig())
	svc := NewAssessmentService(db, reasoner, alerts, 0)
	return db, svc
}

func TestAssessmentService_CriticalReportAssessedAndAlerted(t *testing.T) {
	reasoner := &stubReasoner{response: criticalResponse}
	sender := &stubSender{}
	db, svc := newAssessmentFixture(t, reasoner, sender)
	report := seedReport(t, db, "rpt-critical", 1)

	analyzed, err := svc.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, analyzed)
	assert.Equal(t, 1, reasoner.calls)

	var assessment models.Assessment
	require.NoError(t, db.First(&assessment, "report_id = ?", report.ID).Error)
	assert.Equal(t, "non_compliant", assessment.Compliance)
	assert.Equal(t, 15, assessment.Score)
	assert.Equal(t, models.SeverityCritical, assessment.Severity)
	assert.Equal(t, "stub-model", assessment.Model)
	assert.Contains(t, assessment.Findings, "spoofing")

	var updated models.Report
	require.NoError(t, db.First(&updated, "id = ?", report.ID).Error)
	assert.True(t, updated.Assessed)

	require.Len(t, sender.sent, 1)
	assert.Equal(t, "secops@example.org", sender.sent[0].to)
	assert.Contains(t, sender.sent[0].subject, "[CRITICAL]")
	assert.Contains(t, sender.sent[0].subject, "example.org")

	var notification models.AlertNotification
	require.NoError(t, db.First(&notification, "assessment_id = ?", assessment.ID).Error)
	assert.Equal(t, models.NotificationStatusSent, notification.Status)
	assert.Equal(t, "<msg-1@dmarcwatch.test>", notification.MessageID)
}

func TestAssessmentService_LowSeverityNotAlerted(t *testing.T) {
	reasoner := &stubReasoner{response: `{
		"compliance": "compliant", "score": 95, "severity": "low",
		"findings": [], "recommendations": [], "summary": "Healthy."
	}`}
	sender := &stubSender{}
	db, svc := newAssessmentFixture(t, reasoner, sender)
	seedReport(t, db, "rpt-low", 1)

	analyzed, err := svc.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, analyzed)

	assert.Empty(t, sender.sent)

	var notifications int64
	db.Model(&models.AlertNotification{}).Count(&notifications)
	assert.Equal(t, int64(0), notifications)
}

func TestAssessmentService_FencedResponseAccepted(t *testing.T) {
	reasoner := &stubReasoner{response: "```json\n" + criticalResponse + "\n```"}
	db, svc := newAssessmentFixture(t, reasoner, &stubSender{})
	seedReport(t, db, "rpt-fenced", 1)

	analyzed, err := svc.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, analyzed)

	var count int64
	db.Model(&models.Assessment{}).Count(&count)
	assert.Equal(t, int64(1), count)
}

func TestAssessmentService_InvalidResponseLeavesReportUnassessed(t *testing.T) {
	// recommendations missing entirely.
	reasoner := &stubReasoner{response: `{
		"compliance": "partial", "score": 50, "severity": "medium",
		"findings": [], "summary": "incomplete"
	}`}
	db, svc := newAssessmentFixture(t, reasoner, &stubSender{})
	report := seedReport(t, db, "rpt-invalid", 1)

	analyzed, err := svc.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, analyzed)

	var count int64
	db.Model(&models.Assessment{}).Count(&count)
	assert.Equal(t, int64(0), count)

	// Retried on the next run.
	var updated models.Report
	require.NoError(t, db.First(&updated, "id = ?", report.ID).Error)
	assert.False(t, updated.Assessed)
}

func TestAssessmentService_EmptyReportMarkedWithoutAssessment(t *testing.T) {
	reasoner := &stubReasoner{response: criticalResponse}
	db, svc := newAssessmentFixture(t, reasoner, &stubSender{})
	report := seedReport(t, db, "rpt-empty", 0)

	analyzed, err := svc.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, analyzed)
	assert.Equal(t, 0, reasoner.calls)

	var updated models.Report
	require.NoError(t, db.First(&updated, "id = ?", report.ID).Error)
	assert.True(t, updated.Assessed)

	var count int64
	db.Model(&models.Assessment{}).Count(&count)
	assert.Equal(t, int64(0), count)
}

func TestAssessmentService_ReasoningFailureIsFatal(t *testing.T) {
	reasoner := &stubReasoner{err: errors.New("rate limited")}
	db, svc := newAssessmentFixture(t, reasoner, &stubSender{})
	seedReport(t, db, "rpt-a", 1)
	seedReport(t, db, "rpt-b", 1)

	analyzed, err := svc.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, 0, analyzed)
	assert.Equal(t, 1, reasoner.calls)
}

func TestAssessmentService_NilClientMissingConfig(t *testing.T) {
	db := setupServiceTestDB(t)
	alerts := NewAlertService(db, &stubSender{}, testSMTPConfig())
	svc := NewAssessmentService(db, nil, alerts, 0)

	_, err := svc.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMissingConfig))
}

func TestAssessmentService_ProcessesInInsertionOrder(t *testing.T) {
	reasoner := &stubReasoner{response: criticalResponse}
	db, svc := newAssessmentFixture(t, reasoner, &stubSender{})

	first := seedReport(t, db, "rpt-first", 1)
	// Force distinct creation timestamps for deterministic ordering.
	require.NoError(t, db.Model(&models.Report{}).Where("id = ?", first.ID).
		Update("created_at", time.Now().Add(-time.Hour)).Error)
	seedReport(t, db, "rpt-second", 1)

	analyzed, err := svc.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, analyzed)

	require.Len(t, reasoner.prompts, 2)
	// Both prompts carry the same domain; ordering is visible through the
	// assessment rows matching the seeded reports.
	var assessments []models.Assessment
	require.NoError(t, db.Order("created_at ASC").Find(&assessments).Error)
	require.Len(t, assessments, 2)
	assert.Equal(t, first.ID, assessments[0].ReportID)
}
