//go:build integration
// +build integration

package integration

import (
	"bytes"
	"compress/gzip"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/quillon/dmarcwatch/internal/config"
	"github.com/quillon/dmarcwatch/internal/database"
	"github.com/quillon/dmarcwatch/internal/mailbox"
	"github.com/quillon/dmarcwatch/internal/models"
	"github.com/quillon/dmarcwatch/internal/scheduler"
	"github.com/quillon/dmarcwatch/internal/services"
)

const reportXML = `<?xml version="1.0"?>
<feedback>
	<report_metadata>
		<org_name>google.com</org_name>
		<email>noreply@google.com</email>
		<report_id>integration-rpt-1</report_id>
		<date_range><begin>1700000000</begin><end>1700086400</end></date_range>
	</report_metadata>
	<policy_published><domain>example.org</domain><p>reject</p><pct>100</pct></policy_published>
	<record>
		<row><source_ip>198.51.100.7</source_ip><count>42</count>
			<policy_evaluated><disposition>reject</disposition><dkim>fail</dkim><spf>fail</spf></policy_evaluated></row>
		<identifiers><header_from>example.org</header_from></identifiers>
		<auth_results><spf><domain>example.org</domain><result>fail</result></spf></auth_results>
	</record>
</feedback>`

const criticalVerdict = `{
	"compliance": "non_compliant",
	"score": 10,
	"severity": "critical",
	"findings": [{"category": "spoofing", "severity": "critical", "description": "High-volume spoofing source", "source_ips": ["198.51.100.7"], "evidence": "42 rejected messages"}],
	"trends": {"total_messages": 42, "passing_count": 0, "failing_count": 42, "failure_rate": 1.0, "unique_sources": 1, "top_failing_ip": "198.51.100.7", "quarantined_pct": 0, "rejected_pct": 100},
	"recommendations": ["Block 198.51.100.7 at the gateway"],
	"summary": "Every observed message failed authentication."
}`

type memMailbox struct {
	messages []mailbox.Message
	deleted  []uint32
}

func (m *memMailbox) FetchUnseen() ([]mailbox.Message, error) { return m.messages, nil }
func (m *memMailbox) Delete(uids []uint32) error {
	m.deleted = append(m.deleted, uids...)
	return nil
}
func (m *memMailbox) Close() error { return nil }

type cannedReasoner struct{ calls int }

func (c *cannedReasoner) Complete(context.Context, string, string) (string, error) {
	c.calls++
	return criticalVerdict, nil
}
func (c *cannedReasoner) Model() string { return "canned-model" }

type memSender struct{ subjects []string }

func (s *memSender) Send(to, subject, htmlBody, textBody string) (string, error) {
	s.subjects = append(s.subjects, subject)
	return "<integration@dmarcwatch.test>", nil
}

// TestPipelineEndToEnd drives one full run through the scheduler: a gzipped
// aggregate report in the mailbox ends as a stored report, a critical
// assessment, a sent alert and an expunged message.
func TestPipelineEndToEnd(t *testing.T) {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))

	var gz bytes.Buffer
	gw := gzip.NewWriter(&gz)
	_, err = gw.Write([]byte(reportXML))
	require.NoError(t, err)
	require.NoError(t, gw.Close())

	mb := &memMailbox{messages: []mailbox.Message{{
		UID:     100,
		Subject: "Report Domain: example.org",
		From:    "noreply@google.com",
		Attachments: []mailbox.Attachment{{
			Filename: "google.com!example.org.xml.gz",
			Data:     gz.Bytes(),
		}},
	}}}

	imapCfg := config.IMAPConfig{Host: "imap.test", Username: "u", Password: "p", Folder: "INBOX"}
	smtpCfg := config.SMTPConfig{Host: "smtp.test", FromAddress: "dmarcwatch@example.org", ToAddress: "secops@example.org"}

	sender := &memSender{}
	reasoner := &cannedReasoner{}
	alerts := services.NewAlertService(db, sender, smtpCfg)
	assess := services.NewAssessmentService(db, reasoner, alerts, 0)
	intake := services.NewIntakeService(db, imapCfg, func(config.IMAPConfig) (mailbox.Mailbox, error) {
		return mb, nil
	})

	pipeline := scheduler.New(intake, assess, "@every 1h", "")
	require.True(t, pipeline.Trigger(scheduler.ModeFull))
	require.Eventually(t, func() bool {
		s := pipeline.Status()
		return !s.Running && s.LastRun != nil
	}, 5*time.Second, 20*time.Millisecond)

	status := pipeline.Status()
	assert.True(t, status.LastRun.Success)
	assert.Equal(t, 1, status.LastRun.ReportsAssessed)

	var report models.Report
	require.NoError(t, db.First(&report, "report_id = ?", "integration-rpt-1").Error)
	assert.True(t, report.Assessed)

	var assessment models.Assessment
	require.NoError(t, db.First(&assessment, "report_id = ?", report.ID).Error)
	assert.Equal(t, models.SeverityCritical, assessment.Severity)
	assert.Equal(t, "canned-model", assessment.Model)

	var notification models.AlertNotification
	require.NoError(t, db.First(&notification, "assessment_id = ?", assessment.ID).Error)
	assert.Equal(t, models.NotificationStatusSent, notification.Status)

	require.Len(t, sender.subjects, 1)
	assert.Equal(t, "[CRITICAL] DMARC alert for example.org", sender.subjects[0])
	assert.Equal(t, []uint32{100}, mb.deleted)
	assert.Equal(t, 1, reasoner.calls)

	// A second full run is a no-op: nothing unseen, nothing unassessed.
	mb.messages = nil
	require.True(t, pipeline.Trigger(scheduler.ModeFull))
	require.Eventually(t, func() bool {
		s := pipeline.Status()
		return !s.Running && s.LastRun.ReportsAssessed == 0
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, 1, reasoner.calls)

	var reports int64
	db.Model(&models.Report{}).Count(&reports)
	assert.Equal(t, int64(1), reports)
}
