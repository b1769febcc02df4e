package services

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"strings"
	texttemplate "text/template"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/quillon/dmarcwatch/internal/config"
	"github.com/quillon/dmarcwatch/internal/logger"
	"github.com/quillon/dmarcwatch/internal/metrics"
	"github.com/quillon/dmarcwatch/internal/models"
)

const alertHTMLTemplate = `
<!DOCTYPE html>
<html>
<head><meta charset="UTF-8"><title>DMARC Alert</title></head>
<body style="font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, Arial, sans-serif; line-height: 1.6; color: #333; max-width: 640px; margin: 0 auto; padding: 20px;">
	<div style="background: {{.BannerColor}}; padding: 24px; border-radius: 8px 8px 0 0; text-align: center;">
		<h1 style="color: white; margin: 0;">{{.SeverityLabel}} DMARC Alert</h1>
	</div>
	<div style="background: #f9f9f9; padding: 24px; border-radius: 0 0 8px 8px; border: 1px solid #e0e0e0; border-top: none;">
		<p><strong>Domain:</strong> {{.Domain}}<br>
		<strong>Reporter:</strong> {{.OrgName}}<br>
		<strong>Window:</strong> {{.Window}}<br>
		<strong>Compliance:</strong> {{.Compliance}} (score {{.Score}}/100)</p>
		<p>{{.Summary}}</p>
		{{if .Findings}}
		<h2 style="margin-bottom: 8px;">Findings</h2>
		{{range .Findings}}
		<div style="border-left: 4px solid {{severityColor .Severity}}; padding: 8px 12px; margin-bottom: 10px; background: white;">
			<strong>{{.Category}}</strong>
			<span style="background: {{severityColor .Severity}}; color: white; padding: 1px 8px; border-radius: 10px; font-size: 12px; margin-left: 6px;">{{.Severity}}</span>
			<p style="margin: 6px 0 0 0;">{{.Description}}</p>
			{{if .SourceIPs}}<p style="margin: 4px 0 0 0; color: #666; font-size: 13px;">Sources: {{join .SourceIPs ", "}}</p>{{end}}
			{{if .Evidence}}<p style="margin: 4px 0 0 0; color: #666; font-size: 13px;">Evidence: {{.Evidence}}</p>{{end}}
		</div>
		{{end}}
		{{end}}
		{{if .Recommendations}}
		<h2 style="margin-bottom: 8px;">Recommendations</h2>
		<ul>
		{{range .Recommendations}}<li>{{.}}</li>
		{{end}}</ul>
		{{end}}
	</div>
</body>
</html>
`

const alertTextTemplate = `{{.SeverityLabel}} DMARC ALERT

Domain:     {{.Domain}}
Reporter:   {{.OrgName}}
Window:     {{.Window}}
Compliance: {{.Compliance}} (score {{.Score}}/100)

{{.Summary}}
{{if .Findings}}
FINDINGS
{{range .Findings}}- [{{.Severity}}] {{.Category}}: {{.Description}}{{if .SourceIPs}} (sources: {{join .SourceIPs ", "}}){{end}}{{if .Evidence}}
  Evidence: {{.Evidence}}{{end}}
{{end}}{{end}}{{if .Recommendations}}
RECOMMENDATIONS
{{range .Recommendations}}- {{.}}
{{end}}{{end}}`

// alertData is the render context shared by both template renditions.
type alertData struct {
	SeverityLabel   string
	BannerColor     string
	Domain          string
	OrgName         string
	Window          string
	Compliance      string
	Score           int
	Summary         string
	Findings        []models.Finding
	Recommendations []string
}

// AlertService renders and dispatches at most one alert per assessment and
// records the delivery outcome as an AlertNotification row.
type AlertService struct {
	db     *gorm.DB
	sender MailSender
	cfg    config.SMTPConfig
}

// NewAlertService creates the notification stage.
func NewAlertService(db *gorm.DB, sender MailSender, cfg config.SMTPConfig) *AlertService {
	return &AlertService{
		db:     db,
		sender: sender,
		cfg:    cfg,
	}
}

// Dispatch decides whether to send an alert for the assessment and records
// the outcome. It returns true only when a message was actually sent. A
// pre-existing notification row or a sub-threshold severity return false
// with no side effects.
func (s *AlertService) Dispatch(assessment *models.Assessment, reportID string) (bool, error) {
	log := logger.WithFields(logrus.Fields{
		"assessment_id": assessment.ID,
		"report_id":     reportID,
	})

	var existing models.AlertNotification
	err := s.db.Where("assessment_id = ?", assessment.ID).First(&existing).Error
	if err == nil {
		log.Debug("Notification already recorded for assessment, skipping")
		return false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return false, fmt.Errorf("look up notification for assessment %s: %w", assessment.ID, err)
	}

	if !assessment.Severity.IsAlertable() {
		log.WithField("severity", assessment.Severity).Debug("Severity below alert threshold, not sending")
		return false, nil
	}

	messageID, err := s.send(assessment, reportID)
	if err != nil {
		s.recordFailure(assessment.ID, err)
		metrics.IncAlertFailed()
		return false, err
	}

	notification := models.AlertNotification{
		AssessmentID: assessment.ID,
		Status:       models.NotificationStatusSent,
		MessageID:    messageID,
	}
	if err := s.db.Create(&notification).Error; err != nil {
		log.WithError(err).Error("Failed to record sent notification")
	}
	metrics.IncAlertSent()

	log.WithField("message_id", messageID).Info("Alert email sent")
	return true, nil
}

// send looks up the parent report, renders both renditions and dispatches
// the message. Any failure along the way surfaces to Dispatch, which
// records it as a FAILED notification.
func (s *AlertService) send(assessment *models.Assessment, reportID string) (string, error) {
	if !s.cfg.Complete() {
		return "", fmt.Errorf("%w: smtp host, sender and recipient are required", ErrMissingConfig)
	}

	var report models.Report
	if err := s.db.First(&report, "id = ?", reportID).Error; err != nil {
		return "", fmt.Errorf("look up report %s: %w", reportID, err)
	}

	data, err := buildAlertData(assessment, &report)
	if err != nil {
		return "", err
	}

	htmlBody, textBody, err := renderAlert(data)
	if err != nil {
		return "", err
	}

	subject := fmt.Sprintf("[%s] DMARC alert for %s", strings.ToUpper(string(assessment.Severity)), report.Domain)
	messageID, err := s.sender.Send(s.cfg.ToAddress, subject, htmlBody, textBody)
	if err != nil {
		return "", fmt.Errorf("dispatch alert: %w", err)
	}

	return messageID, nil
}

// recordFailure persists a FAILED notification. This is best-effort; its
// own failure is logged, never propagated.
func (s *AlertService) recordFailure(assessmentID string, cause error) {
	notification := models.AlertNotification{
		AssessmentID: assessmentID,
		Status:       models.NotificationStatusFailed,
		Error:        cause.Error(),
	}
	if err := s.db.Create(&notification).Error; err != nil {
		logger.WithFields(logrus.Fields{
			"assessment_id": assessmentID,
		}).WithError(err).Error("Failed to record failed notification")
	}
}

// buildAlertData deserializes the stored findings and recommendations back
// into their structured forms for rendering.
func buildAlertData(assessment *models.Assessment, report *models.Report) (*alertData, error) {
	var findings []models.Finding
	if assessment.Findings != "" {
		if err := json.Unmarshal([]byte(assessment.Findings), &findings); err != nil {
			return nil, fmt.Errorf("deserialize findings: %w", err)
		}
	}

	var recommendations []string
	if assessment.Recommendations != "" {
		if err := json.Unmarshal([]byte(assessment.Recommendations), &recommendations); err != nil {
			return nil, fmt.Errorf("deserialize recommendations: %w", err)
		}
	}

	window := fmt.Sprintf("%s to %s",
		time.Unix(report.DateBegin, 0).UTC().Format("2006-01-02 15:04"),
		time.Unix(report.DateEnd, 0).UTC().Format("2006-01-02 15:04"))

	return &alertData{
		SeverityLabel:   strings.ToUpper(string(assessment.Severity)),
		BannerColor:     severityColor(assessment.Severity),
		Domain:          report.Domain,
		OrgName:         report.OrgName,
		Window:          window,
		Compliance:      assessment.Compliance,
		Score:           assessment.Score,
		Summary:         assessment.Summary,
		Findings:        findings,
		Recommendations: recommendations,
	}, nil
}

func severityColor(s models.Severity) string {
	switch s {
	case models.SeverityCritical:
		return "#c0392b"
	case models.SeverityHigh:
		return "#e67e22"
	case models.SeverityMedium:
		return "#f1c40f"
	}
	return "#27ae60"
}

func renderAlert(data *alertData) (string, string, error) {
	htmlTmpl, err := template.New("alert").Funcs(template.FuncMap{
		"join":          strings.Join,
		"severityColor": severityColor,
	}).Parse(alertHTMLTemplate)
	if err != nil {
		return "", "", fmt.Errorf("parse html alert template: %w", err)
	}

	var htmlBody bytes.Buffer
	if err := htmlTmpl.Execute(&htmlBody, data); err != nil {
		return "", "", fmt.Errorf("render html alert: %w", err)
	}

	textTmpl, err := texttemplate.New("alert").Funcs(texttemplate.FuncMap{
		"join": strings.Join,
	}).Parse(alertTextTemplate)
	if err != nil {
		return "", "", fmt.Errorf("parse text alert template: %w", err)
	}

	var textBody bytes.Buffer
	if err := textTmpl.Execute(&textBody, data); err != nil {
		return "", "", fmt.Errorf("render text alert: %w", err)
	}

	return htmlBody.String(), textBody.String(), nil
}
