package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/quillon/dmarcwatch/internal/logger"
	"github.com/quillon/dmarcwatch/internal/metrics"
	"github.com/quillon/dmarcwatch/internal/models"
	"github.com/quillon/dmarcwatch/internal/reasoning"
)

const assessmentSystemPrompt = `You are an email security analyst reviewing DMARC aggregate report data. Assess the authentication posture of the evaluated domain and identify spoofing or delivery threats. Respond with a single JSON object and nothing else, using exactly this schema:
{
  "compliance": "compliant" | "partial" | "non_compliant",
  "score": <integer 0-100>,
  "severity": "low" | "medium" | "high" | "critical",
  "findings": [{"category": "<string>", "severity": "low|medium|high|critical", "description": "<string>", "source_ips": ["<ip>"], "evidence": "<string>"}],
  "trends": {"total_messages": <int>, "passing_count": <int>, "failing_count": <int>, "failure_rate": <float>, "unique_sources": <int>, "top_failing_ip": "<ip>", "quarantined_pct": <float>, "rejected_pct": <float>},
  "recommendations": ["<string>"],
  "summary": "<string>"
}
All fields are required. findings and recommendations must be arrays, empty if nothing applies.`

// ValidationError marks a reasoning response that failed schema checks.
// The report stays unassessed and is retried on a future run.
type ValidationError struct {
	Missing string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("reasoning response missing %s", e.Missing)
}

// IsValidationError reports whether err is a response schema failure.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// assessmentResponse mirrors the JSON schema the reasoning service is
// instructed to produce. Pointer and slice fields distinguish absent from
// zero-valued.
type assessmentResponse struct {
	Compliance      string             `json:"compliance"`
	Score           *int               `json:"score"`
	Severity        models.Severity    `json:"severity"`
	Findings        []models.Finding   `json:"findings"`
	Trends          *models.TrendStats `json:"trends"`
	Recommendations []string           `json:"recommendations"`
	Summary         string             `json:"summary"`
}

// AssessmentService selects reports that have not been assessed, obtains a
// verdict from the reasoning service for each, persists it and hands
// high-severity outcomes to the alert stage.
type AssessmentService struct {
	db     *gorm.DB
	client reasoning.Client
	alerts *AlertService
	delay  time.Duration
}

// NewAssessmentService creates the assessment stage. The delay is the
// pause inserted between successive reasoning calls.
func NewAssessmentService(db *gorm.DB, client reasoning.Client, alerts *AlertService, delay time.Duration) *AssessmentService {
	return &AssessmentService{
		db:     db,
		client: client,
		alerts: alerts,
		delay:  delay,
	}
}

// Run assesses every report with assessed=false in insertion order and
// returns the count successfully assessed. A per-report validation failure
// is local; inability to use the reasoning service at all is fatal.
func (s *AssessmentService) Run(ctx context.Context) (int, error) {
	if s.client == nil {
		return 0, fmt.Errorf("%w: anthropic api key is required", ErrMissingConfig)
	}

	var reports []models.Report
	if err := s.db.Where("assessed = ?", false).Order("created_at ASC").Find(&reports).Error; err != nil {
		return 0, fmt.Errorf("list unassessed reports: %w", err)
	}

	analyzed := 0
	for i, report := range reports {
		counted, err := s.assessOne(ctx, &report)
		if err != nil {
			return analyzed, err
		}
		if counted {
			analyzed++
		}

		// Pause between calls to respect reasoning-service rate limits.
		// Not applied after the last report of the batch.
		if s.delay > 0 && i < len(reports)-1 {
			time.Sleep(s.delay)
		}
	}

	return analyzed, nil
}

func (s *AssessmentService) assessOne(ctx context.Context, report *models.Report) (bool, error) {
	log := logger.WithFields(logrus.Fields{
		"report_id": report.ReportID,
		"domain":    report.Domain,
	})

	var records []models.ReportRecord
	if err := s.db.Where("report_id = ?", report.ID).Order("id ASC").Find(&records).Error; err != nil {
		return false, fmt.Errorf("list records for report %s: %w", report.ReportID, err)
	}

	// Nothing meaningful to assess; mark done so it is not selected again.
	// Not counted as analyzed.
	if len(records) == 0 {
		log.Info("Report has no records, marking assessed without assessment")
		if err := s.markAssessed(report.ID); err != nil {
			return false, err
		}
		return false, nil
	}

	prompt, err := buildAssessmentPrompt(report, records)
	if err != nil {
		return false, err
	}

	raw, err := s.client.Complete(ctx, assessmentSystemPrompt, prompt)
	if err != nil {
		// Connectivity to the reasoning service is fatal for the whole stage.
		return false, fmt.Errorf("reasoning service: %w", err)
	}

	resp, err := parseAssessmentResponse(raw)
	if err != nil {
		// Local failure: leave the report unassessed for a retry on a
		// future run and keep the raw response for diagnosis.
		log.WithError(err).WithField("raw_response", raw).Error("Reasoning response failed validation")
		metrics.IncAssessmentFailure()
		return false, nil
	}

	assessment, err := s.persistAssessment(report.ID, resp)
	if err != nil {
		return false, err
	}
	metrics.IncAssessment()

	if resp.Severity.IsAlertable() {
		sent, err := s.alerts.Dispatch(assessment, report.ID)
		if err != nil {
			log.WithError(err).Error("Alert dispatch failed")
		} else if sent {
			log.WithField("severity", resp.Severity).Info("Alert dispatched")
		}
	}

	// Assessed regardless of the notification outcome.
	if err := s.markAssessed(report.ID); err != nil {
		return false, err
	}

	log.WithFields(logrus.Fields{
		"severity": resp.Severity,
		"score":    *resp.Score,
	}).Info("Report assessed")

	return true, nil
}

func (s *AssessmentService) markAssessed(reportID string) error {
	if err := s.db.Model(&models.Report{}).Where("id = ?", reportID).Update("assessed", true).Error; err != nil {
		return fmt.Errorf("mark report %s assessed: %w", reportID, err)
	}
	return nil
}

func (s *AssessmentService) persistAssessment(reportID string, resp *assessmentResponse) (*models.Assessment, error) {
	findings, err := json.Marshal(resp.Findings)
	if err != nil {
		return nil, fmt.Errorf("serialize findings: %w", err)
	}
	recommendations, err := json.Marshal(resp.Recommendations)
	if err != nil {
		return nil, fmt.Errorf("serialize recommendations: %w", err)
	}
	trends := []byte("null")
	if resp.Trends != nil {
		if trends, err = json.Marshal(resp.Trends); err != nil {
			return nil, fmt.Errorf("serialize trends: %w", err)
		}
	}

	assessment := models.Assessment{
		ReportID:        reportID,
		Compliance:      resp.Compliance,
		Score:           *resp.Score,
		Severity:        resp.Severity,
		Findings:        string(findings),
		Trends:          string(trends),
		Recommendations: string(recommendations),
		Summary:         resp.Summary,
		Model:           s.client.Model(),
	}
	if err := s.db.Create(&assessment).Error; err != nil {
		return nil, fmt.Errorf("store assessment for report %s: %w", reportID, err)
	}

	return &assessment, nil
}

// parseAssessmentResponse strips code-fence markup and validates the
// response against the instructed schema.
func parseAssessmentResponse(raw string) (*assessmentResponse, error) {
	cleaned := reasoning.StripFences(raw)

	var resp assessmentResponse
	if err := json.Unmarshal([]byte(cleaned), &resp); err != nil {
		return nil, &ValidationError{Missing: "parseable JSON body"}
	}

	switch {
	case resp.Compliance == "":
		return nil, &ValidationError{Missing: "compliance"}
	case !resp.Severity.Valid():
		return nil, &ValidationError{Missing: "severity"}
	case resp.Findings == nil:
		return nil, &ValidationError{Missing: "findings"}
	case resp.Recommendations == nil:
		return nil, &ValidationError{Missing: "recommendations"}
	}

	if resp.Score == nil {
		zero := 0
		resp.Score = &zero
	}
	if *resp.Score < 0 {
		*resp.Score = 0
	}
	if *resp.Score > 100 {
		*resp.Score = 100
	}

	return &resp, nil
}

// buildAssessmentPrompt renders the report metadata, published policy and
// normalized records as the user prompt. The raw document never leaves the
// database.
func buildAssessmentPrompt(report *models.Report, records []models.ReportRecord) (string, error) {
	var policy models.PublishedPolicy
	if err := json.Unmarshal([]byte(report.Policy), &policy); err != nil {
		return "", fmt.Errorf("deserialize policy for report %s: %w", report.ReportID, err)
	}

	type promptRecord struct {
		SourceIP     string `json:"source_ip"`
		Count        int64  `json:"count"`
		Disposition  string `json:"disposition"`
		DKIMResult   string `json:"dkim_result"`
		SPFResult    string `json:"spf_result"`
		HeaderFrom   string `json:"header_from"`
		EnvelopeFrom string `json:"envelope_from,omitempty"`
		DKIMDomain   string `json:"dkim_domain,omitempty"`
		SPFDomain    string `json:"spf_domain,omitempty"`
	}

	rows := make([]promptRecord, 0, len(records))
	for _, r := range records {
		rows = append(rows, promptRecord{
			SourceIP:     r.SourceIP,
			Count:        r.Count,
			Disposition:  r.Disposition,
			DKIMResult:   r.DKIMResult,
			SPFResult:    r.SPFResult,
			HeaderFrom:   r.HeaderFrom,
			EnvelopeFrom: r.EnvelopeFrom,
			DKIMDomain:   r.DKIMDomain,
			SPFDomain:    r.SPFDomain,
		})
	}

	payload := struct {
		Organization string                 `json:"organization"`
		Contact      string                 `json:"contact"`
		Domain       string                 `json:"domain"`
		WindowBegin  int64                  `json:"window_begin"`
		WindowEnd    int64                  `json:"window_end"`
		Policy       models.PublishedPolicy `json:"published_policy"`
		Records      []promptRecord         `json:"records"`
	}{
		Organization: report.OrgName,
		Contact:      report.Email,
		Domain:       report.Domain,
		WindowBegin:  report.DateBegin,
		WindowEnd:    report.DateEnd,
		Policy:       policy,
		Records:      rows,
	}

	body, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return "", fmt.Errorf("serialize prompt payload: %w", err)
	}

	var b strings.Builder
	b.WriteString("Assess the following DMARC aggregate report data:\n\n")
	b.Write(body)
	return b.String(), nil
}
