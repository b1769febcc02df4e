package dmarc

import (
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/quillon/dmarcwatch/internal/logger"
	"github.com/quillon/dmarcwatch/internal/metrics"
	"github.com/quillon/dmarcwatch/internal/models"
)

// ParseError marks a document that could not be decoded into a well-formed
// aggregate report. It aborts only the offending document.
type ParseError struct {
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("parse aggregate report: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("parse aggregate report: %s", e.Reason)
}

func (e *ParseError) Unwrap() error { return e.Err }

// IsParseError reports whether err is a document-level parse failure.
func IsParseError(err error) bool {
	var pe *ParseError
	return errors.As(err, &pe)
}

// Result describes the outcome of ingesting one document.
type Result struct {
	ReportID       string // internal id
	Created        bool   // false when the external id already existed
	RecordCount    int
	SkippedRecords int
}

// Parser turns raw aggregate report documents into persisted Reports.
// It is the only writer of the report and report_record tables.
type Parser struct {
	db *gorm.DB
}

// NewParser creates a parser bound to the given database.
func NewParser(db *gorm.DB) *Parser {
	return &Parser{db: db}
}

// Parse decodes buf, deduplicates on the external report id and persists a
// new Report plus its records. A second ingestion of the same report id
// returns the existing internal id without touching the database.
func (p *Parser) Parse(buf []byte) (*Result, error) {
	var fb Feedback
	if err := xml.Unmarshal(buf, &fb); err != nil {
		return nil, &ParseError{Reason: "decode", Err: err}
	}

	if fb.ReportMetadata.ReportID == "" {
		return nil, &ParseError{Reason: "missing report_metadata.report_id"}
	}
	if fb.PolicyPublished.Domain == "" {
		return nil, &ParseError{Reason: "missing policy_published.domain"}
	}

	var existing models.Report
	err := p.db.Where("report_id = ?", fb.ReportMetadata.ReportID).First(&existing).Error
	if err == nil {
		logger.WithFields(logrus.Fields{
			"report_id": fb.ReportMetadata.ReportID,
		}).Debug("duplicate aggregate report, returning existing")
		metrics.IncReportDuplicate()
		return &Result{ReportID: existing.ID, Created: false}, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("look up report %s: %w", fb.ReportMetadata.ReportID, err)
	}

	policy, err := json.Marshal(models.PublishedPolicy{
		Domain:          fb.PolicyPublished.Domain,
		ADKIM:           fb.PolicyPublished.ADKIM,
		ASPF:            fb.PolicyPublished.ASPF,
		Policy:          fb.PolicyPublished.Policy,
		SubdomainPolicy: fb.PolicyPublished.SubdomainPolicy,
		Percent:         fb.PolicyPublished.Percent,
	})
	if err != nil {
		return nil, fmt.Errorf("serialize published policy: %w", err)
	}

	report := models.Report{
		ReportID:  fb.ReportMetadata.ReportID,
		OrgName:   fb.ReportMetadata.OrgName,
		Email:     fb.ReportMetadata.Email,
		DateBegin: fb.ReportMetadata.DateRange.Begin,
		DateEnd:   fb.ReportMetadata.DateRange.End,
		Domain:    fb.PolicyPublished.Domain,
		Policy:    string(policy),
		RawXML:    string(buf),
		Assessed:  false,
	}
	if err := p.db.Create(&report).Error; err != nil {
		return nil, fmt.Errorf("store report %s: %w", fb.ReportMetadata.ReportID, err)
	}

	stored := 0
	skipped := 0
	for _, rec := range fb.Records {
		// Records without the mandatory row/identifiers blocks are skipped,
		// not fatal.
		if rec.Row == nil || rec.Identifiers == nil {
			skipped++
			continue
		}

		row := models.ReportRecord{
			ReportID:     report.ID,
			SourceIP:     rec.Row.SourceIP,
			Count:        rec.Row.Count,
			Disposition:  rec.Row.PolicyEvaluated.Disposition,
			DKIMResult:   rec.Row.PolicyEvaluated.DKIM,
			SPFResult:    rec.Row.PolicyEvaluated.SPF,
			HeaderFrom:   rec.Identifiers.HeaderFrom,
			EnvelopeFrom: rec.Identifiers.EnvelopeFrom,
		}
		// Only the first auth_results entry per mechanism is kept. Multiple
		// entries are possible (several DKIM signatures); collapsing to the
		// first is a documented limitation of the ingestion, not data loss by
		// accident.
		if len(rec.AuthResults.DKIM) > 0 {
			row.DKIMDomain = rec.AuthResults.DKIM[0].Domain
			row.DKIMSelector = rec.AuthResults.DKIM[0].Selector
		}
		if len(rec.AuthResults.SPF) > 0 {
			row.SPFDomain = rec.AuthResults.SPF[0].Domain
			row.SPFScope = rec.AuthResults.SPF[0].Scope
		}

		if err := p.db.Create(&row).Error; err != nil {
			return nil, fmt.Errorf("store record for report %s: %w", report.ReportID, err)
		}
		stored++
	}

	logger.WithFields(logrus.Fields{
		"report_id": report.ReportID,
		"domain":    report.Domain,
		"records":   stored,
		"skipped":   skipped,
	}).Info("Stored aggregate report")
	metrics.IncReportIngested()

	return &Result{
		ReportID:       report.ID,
		Created:        true,
		RecordCount:    stored,
		SkippedRecords: skipped,
	}, nil
}
