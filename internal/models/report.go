package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Report is one ingested DMARC aggregate report. The external ReportID is
// globally unique; ingesting the same document twice is a no-op.
type Report struct {
	ID        string `gorm:"primaryKey" json:"id"`
	ReportID  string `gorm:"uniqueIndex" json:"report_id"` // external id from report_metadata
	OrgName   string `json:"org_name"`
	Email     string `json:"email"`
	DateBegin int64  `json:"date_begin"` // epoch seconds
	DateEnd   int64  `json:"date_end"`
	Domain    string `gorm:"index" json:"domain"`
	Policy    string `gorm:"type:text" json:"policy"`  // PublishedPolicy, serialized JSON
	RawXML    string `gorm:"type:text" json:"raw_xml"` // source document, kept verbatim for audit
	Assessed  bool   `gorm:"index" json:"assessed"`

	CreatedAt time.Time `json:"created_at"`

	Records []ReportRecord `gorm:"constraint:OnDelete:CASCADE" json:"records,omitempty"`
}

// PublishedPolicy is the policy_published block of an aggregate report,
// serialized into Report.Policy at the persistence edge.
type PublishedPolicy struct {
	Domain          string `json:"domain"`
	ADKIM           string `json:"adkim,omitempty"`
	ASPF            string `json:"aspf,omitempty"`
	Policy          string `json:"p"`
	SubdomainPolicy string `json:"sp,omitempty"`
	Percent         int    `json:"pct"`
}

// ReportRecord is a single row of an aggregate report. It never exists
// without its parent Report and is removed with it.
type ReportRecord struct {
	ID       uint   `gorm:"primaryKey" json:"id"`
	ReportID string `gorm:"index;not null" json:"-"`
	Report   Report `gorm:"constraint:OnDelete:CASCADE" json:"-"`

	SourceIP      string `json:"source_ip"`
	SourceCountry string `json:"source_country,omitempty"` // populated only when the report carries it
	Count         int64  `json:"count"`
	Disposition   string `json:"disposition"` // none, quarantine, reject
	DKIMResult    string `json:"dkim_result"` // pass, fail, ...
	SPFResult     string `json:"spf_result"`
	HeaderFrom    string `json:"header_from"`   // claimed sending domain
	EnvelopeFrom  string `json:"envelope_from"` // enforcing domain

	// First auth_results entry per mechanism. Reports may carry several
	// (multiple DKIM signatures); only the first is kept.
	DKIMDomain   string `json:"dkim_domain,omitempty"`
	DKIMSelector string `json:"dkim_selector,omitempty"`
	SPFDomain    string `json:"spf_domain,omitempty"`
	SPFScope     string `json:"spf_scope,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

func (r *Report) BeforeCreate(tx *gorm.DB) (err error) {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	return
}
