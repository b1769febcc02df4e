package dmarc

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/quillon/dmarcwatch/internal/models"
)

func setupParserTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.Report{}, &models.ReportRecord{}))
	return db
}

func sampleRecord(sourceIP, disposition, dkim, spf string) string {
	return fmt.Sprintf(`<record>
		<row>
			<source_ip>%s</source_ip>
			<count>7</count>
			<policy_evaluated><disposition>%s</disposition><dkim>%s</dkim><spf>%s</spf></policy_evaluated>
		</row>
		<identifiers><header_from>example.org</header_from><envelope_from>mail.example.org</envelope_from></identifiers>
		<auth_results>
			<dkim><domain>example.org</domain><selector>s1</selector><result>%s</result></dkim>
			<spf><domain>mail.example.org</domain><scope>mfrom</scope><result>%s</result></spf>
		</auth_results>
	</record>`, sourceIP, disposition, dkim, spf, dkim, spf)
}

func sampleReport(reportID string, records ...string) []byte {
	body := ""
	for _, r := range records {
		body += r
	}
	return []byte(fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<feedback>
	<report_metadata>
		<org_name>google.com</org_name>
		<email>noreply-dmarc-support@google.com</email>
		<report_id>%s</report_id>
		<date_range><begin>1700000000</begin><end>1700086400</end></date_range>
	</report_metadata>
	<policy_published>
		<domain>example.org</domain>
		<adkim>r</adkim>
		<aspf>r</aspf>
		<p>quarantine</p>
		<sp>none</sp>
		<pct>100</pct>
	</policy_published>
	%s
</feedback>`, reportID, body))
}

func TestParser_StoresReportAndRecords(t *testing.T) {
	db := setupParserTestDB(t)
	parser := NewParser(db)

	doc := sampleReport("rpt-001",
		sampleRecord("192.0.2.1", "none", "pass", "pass"),
		sampleRecord("192.0.2.2", "quarantine", "fail", "fail"),
		sampleRecord("192.0.2.3", "reject", "fail", "fail"),
	)

	result, err := parser.Parse(doc)
	require.NoError(t, err)
	assert.True(t, result.Created)
	assert.Equal(t, 3, result.RecordCount)
	assert.Equal(t, 0, result.SkippedRecords)

	var report models.Report
	require.NoError(t, db.First(&report, "report_id = ?", "rpt-001").Error)
	assert.Equal(t, "google.com", report.OrgName)
	assert.Equal(t, "example.org", report.Domain)
	assert.Equal(t, int64(1700000000), report.DateBegin)
	assert.Equal(t, int64(1700086400), report.DateEnd)
	assert.False(t, report.Assessed)
	assert.Contains(t, report.Policy, `"p":"quarantine"`)
	assert.Contains(t, report.RawXML, "rpt-001")

	var records []models.ReportRecord
	require.NoError(t, db.Where("report_id = ?", report.ID).Order("id ASC").Find(&records).Error)
	require.Len(t, records, 3)
	assert.Equal(t, "192.0.2.1", records[0].SourceIP)
	assert.Equal(t, "192.0.2.2", records[1].SourceIP)
	assert.Equal(t, "192.0.2.3", records[2].SourceIP)
	assert.Equal(t, "quarantine", records[1].Disposition)
	assert.Equal(t, int64(7), records[0].Count)
	assert.Equal(t, "example.org", records[0].HeaderFrom)
	assert.Equal(t, "s1", records[0].DKIMSelector)
}

func TestParser_SecondIngestionIsNoOp(t *testing.T) {
	db := setupParserTestDB(t)
	parser := NewParser(db)

	doc := sampleReport("rpt-dup", sampleRecord("192.0.2.1", "none", "pass", "pass"))

	first, err := parser.Parse(doc)
	require.NoError(t, err)
	require.True(t, first.Created)

	second, err := parser.Parse(doc)
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.ReportID, second.ReportID)

	var count int64
	db.Model(&models.Report{}).Count(&count)
	assert.Equal(t, int64(1), count)

	var recordCount int64
	db.Model(&models.ReportRecord{}).Count(&recordCount)
	assert.Equal(t, int64(1), recordCount)
}

func TestParser_SkipsRecordsMissingRowOrIdentifiers(t *testing.T) {
	db := setupParserTestDB(t)
	parser := NewParser(db)

	noRow := `<record><identifiers><header_from>example.org</header_from></identifiers></record>`
	noIdentifiers := `<record><row><source_ip>192.0.2.9</source_ip><count>1</count></row></record>`
	doc := sampleReport("rpt-partial",
		sampleRecord("192.0.2.1", "none", "pass", "pass"),
		noRow,
		noIdentifiers,
		sampleRecord("192.0.2.2", "none", "pass", "fail"),
	)

	result, err := parser.Parse(doc)
	require.NoError(t, err)
	assert.Equal(t, 2, result.RecordCount)
	assert.Equal(t, 2, result.SkippedRecords)

	var records []models.ReportRecord
	require.NoError(t, db.Order("id ASC").Find(&records).Error)
	require.Len(t, records, 2)
	assert.Equal(t, "192.0.2.1", records[0].SourceIP)
	assert.Equal(t, "192.0.2.2", records[1].SourceIP)
}

func TestParser_MalformedDocument(t *testing.T) {
	db := setupParserTestDB(t)
	parser := NewParser(db)

	_, err := parser.Parse([]byte("this is not xml"))
	require.Error(t, err)
	assert.True(t, IsParseError(err))

	var count int64
	db.Model(&models.Report{}).Count(&count)
	assert.Equal(t, int64(0), count)
}

func TestParser_MissingReportID(t *testing.T) {
	db := setupParserTestDB(t)
	parser := NewParser(db)

	doc := []byte(`<?xml version="1.0"?><feedback><report_metadata><org_name>x</org_name></report_metadata><policy_published><domain>example.org</domain></policy_published></feedback>`)
	_, err := parser.Parse(doc)
	require.Error(t, err)
	assert.True(t, IsParseError(err))
}

func TestParser_KeepsFirstAuthResultPerMechanism(t *testing.T) {
	db := setupParserTestDB(t)
	parser := NewParser(db)

	multi := `<record>
		<row><source_ip>192.0.2.5</source_ip><count>2</count>
			<policy_evaluated><disposition>none</disposition><dkim>pass</dkim><spf>pass</spf></policy_evaluated></row>
		<identifiers><header_from>example.org</header_from></identifiers>
		<auth_results>
			<dkim><domain>first.example.org</domain><selector>alpha</selector><result>pass</result></dkim>
			<dkim><domain>second.example.org</domain><selector>beta</selector><result>fail</result></dkim>
			<spf><domain>first.example.org</domain><scope>mfrom</scope><result>pass</result></spf>
			<spf><domain>second.example.org</domain><scope>helo</scope><result>fail</result></spf>
		</auth_results>
	</record>`
	_, err := parser.Parse(sampleReport("rpt-multi", multi))
	require.NoError(t, err)

	var record models.ReportRecord
	require.NoError(t, db.First(&record).Error)
	assert.Equal(t, "first.example.org", record.DKIMDomain)
	assert.Equal(t, "alpha", record.DKIMSelector)
	assert.Equal(t, "first.example.org", record.SPFDomain)
	assert.Equal(t, "mfrom", record.SPFScope)
}
