package services

import (
	"archive/zip"
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/quillon/dmarcwatch/internal/config"
	"github.com/quillon/dmarcwatch/internal/dmarc"
	"github.com/quillon/dmarcwatch/internal/logger"
	"github.com/quillon/dmarcwatch/internal/mailbox"
	"github.com/quillon/dmarcwatch/internal/metrics"
	"github.com/quillon/dmarcwatch/internal/models"
)

// errUnrecognizedSuffix marks an attachment whose filename suffix the
// intake stage does not handle. It counts toward neither success nor
// failure for the message.
var errUnrecognizedSuffix = errors.New("unrecognized attachment suffix")

// IntakeService pulls unseen messages from the mailbox, extracts their
// attachments and feeds the payloads to the report parser. Messages with
// at least one parsed attachment are removed from the mailbox in a single
// batch at the end of the run.
type IntakeService struct {
	db     *gorm.DB
	parser *dmarc.Parser
	dial   mailbox.Dialer
	cfg    config.IMAPConfig
}

// NewIntakeService creates the intake stage. A nil dialer selects the
// production IMAP dialer.
func NewIntakeService(db *gorm.DB, cfg config.IMAPConfig, dial mailbox.Dialer) *IntakeService {
	if dial == nil {
		dial = mailbox.Dial
	}
	return &IntakeService{
		db:     db,
		parser: dmarc.NewParser(db),
		dial:   dial,
		cfg:    cfg,
	}
}

// Run processes every currently-unseen message. Connection and search
// failures are fatal for the run; everything below that is isolated to the
// offending message or attachment.
func (s *IntakeService) Run() error {
	if !s.cfg.Complete() {
		return fmt.Errorf("%w: imap host, username and password are required", ErrMissingConfig)
	}

	mb, err := s.dial(s.cfg)
	if err != nil {
		return fmt.Errorf("connect mailbox: %w", err)
	}
	defer func() {
		if err := mb.Close(); err != nil {
			logger.Log().WithError(err).Warn("Failed to close mailbox connection")
		}
	}()

	messages, err := mb.FetchUnseen()
	if err != nil {
		return fmt.Errorf("fetch unseen messages: %w", err)
	}

	logger.WithFields(logrus.Fields{"messages": len(messages)}).Info("Intake run started")

	var toDelete []uint32
	for _, msg := range messages {
		status, errMsg, remove := s.processMessage(msg)

		entry := models.IntakeLogEntry{
			MessageUID:      msg.UID,
			Subject:         msg.Subject,
			Sender:          msg.From,
			AttachmentCount: len(msg.Attachments),
			Status:          status,
			Error:           errMsg,
		}
		if err := s.db.Create(&entry).Error; err != nil {
			logger.Log().WithError(err).Warn("Failed to write intake log entry")
		}
		metrics.IncMessageProcessed()

		if remove {
			toDelete = append(toDelete, msg.UID)
		}
	}

	if len(toDelete) > 0 {
		if err := mb.Delete(toDelete); err != nil {
			return fmt.Errorf("remove processed messages: %w", err)
		}
	}

	logger.WithFields(logrus.Fields{
		"messages": len(messages),
		"removed":  len(toDelete),
	}).Info("Intake run finished")

	return nil
}

// processMessage handles one message and returns its audit outcome plus
// whether it should be removed from the mailbox.
func (s *IntakeService) processMessage(msg mailbox.Message) (models.IntakeStatus, string, bool) {
	log := logger.WithFields(logrus.Fields{
		"uid":     msg.UID,
		"subject": msg.Subject,
		"sender":  msg.From,
	})

	// Nothing was consumed, so the message stays in the mailbox.
	if len(msg.Attachments) == 0 {
		log.Info("Message has no attachments, skipping")
		return models.IntakeStatusSkipped, "no attachments", false
	}

	parsed := 0
	var lastErr error
	for _, att := range msg.Attachments {
		payload, err := extractPayload(att)
		if errors.Is(err, errUnrecognizedSuffix) {
			log.WithField("filename", att.Filename).Debug("Skipping unrecognized attachment")
			continue
		}
		if err != nil {
			lastErr = err
			log.WithField("filename", att.Filename).WithError(err).Warn("Failed to extract attachment")
			continue
		}

		if _, err := s.parser.Parse(payload); err != nil {
			lastErr = err
			log.WithField("filename", att.Filename).WithError(err).Warn("Failed to parse attachment")
			continue
		}
		parsed++
	}

	if parsed > 0 {
		log.WithField("parsed", parsed).Info("Message processed")
		return models.IntakeStatusSuccess, "", true
	}

	errMsg := "no attachment could be parsed"
	if lastErr != nil {
		errMsg = lastErr.Error()
	}
	// Left in the mailbox so a future run can retry it.
	log.Warn("No attachment of message could be parsed")
	return models.IntakeStatusFailed, errMsg, false
}

// extractPayload selects the extraction strategy by filename suffix and
// returns the raw report document.
func extractPayload(att mailbox.Attachment) ([]byte, error) {
	name := strings.ToLower(att.Filename)

	switch {
	case strings.HasSuffix(name, ".gz"):
		gr, err := gzip.NewReader(bytes.NewReader(att.Data))
		if err != nil {
			return nil, fmt.Errorf("open gzip %s: %w", att.Filename, err)
		}
		defer gr.Close()
		payload, err := io.ReadAll(gr)
		if err != nil {
			return nil, fmt.Errorf("decompress %s: %w", att.Filename, err)
		}
		return payload, nil

	case strings.HasSuffix(name, ".zip"):
		return extractZip(att)

	case strings.HasSuffix(name, ".xml"):
		return att.Data, nil
	}

	return nil, errUnrecognizedSuffix
}

// extractZip prefers the first .xml entry of the archive and falls back to
// the first entry when none matches.
func extractZip(att mailbox.Attachment) ([]byte, error) {
	zr, err := zip.NewReader(bytes.NewReader(att.Data), int64(len(att.Data)))
	if err != nil {
		return nil, fmt.Errorf("open zip %s: %w", att.Filename, err)
	}
	if len(zr.File) == 0 {
		return nil, fmt.Errorf("zip %s is empty", att.Filename)
	}

	entry := zr.File[0]
	for _, f := range zr.File {
		if strings.HasSuffix(strings.ToLower(f.Name), ".xml") {
			entry = f
			break
		}
	}

	rc, err := entry.Open()
	if err != nil {
		return nil, fmt.Errorf("open zip entry %s: %w", entry.Name, err)
	}
	defer rc.Close()

	payload, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read zip entry %s: %w", entry.Name, err)
	}
	return payload, nil
}
