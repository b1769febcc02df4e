package mailbox

import (
	"crypto/tls"
	"fmt"
	"io"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message/mail"
	"github.com/sirupsen/logrus"

	"github.com/quillon/dmarcwatch/internal/config"
	"github.com/quillon/dmarcwatch/internal/logger"
)

// imapMailbox implements Mailbox over a TLS IMAP connection.
type imapMailbox struct {
	client *client.Client
}

// Dial connects to the configured IMAP server, authenticates and selects
// the configured folder. It is the production Dialer.
func Dial(cfg config.IMAPConfig) (Mailbox, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	c, err := client.DialTLS(addr, &tls.Config{
		ServerName: cfg.Host,
		MinVersion: tls.VersionTLS12,
	})
	if err != nil {
		return nil, fmt.Errorf("dial imap %s: %w", addr, err)
	}

	if err := c.Login(cfg.Username, cfg.Password); err != nil {
		_ = c.Logout()
		return nil, fmt.Errorf("imap login: %w", err)
	}

	if _, err := c.Select(cfg.Folder, false); err != nil {
		_ = c.Logout()
		return nil, fmt.Errorf("select folder %s: %w", cfg.Folder, err)
	}

	return &imapMailbox{client: c}, nil
}

// unseenFetchSection is the body section used to download messages. Peek
// keeps the server from implicitly flagging fetched messages \Seen, so a
// message whose attachments fail to parse stays in the unseen set and is
// picked up again on the next run. Only the delete/expunge path removes
// messages from consideration.
func unseenFetchSection() *imap.BodySectionName {
	return &imap.BodySectionName{Peek: true}
}

func (m *imapMailbox) FetchUnseen() ([]Message, error) {
	criteria := imap.NewSearchCriteria()
	criteria.WithoutFlags = []string{imap.SeenFlag}

	uids, err := m.client.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("search unseen: %w", err)
	}
	if len(uids) == 0 {
		return nil, nil
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(uids...)

	section := unseenFetchSection()
	items := []imap.FetchItem{imap.FetchEnvelope, imap.FetchUid, section.FetchItem()}

	ch := make(chan *imap.Message, 16)
	done := make(chan error, 1)
	go func() {
		done <- m.client.UidFetch(seqset, items, ch)
	}()

	var messages []Message
	for raw := range ch {
		msg := Message{UID: raw.Uid}
		if raw.Envelope != nil {
			msg.Subject = raw.Envelope.Subject
			if len(raw.Envelope.From) > 0 {
				msg.From = raw.Envelope.From[0].Address()
			}
		}

		body := raw.GetBody(section)
		if body != nil {
			atts, err := extractAttachments(body)
			if err != nil {
				// A malformed MIME body is a per-message problem; the intake
				// stage will record it as having no attachments.
				logger.WithFields(logrus.Fields{
					"uid":     raw.Uid,
					"subject": msg.Subject,
				}).WithError(err).Warn("Failed to walk message body")
			}
			msg.Attachments = atts
		}

		messages = append(messages, msg)
	}

	if err := <-done; err != nil {
		return nil, fmt.Errorf("fetch messages: %w", err)
	}

	return messages, nil
}

// extractAttachments walks the MIME structure and collects every part that
// carries a filename, whether declared as attachment or inline. Aggregate
// reporters are inconsistent about the disposition they use.
func extractAttachments(r io.Reader) ([]Attachment, error) {
	mr, err := mail.CreateReader(r)
	if err != nil {
		return nil, fmt.Errorf("open mail reader: %w", err)
	}

	var atts []Attachment
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return atts, fmt.Errorf("next part: %w", err)
		}

		var filename string
		switch h := part.Header.(type) {
		case *mail.AttachmentHeader:
			filename, _ = h.Filename()
		case *mail.InlineHeader:
			_, params, _ := h.ContentDisposition()
			filename = params["filename"]
			if filename == "" {
				_, params, _ = h.ContentType()
				filename = params["name"]
			}
		}
		if filename == "" {
			continue
		}

		data, err := io.ReadAll(part.Body)
		if err != nil {
			return atts, fmt.Errorf("read part %s: %w", filename, err)
		}
		atts = append(atts, Attachment{Filename: filename, Data: data})
	}

	return atts, nil
}

func (m *imapMailbox) Delete(uids []uint32) error {
	if len(uids) == 0 {
		return nil
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(uids...)

	item := imap.FormatFlagsOp(imap.AddFlags, true)
	flags := []interface{}{imap.DeletedFlag}
	if err := m.client.UidStore(seqset, item, flags, nil); err != nil {
		return fmt.Errorf("flag deleted: %w", err)
	}

	if err := m.client.Expunge(nil); err != nil {
		return fmt.Errorf("expunge: %w", err)
	}

	return nil
}

func (m *imapMailbox) Close() error {
	return m.client.Logout()
}
