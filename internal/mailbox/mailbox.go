package mailbox

import "github.com/quillon/dmarcwatch/internal/config"

// Attachment is a single decoded attachment from a mailbox message.
type Attachment struct {
	Filename string
	Data     []byte
}

// Message is a normalized mailbox message: envelope fields plus the
// attachments already pulled out of the MIME structure.
type Message struct {
	UID         uint32
	Subject     string
	From        string
	Attachments []Attachment
}

// Mailbox is the subset of mailbox operations the intake stage needs. The
// production implementation speaks IMAP; tests substitute a fake.
type Mailbox interface {
	// FetchUnseen returns every currently-unseen message in the selected
	// folder with envelope and attachments populated.
	FetchUnseen() ([]Message, error)
	// Delete flags the given messages for removal and expunges them in one
	// batch operation.
	Delete(uids []uint32) error
	// Close logs out and releases the connection.
	Close() error
}

// Dialer opens a mailbox connection. Injected into the intake stage so
// tests can supply a fake mailbox.
type Dialer func(cfg config.IMAPConfig) (Mailbox, error)
