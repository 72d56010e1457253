// Package ports declares the side-effect interfaces the pipeline depends
// on: file transports, mail, encryption, TIFF manipulation and the clock.
// Production implementations live next to the interface or in their own
// packages; tests inject fakes from internal/testutil.
package ports

import (
	"context"
	"time"
)

// Clock abstracts time for transmit-window checks and timestamped names.
type Clock interface {
	Now() time.Time
}

// SystemClock is the real clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// FileTransferSession is one open connection to a carrier's FTP or SFTP
// endpoint. Put uploads a local file to the remote path; implementations
// for servers that cannot stat uploads must treat a size mismatch after
// put as success.
type FileTransferSession interface {
	Put(ctx context.Context, localPath, remotePath string) error
	Close() error
}

// FileTransfer opens sessions against one configured endpoint. Hooks that
// upload many files should open one session and reuse it.
type FileTransfer interface {
	Open(ctx context.Context) (FileTransferSession, error)
}

// Mailer sends plain-text mail with optional file attachments.
type Mailer interface {
	Send(ctx context.Context, to []string, subject, body string, attachments ...string) error
}

// Encryptor encrypts a staged archive for carriers that require PGP.
// Single attempt; the caller routes failures to the retrans flow.
type Encryptor interface {
	EncryptFile(ctx context.Context, srcPath, dstPath, recipient string) error
}

// Tiff manipulates multi-page TIFF images through an external converter.
type Tiff interface {
	// Append appends the page image at pagePath onto the document at
	// docPath, in place.
	Append(ctx context.Context, docPath, pagePath string) error
	// FromText renders text onto a new single-page TIFF at dstPath.
	FromText(ctx context.Context, text, dstPath string) error
}

// ImagePage is one page of an imaged document as held by the imaging
// backend.
type ImagePage struct {
	PageID   int
	Sequence int
	Content  []byte
}

// ImageSource retrieves page binaries for a document from the imaging
// backend, ordered by page sequence.
type ImageSource interface {
	PagesForDocument(ctx context.Context, documentID int) ([]ImagePage, error)
}
