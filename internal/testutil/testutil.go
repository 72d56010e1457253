// Package testutil holds in-memory fakes for the side-effect ports so
// package tests can exercise carrier hooks and the transmit flow without
// a network, a mail relay, or the image converter.
package testutil

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ilsys/asap/internal/fileutil"
	"github.com/ilsys/asap/internal/ports"
)

// FakeClock returns a fixed instant.
type FakeClock struct {
	Time time.Time
}

func (c *FakeClock) Now() time.Time { return c.Time }

// FakeTransfer records uploads instead of sending them. It implements
// both ports.FileTransfer and ports.FileTransferSession.
type FakeTransfer struct {
	mu      sync.Mutex
	Puts    []FakePut
	OpenErr error
	PutErr  error
	Opens   int
	Closed  int
}

// FakePut is one recorded upload.
type FakePut struct {
	LocalPath  string
	RemotePath string
}

func (t *FakeTransfer) Open(ctx context.Context) (ports.FileTransferSession, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.OpenErr != nil {
		return nil, t.OpenErr
	}
	t.Opens++
	return t, nil
}

func (t *FakeTransfer) Put(ctx context.Context, localPath, remotePath string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.PutErr != nil {
		return t.PutErr
	}
	if _, err := os.Stat(localPath); err != nil {
		return fmt.Errorf("fake put: %w", err)
	}
	t.Puts = append(t.Puts, FakePut{LocalPath: localPath, RemotePath: remotePath})
	return nil
}

func (t *FakeTransfer) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Closed++
	return nil
}

// FakeMailer records messages instead of relaying them.
type FakeMailer struct {
	mu       sync.Mutex
	Messages []FakeMessage
	Err      error
}

// FakeMessage is one recorded mail.
type FakeMessage struct {
	To          []string
	Subject     string
	Body        string
	Attachments []string
}

func (m *FakeMailer) Send(ctx context.Context, to []string, subject, body string, attachments ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.Messages = append(m.Messages, FakeMessage{
		To: append([]string(nil), to...), Subject: subject, Body: body,
		Attachments: append([]string(nil), attachments...),
	})
	return nil
}

// FakeEncryptor copies src to dst with a marker prefix so tests can see
// the file went through encryption.
type FakeEncryptor struct {
	Err        error
	Recipients []string
}

func (e *FakeEncryptor) EncryptFile(ctx context.Context, srcPath, dstPath, recipient string) error {
	if e.Err != nil {
		return e.Err
	}
	e.Recipients = append(e.Recipients, recipient)
	data, err := os.ReadFile(srcPath)
	if err != nil {
		return err
	}
	return fileutil.WriteFileAtomic(dstPath, append([]byte("PGP:"), data...))
}

// FakeTiff builds "TIFF" files by concatenating page payloads, one per
// line, which keeps the page count checkable from the file contents.
type FakeTiff struct {
	AppendErr error
}

func (t *FakeTiff) Append(ctx context.Context, docPath, pagePath string) error {
	if t.AppendErr != nil {
		return t.AppendErr
	}
	page, err := os.ReadFile(pagePath)
	if err != nil {
		return err
	}
	doc, err := os.ReadFile(docPath)
	if err != nil {
		return err
	}
	return fileutil.WriteFileAtomic(docPath, append(append(doc, '\n'), page...))
}

func (t *FakeTiff) FromText(ctx context.Context, text, dstPath string) error {
	return fileutil.WriteFileAtomic(dstPath, []byte(text))
}

// FakeImageSource serves pages from an in-memory map keyed by document id.
type FakeImageSource struct {
	Pages map[int][]ports.ImagePage
	Err   error
}

func (s *FakeImageSource) PagesForDocument(ctx context.Context, documentID int) ([]ports.ImagePage, error) {
	if s.Err != nil {
		return nil, s.Err
	}
	pages, ok := s.Pages[documentID]
	if !ok {
		return nil, fmt.Errorf("no pages for document %d", documentID)
	}
	return pages, nil
}
