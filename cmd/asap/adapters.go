package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"strings"

	"github.com/ilsys/asap/internal/carrier"
	"github.com/ilsys/asap/internal/config"
	"github.com/ilsys/asap/internal/ports"
)

// tiffTool shells out to the external TIFF utilities for page appends
// and text-page rendering.
type tiffTool struct {
	appendBin string
	renderBin string
}

func newTiffTool() ports.Tiff {
	return &tiffTool{
		appendBin: orDefault(config.GetString("tiff-append-tool"), "tiffcp"),
		renderBin: orDefault(config.GetString("tiff-render-tool"), "convert"),
	}
}

func (t *tiffTool) Append(ctx context.Context, docPath, pagePath string) error {
	tmp := docPath + ".append"
	if err := runTool(ctx, t.appendBin, docPath, pagePath, tmp); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, docPath)
}

func (t *tiffTool) FromText(ctx context.Context, text, dstPath string) error {
	return runTool(ctx, t.renderBin, "label:"+text, dstPath)
}

// gpgEncryptor wraps the gpg binary; recipients must already be on the
// keyring.
type gpgEncryptor struct {
	bin string
}

func newEncryptor() ports.Encryptor {
	return &gpgEncryptor{bin: orDefault(config.GetString("gpg-bin"), "gpg")}
}

func (g *gpgEncryptor) EncryptFile(ctx context.Context, srcPath, dstPath, recipient string) error {
	return runTool(ctx, g.bin, "--batch", "--yes", "--trust-model", "always",
		"--recipient", recipient, "--output", dstPath, "--encrypt", srcPath)
}

// curlTransfer uploads staged files through curl, which speaks both the
// ftp and sftp transports the carriers use.
type curlTransfer struct {
	transport carrier.Transport
}

func newTransfer(t carrier.Transport) (ports.FileTransfer, error) {
	switch t.Kind {
	case carrier.TransportFTP, carrier.TransportSFTP:
		return &curlTransfer{transport: t}, nil
	default:
		return nil, fmt.Errorf("no transfer client for transport %q", t.Kind)
	}
}

func (c *curlTransfer) Open(ctx context.Context) (ports.FileTransferSession, error) {
	return &curlSession{transport: c.transport}, nil
}

type curlSession struct {
	transport carrier.Transport
}

func (s *curlSession) Put(ctx context.Context, localPath, remotePath string) error {
	u := url.URL{
		Scheme: s.transport.Kind,
		Host:   s.transport.Host,
		Path:   "/" + strings.TrimPrefix(remotePath, "/"),
	}
	args := []string{"--silent", "--show-error", "--upload-file", localPath}
	if s.transport.User != "" {
		args = append(args, "--user", s.transport.User+":"+s.transport.Password)
	}
	args = append(args, u.String())
	return runTool(ctx, "curl", args...)
}

func (s *curlSession) Close() error { return nil }

func runTool(ctx context.Context, bin string, args ...string) error {
	cmd := exec.CommandContext(ctx, bin, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w: %s", bin, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
