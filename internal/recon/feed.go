package recon

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Format names the shape of a carrier's reconciliation feed.
type Format string

const (
	// FormatBundleList rows are whitespace separated:
	//   <imageFile> <date> <time> <caseArchive>
	// where the case archive name carries the tracking id as its second
	// underscore-separated token (CRLAGLA_MAT003504168_10122016.ZIP).
	FormatBundleList Format = "bundleList"

	// FormatPolicyCSV rows are "<transRefGuid>,<policyNumber>".
	FormatPolicyCSV Format = "policyCsv"

	// FormatPipeList rows are "<clientId>|<timestamp>|<imageFile>".
	FormatPipeList Format = "pipeList"
)

// Entry is one parsed feed row. FileName is set for image rows,
// TrackingRef/PolicyNumber for policy rows; TrackingID is filled when
// the row names the case archive it came in.
type Entry struct {
	FileName     string
	TrackingID   string
	TrackingRef  string
	PolicyNumber string
}

// ParseFeed reads every row of a feed in the given format. Blank lines
// are skipped; malformed rows are logged and counted but do not stop
// the parse.
func ParseFeed(format Format, r io.Reader) ([]Entry, int, error) {
	var parse func(line string) (Entry, bool)
	switch format {
	case FormatBundleList:
		parse = parseBundleRow
	case FormatPolicyCSV:
		parse = parsePolicyRow
	case FormatPipeList:
		parse = parsePipeRow
	default:
		return nil, 0, fmt.Errorf("unknown recon feed format %q", format)
	}

	var entries []Entry
	malformed := 0
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(strings.ReplaceAll(sc.Text(), `"`, ""))
		if line == "" {
			continue
		}
		e, ok := parse(strings.ToUpper(line))
		if !ok {
			malformed++
			log.WithField("line", line).Warn("improperly formatted recon record")
			continue
		}
		entries = append(entries, e)
	}
	return entries, malformed, sc.Err()
}

func parseBundleRow(line string) (Entry, bool) {
	fields := strings.Fields(line)
	if len(fields) != 4 {
		return Entry{}, false
	}
	e := Entry{FileName: fields[0]}
	stem := strings.SplitN(fields[3], ".", 2)[0]
	parts := strings.Split(stem, "_")
	if len(parts) < 2 {
		return Entry{}, false
	}
	e.TrackingID = parts[1]
	return e, true
}

func parsePolicyRow(line string) (Entry, bool) {
	parts := strings.Split(line, ",")
	if len(parts) != 2 {
		return Entry{}, false
	}
	e := Entry{
		TrackingRef:  strings.TrimSpace(parts[0]),
		PolicyNumber: strings.TrimSpace(parts[1]),
	}
	if e.TrackingRef == "" {
		return Entry{}, false
	}
	return e, true
}

func parsePipeRow(line string) (Entry, bool) {
	parts := strings.Split(line, "|")
	if len(parts) != 3 || strings.TrimSpace(parts[2]) == "" {
		return Entry{}, false
	}
	return Entry{FileName: strings.TrimSpace(parts[2])}, true
}
