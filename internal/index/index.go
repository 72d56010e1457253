// Package index builds the IDX files a carrier receives alongside each
// transmitted image. A contact's index schema names its fields and the
// system each value is pulled from; the builder resolves every source,
// runs the carrier hooks, writes one index per case or per document, and
// moves the indexed images into the processed subfolder so they are not
// indexed twice.
package index

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/ilsys/asap/internal/acord"
	"github.com/ilsys/asap/internal/acordxml"
	"github.com/ilsys/asap/internal/caseqc"
	"github.com/ilsys/asap/internal/cases"
	"github.com/ilsys/asap/internal/config"
	"github.com/ilsys/asap/internal/fileutil"
	"github.com/ilsys/asap/internal/lims"
	"github.com/ilsys/asap/internal/types"
)

// Delta and case references an index field may name, as stored in the
// field configuration rows.
const (
	refCase     = "asapcase"
	refDocument = "asapdocument"

	refTrackingID    = "trackingID"
	refDocCount      = "doccount"
	refDateCreated   = "datecreated"
	refPageCount     = "pagecount"
	refDocTypeName   = "doctypename"
	refClientDocName = "clientdocname"
)

// Build is the per-case indexing state the carrier hooks may inspect:
// the case, the document currently being indexed, the parsed ACORD
// handler when 121/103 fields were resolved, and the index files written
// so far.
type Build struct {
	Case       *types.Case
	CurrentDoc *types.Document
	Acord      *acordxml.Handler
	IndexPaths []string
}

// Hooks are the carrier extension points of the index build. Returning
// false halts the build without an infrastructure error; the case is
// left for the next run or quarantined depending on the step.
type Hooks interface {
	ReadyToIndex(ctx context.Context, b *Build) (bool, error)
	PreProcess(ctx context.Context, b *Build) (bool, error)
	ProcessDerivedFields(ctx context.Context, b *Build) (bool, error)
	PostProcess(ctx context.Context, b *Build) (bool, error)
}

// NopHooks is the no-op hook set generic carriers start from.
type NopHooks struct{}

func (NopHooks) ReadyToIndex(context.Context, *Build) (bool, error)         { return true, nil }
func (NopHooks) PreProcess(context.Context, *Build) (bool, error)           { return true, nil }
func (NopHooks) ProcessDerivedFields(context.Context, *Build) (bool, error) { return true, nil }
func (NopHooks) PostProcess(context.Context, *Build) (bool, error)          { return true, nil }

// Builder resolves index fields against the upstream stores and writes
// the IDX files for a case.
type Builder struct {
	store  *config.Store
	lims   *lims.Store
	acord  *acord.Store
	caseqc *caseqc.Store
}

// NewBuilder wires an index builder over the stores.
func NewBuilder(store *config.Store, limsStore *lims.Store, acordStore *acord.Store, caseStore *caseqc.Store) *Builder {
	return &Builder{store: store, lims: limsStore, acord: acordStore, caseqc: caseStore}
}

// BuildForCase generates the index files for a case and its documents.
// Returns false when a hook declined or a field source failed; soft
// failures after the field-resolution steps quarantine the case files.
func (b *Builder) BuildForCase(ctx context.Context, c *types.Case, hooks Hooks) (bool, error) {
	if hooks == nil {
		hooks = NopHooks{}
	}
	contact := c.Contact
	idx := contact.Index
	idx.Reset()
	build := &Build{Case: c}

	if ok, err := hooks.ReadyToIndex(ctx, build); err != nil || !ok {
		return false, err
	}
	if ok, err := hooks.PreProcess(ctx, build); err != nil {
		return false, err
	} else if !ok {
		log.WithFields(log.Fields{"sid": c.Sid, "trackingid": c.TrackingID}).
			Warn("index preprocess failed for case")
		return false, nil
	}

	var limsFields, acord121Fields, acord103Fields, deltaFields, caseQCFields []*types.Field
	for _, f := range idx.Fields() {
		switch f.Source() {
		case types.FieldSourceLIMS:
			limsFields = append(limsFields, f)
		case types.FieldSourceAcord121:
			acord121Fields = append(acord121Fields, f)
		case types.FieldSourceAcord103:
			acord103Fields = append(acord103Fields, f)
		case types.FieldSourceDeltaQC:
			deltaFields = append(deltaFields, f)
		case types.FieldSourceCaseQC:
			caseQCFields = append(caseQCFields, f)
		}
	}

	if ok, err := b.resolveLIMSFields(ctx, c, limsFields); err != nil || !ok {
		idx.Reset()
		return false, err
	}
	if ok, err := b.resolveAcord121Fields(ctx, c, acord121Fields, build); err != nil || !ok {
		idx.Reset()
		return false, err
	}
	if ok, err := b.resolveAcord103Fields(c, acord103Fields, build); err != nil || !ok {
		idx.Reset()
		return false, err
	}
	if ok, err := b.resolveCaseQCFields(ctx, c, caseQCFields); err != nil || !ok {
		idx.Reset()
		return false, err
	}

	for _, doc := range c.DocumentList() {
		build.CurrentDoc = doc
		if ok := b.resolveDeltaFields(c, doc, deltaFields); !ok {
			idx.Reset()
			return false, b.quarantine(ctx, c)
		}
		if ok, err := hooks.ProcessDerivedFields(ctx, build); err != nil {
			return false, err
		} else if !ok {
			log.WithFields(log.Fields{"sid": c.Sid, "trackingid": c.TrackingID}).
				Warn("derived field processing failed for case")
			idx.Reset()
			return false, b.quarantine(ctx, c)
		}
		idxPath, err := b.writeIndex(c, doc)
		if err != nil {
			log.WithError(err).WithField("sid", c.Sid).Warn("index write failed")
			return false, b.quarantine(ctx, c)
		}
		build.IndexPaths = append(build.IndexPaths, idxPath)
		if idx.Type == types.IndexTypeCase {
			break
		}
	}

	if ok, err := hooks.PostProcess(ctx, build); err != nil {
		return false, err
	} else if !ok {
		log.WithFields(log.Fields{"sid": c.Sid, "trackingid": c.TrackingID}).
			Warn("index postprocess failed for case")
		return false, b.quarantine(ctx, c)
	}

	if err := b.moveImagesToProcessed(ctx, c); err != nil {
		return false, err
	}
	return true, nil
}

// resolveLIMSFields groups table.column references by table and issues
// one query per table keyed by sid.
func (b *Builder) resolveLIMSFields(ctx context.Context, c *types.Case, fields []*types.Field) (bool, error) {
	if len(fields) == 0 {
		return true, nil
	}
	type binding struct {
		column string
		field  *types.Field
	}
	byTable := make(map[string][]binding)
	var tables []string
	ok := true
	for _, f := range fields {
		table, column, found := strings.Cut(strings.TrimSpace(f.Reference()), ".")
		if !found {
			log.WithField("field", f.Name()).Warnf("reference %s is not properly formed", f.Reference())
			ok = false
			continue
		}
		if byTable[table] == nil {
			tables = append(tables, table)
		}
		byTable[table] = append(byTable[table], binding{column, f})
	}
	for _, table := range tables {
		bindings := byTable[table]
		columns := make([]string, len(bindings))
		for i, bd := range bindings {
			columns[i] = bd.column
		}
		values, err := b.lims.FieldsForSid(ctx, c.Sid, table, columns)
		if err != nil {
			return false, err
		}
		if values == nil {
			log.WithField("sid", c.Sid).Warnf("field values could not be found in LIMS table %s", table)
			ok = false
			continue
		}
		for _, bd := range bindings {
			if err := bd.field.SetValue(values[bd.column]); err != nil {
				log.WithError(err).Warn("LIMS field rejected value")
				ok = false
			}
		}
	}
	return ok, nil
}

// resolveAcord121Fields pulls values from the order's original 121
// transaction blob.
func (b *Builder) resolveAcord121Fields(ctx context.Context, c *types.Case, fields []*types.Field, build *Build) (bool, error) {
	if len(fields) == 0 {
		return true, nil
	}
	data, err := b.acord.Blob121(ctx, c.Contact.SourceCode, c.TrackingID)
	if err != nil {
		return false, err
	}
	if data == nil {
		log.WithField("trackingid", c.TrackingID).Warn("unable to locate ACORD 121 blob")
		return false, nil
	}
	handler, err := acordxml.ParseBytes(data)
	if err != nil {
		log.WithError(err).WithField("trackingid", c.TrackingID).Warn("parsing 121 failed")
		return false, nil
	}
	if !applyAcordFields(handler, fields, "121 for "+c.TrackingID) {
		return false, nil
	}
	build.Acord = handler
	return true, nil
}

// resolveAcord103Fields pulls values from the contact's staged 103 XML.
// Having 103 fields without a configured 103 directory is a
// configuration error.
func (b *Builder) resolveAcord103Fields(c *types.Case, fields []*types.Field, build *Build) (bool, error) {
	if len(fields) == 0 {
		return true, nil
	}
	contact := c.Contact
	if contact.Paths.Acord103Dir == "" {
		log.WithField("contact", contact.ContactID).
			Warn("ACORD 103 fields present in index, but contact not configured to process ACORD 103 files")
		return false, nil
	}
	xmlPath := filepath.Join(contact.Paths.Acord103Dir, c.TrackingID+".XML")
	handler, err := acordxml.ParseFile(xmlPath)
	if err != nil {
		log.WithError(err).WithField("path", xmlPath).Warn("parsing 103 failed")
		return false, nil
	}
	if !applyAcordFields(handler, fields, xmlPath) {
		return false, nil
	}
	build.Acord = handler
	return true, nil
}

// applyAcordFields resolves each field's dotted path against the first
// transaction. Missing elements only warn; the required check at
// write-time decides whether that matters.
func applyAcordFields(handler *acordxml.Handler, fields []*types.Field, origin string) bool {
	if len(handler.TxList) == 0 {
		log.Warnf("no transactions parsed from %s", origin)
		return false
	}
	tx := handler.TxList[0]
	ok := true
	for _, f := range fields {
		elem := tx.Element(f.Reference())
		if elem == nil {
			log.Warnf("field %s not found in %s", f.Reference(), origin)
			continue
		}
		if err := f.SetValue(elem.Value); err != nil {
			log.WithError(err).Warn("ACORD field rejected value")
			ok = false
		}
	}
	return ok
}

// resolveCaseQCFields fills fields from the QC casemaster row.
func (b *Builder) resolveCaseQCFields(ctx context.Context, c *types.Case, fields []*types.Field) (bool, error) {
	if len(fields) == 0 {
		return true, nil
	}
	records, err := b.caseqc.FromSid(ctx, c.Sid)
	if err != nil {
		return false, err
	}
	if len(records) == 0 {
		log.WithField("sid", c.Sid).Warn("no QC case record for index fields")
		return false, nil
	}
	qc := records[0]
	values := map[string]string{
		"trackingid":    qc.TrackingID,
		"sampleid":      qc.Sid,
		"state":         string(qc.State),
		"first_name":    qc.FirstName,
		"last_name":     qc.LastName,
		"ssn":           qc.SSN,
		"policy_number": qc.PolicyNumber,
		"source_code":   qc.SourceCode,
		"naic":          qc.NAIC,
		"carrierdesc":   qc.CarrierDesc,
	}
	ok := true
	for _, f := range fields {
		ref := strings.ToLower(strings.TrimSpace(f.Reference()))
		ref = strings.TrimPrefix(ref, "casemaster.")
		value, known := values[ref]
		if !known {
			log.WithField("field", f.Name()).Warnf("reference %s is not currently supported", f.Reference())
			ok = false
			continue
		}
		if err := f.SetValue(value); err != nil {
			log.WithError(err).Warn("case QC field rejected value")
			ok = false
		}
	}
	return ok, nil
}

// resolveDeltaFields fills fields from the in-memory case and document.
func (b *Builder) resolveDeltaFields(c *types.Case, doc *types.Document, fields []*types.Field) bool {
	ok := true
	for _, f := range fields {
		object, ref, found := strings.Cut(strings.TrimSpace(f.Reference()), ".")
		if !found {
			log.WithField("field", f.Name()).Warnf("reference %s is not properly formed", f.Reference())
			ok = false
			continue
		}
		var value string
		supported := true
		switch object {
		case refCase:
			switch ref {
			case refDocCount:
				value = strconv.Itoa(len(c.Documents()))
			case refTrackingID:
				value = c.TrackingID
			default:
				supported = false
			}
		case refDocument:
			switch ref {
			case refDateCreated:
				value = doc.DateCreated.Format("2006-01-02 15:04:05")
			case refPageCount:
				value = strconv.Itoa(doc.PageCount)
			case refDocTypeName:
				value = doc.DocTypeName()
			case refClientDocName:
				value = c.Contact.DocTypeNameMap[doc.DocTypeName()]
			default:
				supported = false
			}
		default:
			supported = false
		}
		if !supported {
			log.WithField("field", f.Name()).Warnf("reference %s is not currently supported", f.Reference())
			ok = false
			continue
		}
		if err := f.SetValue(value); err != nil {
			log.WithError(err).Warn("delta field rejected value")
			ok = false
		}
	}
	return ok
}

// writeIndex renders the index to <indexDir>/<base>.IDX, where base is
// the tracking id for case-type contacts and the image file stem
// otherwise.
func (b *Builder) writeIndex(c *types.Case, doc *types.Document) (string, error) {
	base := c.TrackingID
	if c.Contact.Index.Type != types.IndexTypeCase {
		base = doc.FileStem()
	}
	idxPath := filepath.Join(c.Contact.Paths.IndexDir, base+".IDX")
	if err := c.Contact.Index.WriteFile(idxPath); err != nil {
		return "", fmt.Errorf("writing index for case %s: %w", c.Sid, err)
	}
	return idxPath, nil
}

// moveImagesToProcessed copies indexed images into the processed
// subfolder so the next run does not index them again.
func (b *Builder) moveImagesToProcessed(ctx context.Context, c *types.Case) error {
	processed, err := b.store.Setting(ctx, config.SettingProcessedSubdir)
	if err != nil {
		return err
	}
	if processed == "" {
		processed = "processed"
	}
	for _, doc := range c.DocumentList() {
		docPath := filepath.Join(c.Contact.Paths.DocumentDir, doc.FileName)
		if _, err := os.Stat(docPath); err != nil {
			continue
		}
		processedPath := filepath.Join(c.Contact.Paths.DocumentDir, processed, doc.FileName)
		if err := fileutil.EnsureDir(filepath.Dir(processedPath)); err != nil {
			return err
		}
		if err := fileutil.MoveFile(ctx, docPath, processedPath); err != nil {
			return fmt.Errorf("moving %s to processed: %w", doc.FileName, err)
		}
	}
	return nil
}

// quarantine moves the case artifacts to the error subfolder and keeps
// the build's soft-failure contract.
func (b *Builder) quarantine(ctx context.Context, c *types.Case) error {
	errorSubdir, err := b.store.Setting(ctx, config.SettingErrorSubdir)
	if err != nil {
		return err
	}
	return cases.MoveToError(ctx, c, errorSubdir)
}
