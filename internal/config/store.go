package config

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/ilsys/asap/internal/db"
	"github.com/ilsys/asap/internal/types"
)

// Configuration table names in the transmit database.
const (
	tableSettings        = "asap_settings"
	tableDBSettings      = "asap_db_settings"
	tableContactSettings = "asap_contact_settings"
	tableIndexFields     = "asap_index_fields"
	tableContactIndexMap = "asap_contact_index_map"
	tableContactPaths    = "asap_contact_paths"
	tableContactHooks    = "asap_contact_hooks"
	tableContactCarriers = "asap_contact_carrier_map"
)

// Common settings in the asap_settings table.
const (
	SettingReportID          = "crr_report_id"
	SettingAcord103Dir       = "acord103_dir"
	SettingBuildSubdir       = "build_subdir"
	SettingErrorSubdir       = "error_subdir"
	SettingProcessedSubdir   = "processed_subdir"
	SettingDeltaSidField     = "delta_sid_field"
	SettingDeltaExportField  = "delta_export_field"
	SettingDeltaMatchedField = "delta_matched_field"
	SettingNoBillNoSendCode  = "no_bill_no_send_code"
	SettingNoBillCode        = "no_bill_code"
)

type contactKey struct {
	client   string
	region   string
	examiner string
}

type serviceMapRow struct {
	docTypeName   string
	clientDocName string
	billingCode   string
}

// Store is the transmit-database configuration: shared settings and the
// enabled contacts with their index schemas, paths and carrier bindings.
// Everything is loaded once and memoized for the life of the process;
// Reload drops the caches.
type Store struct {
	pool *db.Pool

	mu          sync.Mutex
	initialized bool
	settings    map[string]string
	contacts    map[contactKey]*types.Contact
	serviceMap  map[[2]string][]serviceMapRow
}

// NewStore returns a Store over the given pool. Nothing is loaded until
// first use.
func NewStore(pool *db.Pool) *Store {
	return &Store{pool: pool}
}

// Pool exposes the underlying database pool for the stores built on it.
func (s *Store) Pool() *db.Pool {
	return s.pool
}

// Setting returns the named shared setting, or "" when unset.
func (s *Store) Setting(ctx context.Context, name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.initLocked(ctx); err != nil {
		return "", err
	}
	return s.settings[name], nil
}

// Contacts returns all enabled contacts.
func (s *Store) Contacts(ctx context.Context) ([]*types.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.initLocked(ctx); err != nil {
		return nil, err
	}
	out := make([]*types.Contact, 0, len(s.contacts))
	for _, c := range s.contacts {
		out = append(out, c)
	}
	return out, nil
}

// Contact looks up a contact by client and region, preferring an
// examiner-specific entry when one exists. Returns nil when no contact
// is configured for the pair.
func (s *Store) Contact(ctx context.Context, clientID, regionID, examiner string) (*types.Contact, error) {
	regionID = strings.TrimSpace(regionID)
	examiner = strings.TrimSpace(examiner)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.initLocked(ctx); err != nil {
		return nil, err
	}
	if examiner != "" {
		if c := s.contacts[contactKey{clientID, regionID, examiner}]; c != nil {
			return c, nil
		}
	}
	return s.contacts[contactKey{clientID, regionID, ""}], nil
}

// Reload drops the cached settings and contacts so the next call reloads
// them. Used by watch mode after configuration edits.
func (s *Store) Reload() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initialized = false
	s.settings = nil
	s.contacts = nil
	s.serviceMap = nil
}

func (s *Store) initLocked(ctx context.Context) error {
	if s.initialized {
		return nil
	}
	if err := s.loadDBTargets(ctx); err != nil {
		return err
	}
	if err := s.loadSettings(ctx); err != nil {
		return err
	}
	if err := s.loadContacts(ctx); err != nil {
		return err
	}
	s.initialized = true
	return nil
}

// loadDBTargets registers the connection rows for the other logical
// databases with the pool. The xmit target itself comes from asap.yaml.
func (s *Store) loadDBTargets(ctx context.Context) error {
	xmit, err := s.pool.Get(db.Xmit)
	if err != nil {
		return err
	}
	rows, err := xmit.QueryContext(ctx, `SELECT db_name, driver, dsn FROM `+tableDBSettings)
	if err != nil {
		return fmt.Errorf("loading database settings: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var name, driver, dsn string
		if err := rows.Scan(&name, &driver, &dsn); err != nil {
			return err
		}
		s.pool.AddTarget(name, db.Target{Driver: driver, DSN: dsn})
	}
	return rows.Err()
}

func (s *Store) loadSettings(ctx context.Context) error {
	xmit, err := s.pool.Get(db.Xmit)
	if err != nil {
		return err
	}
	rows, err := xmit.QueryContext(ctx, `SELECT setting_name, setting_value FROM `+tableSettings)
	if err != nil {
		return fmt.Errorf("loading settings: %w", err)
	}
	defer rows.Close()
	s.settings = make(map[string]string)
	for rows.Next() {
		var name string
		var value sql.NullString
		if err := rows.Scan(&name, &value); err != nil {
			return err
		}
		s.settings[name] = value.String
	}
	return rows.Err()
}

func (s *Store) loadContacts(ctx context.Context) error {
	xmit, err := s.pool.Get(db.Xmit)
	if err != nil {
		return err
	}
	rows, err := xmit.QueryContext(ctx, `
		SELECT contact_id, client_id, region_id, examiner,
		       idx_type, idx_delim, idx_subdelim, source_code, on_stage_exception
		FROM `+tableContactSettings+`
		WHERE enabled = 1`)
	if err != nil {
		return fmt.Errorf("loading contacts: %w", err)
	}
	defer rows.Close()

	type contactRow struct {
		contact        *types.Contact
		idxType        string
		delim          string
		subdelim       string
		stageException string
	}
	var loaded []contactRow
	for rows.Next() {
		var contactID, clientID string
		var regionID, examiner, idxType, delim, subdelim, sourceCode, stageException sql.NullString
		if err := rows.Scan(&contactID, &clientID, &regionID, &examiner,
			&idxType, &delim, &subdelim, &sourceCode, &stageException); err != nil {
			return err
		}
		c := &types.Contact{
			ContactID:  contactID,
			ClientID:   clientID,
			RegionID:   strings.TrimSpace(regionID.String),
			Examiner:   strings.TrimSpace(examiner.String),
			SourceCode: sourceCode.String,
		}
		loaded = append(loaded, contactRow{
			contact:        c,
			idxType:        idxType.String,
			delim:          delim.String,
			subdelim:       subdelim.String,
			stageException: stageException.String,
		})
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if len(loaded) == 0 {
		log.Warn("no enabled contacts configured")
	}

	if err := s.loadServiceMaps(ctx); err != nil {
		// the per-contact fallback below still has a chance
		log.WithError(err).Warn("bulk document service map load failed")
	}

	noBillNoSend := s.settings[SettingNoBillNoSendCode]
	noBill := s.settings[SettingNoBillCode]

	s.contacts = make(map[contactKey]*types.Contact, len(loaded))
	for _, row := range loaded {
		c := row.contact
		c.NoBillNoSendCode = noBillNoSend
		c.NoBillCode = noBill
		c.Index = types.NewIndex(types.IndexType(row.idxType), row.delim, row.subdelim)
		c.OnStageException = types.StageExceptionRestage
		if row.stageException == string(types.StageExceptionLeave) {
			c.OnStageException = types.StageExceptionLeave
		}
		if err := s.loadContactIndex(ctx, c); err != nil {
			return err
		}
		if err := s.loadContactPaths(ctx, c); err != nil {
			return err
		}
		if err := s.applyServiceMap(ctx, c); err != nil {
			return err
		}
		if err := s.loadContactHook(ctx, c); err != nil {
			return err
		}
		if err := s.loadContactCarriers(ctx, c); err != nil {
			return err
		}
		s.contacts[contactKey{c.ClientID, c.RegionID, c.Examiner}] = c
	}
	return nil
}

func (s *Store) loadContactIndex(ctx context.Context, c *types.Contact) error {
	xmit, err := s.pool.Get(db.Xmit)
	if err != nil {
		return err
	}
	rows, err := xmit.QueryContext(ctx, `
		SELECT cim.contact_field_name, cim.field_order,
		       aif.field_type, aif.source_name, aif.field_ref,
		       cim.max_length, cim.format, cim.required
		FROM `+tableContactIndexMap+` cim
		INNER JOIN `+tableIndexFields+` aif ON cim.field_name = aif.field_name
		WHERE cim.contact_id = ?`, c.ContactID)
	if err != nil {
		return fmt.Errorf("loading index fields for %s: %w", c.ContactID, err)
	}
	defer rows.Close()
	for rows.Next() {
		var fieldName string
		var fieldOrder, maxLength int
		var fieldType, sourceName, fieldRef, format, required sql.NullString
		if err := rows.Scan(&fieldName, &fieldOrder, &fieldType, &sourceName,
			&fieldRef, &maxLength, &format, &required); err != nil {
			return err
		}
		field := types.NewField(
			fieldName,
			types.FieldType(fieldType.String),
			required.String == "Y",
			maxLength,
			format.String,
			types.FieldSource(sourceName.String),
			fieldRef.String,
		)
		c.Index.AddField(field, fieldOrder)
	}
	return rows.Err()
}

func (s *Store) loadContactPaths(ctx context.Context, c *types.Contact) error {
	xmit, err := s.pool.Get(db.Xmit)
	if err != nil {
		return err
	}
	var stagingDir string
	var docSub, acord103Sub, idxSub, xmitSub sql.NullString
	err = xmit.QueryRowContext(ctx, `
		SELECT staging_dir, document_subdir, acord103_subdir, index_subdir, xmit_subdir
		FROM `+tableContactPaths+`
		WHERE contact_id = ?`, c.ContactID).
		Scan(&stagingDir, &docSub, &acord103Sub, &idxSub, &xmitSub)
	if err == sql.ErrNoRows {
		log.WithField("contact", c.ContactID).Warn("contact has no staging paths configured")
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading paths for %s: %w", c.ContactID, err)
	}
	join := func(sub sql.NullString) string {
		trimmed := strings.TrimSpace(sub.String)
		if trimmed == "" {
			return ""
		}
		return filepath.Join(stagingDir, trimmed)
	}
	c.Paths = types.ContactPaths{
		DocumentDir: join(docSub),
		Acord103Dir: join(acord103Sub),
		IndexDir:    join(idxSub),
		XmitDir:     join(xmitSub),
	}
	return nil
}

// loadServiceMaps bulk-loads doc type mappings for every contact of the
// configured report from LIMS, keyed by (client, region).
func (s *Store) loadServiceMaps(ctx context.Context) error {
	reportID := s.settings[SettingReportID]
	if reportID == "" {
		return fmt.Errorf("setting %s is not configured", SettingReportID)
	}
	sip, err := s.pool.Get(db.SIP)
	if err != nil {
		return err
	}

	rows, err := sip.QueryContext(ctx, `
		SELECT client_id, region_id, contact_id
		FROM client_region_reports
		WHERE report_id = ?`, reportID)
	if err != nil {
		return err
	}
	defer rows.Close()

	// The contact_id joining client_region_reports to document_service_map
	// is a LIMS identifier unrelated to transmit contacts.
	clientRegionContact := make(map[[2]string]string)
	seen := make(map[string]bool)
	var limsContacts []string
	for rows.Next() {
		var client, region, limsContact string
		if err := rows.Scan(&client, &region, &limsContact); err != nil {
			return err
		}
		clientRegionContact[[2]string{strings.TrimSpace(client), strings.TrimSpace(region)}] = limsContact
		if !seen[limsContact] {
			seen[limsContact] = true
			limsContacts = append(limsContacts, limsContact)
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if len(limsContacts) == 0 {
		s.serviceMap = make(map[[2]string][]serviceMapRow)
		return nil
	}

	placeholders := strings.Repeat("?,", len(limsContacts))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(limsContacts))
	for i, id := range limsContacts {
		args[i] = id
	}
	docRows, err := sip.QueryContext(ctx, `
		SELECT contact_id, document_type_name, client_document_name, tp_requested
		FROM document_service_map
		WHERE contact_id IN (`+placeholders+`)
		ORDER BY contact_id, document_type_name`, args...)
	if err != nil {
		return err
	}
	defer docRows.Close()

	byLimsContact := make(map[string][]serviceMapRow)
	for docRows.Next() {
		var limsContact, docType string
		var clientName, billingCode sql.NullString
		if err := docRows.Scan(&limsContact, &docType, &clientName, &billingCode); err != nil {
			return err
		}
		byLimsContact[limsContact] = append(byLimsContact[limsContact], serviceMapRow{
			docTypeName:   docType,
			clientDocName: clientName.String,
			billingCode:   billingCode.String,
		})
	}
	if err := docRows.Err(); err != nil {
		return err
	}

	s.serviceMap = make(map[[2]string][]serviceMapRow, len(clientRegionContact))
	for key, limsContact := range clientRegionContact {
		s.serviceMap[key] = byLimsContact[limsContact]
	}
	return nil
}

// applyServiceMap fills the contact's doc type maps from the bulk cache,
// falling back to a direct LIMS query on a cache miss.
func (s *Store) applyServiceMap(ctx context.Context, c *types.Contact) error {
	c.DocTypeNameMap = make(map[string]string)
	c.DocTypeBillingMap = make(map[string]string)

	if rows, ok := s.serviceMap[[2]string{c.ClientID, c.RegionID}]; ok {
		for _, r := range rows {
			c.DocTypeNameMap[r.docTypeName] = r.clientDocName
			c.DocTypeBillingMap[r.docTypeName] = r.billingCode
		}
		return nil
	}

	sip, err := s.pool.Get(db.SIP)
	if err != nil {
		return err
	}
	rows, err := sip.QueryContext(ctx, `
		SELECT document_type_name, client_document_name, tp_requested
		FROM document_service_map
		WHERE contact_id = (SELECT contact_id
		                    FROM client_region_reports
		                    WHERE client_id = ? AND region_id = ? AND report_id = ?)`,
		c.ClientID, c.RegionID, s.settings[SettingReportID])
	if err != nil {
		return fmt.Errorf("loading service map for %s: %w", c.ContactID, err)
	}
	defer rows.Close()
	for rows.Next() {
		var docType string
		var clientName, billingCode sql.NullString
		if err := rows.Scan(&docType, &clientName, &billingCode); err != nil {
			return err
		}
		c.DocTypeNameMap[docType] = clientName.String
		c.DocTypeBillingMap[docType] = billingCode.String
	}
	return rows.Err()
}

func (s *Store) loadContactHook(ctx context.Context, c *types.Contact) error {
	xmit, err := s.pool.Get(db.Xmit)
	if err != nil {
		return err
	}
	var hookID string
	err = xmit.QueryRowContext(ctx, `
		SELECT hook_id FROM `+tableContactHooks+` WHERE contact_id = ?`, c.ContactID).
		Scan(&hookID)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading hook for %s: %w", c.ContactID, err)
	}
	c.HookID = hookID
	return nil
}

func (s *Store) loadContactCarriers(ctx context.Context, c *types.Contact) error {
	xmit, err := s.pool.Get(db.Xmit)
	if err != nil {
		return err
	}
	rows, err := xmit.QueryContext(ctx, `
		SELECT acord_carrier_name FROM `+tableContactCarriers+` WHERE contact_id = ?`, c.ContactID)
	if err != nil {
		return fmt.Errorf("loading carrier names for %s: %w", c.ContactID, err)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return err
		}
		c.CarrierNames = append(c.CarrierNames, name)
	}
	return rows.Err()
}
