// Package lims projects the sample data the pipeline needs out of the
// lab system. Samples migrate from the current database (sip) to the
// archive (snip) once reviewed; by transmit time most live in the
// archive, so lookups probe snip first.
package lims

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ilsys/asap/internal/db"
	"github.com/ilsys/asap/internal/types"
)

// LIMS message codes written back to the sample trail.
const (
	MsgImagesAvailable = 477 // indexing and billing done
	MsgImagesReleased  = 377 // case staged for transmission
)

// Store reads samples and writes sample messages.
type Store struct {
	pool *db.Pool
}

// NewStore returns a LIMS store over the sip/snip databases.
func NewStore(pool *db.Pool) *Store {
	return &Store{pool: pool}
}

// sampleQuery excludes held samples; '~' and '#' are the LIMS hold
// flags that block transmission.
const sampleQuery = `
	SELECT sid, client_id, region_id, UPPER(examiner), transmit_date, hold_flag_id
	FROM sample
	WHERE sid = ? AND hold_flag_id NOT IN ('~', '#')`

// SampleForSid returns the sample, probing snip then sip. A nil sample
// with a nil error means the sid is unknown or held.
func (s *Store) SampleForSid(ctx context.Context, sid string) (*types.Sample, error) {
	for _, name := range []string{db.SNIP, db.SIP} {
		handle, err := s.pool.Get(name)
		if err != nil {
			return nil, err
		}
		sample, err := scanSample(handle.QueryRowContext(ctx, sampleQuery, sid))
		if err != nil {
			return nil, fmt.Errorf("reading sample %s from %s: %w", sid, name, err)
		}
		if sample != nil {
			return sample, nil
		}
	}
	return nil, nil
}

func scanSample(row *sql.Row) (*types.Sample, error) {
	var sample types.Sample
	var region, examiner, holdFlag sql.NullString
	var transmitDate sql.NullTime
	err := row.Scan(&sample.Sid, &sample.ClientID, &region, &examiner, &transmitDate, &holdFlag)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	sample.RegionID = strings.TrimSpace(region.String)
	sample.Examiner = strings.TrimSpace(examiner.String)
	sample.HoldFlag = holdFlag.String
	if transmitDate.Valid {
		t := transmitDate.Time
		sample.TransmitDate = &t
	}
	return &sample, nil
}

// FieldsForSid reads the named columns for the sid from one LIMS table,
// probing snip then sip. Used by the index builder to resolve a
// contact's lims-sourced fields with one query per referenced table.
func (s *Store) FieldsForSid(ctx context.Context, sid, table string, columns []string) (map[string]string, error) {
	if len(columns) == 0 {
		return nil, nil
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE sid = ?`, strings.Join(columns, ", "), table)
	for _, name := range []string{db.SNIP, db.SIP} {
		handle, err := s.pool.Get(name)
		if err != nil {
			return nil, err
		}
		values := make([]sql.NullString, len(columns))
		dest := make([]any, len(columns))
		for i := range values {
			dest[i] = &values[i]
		}
		err = handle.QueryRowContext(ctx, query, sid).Scan(dest...)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("reading %s fields for %s from %s: %w", table, sid, name, err)
		}
		fields := make(map[string]string, len(columns))
		for i, col := range columns {
			fields[col] = strings.TrimSpace(values[i].String)
		}
		return fields, nil
	}
	return nil, nil
}

// AddMessage appends a message code to the sample's trail in the current
// LIMS database. Best-effort: a failure is logged and returned but never
// undoes the pipeline action it reports on.
func (s *Store) AddMessage(ctx context.Context, sid string, code int) error {
	handle, err := s.pool.Get(db.SIP)
	if err != nil {
		return err
	}
	_, err = handle.ExecContext(ctx, `
		INSERT INTO sample_messages (sid, msg_id, created_dt)
		VALUES (?, ?, ?)`,
		sid, code, time.Now())
	if err != nil {
		log.WithError(err).WithFields(log.Fields{"sid": sid, "msg": code}).
			Warn("LIMS message insert failed")
		return fmt.Errorf("adding LIMS message %d for %s: %w", code, sid, err)
	}
	return nil
}
