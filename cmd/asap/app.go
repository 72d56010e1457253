package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ilsys/asap/internal/acord"
	"github.com/ilsys/asap/internal/acord103"
	"github.com/ilsys/asap/internal/carrier"
	"github.com/ilsys/asap/internal/caseqc"
	"github.com/ilsys/asap/internal/cases"
	"github.com/ilsys/asap/internal/config"
	"github.com/ilsys/asap/internal/db"
	"github.com/ilsys/asap/internal/delta"
	"github.com/ilsys/asap/internal/discrepancy"
	"github.com/ilsys/asap/internal/history"
	"github.com/ilsys/asap/internal/imaging"
	"github.com/ilsys/asap/internal/index"
	"github.com/ilsys/asap/internal/lims"
	"github.com/ilsys/asap/internal/mail"
	"github.com/ilsys/asap/internal/ports"
	"github.com/ilsys/asap/internal/recon"
	"github.com/ilsys/asap/internal/scheduler"
	"github.com/ilsys/asap/internal/telemetry"
	"github.com/ilsys/asap/internal/timeparsing"
	"github.com/ilsys/asap/internal/transmit"
	"github.com/ilsys/asap/internal/types"
	"github.com/ilsys/asap/internal/viable"
)

// app wires the stores, factories and ports the subcommands share.
type app struct {
	pool     *db.Pool
	store    *config.Store
	history  *history.Store
	delta    *delta.Store
	lims     *lims.Store
	acord    *acord.Store
	store103 *acord103.Store
	caseqc   *caseqc.Store
	discrep  *discrepancy.Store
	cases    *cases.Factory
	restager *transmit.Restager
	registry *carrier.Registry
	resolver *viable.Resolver
	recon    *recon.Reconciler
	sched    *scheduler.Scheduler
	mailer   ports.Mailer
	metrics  *telemetry.PipelineMetrics
	smtp     config.SMTP
}

func newApp(ctx context.Context) (*app, error) {
	return newAppWithClock(ctx, ports.SystemClock{})
}

func newAppWithClock(ctx context.Context, clock ports.Clock) (*app, error) {
	targets, err := config.Databases()
	if err != nil {
		return nil, err
	}
	if _, ok := targets[db.Xmit]; !ok {
		return nil, fmt.Errorf("no %q database configured; set databases.%s in asap.yaml", db.Xmit, db.Xmit)
	}
	pool := db.NewPool(targets)
	store := config.NewStore(pool)

	sidField, err := store.Setting(ctx, config.SettingDeltaSidField)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("loading transmit configuration: %w", err)
	}
	exportField, err := store.Setting(ctx, config.SettingDeltaExportField)
	if err != nil {
		pool.Close()
		return nil, err
	}
	matchedField, err := store.Setting(ctx, config.SettingDeltaMatchedField)
	if err != nil {
		pool.Close()
		return nil, err
	}

	deltaStore := delta.NewStore(pool, sidField, exportField, matchedField)
	historyStore := history.NewStore(pool)
	limsStore := lims.NewStore(pool)
	acordStore := acord.NewStore(pool)
	store103 := acord103.NewStore(pool)
	caseStore := caseqc.NewStore(pool)
	caseFactory := cases.NewFactory(store, limsStore, deltaStore)
	restager := transmit.NewRestager(store, historyStore, deltaStore, store103, caseFactory)
	txHandler := transmit.NewHandler(store, historyStore, restager)

	smtp := config.Mail()
	var mailer ports.Mailer
	if smtp.Host != "" {
		mailer = &mail.SMTPMailer{Addr: smtp.Host, From: smtp.From}
	}

	images := imaging.NewFactory(store,
		imaging.NewSpoolSource(config.GetString("image-spool")), newTiffTool())
	indexer := index.NewBuilder(store, limsStore, acordStore, caseStore)

	profiles, err := loadProfiles()
	if err != nil {
		pool.Close()
		return nil, err
	}
	env := &carrier.Env{
		Store:       store,
		History:     historyStore,
		Transmit:    txHandler,
		LIMS:        limsStore,
		Acord103:    store103,
		Clock:       clock,
		Mailer:      mailer,
		Encryptor:   newEncryptor(),
		NewTransfer: newTransfer,
	}
	registry := carrier.NewRegistry(env, profiles)
	resolver := viable.NewResolver(store, limsStore, acordStore, deltaStore, caseStore, store103, historyStore)
	reconciler := recon.New(store, historyStore, deltaStore, store103, acordStore, restager, mailer, clock)

	sched := scheduler.New(scheduler.Deps{
		Store:    store,
		History:  historyStore,
		Delta:    deltaStore,
		LIMS:     limsStore,
		Acord:    acordStore,
		Cases:    caseFactory,
		Images:   images,
		Indexer:  indexer,
		Transmit: txHandler,
		Registry: registry,
		Pool:     pool,
		Mailer:   mailer,
	})
	sched.MaxWorkers = config.GetInt("max-contacts")
	sched.ErrorsTo = smtp.ErrorTo

	return &app{
		pool:     pool,
		store:    store,
		history:  historyStore,
		delta:    deltaStore,
		lims:     limsStore,
		acord:    acordStore,
		store103: store103,
		caseqc:   caseStore,
		discrep:  discrepancy.NewStore(pool),
		cases:    caseFactory,
		restager: restager,
		registry: registry,
		resolver: resolver,
		recon:    reconciler,
		sched:    sched,
		mailer:   mailer,
		metrics:  telemetry.NewPipelineMetrics(),
		smtp:     smtp,
	}, nil
}

func (a *app) Close() error {
	return a.pool.Close()
}

// contactByID finds an enabled contact by contact id or hook binding,
// case-insensitive.
func (a *app) contactByID(ctx context.Context, id string) (*types.Contact, error) {
	contacts, err := a.store.Contacts(ctx)
	if err != nil {
		return nil, err
	}
	for _, c := range contacts {
		if strings.EqualFold(c.ContactID, id) || strings.EqualFold(c.HookID, id) {
			return c, nil
		}
	}
	return nil, fmt.Errorf("no enabled contact %q", id)
}

func loadProfiles() (map[string]*carrier.Profile, error) {
	dir := config.GetString("carrier-profiles")
	profiles, err := carrier.LoadProfiles(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			log.WithField("dir", dir).
				Warn("carrier profile directory missing, contacts fall back to pass-through hooks")
			return map[string]*carrier.Profile{}, nil
		}
		return nil, err
	}
	return profiles, nil
}

// fixedClock pins the pipeline clock for date-overridden runs.
type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

// parseWhen accepts absolute dates, compact offsets like -1d, and
// natural phrases like "yesterday".
func parseWhen(s string, now time.Time) (time.Time, error) {
	return timeparsing.ParseRelativeTime(s, now)
}
