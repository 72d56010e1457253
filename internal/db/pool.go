// Package db manages the database handles the pipeline talks to.
//
// Each upstream system is addressed by a logical name (xmit, sip, snip,
// delta_qc, acord, case_qc). The pool opens a handle lazily on first use
// and memoizes it for the life of the process.
package db

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	embedded "github.com/dolthub/driver"
	_ "github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"
)

// Logical database names.
const (
	Xmit    = "xmit"     // transmit config, tracked files, history, ACORD 103 store
	SIP     = "sip"      // current LIMS samples
	SNIP    = "snip"     // archived LIMS samples
	DeltaQC = "delta_qc" // imaged documents
	Acord   = "acord"    // ACORD 121 orders and 103 submissions
	CaseQC  = "case_qc"  // case workflow
)

// Target describes how to reach one logical database.
type Target struct {
	Driver string `yaml:"driver" mapstructure:"driver"`
	DSN    string `yaml:"dsn" mapstructure:"dsn"`
}

// Pool opens and caches one *sql.DB per logical database.
type Pool struct {
	mu         sync.Mutex
	targets    map[string]Target
	handles    map[string]*sql.DB
	connectors []*embedded.Connector
}

// NewPool returns a pool over the given logical targets. No connections
// are opened until Get is called.
func NewPool(targets map[string]Target) *Pool {
	return &Pool{
		targets: targets,
		handles: make(map[string]*sql.DB),
	}
}

// Get returns the handle for a logical database, opening it if needed.
func (p *Pool) Get(name string) (*sql.DB, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if db, ok := p.handles[name]; ok {
		return db, nil
	}
	target, ok := p.targets[name]
	if !ok {
		return nil, fmt.Errorf("no database configured for %q", name)
	}
	db, err := p.open(target)
	if err != nil {
		return nil, fmt.Errorf("opening %s database: %w", name, err)
	}
	p.handles[name] = db
	return db, nil
}

// Put registers an already-open handle under a logical name. Used by tests
// to point stores at fixture databases.
func (p *Pool) Put(name string, db *sql.DB) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handles[name] = db
}

// AddTarget registers a logical target discovered after construction.
// The transmit database carries the connection rows for the others.
func (p *Pool) AddTarget(name string, t Target) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.targets == nil {
		p.targets = make(map[string]Target)
	}
	if _, exists := p.targets[name]; !exists {
		p.targets[name] = t
	}
}

func (p *Pool) open(t Target) (*sql.DB, error) {
	switch t.Driver {
	case "mysql":
		db, err := sql.Open("mysql", t.DSN)
		if err != nil {
			return nil, err
		}
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		return db, nil

	case "dolt":
		cfg, err := embedded.ParseDSN(t.DSN)
		if err != nil {
			return nil, fmt.Errorf("parsing dolt DSN: %w", err)
		}
		connector, err := embedded.NewConnector(cfg)
		if err != nil {
			return nil, fmt.Errorf("creating dolt connector: %w", err)
		}
		db := sql.OpenDB(connector)
		// Embedded dolt is single-writer.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
		p.connectors = append(p.connectors, connector)
		return db, nil

	case "sqlite":
		db, err := sql.Open("sqlite", SQLiteConnString(t.DSN, false))
		if err != nil {
			return nil, err
		}
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		return db, nil

	default:
		return nil, fmt.Errorf("unsupported database driver %q", t.Driver)
	}
}

// Close closes every open handle. Safe to call more than once.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var firstErr error
	for name, db := range p.handles {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing %s: %w", name, err)
		}
		delete(p.handles, name)
	}
	for _, c := range p.connectors {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	p.connectors = nil
	return firstErr
}
