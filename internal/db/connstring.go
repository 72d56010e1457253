package db

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// sqliteBusyMillis returns the busy-timeout pragma value in
// milliseconds. ASAP_LOCK_TIMEOUT overrides the 30s default.
func sqliteBusyMillis() int64 {
	busy := 30 * time.Second
	if v := strings.TrimSpace(os.Getenv("ASAP_LOCK_TIMEOUT")); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			busy = d
		}
	}
	return int64(busy / time.Millisecond)
}

// SQLiteConnString turns a sqlite target path into a file: URI carrying
// the pragmas a shared handle needs: busy_timeout so concurrent workers
// wait out a writer instead of failing with "database is locked",
// foreign_keys, and sqlite-native time formatting. Params already
// present on a file: URI are left alone.
func SQLiteConnString(path string, readOnly bool) string {
	conn := strings.TrimSpace(path)
	if conn == "" {
		return ""
	}
	if !strings.HasPrefix(conn, "file:") {
		conn = "file:" + conn
	}

	var params []string
	if readOnly && !strings.Contains(conn, "mode=") {
		params = append(params, "mode=ro")
	}
	if !strings.Contains(conn, "_pragma=busy_timeout") {
		params = append(params, fmt.Sprintf("_pragma=busy_timeout(%d)", sqliteBusyMillis()))
	}
	if !strings.Contains(conn, "_pragma=foreign_keys") {
		params = append(params, "_pragma=foreign_keys(ON)")
	}
	if !strings.Contains(conn, "_time_format=") {
		params = append(params, "_time_format=sqlite")
	}
	if len(params) == 0 {
		return conn
	}
	sep := "?"
	if strings.Contains(conn, "?") {
		sep = "&"
	}
	return conn + sep + strings.Join(params, "&")
}
