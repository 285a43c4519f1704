// Package recording persists simulation telemetry into SQLite files
// for offline analysis.
package recording

import (
	"database/sql"
	"fmt"
	"os"
	"reflect"
	"strings"
	"sync"

	"github.com/fatih/structs"

	// SQLite driver registration.
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/xid"
	"github.com/tebeka/atexit"
)

// Recorder buffers rows per table and writes them to a SQLite database
// in batches. It is safe for concurrent use.
type Recorder struct {
	mu sync.Mutex
	db *sql.DB

	path       string
	tables     map[string]*table
	batchSize  int
	entryCount int
}

type table struct {
	structType reflect.Type
	entries    []any
}

// New opens a fresh database file at path. An empty path picks a
// unique run-stamped name. The file must not already exist. A flush is
// registered to run at process exit.
func New(path string) (*Recorder, error) {
	if path == "" {
		path = "axsim_recording_" + xid.New().String()
	}
	filename := path + ".sqlite3"

	if _, err := os.Stat(filename); err == nil {
		return nil, fmt.Errorf("recording file %s already exists", filename)
	}

	db, err := sql.Open("sqlite3", filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open recording database: %w", err)
	}

	r := &Recorder{
		db:        db,
		path:      filename,
		tables:    make(map[string]*table),
		batchSize: 100000,
	}
	atexit.Register(func() { r.Flush() })

	return r, nil
}

// Path reports the database file backing this recorder.
func (r *Recorder) Path() string { return r.path }

// DB exposes the underlying database connection, mostly for queries in
// analysis tooling.
func (r *Recorder) DB() *sql.DB { return r.db }

// CreateTable creates a table whose columns mirror the fields of
// sampleEntry. Every field must be a scalar kind.
func (r *Recorder) CreateTable(tableName string, sampleEntry any) error {
	if err := checkStructFields(sampleEntry); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	fields := strings.Join(structs.Names(sampleEntry), ", \n\t")
	createSQL := `CREATE TABLE ` + tableName +
		` (` + "\n\t" + fields + "\n" + `);`
	if _, err := r.db.Exec(createSQL); err != nil {
		return fmt.Errorf("failed to create table %s: %w", tableName, err)
	}

	r.tables[tableName] = &table{
		structType: reflect.TypeOf(sampleEntry),
		entries:    []any{},
	}

	return nil
}

// Insert buffers one row for tableName. The buffer is flushed once the
// batch size is reached.
func (r *Recorder) Insert(tableName string, entry any) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, exists := r.tables[tableName]
	if !exists {
		panic(fmt.Sprintf("table %s does not exist", tableName))
	}

	t.entries = append(t.entries, entry)
	r.entryCount++
	if r.entryCount >= r.batchSize {
		r.flushLocked()
	}
}

// ListTables returns the names of every created table.
func (r *Recorder) ListTables() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.tables))
	for name := range r.tables {
		names = append(names, name)
	}

	return names
}

// Flush writes all buffered rows to the database.
func (r *Recorder) Flush() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flushLocked()
}

// Close flushes and closes the database.
func (r *Recorder) Close() error {
	r.Flush()
	return r.db.Close()
}

func (r *Recorder) flushLocked() {
	if r.entryCount == 0 {
		return
	}

	r.mustExecute("BEGIN TRANSACTION")
	defer r.mustExecute("COMMIT TRANSACTION")

	for tableName, t := range r.tables {
		if len(t.entries) == 0 {
			continue
		}

		stmt := r.prepareStatement(tableName, t.entries[0])
		for _, entry := range t.entries {
			v := []any{}
			value := reflect.ValueOf(entry)
			for i := 0; i < value.NumField(); i++ {
				v = append(v, value.Field(i).Interface())
			}

			if _, err := stmt.Exec(v...); err != nil {
				panic(err)
			}
		}

		t.entries = nil
		stmt.Close()
	}

	r.entryCount = 0
}

func (r *Recorder) mustExecute(query string) {
	if _, err := r.db.Exec(query); err != nil {
		panic(fmt.Errorf("failed to execute %s: %w", query, err))
	}
}

func (r *Recorder) prepareStatement(tableName string, sample any) *sql.Stmt {
	n := structs.Names(sample)
	for i := range n {
		n[i] = "?"
	}

	sqlStr := "INSERT INTO " + tableName +
		" VALUES (" + strings.Join(n, ", ") + ")"
	stmt, err := r.db.Prepare(sqlStr)
	if err != nil {
		panic(err)
	}

	return stmt
}

func checkStructFields(entry any) error {
	types := reflect.TypeOf(entry)
	if types == nil || types.Kind() != reflect.Struct {
		return fmt.Errorf("entry must be a struct")
	}

	for i := 0; i < types.NumField(); i++ {
		if !isAllowedType(types.Field(i).Type.Kind()) {
			return fmt.Errorf("field %s has unsupported kind %s",
				types.Field(i).Name, types.Field(i).Type.Kind())
		}
	}

	return nil
}

func isAllowedType(kind reflect.Kind) bool {
	switch kind {
	case
		reflect.Bool,
		reflect.Int,
		reflect.Int8,
		reflect.Int16,
		reflect.Int32,
		reflect.Int64,
		reflect.Uint,
		reflect.Uint8,
		reflect.Uint16,
		reflect.Uint32,
		reflect.Uint64,
		reflect.Float32,
		reflect.Float64,
		reflect.String:
		return true
	default:
		return false
	}
}
