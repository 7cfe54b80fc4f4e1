package store

import (
	"fmt"

	"github.com/jessevdk/go-flags"
	"github.com/pkg/errors"

	"go.docstore.dev/sqlite/metrics"
	"go.docstore.dev/sqlite/registry"
	"go.docstore.dev/sqlite/schema"
)

// Document is the host framework's document representation: a decoded
// JSON object keyed on top-level field names.
type Document map[string]interface{}

// Config is the adapter factory configuration.
type Config struct {
	Dir                string `long:"dir" env:"DIR" default:"." description:"Directory holding database files"`
	DatabaseNamePrefix string `long:"db-name-prefix" env:"DB_NAME_PREFIX" description:"Prefix applied to physical database file names"`
	JournalMode        string `long:"journal-mode" env:"JOURNAL_MODE" default:"WAL" description:"Journal mode configured at connection open (never per-operation)"`

	Validation ValidationStrategy `group:"Validation" namespace:"validation" env-namespace:"VALIDATION"`
}

// ValidationStrategy selects the lifecycle points at which the pluggable
// validator runs. The three flags are independent.
type ValidationStrategy struct {
	BeforeInsert bool `long:"before-insert" env:"BEFORE_INSERT" description:"Validate each document before it is first inserted"`
	BeforeSave   bool `long:"before-save" env:"BEFORE_SAVE" description:"Validate each document before an existing document is overwritten"`
	OnQuery      bool `long:"on-query" env:"ON_QUERY" description:"Validate each document returned from a query"`
}

// ParseConfig builds a Config from command-line style arguments and bound
// environment variables, applying tag defaults. Unknown flags are not an
// error; they are returned for the host to interpret.
func ParseConfig(args []string) (Config, []string, error) {
	var cfg Config
	var rest, err = flags.NewParser(&cfg, flags.IgnoreUnknown).ParseArgs(args)
	if err != nil {
		return Config{}, nil, errors.WithMessage(err, "parsing configuration")
	}
	return cfg, rest, nil
}

// enabled returns whether the strategy enables validation at |p|.
func (s ValidationStrategy) enabled(p Point) bool {
	switch p {
	case PointInsert:
		return s.BeforeInsert
	case PointSave:
		return s.BeforeSave
	case PointQuery:
		return s.OnQuery
	default:
		return false
	}
}

// Point is a validation lifecycle insertion point.
type Point int

const (
	// PointInsert is reached before a document is first inserted.
	PointInsert Point = iota
	// PointSave is reached before an existing document is overwritten.
	PointSave
	// PointQuery is reached for each document returned from a query.
	PointQuery
)

// String returns the point's name.
func (p Point) String() string {
	switch p {
	case PointInsert:
		return "pre-insert"
	case PointSave:
		return "pre-save"
	case PointQuery:
		return "pre-query-return"
	default:
		return fmt.Sprintf("invalid-point(%d)", int(p))
	}
}

// Validator is the pluggable document validator. A non-nil returned error
// rejects the specific document at the specific lifecycle point.
type Validator func(sch schema.Collection, doc Document) error

// ValidationError is returned when the validator rejects a document. It
// aborts only the operation the point was attached to: the specific row of
// a bulk write, or the query which would have returned the document.
type ValidationError struct {
	Point      Point
	DocumentID string
	Err        error
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.DocumentID != "" {
		return fmt.Sprintf("validation at %s of document %q: %s", e.Point, e.DocumentID, e.Err)
	}
	return fmt.Sprintf("validation at %s: %s", e.Point, e.Err)
}

// Unwrap returns the underlying cause.
func (e *ValidationError) Unwrap() error { return e.Err }

// Adapter is the storage adapter factory: it opens collection-backed
// instances of one layout, resolving connections through an injected
// Registry.
type Adapter struct {
	layout    schema.Layout
	cfg       Config
	registry  *registry.Registry
	validator Validator
}

// Option customizes an Adapter.
type Option func(*Adapter)

// WithValidator installs the pluggable document validator. Without one,
// the validation gate is a no-op regardless of strategy.
func WithValidator(v Validator) Option {
	return func(a *Adapter) { a.validator = v }
}

// NewAdapter returns an Adapter of the layout, resolving connections
// through |reg|.
func NewAdapter(layout schema.Layout, cfg Config, reg *registry.Registry, opts ...Option) *Adapter {
	var a = &Adapter{layout: layout, cfg: cfg, registry: reg}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Layout returns the adapter's layout.
func (a *Adapter) Layout() schema.Layout { return a.layout }

// maybeValidate invokes the validator at |point| if the strategy enables
// it. It is called for every occurrence of the point: every row of a bulk
// write, and every document returned from a query.
func (a *Adapter) maybeValidate(point Point, sch schema.Collection, id string, doc Document) error {
	if a.validator == nil || !a.cfg.Validation.enabled(point) {
		return nil
	}
	if err := a.validator(sch, doc); err != nil {
		metrics.ValidationRejectionsTotal.Inc()
		return &ValidationError{Point: point, DocumentID: id, Err: err}
	}
	return nil
}

// Open validates and compiles the collection's schema, resolves the
// logical database's connection (opening it on first access), and ensures
// the collection's table and change log exist. The returned Instance is
// ready for use. Open of the same (database, collection) pair by multiple
// callers yields independent instances sharing one connection.
func (a *Adapter) Open(dbName, collection string, sch schema.Collection) (*Instance, error) {
	if err := schema.ValidateIdentifier(collection); err != nil {
		return nil, &schema.CompilationError{Collection: collection, Err: err}
	}
	var spec, err = schema.Compile(a.layout, sch)
	if err != nil {
		return nil, err
	}
	conn, err := a.registry.GetOrOpen(a.layout, dbName, registry.Options{
		Dir:         a.cfg.Dir,
		Prefix:      a.cfg.DatabaseNamePrefix,
		JournalMode: a.cfg.JournalMode,
	})
	if err != nil {
		return nil, err
	}
	return newInstance(a, conn, dbName, collection, sch, spec)
}
