package postgres

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/truemark/albpriority/logging"
)

// validIdentifier matches valid PostgreSQL unquoted identifiers.
// Must start with letter or underscore, followed by letters, digits, or underscores.
var validIdentifier = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const (
	// DefaultTable is the default name of the allocation table.
	DefaultTable = "listener_priorities"

	// DefaultSource is the provenance tag written to new rows.
	DefaultSource = "CDK"
)

// SSLMode represents PostgreSQL SSL connection modes.
type SSLMode string

const (
	SSLModeDisable    SSLMode = "disable"     // No SSL
	SSLModeAllow      SSLMode = "allow"       // Try non-SSL first, then SSL
	SSLModePrefer     SSLMode = "prefer"      // Try SSL first, then non-SSL (default)
	SSLModeRequire    SSLMode = "require"     // Only SSL (no certificate verification)
	SSLModeVerifyCA   SSLMode = "verify-ca"   // SSL with CA verification
	SSLModeVerifyFull SSLMode = "verify-full" // SSL with CA and hostname verification
)

// Option is a functional option for configuring a Client.
type Option func(*options)

type options struct {
	host                      string
	port                      int
	user                      string
	password                  string
	database                  string
	sslMode                   SSLMode
	poolMaxConnections        *int32
	poolMinConnections        *int32
	poolMaxConnectionLifetime *time.Duration
	poolMaxConnectionIdleTime *time.Duration
	table                     string
	source                    string
	clock                     func() time.Time
	logger                    logging.Logger
}

func newOptions() *options {
	return &options{
		host:    "localhost",
		port:    5432,
		sslMode: SSLModePrefer,
		table:   DefaultTable,
		source:  DefaultSource,
		clock:   time.Now,
		logger:  logging.Noop(),
	}
}

func WithHost(host string) Option {
	return func(o *options) { o.host = host }
}

func WithPort(port int) Option {
	return func(o *options) { o.port = port }
}

func WithUser(user string) Option {
	return func(o *options) { o.user = user }
}

func WithPassword(password string) Option {
	return func(o *options) { o.password = password }
}

func WithDatabase(database string) Option {
	return func(o *options) { o.database = database }
}

func WithSSLMode(mode SSLMode) Option {
	return func(o *options) { o.sslMode = mode }
}

func WithPoolMaxConnections(n int32) Option {
	return func(o *options) { o.poolMaxConnections = &n }
}

func WithPoolMinConnections(n int32) Option {
	return func(o *options) { o.poolMinConnections = &n }
}

func WithPoolMaxConnectionLifetime(d time.Duration) Option {
	return func(o *options) { o.poolMaxConnectionLifetime = &d }
}

func WithPoolMaxConnectionIdleTime(d time.Duration) Option {
	return func(o *options) { o.poolMaxConnectionIdleTime = &d }
}

// WithTable sets the allocation table name. The default is [DefaultTable].
func WithTable(name string) Option {
	return func(o *options) { o.table = name }
}

// WithSource sets the provenance tag written to new rows. The default is
// [DefaultSource].
func WithSource(source string) Option {
	return func(o *options) { o.source = source }
}

// WithClock sets the clock used for the allocated_at column.
func WithClock(clock func() time.Time) Option {
	return func(o *options) { o.clock = clock }
}

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(logger logging.Logger) Option {
	return func(o *options) { o.logger = logger }
}

type dbRow struct {
	DataType   string
	IsNullable string
}

func (o *options) validate() error {
	if o.port < 1 || o.port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", o.port)
	}

	if o.user == "" {
		return errors.New("user is required")
	}

	if o.database == "" {
		return errors.New("database is required")
	}

	if !o.sslMode.isValid() {
		return fmt.Errorf("invalid SSL mode: %s", o.sslMode)
	}

	if err := validateTableName(o.table); err != nil {
		return fmt.Errorf("invalid allocation table name: %w", err)
	}

	if o.source == "" {
		return errors.New("source cannot be empty")
	}

	if o.clock == nil {
		return errors.New("clock cannot be nil")
	}

	if o.logger == nil {
		return errors.New("logger cannot be nil")
	}

	return nil
}

func validateTableName(name string) error {
	if !validIdentifier.MatchString(name) {
		return fmt.Errorf("table name %q contains invalid characters", name)
	}

	return nil
}

// isValid returns true if the SSL mode is a valid PostgreSQL SSL mode.
func (s SSLMode) isValid() bool {
	switch s {
	case SSLModeDisable, SSLModeAllow, SSLModePrefer, SSLModeRequire, SSLModeVerifyCA, SSLModeVerifyFull:
		return true
	default:
		return false
	}
}

func (o *options) connectionString() string {
	host := net.JoinHostPort(o.host, strconv.Itoa(o.port))

	user := url.QueryEscape(o.user)

	if o.password != "" {
		user += ":" + url.QueryEscape(o.password)
	}

	return fmt.Sprintf("postgres://%s@%s/%s?sslmode=%s", user, host, o.database, o.sslMode)
}

func (o *options) createStatements() []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (listener_id text NOT NULL, priority integer NOT NULL CHECK (priority BETWEEN 1 AND 50000), service_id text NOT NULL, allocated_at TIMESTAMP WITH TIME ZONE NOT NULL, source text NOT NULL, PRIMARY KEY (listener_id, priority));`, o.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_service_listener_idx ON %s (service_id, listener_id);`, o.table, o.table),
	}
}

func (o *options) dropStatements() []string {
	return []string{
		fmt.Sprintf("DROP TABLE IF EXISTS %s CASCADE;", o.table),
	}
}

func (o *options) verifyCurrentDatabaseVersion(actualRows map[string]*dbRow) error {
	expectedRows := map[string]*dbRow{
		o.table + ".listener_id":  {DataType: "text", IsNullable: "NO"},
		o.table + ".priority":     {DataType: "integer", IsNullable: "NO"},
		o.table + ".service_id":   {DataType: "text", IsNullable: "NO"},
		o.table + ".allocated_at": {DataType: "timestamp with time zone", IsNullable: "NO"},
		o.table + ".source":       {DataType: "text", IsNullable: "NO"},
	}

	for id, expectedRow := range expectedRows {
		actual, ok := actualRows[id]
		if !ok {
			return fmt.Errorf("expected row '%s' not found in current database schema", id)
		}

		if !strings.EqualFold(actual.DataType, expectedRow.DataType) {
			return fmt.Errorf("data type mismatch for '%s': expected %s, got %s", id, expectedRow.DataType, actual.DataType)
		}

		if !strings.EqualFold(actual.IsNullable, expectedRow.IsNullable) {
			return fmt.Errorf("nullability mismatch for '%s': expected %s, got %s", id, expectedRow.IsNullable, actual.IsNullable)
		}
	}

	return nil
}
