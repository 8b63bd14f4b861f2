package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/truemark/albpriority/logging"
	"github.com/truemark/albpriority/priority"
)

var errNotConnected = errors.New("client is not connected")

// pool defines the interface for database operations.
// This interface is satisfied by *pgxpool.Pool and can be mocked for testing.
type pool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
	Ping(ctx context.Context) error
}

// Client is the PostgreSQL-backed allocation store.
type Client struct {
	conn   pool
	opts   *options
	logger logging.Logger
}

func New(opts ...Option) *Client {
	o := newOptions()
	for _, opt := range opts {
		opt(o)
	}

	logger := o.logger
	if logger == nil {
		logger = logging.Noop()
	}

	return &Client{
		opts:   o,
		logger: logger.WithField("component", "postgres").WithField("table_name", o.table),
	}
}

func (c *Client) Connect(ctx context.Context) error {
	// Close existing connection if any to prevent leaks
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}

	if err := c.opts.validate(); err != nil {
		return fmt.Errorf("invalid Postgres db configuration: %w", err)
	}

	config, err := pgxpool.ParseConfig(c.opts.connectionString())
	if err != nil {
		return fmt.Errorf("failed to parse Postgres db connection string: %w", err)
	}

	if c.opts.poolMaxConnections != nil {
		config.MaxConns = *c.opts.poolMaxConnections
	}

	if c.opts.poolMinConnections != nil {
		config.MinConns = *c.opts.poolMinConnections
	}

	if c.opts.poolMaxConnectionLifetime != nil {
		config.MaxConnLifetime = *c.opts.poolMaxConnectionLifetime
	}

	if c.opts.poolMaxConnectionIdleTime != nil {
		config.MaxConnIdleTime = *c.opts.poolMaxConnectionIdleTime
	}

	conn, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return fmt.Errorf("failed to create new Postgres connection pool: %w", err)
	}

	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return fmt.Errorf("failed to ping Postgres db: %w", err)
	}

	c.conn = conn

	return nil
}

func (c *Client) Close(_ context.Context) error {
	if c.conn == nil {
		return nil
	}

	c.conn.Close()

	c.conn = nil

	return nil
}

// Init creates the allocation table and its service index if they do not
// exist, then verifies the column layout unless skipSchemaValidation is true.
func (c *Client) Init(ctx context.Context, skipSchemaValidation bool) error {
	if c.conn == nil {
		return errNotConnected
	}

	tx, err := c.conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin init transaction: %w", err)
	}

	defer func() { _ = tx.Rollback(ctx) }() // No-op if committed

	for _, sql := range c.opts.createStatements() {
		if _, err := tx.Exec(ctx, sql); err != nil {
			return fmt.Errorf("failed to execute create statement: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit init transaction: %w", err)
	}

	if skipSchemaValidation {
		return nil
	}

	query := "SELECT table_name, column_name, data_type, is_nullable FROM information_schema.columns WHERE table_schema = 'public' ORDER BY ordinal_position"

	rows, err := c.conn.Query(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to query information schema: %w", err)
	}

	defer rows.Close()

	infoRows := map[string]*dbRow{}

	for rows.Next() {
		var table, column string
		infoRow := &dbRow{}

		if err := rows.Scan(&table, &column, &infoRow.DataType, &infoRow.IsNullable); err != nil {
			return fmt.Errorf("failed to scan row from information schema: %w", err)
		}

		infoRows[table+"."+column] = infoRow
	}

	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating over rows from information schema: %w", err)
	}

	if err := c.opts.verifyCurrentDatabaseVersion(infoRows); err != nil {
		return fmt.Errorf("failed to verify current database version: %w", err)
	}

	return nil
}

// DropAllData drops the allocation table. Intended for tests only.
func (c *Client) DropAllData(ctx context.Context) error {
	if c.conn == nil {
		return errNotConnected
	}

	tx, err := c.conn.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin drop tables transaction: %w", err)
	}

	defer func() { _ = tx.Rollback(ctx) }() // No-op if committed

	for _, sql := range c.opts.dropStatements() {
		if _, err := tx.Exec(ctx, sql); err != nil {
			return fmt.Errorf("failed to execute drop statement: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit drop tables transaction: %w", err)
	}

	return nil
}

// FindByService returns the priority held by serviceID on listenerID. If
// several rows exist for the service, the earliest allocation wins.
func (c *Client) FindByService(ctx context.Context, listenerID, serviceID string) (int, bool, error) {
	if c.conn == nil {
		return 0, false, errNotConnected
	}

	if listenerID == "" {
		return 0, false, errors.New("listener ID cannot be empty")
	}

	if serviceID == "" {
		return 0, false, errors.New("service ID cannot be empty")
	}

	query := fmt.Sprintf("SELECT priority FROM %s WHERE service_id = $1 AND listener_id = $2 ORDER BY allocated_at LIMIT 1", c.opts.table)

	row := c.conn.QueryRow(ctx, query, serviceID, listenerID)

	var p int

	if err := row.Scan(&p); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}

		return 0, false, fmt.Errorf("failed to find allocation by service in Postgres db: %w", err)
	}

	if !priority.Valid(p) {
		c.logger.WithField("listener_id", listenerID).WithField("service_id", serviceID).
			Warnf("Ignoring row with invalid priority %d", p)
		return 0, false, nil
	}

	return p, true, nil
}

// ListPriorities returns every valid priority recorded for listenerID.
func (c *Client) ListPriorities(ctx context.Context, listenerID string) (priority.Set, error) {
	records, err := c.ListRecords(ctx, listenerID)
	if err != nil {
		return nil, err
	}

	priorities := priority.NewSet()

	for _, r := range records {
		priorities.Add(r.Priority)
	}

	return priorities, nil
}

// ListRecords returns every row for listenerID in ascending priority order.
func (c *Client) ListRecords(ctx context.Context, listenerID string) ([]priority.Record, error) {
	if c.conn == nil {
		return nil, errNotConnected
	}

	if listenerID == "" {
		return nil, errors.New("listener ID cannot be empty")
	}

	query := fmt.Sprintf("SELECT listener_id, priority, service_id, allocated_at, source FROM %s WHERE listener_id = $1 ORDER BY priority", c.opts.table)

	rows, err := c.conn.Query(ctx, query, listenerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list allocations in Postgres db: %w", err)
	}

	defer rows.Close()

	var records []priority.Record

	for rows.Next() {
		var r priority.Record

		if err := rows.Scan(&r.ListenerID, &r.Priority, &r.ServiceID, &r.AllocatedAt, &r.Source); err != nil {
			return nil, fmt.Errorf("failed to scan allocation row: %w", err)
		}

		if !priority.Valid(r.Priority) {
			c.logger.WithField("listener_id", listenerID).Warnf("Ignoring row with invalid priority %d", r.Priority)
			continue
		}

		records = append(records, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating over allocation rows: %w", err)
	}

	return records, nil
}

// TryInsert claims p on listenerID for serviceID. It returns false, without
// error, when the (listener, priority) row already exists.
func (c *Client) TryInsert(ctx context.Context, listenerID, serviceID string, p int) (bool, error) {
	if c.conn == nil {
		return false, errNotConnected
	}

	if listenerID == "" {
		return false, errors.New("listener ID cannot be empty")
	}

	if serviceID == "" {
		return false, errors.New("service ID cannot be empty")
	}

	if !priority.Valid(p) {
		return false, fmt.Errorf("priority %d is outside the range [%d, %d]", p, priority.Min, priority.Max)
	}

	sql := fmt.Sprintf("INSERT INTO %s (listener_id, priority, service_id, allocated_at, source) VALUES ($1, $2, $3, $4, $5) ON CONFLICT (listener_id, priority) DO NOTHING", c.opts.table)

	allocatedAt := c.opts.clock().UTC().Truncate(time.Microsecond)

	tag, err := c.conn.Exec(ctx, sql, listenerID, p, serviceID, allocatedAt, c.opts.source)
	if err != nil {
		return false, fmt.Errorf("failed to insert priority %d in Postgres db: %w", p, err)
	}

	logger := c.logger.WithField("listener_id", listenerID).WithField("service_id", serviceID).WithField("priority", p)

	if tag.RowsAffected() == 0 {
		logger.Info("Priority already taken by a concurrent allocation")
		return false, nil
	}

	logger.Info("Priority allocated")

	return true, nil
}

// Delete removes the row for p on listenerID. Deleting a missing row is not
// an error.
func (c *Client) Delete(ctx context.Context, listenerID string, p int) error {
	if c.conn == nil {
		return errNotConnected
	}

	if listenerID == "" {
		return errors.New("listener ID cannot be empty")
	}

	sql := fmt.Sprintf("DELETE FROM %s WHERE listener_id = $1 AND priority = $2", c.opts.table)

	if _, err := c.conn.Exec(ctx, sql, listenerID, p); err != nil {
		return fmt.Errorf("failed to delete priority %d from Postgres db: %w", p, err)
	}

	c.logger.WithField("listener_id", listenerID).WithField("priority", p).Info("Priority released")

	return nil
}
