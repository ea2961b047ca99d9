package mysql

import (
	"context"
	"database/sql"
	sqldriver "database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	driver "github.com/go-sql-driver/mysql"

	"dbsnap/internal/config"
)

// Client is the administrative control channel of one database instance.
type Client interface {
	Name() string
	StopReplica(ctx context.Context) error
	StartReplica(ctx context.Context) error
	LockTables(ctx context.Context) error
	UnlockTables(ctx context.Context) error
	FlushBinaryLogs(ctx context.Context) error
	PurgeBinaryLogsTo(ctx context.Context, file string) error
	MasterStatus(ctx context.Context) (*Status, error)
	ReplicaStatus(ctx context.Context) (*Status, error)
	Ping(ctx context.Context) error
	Close() error
}

// Conn runs every statement on one pinned session: the global read lock
// belongs to the session that took it.
type Conn struct {
	name   string
	db     *sql.DB
	logger *slog.Logger

	mu   sync.Mutex
	conn *sql.Conn
}

func driverConfig(inst config.Instance, user, password string, timeout time.Duration) *driver.Config {
	cfg := driver.NewConfig()
	cfg.User = user
	cfg.Passwd = password
	if inst.Socket != "" {
		cfg.Net = "unix"
		cfg.Addr = inst.Socket
	} else {
		cfg.Net = "tcp"
		cfg.Addr = inst.Address
	}
	cfg.Timeout = timeout
	return cfg
}

func Open(inst config.Instance, user, password string, timeout time.Duration, logger *slog.Logger) (*Conn, error) {
	connector, err := driver.NewConnector(driverConfig(inst, user, password, timeout))
	if err != nil {
		return nil, fmt.Errorf("failed to create connector for %s: %w", inst.Name, err)
	}
	db := sql.OpenDB(connector)
	db.SetMaxOpenConns(2)
	return NewConn(inst.Name, db, logger), nil
}

// NewConn wraps an already opened pool.
func NewConn(name string, db *sql.DB, logger *slog.Logger) *Conn {
	if logger == nil {
		logger = slog.Default()
	}
	return &Conn{name: name, db: db, logger: logger}
}

func (c *Conn) Name() string { return c.name }

func (c *Conn) session(ctx context.Context) (*sql.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn, nil
	}
	conn, err := c.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", c.name, err)
	}
	c.conn = conn
	return conn, nil
}

// drop discards the pinned session once a statement has left it unusable:
// an interrupted statement makes the driver close the socket. The next
// statement opens a fresh session; a read lock dies with the old one.
func (c *Conn) drop(ctx context.Context, conn *sql.Conn, err error) {
	if ctx.Err() == nil &&
		!errors.Is(err, sqldriver.ErrBadConn) &&
		!errors.Is(err, sql.ErrConnDone) &&
		!errors.Is(err, driver.ErrInvalidConn) {
		return
	}
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	conn.Close()
	c.logger.Warn("Dropped database session", "instance", c.name, "error", err)
}

func (c *Conn) exec(ctx context.Context, stmt string) error {
	c.logger.Info("Executing statement", "instance", c.name, "sql", stmt)
	conn, err := c.session(ctx)
	if err != nil {
		return err
	}
	if _, err := conn.ExecContext(ctx, stmt); err != nil {
		c.drop(ctx, conn, err)
		return fmt.Errorf("%s on %s: %w", stmt, c.name, err)
	}
	return nil
}

func (c *Conn) queryStatus(ctx context.Context, stmt string) (*Status, error) {
	c.logger.Info("Executing statement", "instance", c.name, "sql", stmt)
	conn, err := c.session(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := conn.QueryContext(ctx, stmt)
	if err != nil {
		c.drop(ctx, conn, err)
		return nil, fmt.Errorf("%s on %s: %w", stmt, c.name, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	status := &Status{Values: make(map[string]string)}
	if !rows.Next() {
		return status, rows.Err()
	}

	vals := make([]sql.NullString, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, fmt.Errorf("failed to scan %s on %s: %w", stmt, c.name, err)
	}
	status.Columns = cols
	for i, col := range cols {
		status.Values[col] = vals[i].String
	}
	return status, rows.Err()
}

func (c *Conn) StopReplica(ctx context.Context) error  { return c.exec(ctx, "STOP SLAVE") }
func (c *Conn) StartReplica(ctx context.Context) error { return c.exec(ctx, "START SLAVE") }
func (c *Conn) LockTables(ctx context.Context) error {
	return c.exec(ctx, "FLUSH TABLES WITH READ LOCK")
}
func (c *Conn) UnlockTables(ctx context.Context) error    { return c.exec(ctx, "UNLOCK TABLES") }
func (c *Conn) FlushBinaryLogs(ctx context.Context) error { return c.exec(ctx, "FLUSH BINARY LOGS") }

func (c *Conn) PurgeBinaryLogsTo(ctx context.Context, file string) error {
	if file == "" || strings.ContainsAny(file, "'\\") {
		return fmt.Errorf("invalid binary log name %q", file)
	}
	return c.exec(ctx, fmt.Sprintf("PURGE BINARY LOGS TO '%s'", file))
}

func (c *Conn) MasterStatus(ctx context.Context) (*Status, error) {
	s, err := c.queryStatus(ctx, "SHOW MASTER STATUS")
	if err != nil {
		return nil, err
	}
	if s.Get("File") == "" {
		return nil, fmt.Errorf("binary logging is not enabled on %s", c.name)
	}
	return s, nil
}

func (c *Conn) ReplicaStatus(ctx context.Context) (*Status, error) {
	return c.queryStatus(ctx, "SHOW SLAVE STATUS")
}

func (c *Conn) Ping(ctx context.Context) error {
	conn, err := c.session(ctx)
	if err != nil {
		return err
	}
	if err := conn.PingContext(ctx); err != nil {
		c.drop(ctx, conn, err)
		return err
	}
	return nil
}

func (c *Conn) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	return c.db.Close()
}

// OpenAll opens a client per configured instance, in configuration order.
func OpenAll(cfg *config.Config, logger *slog.Logger) ([]Client, error) {
	password, err := cfg.MySQLPassword()
	if err != nil {
		return nil, err
	}
	clients := make([]Client, 0, len(cfg.Instances))
	for _, inst := range cfg.Instances {
		c, err := Open(inst, cfg.MySQL.User, password, cfg.MySQL.ConnectTimeout, logger)
		if err != nil {
			CloseAll(clients)
			return nil, err
		}
		clients = append(clients, c)
	}
	return clients, nil
}

func CloseAll(clients []Client) {
	for _, c := range clients {
		if err := c.Close(); err != nil {
			slog.Warn("Failed to close connection", "instance", c.Name(), "error", err)
		}
	}
}
