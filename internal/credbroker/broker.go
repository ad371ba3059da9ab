// Package credbroker issues short-lived PostgreSQL credentials for
// site containers. Each issuance mints a fresh role with a random
// password scoped to the site's database; the previous role is
// dropped so stale credentials stop working.
package credbroker

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/Rushilwiz/director4/internal/logx"
	"github.com/Rushilwiz/director4/schema"
	"pkt.systems/pslog"
)

const (
	dbPrefix   = "site_"
	rolePrefix = "site_"
)

// AdminDB executes statements against the cluster as an administrative
// role. *pgxpool.Pool satisfies it through the Pool wrapper.
type AdminDB interface {
	Exec(ctx context.Context, sql string, args ...any) error
}

// Config configures the broker.
type Config struct {
	// Endpoint is the host:port site containers reach the database on.
	Endpoint string
	// TTL bounds credential validity. Zero means 24h.
	TTL time.Duration
}

// Broker provisions databases and mints per-start credentials.
type Broker struct {
	admin    AdminDB
	endpoint string
	ttl      time.Duration

	mu    sync.Mutex
	roles map[schema.SiteID]string
}

// New constructs a broker.
func New(admin AdminDB, cfg Config) (*Broker, error) {
	if admin == nil {
		return nil, errors.New("admin database is required")
	}
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, errors.New("database endpoint is required")
	}
	ttl := cfg.TTL
	if ttl == 0 {
		ttl = 24 * time.Hour
	}
	return &Broker{
		admin:    admin,
		endpoint: cfg.Endpoint,
		ttl:      ttl,
		roles:    make(map[schema.SiteID]string),
	}, nil
}

// Issue provisions the site's database if needed and mints a fresh
// credential. The returned secret never repeats across issuances.
func (b *Broker) Issue(ctx context.Context, siteID schema.SiteID) (schema.DatabaseCredential, error) {
	log := logx.WithSite(ctx, siteID)
	if err := schema.ValidateSiteID(siteID); err != nil {
		return schema.DatabaseCredential{}, &schema.IssueError{SiteID: siteID, Err: err}
	}
	dbName := databaseName(siteID)
	suffix, err := randomSuffix(4)
	if err != nil {
		return schema.DatabaseCredential{}, &schema.IssueError{SiteID: siteID, Err: err}
	}
	role := roleName(siteID, suffix)
	secret, err := randomSecret(24)
	if err != nil {
		return schema.DatabaseCredential{}, &schema.IssueError{SiteID: siteID, Err: err}
	}
	expiry := time.Now().Add(b.ttl)

	log.Debug("credential issue start", "database", dbName)
	if err := b.ensureDatabase(ctx, dbName); err != nil {
		log.Warn("credential issue failed", "err", err)
		return schema.DatabaseCredential{}, classify(siteID, err)
	}
	if err := b.createRole(ctx, role, secret, expiry); err != nil {
		log.Warn("credential issue failed", "err", err)
		return schema.DatabaseCredential{}, classify(siteID, err)
	}
	if err := b.grant(ctx, dbName, role); err != nil {
		_ = b.dropRole(ctx, role)
		log.Warn("credential issue failed", "err", err)
		return schema.DatabaseCredential{}, classify(siteID, err)
	}

	b.mu.Lock()
	previous := b.roles[siteID]
	b.roles[siteID] = role
	b.mu.Unlock()
	if previous != "" && previous != role {
		if err := b.dropRole(ctx, previous); err != nil {
			log.Warn("stale role drop failed", "role", previous, "err", err)
		}
	}

	log.Info("credential issue ok", "database", dbName, "user", role, "expiry", expiry.Format(time.RFC3339))
	return schema.DatabaseCredential{
		Endpoint: b.endpoint,
		Database: dbName,
		User:     role,
		Secret:   secret,
		Expiry:   expiry,
	}, nil
}

// Revoke drops the site's current role so its credential stops
// working immediately.
func (b *Broker) Revoke(ctx context.Context, siteID schema.SiteID) error {
	b.mu.Lock()
	role := b.roles[siteID]
	delete(b.roles, siteID)
	b.mu.Unlock()
	if role == "" {
		return nil
	}
	log := logx.WithSite(ctx, siteID)
	if err := b.dropRole(ctx, role); err != nil {
		log.Warn("credential revoke failed", "role", role, "err", err)
		return err
	}
	log.Info("credential revoke ok", "role", role)
	return nil
}

// Drop removes the site's database and role. Used on site deletion.
func (b *Broker) Drop(ctx context.Context, siteID schema.SiteID) error {
	if err := schema.ValidateSiteID(siteID); err != nil {
		return err
	}
	log := logx.WithSite(ctx, siteID)
	if err := b.Revoke(ctx, siteID); err != nil {
		return err
	}
	dbName := databaseName(siteID)
	if err := b.admin.Exec(ctx, fmt.Sprintf("DROP DATABASE IF EXISTS %s", quoteIdent(dbName))); err != nil {
		log.Warn("database drop failed", "database", dbName, "err", err)
		return err
	}
	log.Info("database drop ok", "database", dbName)
	return nil
}

func (b *Broker) ensureDatabase(ctx context.Context, dbName string) error {
	err := b.admin.Exec(ctx, fmt.Sprintf("CREATE DATABASE %s", quoteIdent(dbName)))
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "42P04" {
		// Duplicate database, already provisioned.
		return nil
	}
	return err
}

func (b *Broker) createRole(ctx context.Context, role, secret string, expiry time.Time) error {
	stmt := fmt.Sprintf("CREATE ROLE %s LOGIN PASSWORD %s VALID UNTIL %s",
		quoteIdent(role), quoteLiteral(secret), quoteLiteral(expiry.UTC().Format(time.RFC3339)))
	return b.admin.Exec(ctx, stmt)
}

func (b *Broker) grant(ctx context.Context, dbName, role string) error {
	return b.admin.Exec(ctx, fmt.Sprintf("GRANT ALL PRIVILEGES ON DATABASE %s TO %s",
		quoteIdent(dbName), quoteIdent(role)))
}

func (b *Broker) dropRole(ctx context.Context, role string) error {
	err := b.admin.Exec(ctx, fmt.Sprintf("DROP ROLE IF EXISTS %s", quoteIdent(role)))
	if err != nil {
		pslog.Ctx(ctx).Debug("role drop error", "role", role, "err", err)
	}
	return err
}

// classify wraps err as an IssueError, marking connection-level and
// resource-pressure failures transient so callers retry with backoff.
func classify(siteID schema.SiteID, err error) error {
	transient := false
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "53300", "57P03", "58000", "08006", "08001":
			// too_many_connections, cannot_connect_now, system_error,
			// connection failures.
			transient = true
		}
	} else if errors.Is(err, context.DeadlineExceeded) {
		transient = true
	} else if pgconn.SafeToRetry(err) {
		transient = true
	}
	return &schema.IssueError{SiteID: siteID, Transient: transient, Err: err}
}

func databaseName(siteID schema.SiteID) string {
	return dbPrefix + strings.ReplaceAll(string(siteID), "-", "_")
}

func roleName(siteID schema.SiteID, suffix string) string {
	return rolePrefix + strings.ReplaceAll(string(siteID), "-", "_") + "_" + suffix
}

func randomSuffix(bytes int) (string, error) {
	buf := make([]byte, bytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func randomSecret(bytes int) (string, error) {
	buf := make([]byte, bytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// quoteIdent double-quotes an identifier. Inputs derive from validated
// site ids plus hex suffixes, quoting guards against future drift.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func quoteLiteral(value string) string {
	return "'" + strings.ReplaceAll(value, "'", "''") + "'"
}
