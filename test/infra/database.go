package infra

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/jackc/pgx/v5"
)

const (
	stressRole     = "dispute_tester"
	stressPassword = "dispute_tester"
)

// LocalDatabase is a throwaway database on a Postgres server already running
// on this machine, used when Docker is unavailable.
type LocalDatabase struct {
	Name string
	DSN  string

	admin string
}

// localAddr honours PGHOST and PGPORT, defaulting to 127.0.0.1:5432.
func localAddr() string {
	host, port := os.Getenv("PGHOST"), os.Getenv("PGPORT")
	if host == "" {
		host = "127.0.0.1"
	}
	if port == "" {
		port = "5432"
	}
	return net.JoinHostPort(host, port)
}

// adminCandidates lists superuser DSNs to try. STRESS_TEST_PG_ADMIN_DSN, when
// set, is the only candidate.
func adminCandidates(addr string) []string {
	if dsn := os.Getenv("STRESS_TEST_PG_ADMIN_DSN"); dsn != "" {
		return []string{dsn}
	}
	user := os.Getenv("USER")
	return []string{
		fmt.Sprintf("postgres://postgres@%s/postgres?sslmode=disable", addr),
		fmt.Sprintf("postgres://postgres:postgres@%s/postgres?sslmode=disable", addr),
		fmt.Sprintf("postgres://%s@%s/postgres?sslmode=disable", user, addr),
	}
}

// CreateLocalDatabase recreates name on the local server, owned by a
// dedicated login role, and returns its DSN. Drop removes it again.
func CreateLocalDatabase(ctx context.Context, name string) (*LocalDatabase, error) {
	addr := localAddr()
	dialCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	nc, err := (&net.Dialer{}).DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("infra: no local postgres on %s: %w", addr, err)
	}
	_ = nc.Close()

	var (
		conn  *pgx.Conn
		admin string
		errs  []error
	)
	for _, dsn := range adminCandidates(addr) {
		c, err := pgx.Connect(ctx, dsn)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		conn, admin = c, dsn
		break
	}
	if conn == nil {
		return nil, fmt.Errorf("infra: connect as admin: %w", errors.Join(errs...))
	}
	defer conn.Close(ctx)

	role := pgx.Identifier{stressRole}.Sanitize()
	db := pgx.Identifier{name}.Sanitize()
	steps := []string{
		fmt.Sprintf(`DO $$ BEGIN CREATE ROLE %s WITH LOGIN PASSWORD '%s'; EXCEPTION WHEN duplicate_object THEN NULL; END $$`, role, stressPassword),
		fmt.Sprintf(`SELECT pg_terminate_backend(pid) FROM pg_stat_activity WHERE datname = '%s' AND pid <> pg_backend_pid()`, name),
		`DROP DATABASE IF EXISTS ` + db,
		fmt.Sprintf(`CREATE DATABASE %s OWNER %s`, db, role),
	}
	for _, sql := range steps {
		if _, err := conn.Exec(ctx, sql); err != nil {
			return nil, fmt.Errorf("infra: prepare %s: %w", name, err)
		}
	}

	return &LocalDatabase{
		Name:  name,
		DSN:   fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=disable", stressRole, stressPassword, addr, name),
		admin: admin,
	}, nil
}

// Drop removes the database. Connections still open against it are killed.
func (d *LocalDatabase) Drop(ctx context.Context) error {
	if d == nil || d.admin == "" {
		return nil
	}
	conn, err := pgx.Connect(ctx, d.admin)
	if err != nil {
		return fmt.Errorf("infra: drop %s: %w", d.Name, err)
	}
	defer conn.Close(ctx)
	if _, err := conn.Exec(ctx, `DROP DATABASE IF EXISTS `+pgx.Identifier{d.Name}.Sanitize()+` WITH (FORCE)`); err != nil {
		return fmt.Errorf("infra: drop %s: %w", d.Name, err)
	}
	return nil
}
