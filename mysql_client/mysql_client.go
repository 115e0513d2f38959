package mysqlclient

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-sql-driver/mysql"
)

type ConnectInput struct {
	Host     string
	Port     int32
	User     string
	Password string

	// Database to use. Empty connects without selecting one.
	Database string
}

func DSN(input *ConnectInput) string {
	cfg := mysql.NewConfig()
	cfg.Net = "tcp"
	cfg.Addr = fmt.Sprintf("%s:%d", input.Host, input.Port)
	cfg.User = input.User
	cfg.Passwd = input.Password
	cfg.DBName = input.Database
	cfg.Timeout = 30 * time.Second
	cfg.Params = map[string]string{"charset": "utf8"}
	return cfg.FormatDSN()
}

func Connect(ctx context.Context, input *ConnectInput) (*sql.DB, error) {
	db, err := sql.Open("mysql", DSN(input))
	if err != nil {
		return nil, err
	}
	err = db.PingContext(ctx)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("can't reach %s: %w", input.Host, err)
	}
	return db, nil
}

// Creates the benchmark database and a user with full rights on it. Run once
// per instance, as the master user, before any fixtures are loaded.
func Bootstrap(ctx context.Context, db *sql.DB, database, user, password string) error {
	stmts := []string{
		fmt.Sprintf("CREATE DATABASE IF NOT EXISTS %s", database),
		fmt.Sprintf("CREATE USER IF NOT EXISTS '%s'@'%%' IDENTIFIED BY '%s'", user, password),
		fmt.Sprintf("GRANT ALL ON %s.* TO '%s'@'%%'", database, user),
		"FLUSH PRIVILEGES",
	}
	for _, stmt := range stmts {
		_, err := db.ExecContext(ctx, stmt)
		if err != nil {
			return fmt.Errorf("bootstrapping database %s: %w", database, err)
		}
	}
	slog.Debug("bootstrapped database", slog.String("database", database), slog.String("user", user))
	return nil
}
