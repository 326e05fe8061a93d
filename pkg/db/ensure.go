package db

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const ensureLogPrefix = "db:ensure"

var safeDBName = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

// traceExtensions back the defaults of the trace schema (gen_random_uuid).
var traceExtensions = []string{"pgcrypto"}

// TraceTarget is where the trace store lives: the database name and the URLs
// used to reach it and the maintenance database on the same server.
type TraceTarget struct {
	Name     string
	URL      string
	AdminURL string
}

// ResolveTraceTarget derives the trace database from databaseURL. A non-empty
// name overrides the database named in the URL; host, credentials and query
// options are kept.
func ResolveTraceTarget(databaseURL, name string) (*TraceTarget, error) {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("%s - invalid database URL: %w", ensureLogPrefix, err)
	}
	if name == "" {
		name = strings.TrimPrefix(u.Path, "/")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%s - no database name in URL or arguments", ensureLogPrefix)
	}
	if !safeDBName.MatchString(name) {
		return nil, fmt.Errorf("%s - database name %q contains invalid characters", ensureLogPrefix, name)
	}

	target := *u
	target.Path = "/" + name
	admin := *u
	admin.Path = "/postgres"
	return &TraceTarget{Name: name, URL: target.String(), AdminURL: admin.String()}, nil
}

// EnsureDatabase creates the trace database if it is missing and enables the
// extensions its schema needs. An empty name means the database named in
// databaseURL. It returns the resolved target.
func EnsureDatabase(ctx context.Context, databaseURL, name string) (*TraceTarget, error) {
	target, err := ResolveTraceTarget(databaseURL, name)
	if err != nil {
		return nil, err
	}

	config, err := pgxpool.ParseConfig(target.AdminURL)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to parse postgres URL: %w", ensureLogPrefix, err)
	}
	config.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	admin, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to connect to postgres: %w", ensureLogPrefix, err)
	}
	var exists bool
	err = admin.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM pg_database WHERE datname = $1)`, target.Name).Scan(&exists)
	if err == nil && !exists {
		slog.Info(fmt.Sprintf("%s - Creating trace database %q", ensureLogPrefix, target.Name))
		_, err = admin.Exec(ctx, "CREATE DATABASE "+quoteIdent(target.Name))
	}
	admin.Close()
	if err != nil {
		return nil, fmt.Errorf("%s - create %q: %w", ensureLogPrefix, target.Name, err)
	}

	pool, err := pgxpool.New(ctx, target.URL)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to connect to %q: %w", ensureLogPrefix, target.Name, err)
	}
	defer pool.Close()
	if err := enableExtensions(ctx, pool); err != nil {
		return nil, err
	}
	return target, nil
}

func enableExtensions(ctx context.Context, q Querier) error {
	for _, ext := range traceExtensions {
		if _, err := q.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS "+quoteIdent(ext)); err != nil {
			return fmt.Errorf("%s - CREATE EXTENSION %s: %w", ensureLogPrefix, ext, err)
		}
	}
	return nil
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
