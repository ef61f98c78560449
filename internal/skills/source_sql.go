package skills

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	// Drivers used by configured SQL skill sources.
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// SQLSource reads skill metadata from a relational table:
//
//	CREATE TABLE skills (
//	    namespace     TEXT NOT NULL,
//	    name          TEXT NOT NULL,
//	    description   TEXT NOT NULL,
//	    required_env  TEXT,           -- comma separated key names
//	    metadata      TEXT,           -- JSON object, optional
//	    body          TEXT NOT NULL,
//	    PRIMARY KEY (namespace, name)
//	)
//
// Scans select the metadata columns only; the body column is read by the
// loader.
type SQLSource struct {
	db          *sql.DB
	table       string
	placeholder func(n int) string
}

// NewSQLSource creates a SQL-backed source. driver selects the placeholder
// dialect: "postgres" uses $1..$n, everything else uses ?.
func NewSQLSource(db *sql.DB, driver, table string) *SQLSource {
	if table == "" {
		table = "skills"
	}
	ph := func(int) string { return "?" }
	if driver == "postgres" {
		ph = func(n int) string { return fmt.Sprintf("$%d", n) }
	}
	return &SQLSource{db: db, table: table, placeholder: ph}
}

// Scan selects metadata rows for the namespace.
func (s *SQLSource) Scan(ctx context.Context, namespace string) ([]*Skill, error) {
	query := fmt.Sprintf(
		"SELECT name, description, required_env, metadata FROM %s WHERE namespace = %s ORDER BY name",
		s.table, s.placeholder(1),
	)
	rows, err := s.db.QueryContext(ctx, query, namespace)
	if err != nil {
		return nil, fmt.Errorf("scan sql skills: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var skills []*Skill
	for rows.Next() {
		var name, description string
		var requiredEnv, metadata sql.NullString
		if err := rows.Scan(&name, &description, &requiredEnv, &metadata); err != nil {
			return nil, fmt.Errorf("scan sql skill row: %w", err)
		}
		if !slugRe.MatchString(name) || description == "" {
			continue
		}
		skill := &Skill{
			Namespace:   namespace,
			Name:        name,
			Description: description,
			Loader:      s.bodyLoader(namespace, name),
		}
		if requiredEnv.Valid && requiredEnv.String != "" {
			for _, key := range strings.Split(requiredEnv.String, ",") {
				if key = strings.TrimSpace(key); key != "" {
					skill.RequiredEnvVars = append(skill.RequiredEnvVars, key)
				}
			}
		}
		if metadata.Valid && metadata.String != "" {
			meta := map[string]string{}
			if err := json.Unmarshal([]byte(metadata.String), &meta); err == nil {
				skill.Metadata = meta
			}
		}
		skills = append(skills, skill)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sql skills: %w", err)
	}
	return skills, nil
}

func (s *SQLSource) bodyLoader(namespace, name string) BodyLoader {
	query := fmt.Sprintf(
		"SELECT body FROM %s WHERE namespace = %s AND name = %s",
		s.table, s.placeholder(1), s.placeholder(2),
	)
	return func(ctx context.Context) ([]byte, error) {
		var body string
		err := s.db.QueryRowContext(ctx, query, namespace, name).Scan(&body)
		if err != nil {
			return nil, fmt.Errorf("load skill body %s/%s: %w", namespace, name, err)
		}
		return []byte(body), nil
	}
}
