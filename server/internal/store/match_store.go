package store

import (
	"database/sql"
	"time"

	_ "github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/phuhao00/arenaserver/server/internal/utils"
)

const createMatchesTable = `
CREATE TABLE IF NOT EXISTS matches (
	match_id    TEXT PRIMARY KEY,
	started_at  TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ NOT NULL,
	turns       INTEGER NOT NULL,
	clients     INTEGER NOT NULL
)`

// MatchStore archives finished matches in Postgres. Optional: the
// supervisor only opens it when a database URL is configured, and archive
// failures never abort a match.
type MatchStore struct {
	db *sql.DB
}

// Open connects to Postgres and ensures the schema.
func Open(postgresURL string) (*MatchStore, error) {
	db, err := sql.Open("postgres", postgresURL)
	if err != nil {
		return nil, errors.Wrap(err, "opening postgres")
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "pinging postgres")
	}
	if _, err := db.Exec(createMatchesTable); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "creating matches table")
	}
	utils.LogInfo("Match store connected")
	return &MatchStore{db: db}, nil
}

// SaveMatch records one finished match.
func (s *MatchStore) SaveMatch(matchID string, started, finished time.Time, turns, clients int) error {
	_, err := s.db.Exec(
		`INSERT INTO matches (match_id, started_at, finished_at, turns, clients)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (match_id) DO NOTHING`,
		matchID, started, finished, turns, clients,
	)
	return errors.Wrapf(err, "saving match %s", matchID)
}

// Close releases the connection pool.
func (s *MatchStore) Close() {
	if err := s.db.Close(); err != nil {
		utils.LogWarnf("Closing match store: %v", err)
	}
}
