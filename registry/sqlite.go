package registry

import (
	"database/sql"
	"encoding/json"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using modernc.org/sqlite (pure Go). Each user
// is one row; the container list is stored as a JSON document so writes are
// whole-entry replacements.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens or creates a SQLite database at the given path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// Enable WAL mode for concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

// Init creates the schema.
func (s *SQLiteStore) Init() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		user_id    TEXT PRIMARY KEY,
		language   TEXT NOT NULL DEFAULT '',
		containers TEXT NOT NULL DEFAULT '[]',
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// GetUser returns the stored entry, or a zero entry for unknown users.
func (s *SQLiteStore) GetUser(userID string) (UserEntry, error) {
	var lang, containersJSON string
	err := s.db.QueryRow(
		"SELECT language, containers FROM users WHERE user_id = ?", userID,
	).Scan(&lang, &containersJSON)
	if err == sql.ErrNoRows {
		return UserEntry{}, nil
	}
	if err != nil {
		return UserEntry{}, err
	}

	entry := UserEntry{Language: lang}
	if err := json.Unmarshal([]byte(containersJSON), &entry.Containers); err != nil {
		return UserEntry{}, err
	}
	return entry, nil
}

// PutUser replaces the entry for a user.
func (s *SQLiteStore) PutUser(userID string, e UserEntry) error {
	containers := e.Containers
	if containers == nil {
		containers = []Record{}
	}
	data, err := json.Marshal(containers)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO users (user_id, language, containers, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(user_id) DO UPDATE SET
			language = excluded.language,
			containers = excluded.containers,
			updated_at = CURRENT_TIMESTAMP`,
		userID, e.Language, string(data))
	return err
}

// Users lists all stored user ids.
func (s *SQLiteStore) Users() ([]string, error) {
	rows, err := s.db.Query("SELECT user_id FROM users ORDER BY user_id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}
