package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/lib/pq"
	"github.com/pkg/errors"

	"codecollab/pkg/crdt"
)

// PostgresRoomStore implements IRoomStore using PostgreSQL
type PostgresRoomStore struct {
	db *sql.DB
}

// NewPostgresRoomStore opens the database and creates the schema if needed
func NewPostgresRoomStore(connStr string) (*PostgresRoomStore, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to ping database")
	}

	store := &PostgresRoomStore{db: db}
	if err := store.createTables(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to create tables")
	}

	return store, nil
}

// Close closes the database connection
func (s *PostgresRoomStore) Close() error {
	return s.db.Close()
}

func (s *PostgresRoomStore) LoadRoom(ctx context.Context, roomID string) (*Room, error) {
	query := `
		SELECT id, name, active_user_ids, created_at, last_modified
		FROM rooms
		WHERE id = $1
	`

	room := &Room{}
	err := s.db.QueryRowContext(ctx, query, roomID).Scan(
		&room.ID,
		&room.Name,
		pq.Array(&room.ActiveUserIDs),
		&room.CreatedAt,
		&room.LastModified,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrRoomNotFound
		}
		return nil, errors.Wrap(err, "failed to load room")
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT file_id, file_name, language, content, crdt_state, last_modified
		FROM code_files
		WHERE room_id = $1
		ORDER BY file_id
	`, roomID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load files")
	}
	defer rows.Close()

	for rows.Next() {
		file, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		room.Files = append(room.Files, *file)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate files")
	}

	return room, nil
}

func (s *PostgresRoomStore) SaveRoom(ctx context.Context, room *Room) (*Room, error) {
	saved := room.Clone()
	now := time.Now()
	if saved.CreatedAt.IsZero() {
		saved.CreatedAt = now
	}
	if saved.LastModified.IsZero() {
		saved.LastModified = now
	}
	if saved.ActiveUserIDs == nil {
		saved.ActiveUserIDs = []string{}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO rooms (id, name, active_user_ids, created_at, last_modified)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name,
			active_user_ids = EXCLUDED.active_user_ids,
			last_modified = EXCLUDED.last_modified
	`, saved.ID, saved.Name, pq.Array(saved.ActiveUserIDs), saved.CreatedAt, saved.LastModified)
	if err != nil {
		return nil, errors.Wrap(err, "failed to save room")
	}

	fileIDs := make([]string, 0, len(saved.Files))
	for i := range saved.Files {
		f := &saved.Files[i]
		if f.LastModified.IsZero() {
			f.LastModified = now
		}
		state, err := encodeState(f.State)
		if err != nil {
			return nil, err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO code_files (room_id, file_id, file_name, language, content, crdt_state, last_modified)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (room_id, file_id) DO UPDATE
			SET file_name = EXCLUDED.file_name,
				language = EXCLUDED.language,
				content = EXCLUDED.content,
				crdt_state = EXCLUDED.crdt_state,
				last_modified = EXCLUDED.last_modified
		`, saved.ID, f.FileID, f.FileName, f.Language, f.Content, state, f.LastModified)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to save file %s", f.FileID)
		}
		fileIDs = append(fileIDs, f.FileID)
	}

	_, err = tx.ExecContext(ctx,
		`DELETE FROM code_files WHERE room_id = $1 AND NOT (file_id = ANY($2))`,
		saved.ID, pq.Array(fileIDs))
	if err != nil {
		return nil, errors.Wrap(err, "failed to prune files")
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "failed to commit room")
	}
	return saved, nil
}

func (s *PostgresRoomStore) FindFile(ctx context.Context, roomID, fileID string) (*CodeFile, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM rooms WHERE id = $1)`, roomID).Scan(&exists)
	if err != nil {
		return nil, errors.Wrap(err, "failed to find room")
	}
	if !exists {
		return nil, ErrRoomNotFound
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT file_id, file_name, language, content, crdt_state, last_modified
		FROM code_files
		WHERE room_id = $1 AND file_id = $2
	`, roomID, fileID)
	file, err := scanFile(row)
	if err != nil {
		if errors.Cause(err) == sql.ErrNoRows {
			return nil, ErrFileNotFound
		}
		return nil, err
	}
	return file, nil
}

func (s *PostgresRoomStore) DeleteRoom(ctx context.Context, roomID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM rooms WHERE id = $1`, roomID)
	if err != nil {
		return errors.Wrap(err, "failed to delete room")
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rowsAffected == 0 {
		return ErrRoomNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanFile(row scanner) (*CodeFile, error) {
	file := &CodeFile{}
	var state []byte
	err := row.Scan(
		&file.FileID,
		&file.FileName,
		&file.Language,
		&file.Content,
		&state,
		&file.LastModified,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to scan file")
	}
	if len(state) > 0 {
		file.State = &crdt.Snapshot{}
		if err := json.Unmarshal(state, file.State); err != nil {
			return nil, errors.Wrapf(err, "corrupt crdt state for file %s", file.FileID)
		}
	}
	return file, nil
}

func encodeState(state *crdt.Snapshot) (interface{}, error) {
	if state == nil {
		return nil, nil
	}
	b, err := json.Marshal(state)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode crdt state")
	}
	return b, nil
}

// Compile-time check to ensure PostgresRoomStore implements IRoomStore
var _ IRoomStore = (*PostgresRoomStore)(nil)
