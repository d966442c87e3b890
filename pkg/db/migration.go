package db

import "context"

// createTables creates the rooms and code_files tables if they don't exist
func (s *PostgresRoomStore) createTables(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS rooms (
		id VARCHAR(64) PRIMARY KEY,
		name VARCHAR(255) NOT NULL,
		active_user_ids TEXT[] NOT NULL DEFAULT '{}',
		created_at TIMESTAMP WITH TIME ZONE NOT NULL,
		last_modified TIMESTAMP WITH TIME ZONE NOT NULL
	);

	CREATE TABLE IF NOT EXISTS code_files (
		room_id VARCHAR(64) NOT NULL REFERENCES rooms(id) ON DELETE CASCADE,
		file_id VARCHAR(255) NOT NULL,
		file_name VARCHAR(255) NOT NULL,
		language TEXT NOT NULL,
		content TEXT NOT NULL,
		crdt_state JSONB,
		last_modified TIMESTAMP WITH TIME ZONE NOT NULL,
		PRIMARY KEY (room_id, file_id)
	);

	CREATE INDEX IF NOT EXISTS idx_rooms_last_modified ON rooms(last_modified);
	`

	_, err := s.db.ExecContext(ctx, query)
	return err
}
