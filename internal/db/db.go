package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type Database struct {
	Conn *sql.DB
}

func NewDatabase(dsn string) (*Database, error) {
	conn, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(25)
	conn.SetConnMaxLifetime(5 * time.Minute)
	return &Database{Conn: conn}, nil
}

func (d *Database) Close() error {
	return d.Conn.Close()
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id SERIAL PRIMARY KEY,
		username VARCHAR(50) UNIQUE NOT NULL,
		password VARCHAR(255) NOT NULL,
		created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
	)`,

	`CREATE TABLE IF NOT EXISTS rooms (
		id BIGSERIAL PRIMARY KEY,
		name VARCHAR(50) UNIQUE NOT NULL,
		description VARCHAR(200) NOT NULL DEFAULT '',
		max_members INT NOT NULL DEFAULT 100 CHECK (max_members > 0),
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		is_private BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,

	`CREATE TABLE IF NOT EXISTS messages (
		id BIGSERIAL PRIMARY KEY,
		room_id BIGINT NOT NULL REFERENCES rooms(id) ON DELETE CASCADE,
		user_id INT REFERENCES users(id) ON DELETE SET NULL,
		content TEXT NOT NULL DEFAULT '',
		message_type VARCHAR(10) NOT NULL DEFAULT 'text'
			CHECK (message_type IN ('text', 'image', 'file', 'system')),
		file_url TEXT NOT NULL DEFAULT '',
		file_name VARCHAR(255) NOT NULL DEFAULT '',
		file_size BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp(),
		is_deleted BOOLEAN NOT NULL DEFAULT FALSE,
		unread_count INT NOT NULL DEFAULT 0 CHECK (unread_count >= 0),
		total_members_at_time INT NOT NULL DEFAULT 0,
		CHECK (unread_count <= total_members_at_time)
	)`,

	`CREATE INDEX IF NOT EXISTS idx_messages_room_id ON messages (room_id, id DESC)`,

	`CREATE TABLE IF NOT EXISTS room_members (
		room_id BIGINT NOT NULL REFERENCES rooms(id) ON DELETE CASCADE,
		user_id INT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		joined_at TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp(),
		is_online BOOLEAN NOT NULL DEFAULT FALSE,
		is_admin BOOLEAN NOT NULL DEFAULT FALSE,
		last_read_message_id BIGINT REFERENCES messages(id) ON DELETE SET NULL,
		PRIMARY KEY (room_id, user_id)
	)`,

	`CREATE INDEX IF NOT EXISTS idx_room_members_user ON room_members (user_id)`,

	`CREATE TABLE IF NOT EXISTS message_reads (
		message_id BIGINT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
		user_id INT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		read_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (message_id, user_id)
	)`,

	`CREATE TABLE IF NOT EXISTS message_reactions (
		message_id BIGINT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
		user_id INT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		reaction_type VARCHAR(10) NOT NULL CHECK (reaction_type IN ('like', 'good', 'check')),
		created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (message_id, user_id, reaction_type)
	)`,
}

// AutoMigrate applies the idempotent schema. It is safe to run on every boot.
func (d *Database) AutoMigrate(ctx context.Context) error {
	for _, query := range schema {
		if _, err := d.Conn.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}
