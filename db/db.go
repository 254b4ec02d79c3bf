package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sqlbuilder "github.com/huandu/go-sqlbuilder"
	log "github.com/sirupsen/logrus"
)

var (
	ErrEmptyUser  = errors.New("user must not be empty")
	ErrEmptyTopic = errors.New("topic must not be empty")
)

const queryTimeout = 10 * time.Second

// DB stores the topics each user is interested in. Feeds without a selected
// topic fall back to one of them.
type DB struct {
	db *sql.DB
}

// NewDB opens the SQLite database at path. Run Migrate first.
func NewDB(path string) (*DB, error) {
	conn, err := connection(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return &DB{db: conn}, nil
}

func (db *DB) Close() error {
	return db.db.Close()
}

func normalize(user, topic string) (string, string, error) {
	user = strings.TrimSpace(user)
	topic = strings.TrimSpace(topic)
	if user == "" {
		return "", "", ErrEmptyUser
	}
	if topic == "" {
		return "", "", ErrEmptyTopic
	}
	return user, topic, nil
}

// AddInterest records topic for user. It reports false if the user already
// had it, compared case-insensitively.
func (db *DB) AddInterest(ctx context.Context, user, topic string) (bool, error) {
	user, topic, err := normalize(user, topic)
	if err != nil {
		return false, err
	}

	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	ib := sqlbuilder.SQLite.NewInsertBuilder()
	ib.InsertIgnoreInto("interests").
		Cols("user_id", "topic", "created_at").
		Values(user, topic, time.Now().UnixNano())

	query, args := ib.Build()
	result, err := db.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("insert error: %w", err)
	}

	added, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert error: %w", err)
	}

	log.WithFields(log.Fields{
		"user":  user,
		"topic": topic,
		"added": added > 0,
	}).Info("Adding interest")

	return added > 0, nil
}

// RemoveInterest deletes topic from the user's interests. It reports false if
// there was nothing to delete.
func (db *DB) RemoveInterest(ctx context.Context, user, topic string) (bool, error) {
	user, topic, err := normalize(user, topic)
	if err != nil {
		return false, err
	}

	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	del := sqlbuilder.SQLite.NewDeleteBuilder()
	del.DeleteFrom("interests").Where(
		del.Equal("user_id", user),
		del.Equal("topic", topic),
	)

	query, args := del.Build()
	result, err := db.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("delete error: %w", err)
	}

	removed, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete error: %w", err)
	}

	log.WithFields(log.Fields{
		"user":    user,
		"topic":   topic,
		"removed": removed > 0,
	}).Info("Removing interest")

	return removed > 0, nil
}

// Interests lists the user's topics, oldest first
func (db *DB) Interests(ctx context.Context, user string) ([]string, error) {
	user = strings.TrimSpace(user)
	if user == "" {
		return nil, ErrEmptyUser
	}

	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	sb := sqlbuilder.SQLite.NewSelectBuilder()
	sb.Select("topic").
		From("interests").
		Where(sb.Equal("user_id", user)).
		OrderBy("created_at", "rowid").Asc()

	query, args := sb.Build()
	log.WithFields(log.Fields{
		"sql":  query,
		"args": args,
	}).Debug("Generated SQL query")

	rows, err := db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query error: %w", err)
	}
	defer rows.Close()

	topics := []string{}
	for rows.Next() {
		var topic string
		if err := rows.Scan(&topic); err != nil {
			return nil, fmt.Errorf("scan error: %w", err)
		}
		topics = append(topics, topic)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query error: %w", err)
	}

	return topics, nil
}
