package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/lib/pq"           // external mode
	_ "github.com/mattn/go-sqlite3" // embedded mode

	memerr "infinite-mcp-memory/internal/errors"
	"infinite-mcp-memory/internal/logging"
	"infinite-mcp-memory/pkg/types"
)

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// SQLStore implements Store on database/sql. The embedded mode uses a SQLite
// file under the data directory; the external mode connects to PostgreSQL.
type SQLStore struct {
	db           *sql.DB
	dialect      dialect
	defaultScope string
	logger       logging.Logger
}

// NewEmbeddedStore opens (or creates) the SQLite database in dataDir.
func NewEmbeddedStore(dataDir, defaultScope string, logger logging.Logger) (*SQLStore, error) {
	dsn := filepath.Join(dataDir, "memory.db") + "?_journal_mode=WAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, memerr.Wrap(memerr.KindStoreUnavailable, "open embedded database", err)
	}
	// SQLite allows one writer at a time; a single connection avoids
	// SQLITE_BUSY under concurrent index callbacks.
	db.SetMaxOpenConns(1)
	return &SQLStore{db: db, dialect: dialectSQLite, defaultScope: defaultScope, logger: logger.WithComponent("storage")}, nil
}

// NewExternalStore connects to the PostgreSQL instance at uri.
func NewExternalStore(uri, defaultScope string, logger logging.Logger) (*SQLStore, error) {
	db, err := sql.Open("postgres", uri)
	if err != nil {
		return nil, memerr.Wrap(memerr.KindStoreUnavailable, "open external database", err)
	}
	db.SetMaxOpenConns(8)
	db.SetConnMaxLifetime(time.Hour)
	return &SQLStore{db: db, dialect: dialectPostgres, defaultScope: defaultScope, logger: logger.WithComponent("storage")}, nil
}

// rebind converts ? placeholders to the dialect's positional form.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) exec(ctx context.Context, op, query string, args ...any) (sql.Result, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, mapStoreError(op, err)
	}
	return res, nil
}

func (s *SQLStore) query(ctx context.Context, op, query string, args ...any) (*sql.Rows, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, mapStoreError(op, err)
	}
	return rows, nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS conversation_history (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		speaker TEXT NOT NULL,
		text TEXT NOT NULL,
		scope TEXT NOT NULL,
		tags TEXT NOT NULL DEFAULT '[]',
		timestamp TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_history_conversation ON conversation_history(conversation_id, timestamp)`,
	`CREATE INDEX IF NOT EXISTS idx_history_scope ON conversation_history(scope)`,
	`CREATE INDEX IF NOT EXISTS idx_history_timestamp ON conversation_history(timestamp DESC)`,
	`CREATE TABLE IF NOT EXISTS summaries (
		id TEXT PRIMARY KEY,
		conversation_id TEXT,
		topic_id TEXT,
		summary_text TEXT NOT NULL,
		scope TEXT NOT NULL,
		tags TEXT NOT NULL DEFAULT '[]',
		timestamp TIMESTAMP NOT NULL,
		time_from TIMESTAMP,
		time_to TIMESTAMP,
		message_refs TEXT NOT NULL DEFAULT '[]'
	)`,
	`CREATE INDEX IF NOT EXISTS idx_summaries_conversation ON summaries(conversation_id)`,
	`CREATE INDEX IF NOT EXISTS idx_summaries_topic ON summaries(topic_id)`,
	`CREATE INDEX IF NOT EXISTS idx_summaries_scope ON summaries(scope)`,
	`CREATE TABLE IF NOT EXISTS memory_index (
		id TEXT PRIMARY KEY,
		source_id TEXT NOT NULL UNIQUE,
		source_collection TEXT NOT NULL,
		scope TEXT NOT NULL,
		embedding TEXT NOT NULL,
		metadata TEXT NOT NULL DEFAULT '{}'
	)`,
	`CREATE INDEX IF NOT EXISTS idx_index_scope ON memory_index(scope)`,
	`CREATE INDEX IF NOT EXISTS idx_index_collection ON memory_index(source_collection)`,
	`CREATE TABLE IF NOT EXISTS metadata (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		scope_name TEXT,
		description TEXT,
		created_at TIMESTAMP,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		related_keywords TEXT NOT NULL DEFAULT '[]',
		parent_scope TEXT
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_metadata_scope_name ON metadata(scope_name) WHERE type = 'scope'`,
	`CREATE TABLE IF NOT EXISTS user_profile (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		category TEXT NOT NULL,
		timestamp TIMESTAMP NOT NULL,
		UNIQUE (user_id, key)
	)`,
}

// Initialize creates the collections, secondary indexes and default scope.
func (s *SQLStore) Initialize(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return memerr.Wrap(memerr.KindStoreUnavailable, "store unreachable", err)
	}
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return mapStoreError("initialize schema", err)
		}
	}
	// Bootstrap the default scope; a lost race against another writer is
	// success (the unique index is the arbiter).
	err := s.CreateScope(ctx, &types.MemoryScope{
		ID:          types.NewID(),
		ScopeName:   s.defaultScope,
		Description: "Default global memory scope",
		CreatedAt:   time.Now().UTC(),
		Active:      true,
	})
	if err != nil && !memerr.Is(err, memerr.KindStoreIntegrity) {
		return err
	}
	s.logger.Info("store initialized", "dialect", s.dialectName())
	return nil
}

func (s *SQLStore) dialectName() string {
	if s.dialect == dialectPostgres {
		return "postgres"
	}
	return "sqlite"
}

// HealthCheck verifies the backend is reachable.
func (s *SQLStore) HealthCheck(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return memerr.Wrap(memerr.KindStoreUnavailable, "store unreachable", err)
	}
	return nil
}

// Close closes the database handle.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func marshalJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "[]"
	}
	return string(data)
}

func unmarshalStrings(data string) []string {
	var out []string
	if err := json.Unmarshal([]byte(data), &out); err != nil || out == nil {
		return []string{}
	}
	return out
}

// escapeLike escapes LIKE wildcards so user text matches literally.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}

// tagPattern matches a JSON-encoded string element inside the tags column.
func tagPattern(tag string) string {
	return "%" + escapeLike(string(marshalJSONString(tag))) + "%"
}

func marshalJSONString(s string) []byte {
	data, _ := json.Marshal(s)
	return data
}

// --- conversation_history ---

// InsertConversation stores a new conversation message.
func (s *SQLStore) InsertConversation(ctx context.Context, m *types.ConversationMemory) error {
	_, err := s.exec(ctx, "insert conversation",
		`INSERT INTO conversation_history (id, conversation_id, speaker, text, scope, tags, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, string(m.Speaker), m.Text, m.Scope, marshalJSON(m.Tags), m.Timestamp.UTC())
	return err
}

// GetConversation fetches a message by id.
func (s *SQLStore) GetConversation(ctx context.Context, id string) (*types.ConversationMemory, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT id, conversation_id, speaker, text, scope, tags, timestamp
		 FROM conversation_history WHERE id = ?`), id)
	return scanConversation(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*types.ConversationMemory, error) {
	var m types.ConversationMemory
	var speaker, tags string
	err := row.Scan(&m.ID, &m.ConversationID, &speaker, &m.Text, &m.Scope, &tags, &m.Timestamp)
	if err != nil {
		return nil, mapStoreError("get conversation", err)
	}
	m.Speaker = types.Speaker(speaker)
	m.Tags = unmarshalStrings(tags)
	m.Timestamp = m.Timestamp.UTC()
	return &m, nil
}

// FindConversations returns messages matching the filter ordered by timestamp
// descending, then id ascending.
func (s *SQLStore) FindConversations(ctx context.Context, f *ConversationFilter) ([]types.ConversationMemory, error) {
	if f == nil {
		f = &ConversationFilter{}
	}
	var (
		where []string
		args  []any
	)
	if f.Scope != "" {
		where = append(where, "scope = ?")
		args = append(args, f.Scope)
	}
	if f.ConversationID != "" {
		where = append(where, "conversation_id = ?")
		args = append(args, f.ConversationID)
	}
	if f.Tag != "" {
		where = append(where, `tags LIKE ? ESCAPE '\'`)
		args = append(args, tagPattern(f.Tag))
	}
	if f.TextContains != "" {
		where = append(where, `LOWER(text) LIKE ? ESCAPE '\'`)
		args = append(args, "%"+escapeLike(strings.ToLower(f.TextContains))+"%")
	}
	if f.TimeRange != nil {
		where = append(where, "timestamp >= ? AND timestamp <= ?")
		args = append(args, f.TimeRange.From.UTC(), f.TimeRange.To.UTC())
	}

	query := `SELECT id, conversation_id, speaker, text, scope, tags, timestamp FROM conversation_history`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp DESC, id ASC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	if f.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", f.Offset)
	}

	rows, err := s.query(ctx, "find conversations", query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []types.ConversationMemory
	for rows.Next() {
		m, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, mapStoreError("find conversations", rows.Err())
}

// UpdateConversation rewrites the mutable fields of a message.
func (s *SQLStore) UpdateConversation(ctx context.Context, m *types.ConversationMemory) error {
	res, err := s.exec(ctx, "update conversation",
		`UPDATE conversation_history SET text = ?, scope = ?, tags = ?, timestamp = ? WHERE id = ?`,
		m.Text, m.Scope, marshalJSON(m.Tags), m.Timestamp.UTC(), m.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return memerr.Newf(memerr.KindNotFound, "memory %s not found", m.ID)
	}
	return nil
}

// DeleteConversation removes a message; false when the id was absent.
func (s *SQLStore) DeleteConversation(ctx context.Context, id string) (bool, error) {
	res, err := s.exec(ctx, "delete conversation",
		`DELETE FROM conversation_history WHERE id = ?`, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *SQLStore) deleteConversationsWhere(ctx context.Context, op, cond string, args ...any) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, mapStoreError(op, err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, s.rebind(`SELECT id FROM conversation_history WHERE `+cond), args...)
	if err != nil {
		return nil, mapStoreError(op, err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, mapStoreError(op, err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, mapStoreError(op, err)
	}
	_ = rows.Close()

	if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM conversation_history WHERE `+cond), args...); err != nil {
		return nil, mapStoreError(op, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, mapStoreError(op, err)
	}
	return ids, nil
}

// DeleteConversationsByScope removes every message in scope and returns the
// removed ids for index cascade.
func (s *SQLStore) DeleteConversationsByScope(ctx context.Context, scope string) ([]string, error) {
	return s.deleteConversationsWhere(ctx, "delete by scope", "scope = ?", scope)
}

// DeleteConversationsByTag removes every message carrying tag.
func (s *SQLStore) DeleteConversationsByTag(ctx context.Context, tag string) ([]string, error) {
	return s.deleteConversationsWhere(ctx, "delete by tag", `tags LIKE ? ESCAPE '\'`, tagPattern(tag))
}

// DeleteConversationsOlderThan removes messages whose timestamp precedes the
// cutoff. Used by retention enforcement.
func (s *SQLStore) DeleteConversationsOlderThan(ctx context.Context, cutoff time.Time) ([]string, error) {
	return s.deleteConversationsWhere(ctx, "delete by retention", "timestamp < ?", cutoff.UTC())
}

// --- summaries ---

// InsertSummary stores a new summary.
func (s *SQLStore) InsertSummary(ctx context.Context, sm *types.SummaryMemory) error {
	var from, to any
	if sm.TimeRange != nil {
		from, to = sm.TimeRange.From.UTC(), sm.TimeRange.To.UTC()
	}
	_, err := s.exec(ctx, "insert summary",
		`INSERT INTO summaries (id, conversation_id, topic_id, summary_text, scope, tags, timestamp, time_from, time_to, message_refs)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sm.ID, sm.ConversationID, sm.TopicID, sm.SummaryText, sm.Scope,
		marshalJSON(sm.Tags), sm.Timestamp.UTC(), from, to, marshalJSON(sm.MessageRefs))
	return err
}

func scanSummary(row rowScanner) (*types.SummaryMemory, error) {
	var sm types.SummaryMemory
	var convID, topicID sql.NullString
	var tags, refs string
	var from, to sql.NullTime
	err := row.Scan(&sm.ID, &convID, &topicID, &sm.SummaryText, &sm.Scope, &tags, &sm.Timestamp, &from, &to, &refs)
	if err != nil {
		return nil, mapStoreError("get summary", err)
	}
	sm.ConversationID = convID.String
	sm.TopicID = topicID.String
	sm.Tags = unmarshalStrings(tags)
	sm.MessageRefs = unmarshalStrings(refs)
	sm.Timestamp = sm.Timestamp.UTC()
	if from.Valid && to.Valid {
		sm.TimeRange = &types.TimeRange{From: from.Time.UTC(), To: to.Time.UTC()}
	}
	return &sm, nil
}

const summaryColumns = `id, conversation_id, topic_id, summary_text, scope, tags, timestamp, time_from, time_to, message_refs`

// GetSummary fetches a summary by id.
func (s *SQLStore) GetSummary(ctx context.Context, id string) (*types.SummaryMemory, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+summaryColumns+` FROM summaries WHERE id = ?`), id)
	return scanSummary(row)
}

func (s *SQLStore) querySummaries(ctx context.Context, op, query string, args ...any) ([]types.SummaryMemory, error) {
	rows, err := s.query(ctx, op, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []types.SummaryMemory
	for rows.Next() {
		sm, err := scanSummary(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sm)
	}
	return out, mapStoreError(op, rows.Err())
}

// GetSummariesByConversation returns summaries for one conversation, newest
// first.
func (s *SQLStore) GetSummariesByConversation(ctx context.Context, conversationID string) ([]types.SummaryMemory, error) {
	return s.querySummaries(ctx, "summaries by conversation",
		`SELECT `+summaryColumns+` FROM summaries WHERE conversation_id = ? ORDER BY timestamp DESC, id ASC`,
		conversationID)
}

// LatestSummariesByScope returns the newest summaries in scope.
func (s *SQLStore) LatestSummariesByScope(ctx context.Context, scope string, limit int) ([]types.SummaryMemory, error) {
	if limit <= 0 {
		limit = 10
	}
	return s.querySummaries(ctx, "latest summaries",
		`SELECT `+summaryColumns+` FROM summaries WHERE scope = ? ORDER BY timestamp DESC, id ASC`+fmt.Sprintf(" LIMIT %d", limit),
		scope)
}

// DeleteSummary removes a summary by id.
func (s *SQLStore) DeleteSummary(ctx context.Context, id string) (bool, error) {
	res, err := s.exec(ctx, "delete summary", `DELETE FROM summaries WHERE id = ?`, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// --- memory_index ---

// UpsertIndexEntry writes or replaces the index row for its source document.
func (s *SQLStore) UpsertIndexEntry(ctx context.Context, item *types.MemoryIndexItem) error {
	_, err := s.exec(ctx, "upsert index entry",
		`INSERT INTO memory_index (id, source_id, source_collection, scope, embedding, metadata)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (source_id) DO UPDATE SET
			source_collection = excluded.source_collection,
			scope = excluded.scope,
			embedding = excluded.embedding,
			metadata = excluded.metadata`,
		item.ID, item.SourceID, item.SourceCollection, item.Scope,
		marshalJSON(item.Embedding), marshalJSON(item.Metadata))
	return err
}

func scanIndexItem(row rowScanner) (*types.MemoryIndexItem, error) {
	var item types.MemoryIndexItem
	var embedding, metadata string
	err := row.Scan(&item.ID, &item.SourceID, &item.SourceCollection, &item.Scope, &embedding, &metadata)
	if err != nil {
		return nil, mapStoreError("get index entry", err)
	}
	if err := json.Unmarshal([]byte(embedding), &item.Embedding); err != nil {
		item.Embedding = nil
	}
	if err := json.Unmarshal([]byte(metadata), &item.Metadata); err != nil {
		item.Metadata = nil
	}
	return &item, nil
}

// GetIndexBySourceID fetches the index row for a source document.
func (s *SQLStore) GetIndexBySourceID(ctx context.Context, sourceID string) (*types.MemoryIndexItem, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT id, source_id, source_collection, scope, embedding, metadata FROM memory_index WHERE source_id = ?`), sourceID)
	return scanIndexItem(row)
}

// FindIndexEntries lists index rows filtered by source collection and scope.
func (s *SQLStore) FindIndexEntries(ctx context.Context, sourceCollection, scope string) ([]types.MemoryIndexItem, error) {
	var (
		where []string
		args  []any
	)
	if sourceCollection != "" {
		where = append(where, "source_collection = ?")
		args = append(args, sourceCollection)
	}
	if scope != "" {
		where = append(where, "scope = ?")
		args = append(args, scope)
	}
	query := `SELECT id, source_id, source_collection, scope, embedding, metadata FROM memory_index`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	rows, err := s.query(ctx, "find index entries", query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []types.MemoryIndexItem
	for rows.Next() {
		item, err := scanIndexItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *item)
	}
	return out, mapStoreError("find index entries", rows.Err())
}

// DeleteIndexBySourceID purges the index row for one source document.
func (s *SQLStore) DeleteIndexBySourceID(ctx context.Context, sourceID string) (bool, error) {
	res, err := s.exec(ctx, "delete index entry", `DELETE FROM memory_index WHERE source_id = ?`, sourceID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// DeleteIndexBySourceIDs purges index rows for a batch of source documents.
func (s *SQLStore) DeleteIndexBySourceIDs(ctx context.Context, sourceIDs []string) (int64, error) {
	if len(sourceIDs) == 0 {
		return 0, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(sourceIDs)), ", ")
	args := make([]any, len(sourceIDs))
	for i, id := range sourceIDs {
		args[i] = id
	}
	res, err := s.exec(ctx, "delete index entries",
		`DELETE FROM memory_index WHERE source_id IN (`+placeholders+`)`, args...)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// --- metadata (scopes) ---

// CreateScope inserts a scope document. A duplicate name yields a
// StoreIntegrity error; concurrent auto-creators treat that as success.
func (s *SQLStore) CreateScope(ctx context.Context, scope *types.MemoryScope) error {
	_, err := s.exec(ctx, "create scope",
		`INSERT INTO metadata (id, type, scope_name, description, created_at, active, related_keywords, parent_scope)
		 VALUES (?, 'scope', ?, ?, ?, ?, ?, ?)`,
		scope.ID, scope.ScopeName, scope.Description, scope.CreatedAt.UTC(), scope.Active,
		marshalJSON(scope.RelatedKeywords), scope.ParentScope)
	return err
}

func scanScope(row rowScanner) (*types.MemoryScope, error) {
	var sc types.MemoryScope
	var desc, parent sql.NullString
	var created sql.NullTime
	var keywords string
	err := row.Scan(&sc.ID, &sc.ScopeName, &desc, &created, &sc.Active, &keywords, &parent)
	if err != nil {
		return nil, mapStoreError("get scope", err)
	}
	sc.Description = desc.String
	sc.ParentScope = parent.String
	if created.Valid {
		sc.CreatedAt = created.Time.UTC()
	}
	sc.RelatedKeywords = unmarshalStrings(keywords)
	return &sc, nil
}

// GetScope fetches a scope by name.
func (s *SQLStore) GetScope(ctx context.Context, name string) (*types.MemoryScope, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT id, scope_name, description, created_at, active, related_keywords, parent_scope
		 FROM metadata WHERE type = 'scope' AND scope_name = ?`), name)
	return scanScope(row)
}

// ListScopes returns all scope documents.
func (s *SQLStore) ListScopes(ctx context.Context) ([]types.MemoryScope, error) {
	rows, err := s.query(ctx, "list scopes",
		`SELECT id, scope_name, description, created_at, active, related_keywords, parent_scope
		 FROM metadata WHERE type = 'scope' ORDER BY scope_name ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []types.MemoryScope
	for rows.Next() {
		sc, err := scanScope(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sc)
	}
	return out, mapStoreError("list scopes", rows.Err())
}

// DeactivateScope soft-deletes a scope; the document survives.
func (s *SQLStore) DeactivateScope(ctx context.Context, name string) error {
	res, err := s.exec(ctx, "deactivate scope",
		`UPDATE metadata SET active = FALSE WHERE type = 'scope' AND scope_name = ?`, name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return memerr.Newf(memerr.KindNotFound, "scope %s not found", name)
	}
	return nil
}

// --- user_profile ---

// UpsertProfileItem writes or replaces a profile fact keyed by (user, key).
func (s *SQLStore) UpsertProfileItem(ctx context.Context, item *types.UserProfileItem) error {
	_, err := s.exec(ctx, "upsert profile item",
		`INSERT INTO user_profile (id, user_id, key, value, category, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (user_id, key) DO UPDATE SET
			value = excluded.value,
			category = excluded.category,
			timestamp = excluded.timestamp`,
		item.ID, item.UserID, item.Key, item.Value, item.Category, item.Timestamp.UTC())
	return err
}

// GetProfileItems lists a user's profile facts, optionally by category.
func (s *SQLStore) GetProfileItems(ctx context.Context, userID, category string) ([]types.UserProfileItem, error) {
	query := `SELECT id, user_id, key, value, category, timestamp FROM user_profile WHERE user_id = ?`
	args := []any{userID}
	if category != "" {
		query += ` AND category = ?`
		args = append(args, category)
	}
	query += ` ORDER BY key ASC`
	rows, err := s.query(ctx, "get profile items", query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []types.UserProfileItem
	for rows.Next() {
		var item types.UserProfileItem
		if err := rows.Scan(&item.ID, &item.UserID, &item.Key, &item.Value, &item.Category, &item.Timestamp); err != nil {
			return nil, mapStoreError("get profile items", err)
		}
		item.Timestamp = item.Timestamp.UTC()
		out = append(out, item)
	}
	return out, mapStoreError("get profile items", rows.Err())
}

// --- snapshot hooks ---

// AllSummaries dumps the summaries collection for backups.
func (s *SQLStore) AllSummaries(ctx context.Context) ([]types.SummaryMemory, error) {
	return s.querySummaries(ctx, "all summaries",
		`SELECT `+summaryColumns+` FROM summaries ORDER BY timestamp DESC, id ASC`)
}

// AllProfileItems dumps the user_profile collection for backups.
func (s *SQLStore) AllProfileItems(ctx context.Context) ([]types.UserProfileItem, error) {
	rows, err := s.query(ctx, "all profile items",
		`SELECT id, user_id, key, value, category, timestamp FROM user_profile ORDER BY user_id ASC, key ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []types.UserProfileItem
	for rows.Next() {
		var item types.UserProfileItem
		if err := rows.Scan(&item.ID, &item.UserID, &item.Key, &item.Value, &item.Category, &item.Timestamp); err != nil {
			return nil, mapStoreError("all profile items", err)
		}
		item.Timestamp = item.Timestamp.UTC()
		out = append(out, item)
	}
	return out, mapStoreError("all profile items", rows.Err())
}

// --- aggregation hooks ---

func (s *SQLStore) countQuery(ctx context.Context, op, query string, args ...any) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, s.rebind(query), args...).Scan(&n); err != nil {
		return 0, mapStoreError(op, err)
	}
	return n, nil
}

// CountConversations counts stored messages.
func (s *SQLStore) CountConversations(ctx context.Context) (int64, error) {
	return s.countQuery(ctx, "count conversations", `SELECT COUNT(*) FROM conversation_history`)
}

// DistinctConversationIDs lists every known conversation id.
func (s *SQLStore) DistinctConversationIDs(ctx context.Context) ([]string, error) {
	rows, err := s.query(ctx, "distinct conversations",
		`SELECT DISTINCT conversation_id FROM conversation_history`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, mapStoreError("distinct conversations", err)
		}
		out = append(out, id)
	}
	return out, mapStoreError("distinct conversations", rows.Err())
}

// CountSummaries counts stored summaries.
func (s *SQLStore) CountSummaries(ctx context.Context) (int64, error) {
	return s.countQuery(ctx, "count summaries", `SELECT COUNT(*) FROM summaries`)
}

// CountIndexEntries counts vector index rows.
func (s *SQLStore) CountIndexEntries(ctx context.Context) (int64, error) {
	return s.countQuery(ctx, "count index entries", `SELECT COUNT(*) FROM memory_index`)
}

// CountByScope returns the message count per scope. Scopes with no messages
// report zero.
func (s *SQLStore) CountByScope(ctx context.Context) (map[string]int64, error) {
	counts := make(map[string]int64)
	scopes, err := s.ListScopes(ctx)
	if err != nil {
		return nil, err
	}
	for i := range scopes {
		counts[scopes[i].ScopeName] = 0
	}
	rows, err := s.query(ctx, "count by scope",
		`SELECT scope, COUNT(*) FROM conversation_history GROUP BY scope`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var scope string
		var n int64
		if err := rows.Scan(&scope, &n); err != nil {
			return nil, mapStoreError("count by scope", err)
		}
		counts[scope] = n
	}
	return counts, mapStoreError("count by scope", rows.Err())
}

// TopTags unwinds the tag sets and returns the n most frequent tags.
// The unwind runs in the adapter because the tags column is JSON text.
func (s *SQLStore) TopTags(ctx context.Context, n int) ([]types.TagCount, error) {
	rows, err := s.query(ctx, "top tags", `SELECT tags FROM conversation_history`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	counts := make(map[string]int64)
	for rows.Next() {
		var tags string
		if err := rows.Scan(&tags); err != nil {
			return nil, mapStoreError("top tags", err)
		}
		for _, t := range unmarshalStrings(tags) {
			counts[t]++
		}
	}
	if err := rows.Err(); err != nil {
		return nil, mapStoreError("top tags", err)
	}
	return topTagCounts(counts, n), nil
}

// SizeBytes approximates the memory footprint from stored text and vectors.
func (s *SQLStore) SizeBytes(ctx context.Context) (int64, error) {
	var total int64
	queries := []string{
		`SELECT COALESCE(SUM(LENGTH(text) + LENGTH(tags)), 0) FROM conversation_history`,
		`SELECT COALESCE(SUM(LENGTH(summary_text) + LENGTH(message_refs)), 0) FROM summaries`,
		`SELECT COALESCE(SUM(LENGTH(embedding)), 0) FROM memory_index`,
	}
	for _, q := range queries {
		var n int64
		if err := s.db.QueryRowContext(ctx, q).Scan(&n); err != nil {
			return 0, mapStoreError("size bytes", err)
		}
		total += n
	}
	return total, nil
}
