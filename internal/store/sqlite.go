package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dataSourceName string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err = db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err = store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	schema := `
    CREATE TABLE IF NOT EXISTS users (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        external_user_id TEXT UNIQUE NOT NULL,
        password_hash TEXT NOT NULL,
        created_at DATETIME DEFAULT CURRENT_TIMESTAMP
    );

    CREATE TABLE IF NOT EXISTS chats (
        id TEXT PRIMARY KEY, -- UUID
        user_id INTEGER NOT NULL,
        title TEXT NOT NULL,
        created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
        FOREIGN KEY (user_id) REFERENCES users (id)
    );

    CREATE TABLE IF NOT EXISTS messages (
        id TEXT PRIMARY KEY, -- UUID
        chat_id TEXT NOT NULL,
        author TEXT NOT NULL CHECK (author IN ('user', 'sam', 'system')),
        content TEXT NOT NULL,
        mode TEXT,
        attachment TEXT,   -- JSON
        artifacts TEXT,    -- JSON
        console_logs TEXT, -- JSON
        citations TEXT,    -- JSON
        essay TEXT,        -- JSON
        timestamp DATETIME DEFAULT CURRENT_TIMESTAMP,
        FOREIGN KEY (chat_id) REFERENCES chats (id)
    );

    CREATE TABLE IF NOT EXISTS pinned_artifacts (
        id TEXT PRIMARY KEY,
        user_id INTEGER NOT NULL,
        title TEXT NOT NULL,
        filepath TEXT NOT NULL,
        language TEXT NOT NULL,
        code TEXT NOT NULL,
        pinned_at DATETIME DEFAULT CURRENT_TIMESTAMP,
        FOREIGN KEY (user_id) REFERENCES users (id)
    );

    CREATE TABLE IF NOT EXISTS settings (
        user_id INTEGER PRIMARY KEY,
        data TEXT NOT NULL, -- JSON
        FOREIGN KEY (user_id) REFERENCES users (id)
    );

    CREATE TABLE IF NOT EXISTS usage (
        user_id INTEGER PRIMARY KEY,
        date TEXT NOT NULL,
        count INTEGER NOT NULL DEFAULT 0,
        has_attachment BOOLEAN NOT NULL DEFAULT FALSE,
        FOREIGN KEY (user_id) REFERENCES users (id)
    );
    `
	_, err := s.db.Exec(schema)
	return err
}

// User methods

func (s *SQLiteStore) GetUserByExternalID(externalUserID string) (*User, error) {
	var user User
	err := s.db.QueryRow("SELECT id, external_user_id, password_hash, created_at FROM users WHERE external_user_id = ?", externalUserID).
		Scan(&user.ID, &user.ExternalUserID, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // User not found
		}
		return nil, fmt.Errorf("failed to query user: %w", err)
	}
	return &user, nil
}

func (s *SQLiteStore) CreateUser(externalUserID, passwordHash string) (*User, error) {
	res, err := s.db.Exec("INSERT INTO users (external_user_id, password_hash) VALUES (?, ?)", externalUserID, passwordHash)
	if err != nil {
		return nil, fmt.Errorf("failed to insert user: %w", err)
	}
	id, _ := res.LastInsertId()
	var user User
	err = s.db.QueryRow("SELECT id, external_user_id, password_hash, created_at FROM users WHERE id = ?", id).
		Scan(&user.ID, &user.ExternalUserID, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to get user by id: %w", err)
	}
	return &user, nil
}

// Chat methods

func (s *SQLiteStore) CreateChat(userID int64, id, title string) (*Chat, error) {
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now()
	_, err := s.db.Exec("INSERT INTO chats (id, user_id, title, created_at) VALUES (?, ?, ?, ?)", id, userID, title, now)
	if err != nil {
		return nil, fmt.Errorf("failed to insert chat: %w", err)
	}
	return &Chat{ID: id, UserID: userID, Title: title, CreatedAt: now}, nil
}

func (s *SQLiteStore) GetChatByID(chatID string, userID int64) (*Chat, error) {
	var chat Chat
	err := s.db.QueryRow("SELECT id, user_id, title, created_at FROM chats WHERE id = ? AND user_id = ?", chatID, userID).
		Scan(&chat.ID, &chat.UserID, &chat.Title, &chat.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("failed to query chat: %w", err)
	}
	return &chat, nil
}

func (s *SQLiteStore) GetChatsByUserID(userID int64) ([]Chat, error) {
	rows, err := s.db.Query("SELECT id, user_id, title, created_at FROM chats WHERE user_id = ? ORDER BY created_at DESC", userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query chats: %w", err)
	}
	defer rows.Close()

	var chats []Chat
	for rows.Next() {
		var chat Chat
		if err := rows.Scan(&chat.ID, &chat.UserID, &chat.Title, &chat.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan chat: %w", err)
		}
		chats = append(chats, chat)
	}
	return chats, rows.Err()
}

func (s *SQLiteStore) UpdateChatTitle(chatID string, userID int64, title string) error {
	_, err := s.db.Exec("UPDATE chats SET title = ? WHERE id = ? AND user_id = ?", title, chatID, userID)
	if err != nil {
		return fmt.Errorf("failed to update chat title: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteChat(chatID string, userID int64) error {
	if _, err := s.db.Exec("DELETE FROM messages WHERE chat_id = ?", chatID); err != nil {
		return fmt.Errorf("failed to delete chat messages: %w", err)
	}
	if _, err := s.db.Exec("DELETE FROM chats WHERE id = ? AND user_id = ?", chatID, userID); err != nil {
		return fmt.Errorf("failed to delete chat: %w", err)
	}
	return nil
}

// ClearChats removes every chat and message owned by the user.
func (s *SQLiteStore) ClearChats(userID int64) error {
	if _, err := s.db.Exec("DELETE FROM messages WHERE chat_id IN (SELECT id FROM chats WHERE user_id = ?)", userID); err != nil {
		return fmt.Errorf("failed to clear messages: %w", err)
	}
	if _, err := s.db.Exec("DELETE FROM chats WHERE user_id = ?", userID); err != nil {
		return fmt.Errorf("failed to clear chats: %w", err)
	}
	return nil
}

// Message methods

func (s *SQLiteStore) CreateMessage(msg *Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	_, err := s.db.Exec(`
        INSERT INTO messages (id, chat_id, author, content, mode, attachment, artifacts, console_logs, citations, essay, timestamp)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ChatID, msg.Author, msg.Text, msg.Mode,
		marshalColumn(msg.Attachment), marshalColumn(msg.Artifacts), marshalColumn(msg.ConsoleLogs),
		marshalColumn(msg.Citations), marshalColumn(msg.Essay), msg.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetMessagesByChatID(chatID string, limit, offset int) ([]Message, error) {
	rows, err := s.db.Query(`
        SELECT id, chat_id, author, content, mode, attachment, artifacts, console_logs, citations, essay, timestamp
        FROM messages WHERE chat_id = ? ORDER BY timestamp ASC, rowid ASC LIMIT ? OFFSET ?`,
		chatID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()
	return s.scanMessages(rows)
}

// GetLastNMessagesByChatID returns up to n trailing messages in append order.
func (s *SQLiteStore) GetLastNMessagesByChatID(chatID string, n int) ([]Message, error) {
	rows, err := s.db.Query(`
        SELECT id, chat_id, author, content, mode, attachment, artifacts, console_logs, citations, essay, timestamp
        FROM (
            SELECT *, rowid AS rid FROM messages WHERE chat_id = ? ORDER BY timestamp DESC, rowid DESC LIMIT ?
        ) ORDER BY timestamp ASC, rid ASC`,
		chatID, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query last messages: %w", err)
	}
	defer rows.Close()
	return s.scanMessages(rows)
}

func (s *SQLiteStore) scanMessages(rows *sql.Rows) ([]Message, error) {
	var messages []Message
	for rows.Next() {
		var msg Message
		var mode, attachment, artifacts, consoleLogs, citations, essay sql.NullString
		if err := rows.Scan(&msg.ID, &msg.ChatID, &msg.Author, &msg.Text, &mode,
			&attachment, &artifacts, &consoleLogs, &citations, &essay, &msg.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.Mode = mode.String
		unmarshalColumn(msg.ID, "attachment", attachment, &msg.Attachment)
		unmarshalColumn(msg.ID, "artifacts", artifacts, &msg.Artifacts)
		unmarshalColumn(msg.ID, "console_logs", consoleLogs, &msg.ConsoleLogs)
		unmarshalColumn(msg.ID, "citations", citations, &msg.Citations)
		unmarshalColumn(msg.ID, "essay", essay, &msg.Essay)
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// AppendMessageText concatenates a streamed chunk onto a message body. This
// is the single mutation point for streamed content, so chunk order is the
// call order.
func (s *SQLiteStore) AppendMessageText(messageID, chunk string) error {
	_, err := s.db.Exec("UPDATE messages SET content = content || ? WHERE id = ?", chunk, messageID)
	if err != nil {
		return fmt.Errorf("failed to append message text: %w", err)
	}
	return nil
}

// MessageFinal carries the terminal updates applied when a stream ends.
// Nil fields are left untouched.
type MessageFinal struct {
	Text        *string
	Attachment  *Attachment
	Artifacts   []Artifact
	ConsoleLogs []string
	Citations   []Citation
	Essay       *Essay
}

func (s *SQLiteStore) FinalizeMessage(messageID string, final MessageFinal) error {
	if final.Text != nil {
		if _, err := s.db.Exec("UPDATE messages SET content = ? WHERE id = ?", *final.Text, messageID); err != nil {
			return fmt.Errorf("failed to set message text: %w", err)
		}
	}
	if final.Attachment != nil {
		if _, err := s.db.Exec("UPDATE messages SET attachment = ? WHERE id = ?", marshalColumn(final.Attachment), messageID); err != nil {
			return fmt.Errorf("failed to set message attachment: %w", err)
		}
	}
	if final.Artifacts != nil {
		if _, err := s.db.Exec("UPDATE messages SET artifacts = ? WHERE id = ?", marshalColumn(final.Artifacts), messageID); err != nil {
			return fmt.Errorf("failed to set message artifacts: %w", err)
		}
	}
	if final.ConsoleLogs != nil {
		if _, err := s.db.Exec("UPDATE messages SET console_logs = ? WHERE id = ?", marshalColumn(final.ConsoleLogs), messageID); err != nil {
			return fmt.Errorf("failed to set message console logs: %w", err)
		}
	}
	if final.Citations != nil {
		if _, err := s.db.Exec("UPDATE messages SET citations = ? WHERE id = ?", marshalColumn(final.Citations), messageID); err != nil {
			return fmt.Errorf("failed to set message citations: %w", err)
		}
	}
	if final.Essay != nil {
		if _, err := s.db.Exec("UPDATE messages SET essay = ? WHERE id = ?", marshalColumn(final.Essay), messageID); err != nil {
			return fmt.Errorf("failed to set message essay: %w", err)
		}
	}
	return nil
}

// SetMessageEssay overwrites the essay snapshot on an existing message.
func (s *SQLiteStore) SetMessageEssay(messageID string, essay *Essay) error {
	return s.FinalizeMessage(messageID, MessageFinal{Essay: essay})
}

// Settings methods

// GetSettings returns the user's settings, substituting defaults when none
// are stored. A corrupt row is cleared and defaults returned instead of an
// error.
func (s *SQLiteStore) GetSettings(userID int64) (Settings, error) {
	var data string
	err := s.db.QueryRow("SELECT data FROM settings WHERE user_id = ?", userID).Scan(&data)
	if err == sql.ErrNoRows {
		return DefaultSettings(), nil
	}
	if err != nil {
		return DefaultSettings(), fmt.Errorf("failed to query settings: %w", err)
	}

	settings := DefaultSettings()
	if err := json.Unmarshal([]byte(data), &settings); err != nil {
		log.Printf("Corrupt settings for user %d, resetting: %v", userID, err)
		if _, err := s.db.Exec("DELETE FROM settings WHERE user_id = ?", userID); err != nil {
			log.Printf("Failed to clear corrupt settings for user %d: %v", userID, err)
		}
		return DefaultSettings(), nil
	}
	return settings, nil
}

func (s *SQLiteStore) PutSettings(userID int64, settings Settings) error {
	data, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}
	_, err = s.db.Exec("REPLACE INTO settings (user_id, data) VALUES (?, ?)", userID, string(data))
	if err != nil {
		return fmt.Errorf("failed to write settings: %w", err)
	}
	return nil
}

// Usage methods

// GetUsage returns the user's SM-I3 usage for today. A missing row or a row
// from a previous day yields a fresh tracker stamped with today.
func (s *SQLiteStore) GetUsage(userID int64, today string) (UsageTracker, error) {
	var usage UsageTracker
	err := s.db.QueryRow("SELECT date, count, has_attachment FROM usage WHERE user_id = ?", userID).
		Scan(&usage.Date, &usage.Count, &usage.HasAttachment)
	if err == sql.ErrNoRows {
		return UsageTracker{Date: today}, nil
	}
	if err != nil {
		return UsageTracker{Date: today}, fmt.Errorf("failed to query usage: %w", err)
	}
	if usage.Date != today {
		return UsageTracker{Date: today}, nil
	}
	return usage, nil
}

func (s *SQLiteStore) PutUsage(userID int64, usage UsageTracker) error {
	if usage.Count < 0 {
		usage.Count = 0
	}
	_, err := s.db.Exec("REPLACE INTO usage (user_id, date, count, has_attachment) VALUES (?, ?, ?, ?)",
		userID, usage.Date, usage.Count, usage.HasAttachment)
	if err != nil {
		return fmt.Errorf("failed to write usage: %w", err)
	}
	return nil
}

// Pinned artifact methods

func (s *SQLiteStore) PinArtifact(userID int64, artifact Artifact) error {
	_, err := s.db.Exec(`
        INSERT OR IGNORE INTO pinned_artifacts (id, user_id, title, filepath, language, code)
        VALUES (?, ?, ?, ?, ?, ?)`,
		artifact.ID, userID, artifact.Title, artifact.Filepath, artifact.Language, artifact.Code)
	if err != nil {
		return fmt.Errorf("failed to pin artifact: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListPinnedArtifacts(userID int64) ([]Artifact, error) {
	rows, err := s.db.Query("SELECT id, title, filepath, language, code FROM pinned_artifacts WHERE user_id = ? ORDER BY pinned_at ASC", userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query pinned artifacts: %w", err)
	}
	defer rows.Close()

	var artifacts []Artifact
	for rows.Next() {
		var a Artifact
		if err := rows.Scan(&a.ID, &a.Title, &a.Filepath, &a.Language, &a.Code); err != nil {
			return nil, fmt.Errorf("failed to scan pinned artifact: %w", err)
		}
		artifacts = append(artifacts, a)
	}
	return artifacts, rows.Err()
}

func (s *SQLiteStore) UnpinArtifact(userID int64, artifactID string) error {
	_, err := s.db.Exec("DELETE FROM pinned_artifacts WHERE user_id = ? AND id = ?", userID, artifactID)
	if err != nil {
		return fmt.Errorf("failed to unpin artifact: %w", err)
	}
	return nil
}

// JSON column helpers.

func marshalColumn(v any) any {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("Failed to marshal column value: %v", err)
		return nil
	}
	s := string(data)
	if s == "null" {
		return nil
	}
	return s
}

// unmarshalColumn decodes a nullable JSON column. Corrupt payloads are
// logged and left as the zero value; persisted-state corruption must never
// take a load down.
func unmarshalColumn(id, column string, raw sql.NullString, dst any) {
	if !raw.Valid || raw.String == "" {
		return
	}
	if err := json.Unmarshal([]byte(raw.String), dst); err != nil {
		log.Printf("Corrupt %s column on message %s, ignoring: %v", column, id, err)
	}
}
