package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"negotiatechat/internal/models"
	"negotiatechat/internal/tokens"
)

var (
	ErrChatNotFound       = errors.New("chat not found")
	ErrToolPartsInHistory = errors.New("tool parts must not be persisted")
)

// Store keeps chats, their messages and per-turn usage.
type Store struct {
	db        *sql.DB
	driver    string
	estimator *tokens.Estimator
	pageSize  int
}

// defaultHistoryPage bounds how many rows one history query reads.
const defaultHistoryPage = 50

func NewStore(db *sql.DB, driver string, estimator *tokens.Estimator) *Store {
	if estimator == nil {
		estimator = tokens.New()
	}
	return &Store{db: db, driver: normalizeDriver(driver), estimator: estimator, pageSize: defaultHistoryPage}
}

func (s *Store) q(query string) string {
	return rebind(s.driver, query)
}

// CreateChat inserts a new chat and returns the record.
func (s *Store) CreateChat(ctx context.Context, title string) (*models.Chat, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		title = "New chat"
	}
	now := time.Now().UTC()
	chat := &models.Chat{ID: uuid.NewString(), Title: title, CreatedAt: now, UpdatedAt: now}
	if _, err := s.db.ExecContext(ctx,
		s.q(`INSERT INTO chats (id, title, created_at, updated_at) VALUES (?, ?, ?, ?)`),
		chat.ID, chat.Title, now, now,
	); err != nil {
		return nil, fmt.Errorf("create chat: %w", err)
	}
	return chat, nil
}

// GetChat returns one chat with its last usage snapshot.
func (s *Store) GetChat(ctx context.Context, chatID string) (*models.Chat, error) {
	var (
		chat        models.Chat
		lastContext sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		s.q(`SELECT id, title, last_context, created_at, updated_at FROM chats WHERE id = ?`),
		chatID,
	).Scan(&chat.ID, &chat.Title, &lastContext, &chat.CreatedAt, &chat.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrChatNotFound
		}
		return nil, fmt.Errorf("get chat: %w", err)
	}
	if lastContext.Valid && lastContext.String != "" {
		var record models.UsageRecord
		if err := json.Unmarshal([]byte(lastContext.String), &record); err == nil {
			chat.LastContext = &record
		}
	}
	return &chat, nil
}

// ListMessages returns every message of a chat, oldest first.
func (s *Store) ListMessages(ctx context.Context, chatID string) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		s.q(`SELECT id, chat_id, role, parts, token_count, created_at FROM messages WHERE chat_id = ? ORDER BY seq ASC`),
		chatID,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// DeleteChat removes a chat together with its messages and usage rows.
func (s *Store) DeleteChat(ctx context.Context, chatID string) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	for _, table := range []string{"messages", "chat_usage"} {
		if _, err = tx.ExecContext(ctx, s.q(`DELETE FROM `+table+` WHERE chat_id = ?`), chatID); err != nil {
			return fmt.Errorf("delete %s: %w", table, err)
		}
	}
	res, err := tx.ExecContext(ctx, s.q(`DELETE FROM chats WHERE id = ?`), chatID)
	if err != nil {
		return fmt.Errorf("delete chat: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete chat: %w", err)
	}
	if n == 0 {
		err = ErrChatNotFound
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// FetchHistory returns the most recent messages of a chat, oldest first. It
// walks newest to oldest and stops at the first message that would push the
// running total past tokenBudget once minMessages are collected.
func (s *Store) FetchHistory(ctx context.Context, chatID string, tokenBudget, minMessages int) ([]models.Message, error) {
	pageSize := s.pageSize
	if minMessages > pageSize {
		pageSize = minMessages
	}

	var (
		newestFirst []models.Message
		total       int
		before      int64
	)
	for {
		page, lastSeq, err := s.historyPage(ctx, chatID, before, pageSize)
		if err != nil {
			return nil, err
		}
		for _, m := range page {
			cost := s.estimator.EstimateMessage(m)
			if len(newestFirst) >= minMessages && total+cost > tokenBudget {
				return reverse(newestFirst), nil
			}
			total += cost
			newestFirst = append(newestFirst, m)
		}
		if len(page) < pageSize {
			return reverse(newestFirst), nil
		}
		before = lastSeq
	}
}

// historyPage reads up to limit messages older than seq before (all when
// before is 0), newest first, and returns the seq of the oldest one.
func (s *Store) historyPage(ctx context.Context, chatID string, before int64, limit int) ([]models.Message, int64, error) {
	query := `SELECT seq, id, chat_id, role, parts, token_count, created_at FROM messages WHERE chat_id = ? ORDER BY seq DESC LIMIT ?`
	args := []any{chatID, limit}
	if before > 0 {
		query = `SELECT seq, id, chat_id, role, parts, token_count, created_at FROM messages WHERE chat_id = ? AND seq < ? ORDER BY seq DESC LIMIT ?`
		args = []any{chatID, before, limit}
	}
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("fetch history: %w", err)
	}
	defer rows.Close()

	var (
		page    []models.Message
		lastSeq int64
	)
	for rows.Next() {
		m, err := scanMessage(seqScanner{row: rows, seq: &lastSeq})
		if err != nil {
			return nil, 0, err
		}
		page = append(page, m)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("fetch history: %w", err)
	}
	return page, lastSeq, nil
}

func reverse(newestFirst []models.Message) []models.Message {
	history := make([]models.Message, len(newestFirst))
	for i, m := range newestFirst {
		history[len(newestFirst)-1-i] = m
	}
	return history
}

// seqScanner reads the leading seq column before handing the rest to
// scanMessage.
type seqScanner struct {
	row rowScanner
	seq *int64
}

func (s seqScanner) Scan(dest ...any) error {
	return s.row.Scan(append([]any{s.seq}, dest...)...)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (models.Message, error) {
	var (
		m          models.Message
		role       string
		parts      string
		tokenCount sql.NullInt64
	)
	if err := row.Scan(&m.ID, &m.ChatID, &role, &parts, &tokenCount, &m.CreatedAt); err != nil {
		return m, fmt.Errorf("scan message: %w", err)
	}
	m.Role = models.Role(role)
	if err := json.Unmarshal([]byte(parts), &m.Parts); err != nil {
		return m, fmt.Errorf("decode parts of message %s: %w", m.ID, err)
	}
	if tokenCount.Valid {
		m.TokenCount = int(tokenCount.Int64)
	}
	return m, nil
}

// AppendMessages stores messages in one transaction. Messages carrying tool
// parts are rejected.
func (s *Store) AppendMessages(ctx context.Context, messages []models.Message) (err error) {
	if len(messages) == 0 {
		return nil
	}
	for _, m := range messages {
		if m.HasToolParts() {
			return fmt.Errorf("message %s: %w", m.ID, ErrToolPartsInHistory)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	touched := map[string]time.Time{}
	for _, m := range messages {
		if _, ok := touched[m.ChatID]; !ok {
			var exists bool
			if err = tx.QueryRowContext(ctx,
				s.q(`SELECT EXISTS(SELECT 1 FROM chats WHERE id = ?)`), m.ChatID,
			).Scan(&exists); err != nil {
				return fmt.Errorf("check chat: %w", err)
			}
			if !exists {
				err = fmt.Errorf("chat %s: %w", m.ChatID, ErrChatNotFound)
				return err
			}
		}
		if m.ID == "" {
			m.ID = uuid.NewString()
		}
		if m.CreatedAt.IsZero() {
			m.CreatedAt = time.Now().UTC()
		}
		var parts []byte
		parts, err = json.Marshal(m.Parts)
		if err != nil {
			return fmt.Errorf("encode parts of message %s: %w", m.ID, err)
		}
		var tokenCount sql.NullInt64
		if m.TokenCount > 0 {
			tokenCount = sql.NullInt64{Int64: int64(m.TokenCount), Valid: true}
		}
		if _, err = tx.ExecContext(ctx,
			s.q(`INSERT INTO messages (id, chat_id, role, parts, token_count, created_at) VALUES (?, ?, ?, ?, ?, ?)`),
			m.ID, m.ChatID, string(m.Role), string(parts), tokenCount, m.CreatedAt.UTC(),
		); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		touched[m.ChatID] = m.CreatedAt.UTC()
	}
	for chatID, at := range touched {
		if _, err = tx.ExecContext(ctx, s.q(`UPDATE chats SET updated_at = ? WHERE id = ?`), at, chatID); err != nil {
			return fmt.Errorf("touch chat: %w", err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit messages: %w", err)
	}
	return nil
}

// UpdateTurnUsage records the usage of a finished turn and makes it the
// chat's last context snapshot.
func (s *Store) UpdateTurnUsage(ctx context.Context, chatID string, record models.UsageRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode usage: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		s.q(`UPDATE chats SET last_context = ? WHERE id = ?`),
		string(data), chatID,
	)
	if err != nil {
		return fmt.Errorf("update last context: %w", err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return ErrChatNotFound
	}

	var (
		modelID sql.NullString
		cost    sql.NullFloat64
	)
	if record.ModelID != "" {
		modelID = sql.NullString{String: record.ModelID, Valid: true}
	}
	if record.Cost != nil {
		cost = sql.NullFloat64{Float64: record.Cost.TotalCostUSD, Valid: true}
	}
	if _, err := s.db.ExecContext(ctx,
		s.q(`INSERT INTO chat_usage (chat_id, model_id, input_tokens, output_tokens, total_tokens, cost_usd, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`),
		chatID, modelID, record.InputTokens, record.OutputTokens, record.TotalTokens, cost, time.Now().UTC(),
	); err != nil {
		return fmt.Errorf("insert chat usage: %w", err)
	}
	return nil
}

// UsageTotals sums the recorded usage of a chat.
func (s *Store) UsageTotals(ctx context.Context, chatID string) (models.Usage, float64, error) {
	var (
		u    models.Usage
		cost sql.NullFloat64
	)
	err := s.db.QueryRowContext(ctx,
		s.q(`SELECT COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0), COALESCE(SUM(total_tokens), 0), SUM(cost_usd) FROM chat_usage WHERE chat_id = ?`),
		chatID,
	).Scan(&u.InputTokens, &u.OutputTokens, &u.TotalTokens, &cost)
	if err != nil {
		return u, 0, fmt.Errorf("usage totals: %w", err)
	}
	return u, cost.Float64, nil
}
