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
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/haasonsaas/toolgate/pkg/models"
)

// Dialect names a supported SQL backend.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// SQLStore implements Store on database/sql. Queries use $N placeholders,
// which both lib/pq and modernc sqlite bind by ordinal.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

// NewSQLStore wraps an open database.
func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect, now: time.Now}
}

// Open connects to a database and verifies the connection.
func Open(dialect Dialect, dsn string, config *PoolConfig) (*SQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	if config == nil {
		config = DefaultPoolConfig()
	}

	driver := string(dialect)
	switch dialect {
	case DialectPostgres:
	case DialectSQLite:
	default:
		return nil, fmt.Errorf("unsupported database driver %q", dialect)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if dialect == DialectSQLite {
		// One writer; modernc serializes on the connection anyway.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(config.MaxOpenConns)
		db.SetMaxIdleConns(config.MaxIdleConns)
	}
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), config.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return NewSQLStore(db, dialect), nil
}

// DB exposes the underlying connection for the migrator.
func (s *SQLStore) DB() *sql.DB { return s.db }

// Dialect returns the backend dialect.
func (s *SQLStore) Dialect() Dialect { return s.dialect }

// Close closes the database.
func (s *SQLStore) Close() error { return s.db.Close() }

func (s *SQLStore) timestamp() time.Time { return s.now().UTC() }

// marshalJSON encodes v for a TEXT column. Nil stays NULL.
func marshalJSON(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func isDuplicate(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate") || strings.Contains(msg, "unique constraint")
}

const validationColumns = `id, user_id, agent_id, chat_id, message_id, title, description, source, process, status,
	tool_name, server_id, tool_call_id, tool_args, tool_result, feedback, reason, execution_id,
	expires_at, expired_at, created_at, updated_at`

func (s *SQLStore) CreateValidation(ctx context.Context, v *models.Validation) error {
	if v == nil {
		return fmt.Errorf("validation is required")
	}
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	if v.Status == "" {
		v.Status = models.ValidationPending
	}
	now := s.timestamp()
	if v.CreatedAt.IsZero() {
		v.CreatedAt = now
	}
	v.UpdatedAt = now

	args, err := marshalJSON(v.ToolArgs)
	if err != nil {
		return fmt.Errorf("marshal tool args: %w", err)
	}
	result, err := marshalJSON(v.ToolResult)
	if err != nil {
		return fmt.Errorf("marshal tool result: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO validations (`+validationColumns+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)`,
		v.ID, v.UserID, v.AgentID, v.ChatID, v.MessageID, v.Title, v.Description,
		string(v.Source), string(v.Process), string(v.Status),
		v.ToolName, v.ServerID, v.ToolCallID, args, result, v.Feedback, v.Reason, v.ExecutionID,
		utcPtr(v.ExpiresAt), utcPtr(v.ExpiredAt), v.CreatedAt.UTC(), v.UpdatedAt,
	)
	if err != nil {
		if isDuplicate(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("create validation: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanValidation(row rowScanner) (*models.Validation, error) {
	var v models.Validation
	var source, process, status string
	var args, result []byte
	var expiresAt, expiredAt sql.NullTime
	if err := row.Scan(
		&v.ID, &v.UserID, &v.AgentID, &v.ChatID, &v.MessageID, &v.Title, &v.Description,
		&source, &process, &status,
		&v.ToolName, &v.ServerID, &v.ToolCallID, &args, &result, &v.Feedback, &v.Reason, &v.ExecutionID,
		&expiresAt, &expiredAt, &v.CreatedAt, &v.UpdatedAt,
	); err != nil {
		return nil, err
	}
	v.Source = models.ValidationSource(source)
	v.Process = models.ValidationProcess(process)
	v.Status = models.ValidationStatus(status)
	v.ExpiresAt = nullTimePtr(expiresAt)
	v.ExpiredAt = nullTimePtr(expiredAt)
	if len(args) > 0 {
		if err := json.Unmarshal(args, &v.ToolArgs); err != nil {
			return nil, fmt.Errorf("unmarshal tool args: %w", err)
		}
	}
	if len(result) > 0 {
		if err := json.Unmarshal(result, &v.ToolResult); err != nil {
			return nil, fmt.Errorf("unmarshal tool result: %w", err)
		}
	}
	return &v, nil
}

func (s *SQLStore) GetValidation(ctx context.Context, id string) (*models.Validation, error) {
	if id == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+validationColumns+` FROM validations WHERE id = $1`, id)
	v, err := scanValidation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get validation: %w", err)
	}
	return v, nil
}

func (s *SQLStore) UpdateValidationStatus(ctx context.Context, id string, update models.ValidationUpdate) (*models.Validation, error) {
	result, err := marshalJSON(update.ToolResult)
	if err != nil {
		return nil, fmt.Errorf("marshal tool result: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE validations
		 SET status = $1, tool_result = COALESCE($2, tool_result), feedback = $3, reason = $4, expired_at = $5, updated_at = $6
		 WHERE id = $7 AND status = 'pending'`,
		string(update.Status), result, update.Feedback, update.Reason, utcPtr(update.ExpiredAt), s.timestamp(), id,
	)
	if err != nil {
		return nil, fmt.Errorf("update validation: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("update validation: %w", err)
	}
	if affected == 0 {
		if _, err := s.GetValidation(ctx, id); err != nil {
			return nil, err
		}
		return nil, ErrNotPending
	}
	return s.GetValidation(ctx, id)
}

func (s *SQLStore) SetValidationResult(ctx context.Context, id string, result any) error {
	data, err := marshalJSON(result)
	if err != nil {
		return fmt.Errorf("marshal tool result: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE validations SET tool_result = $1, updated_at = $2 WHERE id = $3`,
		data, s.timestamp(), id)
	if err != nil {
		return fmt.Errorf("set validation result: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) queryValidations(ctx context.Context, query string, args ...any) ([]*models.Validation, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query validations: %w", err)
	}
	defer rows.Close()

	out := []*models.Validation{}
	for rows.Next() {
		v, err := scanValidation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan validation: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate validations: %w", err)
	}
	return out, nil
}

func (s *SQLStore) GetValidationsByExecution(ctx context.Context, executionID string) ([]*models.Validation, error) {
	return s.queryValidations(ctx,
		`SELECT `+validationColumns+` FROM validations WHERE execution_id = $1 ORDER BY created_at, id`,
		executionID)
}

func (s *SQLStore) CancelAllPendingValidations(ctx context.Context, chatID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`UPDATE validations SET status = 'cancelled', updated_at = $1
		 WHERE chat_id = $2 AND status = 'pending'
		 RETURNING id`,
		s.timestamp(), chatID)
	if err != nil {
		return nil, fmt.Errorf("cancel pending validations: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan cancelled validation: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("cancel pending validations: %w", err)
	}
	return ids, nil
}

func limitClause(limit int) string {
	if limit <= 0 {
		return ""
	}
	return fmt.Sprintf(" LIMIT %d", limit)
}

func (s *SQLStore) ListPendingValidations(ctx context.Context, userID string, limit int) ([]*models.Validation, error) {
	if userID == "" {
		return s.queryValidations(ctx,
			`SELECT `+validationColumns+` FROM validations WHERE status = 'pending' ORDER BY created_at, id`+limitClause(limit))
	}
	return s.queryValidations(ctx,
		`SELECT `+validationColumns+` FROM validations WHERE status = 'pending' AND user_id = $1 ORDER BY created_at, id`+limitClause(limit),
		userID)
}

func (s *SQLStore) ListExpiredValidations(ctx context.Context, now time.Time, limit int) ([]*models.Validation, error) {
	return s.queryValidations(ctx,
		`SELECT `+validationColumns+` FROM validations
		 WHERE status = 'pending' AND expires_at IS NOT NULL AND expires_at < $1
		 ORDER BY expires_at, id`+limitClause(limit),
		now.UTC())
}

func (s *SQLStore) CreateMessage(ctx context.Context, msg *models.Message) error {
	if msg == nil {
		return fmt.Errorf("message is required")
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.timestamp()
	}
	toolCalls, err := marshalJSON(nilIfEmpty(len(msg.ToolCalls), msg.ToolCalls))
	if err != nil {
		return fmt.Errorf("marshal tool calls: %w", err)
	}
	toolResults, err := marshalJSON(nilIfEmpty(len(msg.ToolResults), msg.ToolResults))
	if err != nil {
		return fmt.Errorf("marshal tool results: %w", err)
	}
	metadata, err := marshalJSON(nilIfEmpty(len(msg.Metadata), msg.Metadata))
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages (id, chat_id, user_id, role, content, tool_calls, tool_results, metadata, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		msg.ID, msg.ChatID, msg.UserID, string(msg.Role), msg.Content, toolCalls, toolResults, metadata, msg.CreatedAt.UTC(),
	)
	if err != nil {
		if isDuplicate(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("create message: %w", err)
	}
	return nil
}

func nilIfEmpty(n int, v any) any {
	if n == 0 {
		return nil
	}
	return v
}

const messageColumns = `id, chat_id, user_id, role, content, tool_calls, tool_results, metadata, created_at`

func scanMessage(row rowScanner) (*models.Message, error) {
	var msg models.Message
	var role string
	var toolCalls, toolResults, metadata []byte
	if err := row.Scan(&msg.ID, &msg.ChatID, &msg.UserID, &role, &msg.Content,
		&toolCalls, &toolResults, &metadata, &msg.CreatedAt); err != nil {
		return nil, err
	}
	msg.Role = models.Role(role)
	if len(toolCalls) > 0 {
		if err := json.Unmarshal(toolCalls, &msg.ToolCalls); err != nil {
			return nil, fmt.Errorf("unmarshal tool calls: %w", err)
		}
	}
	if len(toolResults) > 0 {
		if err := json.Unmarshal(toolResults, &msg.ToolResults); err != nil {
			return nil, fmt.Errorf("unmarshal tool results: %w", err)
		}
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &msg.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return &msg, nil
}

// UpdateMessageMetadata merges patch into the stored metadata inside one
// transaction.
func (s *SQLStore) UpdateMessageMetadata(ctx context.Context, id string, patch map[string]any) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin metadata update: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var raw []byte
	if err := tx.QueryRowContext(ctx, `SELECT metadata FROM messages WHERE id = $1`, id).Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("load message metadata: %w", err)
	}
	var current map[string]any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &current); err != nil {
			return fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	merged, err := json.Marshal(mergeMetadata(current, patch))
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE messages SET metadata = $1 WHERE id = $2`, string(merged), id); err != nil {
		return fmt.Errorf("update message metadata: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit metadata update: %w", err)
	}
	return nil
}

func (s *SQLStore) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	msg, err := scanMessage(s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get message: %w", err)
	}
	return msg, nil
}

func (s *SQLStore) ListMessages(ctx context.Context, chatID string) ([]*models.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE chat_id = $1 ORDER BY created_at, id`, chatID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	out := []*models.Message{}
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return out, nil
}

func (s *SQLStore) CreateLog(ctx context.Context, log *models.ToolLog) error {
	if log == nil {
		return fmt.Errorf("log is required")
	}
	if log.ID == "" {
		log.ID = uuid.NewString()
	}
	if log.CreatedAt.IsZero() {
		log.CreatedAt = s.timestamp()
	}
	args, err := marshalJSON(nilIfEmpty(len(log.Arguments), log.Arguments))
	if err != nil {
		return fmt.Errorf("marshal arguments: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tool_logs (id, user_id, agent_id, chat_id, validation_id, tool_name, server_id, arguments, result, status, always_allow, duration_ms, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		log.ID, log.UserID, log.AgentID, log.ChatID, log.ValidationID, log.ToolName, log.ServerID,
		args, log.Result, string(log.Status), log.AlwaysAllow, log.DurationMs, log.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("create tool log: %w", err)
	}
	return nil
}

func (s *SQLStore) CheckToolCache(ctx context.Context, key models.ToolCacheKey) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM tool_logs
		 WHERE user_id = $1 AND agent_id = $2 AND tool_name = $3 AND server_id = $4 AND always_allow = $5
		 LIMIT 1`,
		key.UserID, key.AgentID, key.ToolName, key.ServerID, true,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check tool cache: %w", err)
	}
	return true, nil
}

func (s *SQLStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	var user models.User
	var level string
	err := s.db.QueryRowContext(ctx, `SELECT id, permission_level FROM users WHERE id = $1`, id).Scan(&user.ID, &level)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	user.PermissionLevel = models.PermissionLevel(level)
	return &user, nil
}

func (s *SQLStore) PutUser(ctx context.Context, user *models.User) error {
	if user == nil || user.ID == "" {
		return fmt.Errorf("user is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, permission_level) VALUES ($1, $2)
		 ON CONFLICT (id) DO UPDATE SET permission_level = excluded.permission_level`,
		user.ID, string(user.PermissionLevel))
	if err != nil {
		return fmt.Errorf("put user: %w", err)
	}
	return nil
}

func (s *SQLStore) GetProviderKey(ctx context.Context, userID, provider string) (string, error) {
	var key string
	err := s.db.QueryRowContext(ctx,
		`SELECT api_key FROM provider_keys WHERE user_id = $1 AND provider = $2`, userID, provider).Scan(&key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get provider key: %w", err)
	}
	return key, nil
}

func (s *SQLStore) PutProviderKey(ctx context.Context, userID, provider, apiKey string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO provider_keys (user_id, provider, api_key) VALUES ($1, $2, $3)
		 ON CONFLICT (user_id, provider) DO UPDATE SET api_key = excluded.api_key`,
		userID, provider, apiKey)
	if err != nil {
		return fmt.Errorf("put provider key: %w", err)
	}
	return nil
}

func (s *SQLStore) SaveExecution(ctx context.Context, exec *models.Execution) error {
	if exec == nil || exec.ID == "" {
		return fmt.Errorf("execution is required")
	}
	now := s.timestamp()
	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = now
	}
	exec.UpdatedAt = now

	step, err := json.Marshal(exec.Step)
	if err != nil {
		return fmt.Errorf("marshal step: %w", err)
	}
	messages, err := json.Marshal(exec.Messages)
	if err != nil {
		return fmt.Errorf("marshal messages: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO executions (id, user_id, agent_id, step, status, validation_id, messages, output, error, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		 ON CONFLICT (id) DO UPDATE SET
		   status = excluded.status,
		   validation_id = excluded.validation_id,
		   messages = excluded.messages,
		   output = excluded.output,
		   error = excluded.error,
		   updated_at = excluded.updated_at`,
		exec.ID, exec.UserID, exec.AgentID, string(step), string(exec.Status), exec.ValidationID,
		string(messages), exec.Output, exec.Error, exec.CreatedAt.UTC(), exec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save execution: %w", err)
	}
	return nil
}

func (s *SQLStore) GetExecution(ctx context.Context, id string) (*models.Execution, error) {
	var exec models.Execution
	var status string
	var step, messages []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, agent_id, step, status, validation_id, messages, output, error, created_at, updated_at
		 FROM executions WHERE id = $1`, id,
	).Scan(&exec.ID, &exec.UserID, &exec.AgentID, &step, &status, &exec.ValidationID,
		&messages, &exec.Output, &exec.Error, &exec.CreatedAt, &exec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get execution: %w", err)
	}
	exec.Status = models.ExecutionStatus(status)
	if err := json.Unmarshal(step, &exec.Step); err != nil {
		return nil, fmt.Errorf("unmarshal step: %w", err)
	}
	if len(messages) > 0 {
		if err := json.Unmarshal(messages, &exec.Messages); err != nil {
			return nil, fmt.Errorf("unmarshal messages: %w", err)
		}
	}
	return &exec, nil
}

var _ Store = (*SQLStore)(nil)
