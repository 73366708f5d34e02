package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/toolgate/pkg/models"
)

// MemoryStore is an in-memory Store used for development and tests.
type MemoryStore struct {
	mu           sync.RWMutex
	validations  map[string]*models.Validation
	messages     map[string]*models.Message
	messageOrder []string
	logs         []*models.ToolLog
	users        map[string]*models.User
	keys         map[string]string
	executions   map[string]*models.Execution
	now          func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		validations: make(map[string]*models.Validation),
		messages:    make(map[string]*models.Message),
		users:       make(map[string]*models.User),
		keys:        make(map[string]string),
		executions:  make(map[string]*models.Execution),
		now:         time.Now,
	}
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

func cloneValidation(v *models.Validation) *models.Validation {
	out := *v
	return &out
}

func (s *MemoryStore) CreateValidation(ctx context.Context, v *models.Validation) error {
	if v == nil {
		return fmt.Errorf("validation is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	if _, exists := s.validations[v.ID]; exists {
		return ErrAlreadyExists
	}
	now := s.now()
	if v.CreatedAt.IsZero() {
		v.CreatedAt = now
	}
	v.UpdatedAt = now
	if v.Status == "" {
		v.Status = models.ValidationPending
	}
	s.validations[v.ID] = cloneValidation(v)
	return nil
}

func (s *MemoryStore) GetValidation(ctx context.Context, id string) (*models.Validation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.validations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneValidation(v), nil
}

func (s *MemoryStore) UpdateValidationStatus(ctx context.Context, id string, update models.ValidationUpdate) (*models.Validation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.validations[id]
	if !ok {
		return nil, ErrNotFound
	}
	if v.Status != models.ValidationPending {
		return nil, ErrNotPending
	}
	v.Status = update.Status
	if update.ToolResult != nil {
		v.ToolResult = update.ToolResult
	}
	v.Feedback = update.Feedback
	v.Reason = update.Reason
	v.ExpiredAt = update.ExpiredAt
	v.UpdatedAt = s.now()
	return cloneValidation(v), nil
}

func (s *MemoryStore) SetValidationResult(ctx context.Context, id string, result any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.validations[id]
	if !ok {
		return ErrNotFound
	}
	v.ToolResult = result
	v.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) filterValidations(keep func(*models.Validation) bool, limit int) []*models.Validation {
	out := []*models.Validation{}
	for _, v := range s.validations {
		if keep(v) {
			out = append(out, cloneValidation(v))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *MemoryStore) GetValidationsByExecution(ctx context.Context, executionID string) ([]*models.Validation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.filterValidations(func(v *models.Validation) bool {
		return executionID != "" && v.ExecutionID == executionID
	}, 0), nil
}

func (s *MemoryStore) CancelAllPendingValidations(ctx context.Context, chatID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	ids := []string{}
	for _, v := range s.validations {
		if v.ChatID == chatID && v.Status == models.ValidationPending {
			v.Status = models.ValidationCancelled
			v.UpdatedAt = now
			ids = append(ids, v.ID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) ListPendingValidations(ctx context.Context, userID string, limit int) ([]*models.Validation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.filterValidations(func(v *models.Validation) bool {
		return v.Status == models.ValidationPending && (userID == "" || v.UserID == userID)
	}, limit), nil
}

func (s *MemoryStore) ListExpiredValidations(ctx context.Context, now time.Time, limit int) ([]*models.Validation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.filterValidations(func(v *models.Validation) bool {
		return v.Status == models.ValidationPending && v.ExpiresAt != nil && v.ExpiresAt.Before(now)
	}, limit), nil
}

func cloneMessage(m *models.Message) *models.Message {
	out := *m
	if m.Metadata != nil {
		out.Metadata = make(map[string]any, len(m.Metadata))
		for k, v := range m.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

func (s *MemoryStore) CreateMessage(ctx context.Context, msg *models.Message) error {
	if msg == nil {
		return fmt.Errorf("message is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if _, exists := s.messages[msg.ID]; exists {
		return ErrAlreadyExists
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}
	s.messages[msg.ID] = cloneMessage(msg)
	s.messageOrder = append(s.messageOrder, msg.ID)
	return nil
}

func (s *MemoryStore) UpdateMessageMetadata(ctx context.Context, id string, patch map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.messages[id]
	if !ok {
		return ErrNotFound
	}
	msg.Metadata = mergeMetadata(msg.Metadata, patch)
	return nil
}

func (s *MemoryStore) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msg, ok := s.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneMessage(msg), nil
}

func (s *MemoryStore) ListMessages(ctx context.Context, chatID string) ([]*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*models.Message{}
	for _, id := range s.messageOrder {
		if msg := s.messages[id]; msg.ChatID == chatID {
			out = append(out, cloneMessage(msg))
		}
	}
	return out, nil
}

func (s *MemoryStore) CreateLog(ctx context.Context, log *models.ToolLog) error {
	if log == nil {
		return fmt.Errorf("log is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if log.ID == "" {
		log.ID = uuid.NewString()
	}
	if log.CreatedAt.IsZero() {
		log.CreatedAt = s.now()
	}
	entry := *log
	s.logs = append(s.logs, &entry)
	return nil
}

func (s *MemoryStore) CheckToolCache(ctx context.Context, key models.ToolCacheKey) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, log := range s.logs {
		if log.AlwaysAllow &&
			log.UserID == key.UserID &&
			log.AgentID == key.AgentID &&
			log.ToolName == key.ToolName &&
			log.ServerID == key.ServerID {
			return true, nil
		}
	}
	return false, nil
}

// Logs returns a copy of the tool log.
func (s *MemoryStore) Logs() []models.ToolLog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.ToolLog, len(s.logs))
	for i, log := range s.logs {
		out[i] = *log
	}
	return out
}

func (s *MemoryStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *user
	return &out, nil
}

func (s *MemoryStore) PutUser(ctx context.Context, user *models.User) error {
	if user == nil || user.ID == "" {
		return fmt.Errorf("user is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := *user
	s.users[user.ID] = &entry
	return nil
}

func providerKeyID(userID, provider string) string {
	return userID + "\x00" + provider
}

func (s *MemoryStore) GetProviderKey(ctx context.Context, userID, provider string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.keys[providerKeyID(userID, provider)]
	if !ok {
		return "", ErrNotFound
	}
	return key, nil
}

func (s *MemoryStore) PutProviderKey(ctx context.Context, userID, provider, apiKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[providerKeyID(userID, provider)] = apiKey
	return nil
}

func (s *MemoryStore) SaveExecution(ctx context.Context, exec *models.Execution) error {
	if exec == nil || exec.ID == "" {
		return fmt.Errorf("execution is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = now
	}
	exec.UpdatedAt = now
	entry := *exec
	entry.Messages = append([]models.Message(nil), exec.Messages...)
	s.executions[exec.ID] = &entry
	return nil
}

func (s *MemoryStore) GetExecution(ctx context.Context, id string) (*models.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	exec, ok := s.executions[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *exec
	out.Messages = append([]models.Message(nil), exec.Messages...)
	return &out, nil
}

// mergeMetadata returns base with patch applied. Nil patch values delete keys.
func mergeMetadata(base, patch map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(patch))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range patch {
		if v == nil {
			delete(out, k)
			continue
		}
		out[k] = v
	}
	return out
}

var _ Store = (*MemoryStore)(nil)
