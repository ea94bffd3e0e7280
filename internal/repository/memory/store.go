package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/initials101/mpesa-gateway/internal/model"
	"github.com/initials101/mpesa-gateway/internal/repository"
)

// TransactionStore is the in-memory Transaction Store variant. It keeps
// the same compare-and-set contract as the relational store, so the
// reconciliation engine behaves identically against it. Used in dev mode
// and by tests that need to drive adversarial interleavings.
type TransactionStore struct {
	mu     sync.Mutex
	nextID int64
	byID   map[string]*model.Transaction
}

func NewTransactionStore() *TransactionStore {
	return &TransactionStore{
		byID: make(map[string]*model.Transaction),
	}
}

func (s *TransactionStore) Create(ctx context.Context, t *model.Transaction) (*model.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[t.CorrelationID]; ok {
		return nil, repository.ErrDuplicateCorrelationID
	}

	s.nextID++
	clone := cloneTransaction(t)
	clone.ID = s.nextID
	if clone.CreatedAt == 0 {
		clone.CreatedAt = model.Now()
	}
	if clone.UpdatedAt == 0 {
		clone.UpdatedAt = clone.CreatedAt
	}
	s.byID[clone.CorrelationID] = clone

	return cloneTransaction(clone), nil
}

func (s *TransactionStore) FindByCorrelationID(ctx context.Context, correlationID string) (*model.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.byID[correlationID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return cloneTransaction(t), nil
}

func (s *TransactionStore) FindByEitherID(ctx context.Context, conversationID, originatorID string) ([]*model.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*model.Transaction
	for _, t := range s.byID {
		if matchesEither(t, conversationID) || matchesEither(t, originatorID) {
			out = append(out, cloneTransaction(t))
		}
	}
	if len(out) == 0 {
		return nil, repository.ErrNotFound
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func matchesEither(t *model.Transaction, id string) bool {
	if id == "" {
		return false
	}
	return t.CorrelationID == id || t.OriginatorConversationID == id
}

func (s *TransactionStore) CompareAndSetStatus(ctx context.Context, correlationID string, expected model.TransactionStatus, upd model.ResolutionUpdate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.byID[correlationID]
	if !ok {
		return false, repository.ErrNotFound
	}
	if t.Status != expected {
		return false, nil
	}

	t.Status = upd.Status
	t.ResultCode = upd.ResultCode
	t.ResultDesc = upd.ResultDesc
	t.TimeoutHandled = upd.TimeoutHandled
	t.UpdatedAt = upd.UpdatedAt
	if len(upd.Metadata) > 0 {
		if t.Metadata == nil {
			t.Metadata = make(map[string]string, len(upd.Metadata))
		}
		for k, v := range upd.Metadata {
			if _, exists := t.Metadata[k]; !exists {
				t.Metadata[k] = v
			}
		}
	}
	return true, nil
}

func (s *TransactionStore) MarkTimeoutHandled(ctx context.Context, correlationID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.byID[correlationID]
	if !ok {
		return false, repository.ErrNotFound
	}
	if t.TimeoutHandled {
		return false, nil
	}
	t.TimeoutHandled = true
	t.UpdatedAt = model.Now()
	return true, nil
}

func (s *TransactionStore) Find(ctx context.Context, f model.TransactionFilter) ([]*model.Transaction, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []*model.Transaction
	for _, t := range s.byID {
		if f.Status != nil && t.Status != *f.Status {
			continue
		}
		if f.Kind != nil && t.Kind != *f.Kind {
			continue
		}
		matched = append(matched, cloneTransaction(t))
	}

	sort.Slice(matched, func(i, j int) bool {
		if f.Desc {
			return matched[i].CreatedAt > matched[j].CreatedAt
		}
		return matched[i].CreatedAt < matched[j].CreatedAt
	})

	total := int64(len(matched))

	pageSize := f.PageSize
	if pageSize <= 0 || pageSize > 1000 {
		pageSize = 50
	}
	page := f.Page
	if page < 1 {
		page = 1
	}
	start := (page - 1) * pageSize
	if start >= len(matched) {
		return []*model.Transaction{}, total, nil
	}
	end := start + pageSize
	if end > len(matched) {
		end = len(matched)
	}
	return matched[start:end], total, nil
}

func (s *TransactionStore) FindStalePending(ctx context.Context, cutoff int64, limit int) ([]*model.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 100
	}
	var out []*model.Transaction
	for _, t := range s.byID {
		if t.Status == model.StatusPending && t.CreatedAt <= cutoff && !t.TimeoutHandled {
			out = append(out, cloneTransaction(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *TransactionStore) FindSuccessCodeMismatches(ctx context.Context) ([]*model.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*model.Transaction
	for _, t := range s.byID {
		if t.ResultCode != nil && *t.ResultCode == 0 && t.Status != model.StatusSuccess {
			out = append(out, cloneTransaction(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *TransactionStore) ForceStatus(ctx context.Context, correlationID string, status model.TransactionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.byID[correlationID]
	if !ok {
		return repository.ErrNotFound
	}
	t.Status = status
	t.UpdatedAt = model.Now()
	return nil
}

func (s *TransactionStore) Stats(ctx context.Context) (*model.TransactionStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := &model.TransactionStats{
		ByStatus: make(map[model.TransactionStatus]int64),
		ByKind:   make(map[model.TransactionKind]int64),
	}
	for _, t := range s.byID {
		stats.ByStatus[t.Status]++
		stats.ByKind[t.Kind]++
		if t.Status == model.StatusSuccess {
			stats.SuccessAmount += t.Amount
		}
	}
	return stats, nil
}

func cloneTransaction(t *model.Transaction) *model.Transaction {
	clone := *t
	if t.Metadata != nil {
		clone.Metadata = make(map[string]string, len(t.Metadata))
		for k, v := range t.Metadata {
			clone.Metadata[k] = v
		}
	}
	if t.ResultCode != nil {
		code := *t.ResultCode
		clone.ResultCode = &code
	}
	if t.ResultDesc != nil {
		desc := *t.ResultDesc
		clone.ResultDesc = &desc
	}
	return &clone
}

// CallbackStore is the in-memory audit-trail variant.
type CallbackStore struct {
	mu      sync.Mutex
	records []*model.CallbackRecord
}

func NewCallbackStore() *CallbackStore {
	return &CallbackStore{}
}

func (s *CallbackStore) Create(ctx context.Context, c *model.CallbackRecord) (*model.CallbackRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *c
	s.records = append(s.records, &clone)
	return &clone, nil
}

func (s *CallbackStore) ListByCorrelationID(ctx context.Context, correlationID string) ([]*model.CallbackRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.CallbackRecord
	for _, r := range s.records {
		if r.CorrelationID == correlationID {
			clone := *r
			out = append(out, &clone)
		}
	}
	return out, nil
}
