package aggregation

import (
	"context"
	"sort"
	"sync"
	"time"
)

var _ Store = (*MemStore)(nil)

type linkKey struct {
	executionID string
	errorCode   string
}

// MemStore is an in-memory Store used by handler unit tests; it implements
// every conditional-update and cascade-delete semantic the real container
// has, without any network I/O or retry machinery — there is nothing to
// retry against a map guarded by a mutex.
type MemStore struct {
	mu sync.Mutex

	executions map[string]FailedExecutionItem
	links      map[linkKey]ExecutionErrorLink
	records    map[string]ErrorRecord

	execGsiKeys   map[string]string
	recordGsiKeys map[string]string
}

func NewMemStore() *MemStore {
	return &MemStore{
		executions:    make(map[string]FailedExecutionItem),
		links:         make(map[linkKey]ExecutionErrorLink),
		records:       make(map[string]ErrorRecord),
		execGsiKeys:   make(map[string]string),
		recordGsiKeys: make(map[string]string),
	}
}

// GsiSortKeyForExecution exposes the last-written GS1(exec)/GS3 sort key for
// an execution so tests can assert I5 without reaching into internals.
func (m *MemStore) GsiSortKeyForExecution(executionID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.execGsiKeys[executionID]
	return k, ok
}

// GsiSortKeyForErrorRecord is the ErrorRecord analogue of
// GsiSortKeyForExecution.
func (m *MemStore) GsiSortKeyForErrorRecord(errorCode string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.recordGsiKeys[errorCode]
	return k, ok
}

func (m *MemStore) refreshExecGsiKeyLocked(item FailedExecutionItem) {
	m.execGsiKeys[item.ExecutionID] = execGsiSortKey(item.Status, item.OpenErrorCount, item.ExecutionID)
}

func (m *MemStore) refreshRecordGsiKeyLocked(rec ErrorRecord) {
	m.recordGsiKeys[rec.ErrorCode] = errorGsiSortKey(rec.ErrorStatus, rec.TotalCount, rec.ErrorCode)
}

func nonTerminalLinkCountLocked(links map[linkKey]ExecutionErrorLink, executionID string) int64 {
	var n int64
	for k, l := range links {
		if k.executionID == executionID && !l.Status.IsTerminal() {
			n++
		}
	}
	return n
}

func (m *MemStore) SaveErrorRecords(ctx context.Context, event WorkflowEvent) (SaveResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()

	occurrencesByCode := make(map[string]int64)
	detailsByCode := make(map[string][]byte)
	var order []string
	for _, e := range event.Errors {
		if _, seen := occurrencesByCode[e.Code]; !seen {
			order = append(order, e.Code)
		}
		occurrencesByCode[e.Code]++
		detailsByCode[e.Code] = e.Details
	}

	for _, code := range order {
		rec, exists := m.records[code]
		if !exists {
			rec = ErrorRecord{
				ErrorCode:   code,
				ErrorType:   errorType(code),
				ErrorStatus: StatusFailed,
				CreatedAt:   now,
			}
		}
		rec.TotalCount += occurrencesByCode[code]
		rec.LatestExecutionID = event.ExecutionID
		rec.ErrorDetails = detailsByCode[code]
		rec.UpdatedAt = now
		m.records[code] = rec
		m.refreshRecordGsiKeyLocked(rec)
	}

	for _, code := range order {
		key := linkKey{executionID: event.ExecutionID, errorCode: code}
		link, exists := m.links[key]
		if !exists {
			link = ExecutionErrorLink{
				ExecutionID: event.ExecutionID,
				ErrorCode:   code,
				Status:      StatusFailed,
			}
		} else if link.Status.IsTerminal() {
			link.Status = StatusFailed
		}
		link.Occurrences += occurrencesByCode[code]
		link.County = event.County
		link.ErrorDetails = detailsByCode[code]
		m.links[key] = link
	}

	item, exists := m.executions[event.ExecutionID]
	if !exists {
		item = FailedExecutionItem{
			ExecutionID: event.ExecutionID,
			Status:      StatusFailed,
			CreatedAt:   now,
		}
	}
	item.County = event.County
	if event.TaskToken != nil {
		item.TaskToken = event.TaskToken
	}
	if event.PreparedS3URI != nil {
		item.PreparedS3URI = event.PreparedS3URI
	}
	if event.Source != nil {
		item.Source = event.Source
	}
	if len(order) > 0 {
		item.ErrorType = errorType(order[len(order)-1])
	}
	item.UpdatedAt = now

	var unique, total int64
	for k, l := range m.links {
		if k.executionID != event.ExecutionID {
			continue
		}
		unique++
		total += l.Occurrences
	}
	item.UniqueErrorCount = unique
	item.TotalOccurrences = total
	item.OpenErrorCount = nonTerminalLinkCountLocked(m.links, event.ExecutionID)

	m.executions[event.ExecutionID] = item
	m.refreshExecGsiKeyLocked(item)

	return SaveResult{
		UniqueErrorCount: item.UniqueErrorCount,
		TotalOccurrences: item.TotalOccurrences,
		ErrorCodes:       order,
	}, nil
}

func (m *MemStore) UpdateExecutionMetadata(ctx context.Context, event WorkflowEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	item, exists := m.executions[event.ExecutionID]
	if !exists {
		item = FailedExecutionItem{ExecutionID: event.ExecutionID, CreatedAt: now}
	}
	item.County = event.County
	if event.TaskToken != nil {
		item.TaskToken = event.TaskToken
	}
	if event.PreparedS3URI != nil {
		item.PreparedS3URI = event.PreparedS3URI
	}
	if event.Source != nil {
		item.Source = event.Source
	}
	item.UpdatedAt = now
	m.executions[event.ExecutionID] = item
	m.refreshExecGsiKeyLocked(item)
	return nil
}

func (m *MemStore) QueryExecutionByErrorCount(ctx context.Context, sortOrder string, errorType string) (FailedExecutionItem, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var candidates []FailedExecutionItem
	for _, item := range m.executions {
		if errorType != "" && item.ErrorType != errorType {
			continue
		}
		candidates = append(candidates, item)
	}
	if len(candidates) == 0 {
		return FailedExecutionItem{}, false, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].OpenErrorCount != candidates[j].OpenErrorCount {
			return candidates[i].OpenErrorCount < candidates[j].OpenErrorCount
		}
		return candidates[i].ExecutionID < candidates[j].ExecutionID
	})
	if sortOrder == "least" {
		return candidates[0], true, nil
	}
	return candidates[len(candidates)-1], true, nil
}

func (m *MemStore) GetExecution(ctx context.Context, executionID string) (FailedExecutionItem, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.executions[executionID]
	return item, ok, nil
}

func (m *MemStore) QueryExecutionErrorLinks(ctx context.Context, executionID string) ([]ExecutionErrorLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ExecutionErrorLink
	for k, l := range m.links {
		if k.executionID == executionID {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ErrorCode < out[j].ErrorCode })
	return out, nil
}

func (m *MemStore) QueryErrorLinksForErrorCode(ctx context.Context, errorCode string) ([]ExecutionErrorLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ExecutionErrorLink
	for k, l := range m.links {
		if k.errorCode == errorCode {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExecutionID < out[j].ExecutionID })
	return out, nil
}

func (m *MemStore) DecrementOpenErrorCount(ctx context.Context, executionID string, by int64) (DecrementResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.decrementOpenErrorCountLocked(executionID, by)
}

func (m *MemStore) decrementOpenErrorCountLocked(executionID string, by int64) (DecrementResult, error) {
	item, exists := m.executions[executionID]
	if !exists || item.OpenErrorCount < by {
		return DecrementResult{ExecutionID: executionID, Found: false}, nil
	}
	item.OpenErrorCount -= by
	item.UpdatedAt = time.Now().UTC()
	m.executions[executionID] = item
	m.refreshExecGsiKeyLocked(item)
	return DecrementResult{
		ExecutionID: executionID,
		Found:       true,
		NewCount:    item.OpenErrorCount,
		ErrorType:   item.ErrorType,
		TaskToken:   item.TaskToken,
		County:      item.County,
	}, nil
}

func (m *MemStore) BatchDecrementOpenErrorCounts(ctx context.Context, inputs []DecrementInput) ([]DecrementResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	results := make([]DecrementResult, len(inputs))
	for i, in := range inputs {
		r, _ := m.decrementOpenErrorCountLocked(in.ID, in.By)
		results[i] = r
	}
	return results, nil
}

func (m *MemStore) decrementErrorRecordCountLocked(errorCode string, by int64) ErrorCodeDecrementResult {
	rec, exists := m.records[errorCode]
	if !exists || rec.TotalCount < by {
		return ErrorCodeDecrementResult{ErrorCode: errorCode, Found: false}
	}
	rec.TotalCount -= by
	rec.UpdatedAt = time.Now().UTC()
	m.records[errorCode] = rec
	m.refreshRecordGsiKeyLocked(rec)
	return ErrorCodeDecrementResult{ErrorCode: errorCode, Found: true, NewCount: rec.TotalCount, ErrorType: rec.ErrorType}
}

func (m *MemStore) BatchDecrementErrorRecordCounts(ctx context.Context, inputs []DecrementInput) ([]ErrorCodeDecrementResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	results := make([]ErrorCodeDecrementResult, len(inputs))
	for i, in := range inputs {
		results[i] = m.decrementErrorRecordCountLocked(in.ID, in.By)
	}
	return results, nil
}

func (m *MemStore) BatchUpdateExecutionGsiKeys(ctx context.Context, updates []GsiUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range updates {
		m.execGsiKeys[u.ID] = execGsiSortKey(u.Status, u.NewCount, u.ID)
	}
	return nil
}

func (m *MemStore) BatchUpdateErrorRecordGsiKeys(ctx context.Context, updates []GsiUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range updates {
		m.recordGsiKeys[u.ID] = errorGsiSortKey(u.Status, u.NewCount, u.ID)
	}
	return nil
}

func (m *MemStore) BatchDeleteFailedExecutionItems(ctx context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.executions, id)
		delete(m.execGsiKeys, id)
	}
	return nil
}

func (m *MemStore) BatchDeleteErrorRecords(ctx context.Context, codes []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, code := range codes {
		delete(m.records, code)
		delete(m.recordGsiKeys, code)
	}
	return nil
}

func (m *MemStore) DeleteErrorsForExecution(ctx context.Context, executionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for k, l := range m.links {
		if k.executionID != executionID {
			continue
		}
		if rec, ok := m.records[l.ErrorCode]; ok {
			rec.TotalCount -= l.Occurrences
			if rec.TotalCount <= 0 {
				delete(m.records, l.ErrorCode)
				delete(m.recordGsiKeys, l.ErrorCode)
			} else {
				rec.UpdatedAt = time.Now().UTC()
				m.records[l.ErrorCode] = rec
				m.refreshRecordGsiKeyLocked(rec)
			}
		}
		delete(m.links, k)
	}
	delete(m.executions, executionID)
	delete(m.execGsiKeys, executionID)
	return nil
}

func (m *MemStore) DeleteErrorFromAllExecutions(ctx context.Context, errorCode string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for k := range m.links {
		if k.errorCode != errorCode {
			continue
		}
		delete(m.links, k)
		if item, ok := m.executions[k.executionID]; ok {
			item.OpenErrorCount--
			if item.OpenErrorCount < 0 {
				item.OpenErrorCount = 0
			}
			remaining := nonTerminalLinkCountLocked(m.links, k.executionID)
			if remaining == 0 {
				delete(m.executions, k.executionID)
				delete(m.execGsiKeys, k.executionID)
			} else {
				item.UpdatedAt = time.Now().UTC()
				m.executions[k.executionID] = item
				m.refreshExecGsiKeyLocked(item)
			}
		}
	}
	delete(m.records, errorCode)
	delete(m.recordGsiKeys, errorCode)
	return nil
}

func (m *MemStore) MarkErrorAsUnrecoverableForExecution(ctx context.Context, executionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	found := false
	for k, l := range m.links {
		if k.executionID != executionID {
			continue
		}
		found = true
		l.Status = StatusMaybeUnrecoverable
		m.links[k] = l
		if rec, ok := m.records[k.errorCode]; ok {
			rec.ErrorStatus = StatusMaybeUnrecoverable
			rec.UpdatedAt = time.Now().UTC()
			m.records[k.errorCode] = rec
			m.refreshRecordGsiKeyLocked(rec)
		}
	}
	if !found {
		return ErrNotFound
	}

	if item, ok := m.executions[executionID]; ok {
		item.Status = StatusMaybeUnrecoverable
		item.OpenErrorCount = nonTerminalLinkCountLocked(m.links, executionID)
		item.UpdatedAt = time.Now().UTC()
		m.executions[executionID] = item
		m.refreshExecGsiKeyLocked(item)
	}
	return nil
}

func (m *MemStore) MarkErrorAsUnrecoverableForErrorCode(ctx context.Context, errorCode string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for k, l := range m.links {
		if k.errorCode != errorCode {
			continue
		}
		l.Status = StatusMaybeUnrecoverable
		m.links[k] = l
		if item, ok := m.executions[k.executionID]; ok {
			item.Status = StatusMaybeUnrecoverable
			item.OpenErrorCount = nonTerminalLinkCountLocked(m.links, k.executionID)
			item.UpdatedAt = time.Now().UTC()
			m.executions[k.executionID] = item
			m.refreshExecGsiKeyLocked(item)
		}
	}
	if rec, ok := m.records[errorCode]; ok {
		rec.ErrorStatus = StatusMaybeUnrecoverable
		rec.UpdatedAt = time.Now().UTC()
		m.records[errorCode] = rec
		m.refreshRecordGsiKeyLocked(rec)
	}
	return nil
}

func (m *MemStore) TransitionLinkStatus(ctx context.Context, executionID, errorCode string, status ErrorStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := linkKey{executionID: executionID, errorCode: errorCode}
	link, ok := m.links[key]
	if !ok {
		return ErrNotFound
	}
	link.Status = status
	m.links[key] = link

	if item, ok := m.executions[executionID]; ok {
		item.OpenErrorCount = nonTerminalLinkCountLocked(m.links, executionID)
		item.UpdatedAt = time.Now().UTC()
		m.executions[executionID] = item
		m.refreshExecGsiKeyLocked(item)
	}
	return nil
}

func (m *MemStore) SetExecutionStatus(ctx context.Context, executionID string, status ErrorStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.executions[executionID]
	if !ok {
		return ErrNotFound
	}
	item.Status = status
	item.UpdatedAt = time.Now().UTC()
	m.executions[executionID] = item
	m.refreshExecGsiKeyLocked(item)
	return nil
}
