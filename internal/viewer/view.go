package viewer

import (
	"context"
	"sort"
	"sync"
	"time"

	"mediajobs/internal/domain"
)

// Item is one rendered job. Key is the client-local handle assigned when the
// item first appeared and never changes, even when the temporary id is
// replaced by the server's.
type Item struct {
	Key       string
	ID        string
	Temp      bool
	SessionID string
	ModelID   string
	Prompt    string
	Status    domain.JobStatus
	Outputs   []domain.Output
	Error     string
	CreatedAt time.Time
}

// View is the local job list of one viewer. All three update channels
// (optimistic insert, dispatcher response, events and refetches) go through
// the same monotonic merge: status only advances and outputs only grow.
type View struct {
	mu    sync.Mutex
	items []*Item
}

func NewView() *View {
	return &View{}
}

// AddOptimistic inserts a placeholder for a job being created.
func (v *View) AddOptimistic(ctx context.Context, tempID, modelID, prompt string, now time.Time) Item {
	v.mu.Lock()
	defer v.mu.Unlock()

	item := &Item{
		Key:       tempID,
		ID:        tempID,
		Temp:      true,
		ModelID:   modelID,
		Prompt:    prompt,
		Status:    domain.JobStatusProcessing,
		CreatedAt: now,
	}
	if s, ok := SessionFrom(ctx); ok {
		item.SessionID = s.ID()
	}
	v.items = append([]*Item{item}, v.items...)
	return *item
}

// ResolveDispatch replaces the placeholder tempID with the server's job. If a
// refetch already brought the job in, the two records are folded into the
// placeholder so the item keeps its key.
func (v *View) ResolveDispatch(ctx context.Context, tempID string, job *domain.Job) bool {
	if dismissed(ctx, job.ID) || dismissed(ctx, tempID) {
		// Both names refer to the same job from here on.
		if s, ok := SessionFrom(ctx); ok {
			s.Dismiss(tempID)
			s.Dismiss(job.ID)
		}
		v.remove(tempID)
		v.remove(job.ID)
		return false
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	temp := v.find(tempID)
	if temp == nil {
		if existing := v.find(job.ID); existing != nil {
			mergeJob(existing, job)
			return true
		}
		v.insert(itemFromJob(job))
		return true
	}
	if dup := v.find(job.ID); dup != nil && dup != temp {
		mergeItem(temp, dup)
		v.drop(dup)
	}
	temp.ID = job.ID
	temp.Temp = false
	temp.SessionID = job.SessionID
	temp.CreatedAt = job.CreatedAt
	mergeJob(temp, job)
	v.sortLocked()
	return true
}

// FailOptimistic marks a placeholder whose create request was rejected.
func (v *View) FailOptimistic(tempID, msg string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if item := v.find(tempID); item != nil && item.Temp {
		item.Status = domain.JobStatusFailed
		item.Error = msg
	}
}

// ApplyEvent merges a realtime event. Events for jobs not in the view
// request a debounced resync instead of being inserted.
func (v *View) ApplyEvent(ctx context.Context, ev domain.JobEvent) bool {
	if dismissed(ctx, ev.JobID) {
		return false
	}
	s, hasSession := SessionFrom(ctx)
	if hasSession && !s.firstDelivery(ev) {
		return false
	}

	if ev.Type == domain.EventJobDeleted {
		return v.remove(ev.JobID)
	}

	v.mu.Lock()
	item := v.find(ev.JobID)
	if item != nil {
		merge(item, ev.Status, ev.Outputs, ev.Error)
	}
	incomplete := item != nil && item.Status == domain.JobStatusCompleted && len(item.Outputs) == 0
	v.mu.Unlock()

	if (item == nil || incomplete) && hasSession {
		s.RequestResync()
	}
	return item != nil
}

// ApplyJob merges one job fetched from the server, inserting it if missing.
func (v *View) ApplyJob(ctx context.Context, job *domain.Job) bool {
	if dismissed(ctx, job.ID) {
		return false
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if item := v.find(job.ID); item != nil {
		mergeJob(item, job)
		return true
	}
	v.insert(itemFromJob(job))
	return true
}

// ApplyPage merges a refetched feed page.
func (v *View) ApplyPage(ctx context.Context, jobs []domain.Job) int {
	applied := 0
	for i := range jobs {
		if v.ApplyJob(ctx, &jobs[i]) {
			applied++
		}
	}
	return applied
}

// Dismiss removes the item named by id, its server id or its local key, and
// keeps every name of it out for the session.
func (v *View) Dismiss(ctx context.Context, id string) {
	names := []string{id}
	v.mu.Lock()
	if item := v.findByIDOrKey(id); item != nil {
		names = append(names, item.ID, item.Key)
		v.drop(item)
	}
	v.mu.Unlock()

	if s, ok := SessionFrom(ctx); ok {
		for _, name := range names {
			s.Dismiss(name)
		}
	}
}

// Items returns a copy of the list, newest first.
func (v *View) Items() []Item {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]Item, len(v.items))
	for i, item := range v.items {
		out[i] = *item
		out[i].Outputs = append([]domain.Output(nil), item.Outputs...)
	}
	return out
}

// Get returns the item with server or temporary id.
func (v *View) Get(id string) (Item, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	item := v.find(id)
	if item == nil {
		return Item{}, false
	}
	out := *item
	out.Outputs = append([]domain.Output(nil), item.Outputs...)
	return out, true
}

func (v *View) remove(id string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	item := v.find(id)
	if item == nil {
		return false
	}
	v.drop(item)
	return true
}

func (v *View) find(id string) *Item {
	for _, item := range v.items {
		if item.ID == id {
			return item
		}
	}
	return nil
}

func (v *View) findByIDOrKey(id string) *Item {
	if item := v.find(id); item != nil {
		return item
	}
	for _, item := range v.items {
		if item.Key == id {
			return item
		}
	}
	return nil
}

func (v *View) drop(target *Item) {
	for i, item := range v.items {
		if item == target {
			v.items = append(v.items[:i], v.items[i+1:]...)
			return
		}
	}
}

func (v *View) insert(item *Item) {
	v.items = append(v.items, item)
	v.sortLocked()
}

// sortLocked keeps placeholders first, then the feed order.
func (v *View) sortLocked() {
	sort.SliceStable(v.items, func(i, j int) bool {
		a, b := v.items[i], v.items[j]
		if a.Temp != b.Temp {
			return a.Temp
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID > b.ID
	})
}

func itemFromJob(job *domain.Job) *Item {
	item := &Item{
		Key:       job.ID,
		ID:        job.ID,
		SessionID: job.SessionID,
		ModelID:   job.ModelID,
		Prompt:    job.Prompt,
		Status:    job.Status,
		CreatedAt: job.CreatedAt,
	}
	merge(item, job.Status, job.Outputs, job.ErrorMessage())
	return item
}

func mergeJob(item *Item, job *domain.Job) {
	if item.ModelID == "" {
		item.ModelID = job.ModelID
	}
	if job.Prompt != "" {
		item.Prompt = job.Prompt
	}
	merge(item, job.Status, job.Outputs, job.ErrorMessage())
}

func mergeItem(dst, src *Item) {
	merge(dst, src.Status, src.Outputs, src.Error)
}

// merge is the reducer every channel goes through.
func merge(item *Item, status domain.JobStatus, outputs []domain.Output, errMsg string) {
	if advances(item.Status, status) {
		item.Status = status
		if errMsg != "" {
			item.Error = errMsg
		}
	} else if item.Error == "" && status == item.Status && errMsg != "" {
		item.Error = errMsg
	}

	for _, out := range outputs {
		if !hasOutput(item.Outputs, out) {
			item.Outputs = append(item.Outputs, out)
		}
	}
}

// advances reports whether moving from cur to next is a forward transition.
func advances(cur, next domain.JobStatus) bool {
	if !next.Valid() || next == cur {
		return false
	}
	if cur == "" {
		return true
	}
	return cur == domain.JobStatusProcessing && next.IsTerminal()
}

func hasOutput(list []domain.Output, out domain.Output) bool {
	for _, o := range list {
		if (out.ID != "" && o.ID == out.ID) || (out.ID == "" && o.FileRef == out.FileRef) {
			return true
		}
	}
	return false
}

func dismissed(ctx context.Context, id string) bool {
	s, ok := SessionFrom(ctx)
	return ok && s.IsDismissed(id)
}
