package pipeline

import (
	"context"
	"fmt"
	"sync"

	"studio-server/internal/domain"
	"studio-server/internal/providers/ai"
)

type fakeTaskRepo struct {
	mu    sync.Mutex
	tasks map[string]*domain.Task
}

func newFakeTaskRepo() *fakeTaskRepo {
	return &fakeTaskRepo{tasks: make(map[string]*domain.Task)}
}

func (f *fakeTaskRepo) add(task *domain.Task) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *task
	f.tasks[task.ID] = &cp
}

func (f *fakeTaskRepo) get(id string) domain.Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.tasks[id]
}

func (f *fakeTaskRepo) GetByID(_ context.Context, id string) (*domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	task, ok := f.tasks[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *task
	return &cp, nil
}

func (f *fakeTaskRepo) ListByState(_ context.Context, state domain.TaskState, limit int) ([]domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Task
	for _, task := range f.tasks {
		if task.State == state && task.RetryCount < domain.RetryCeiling {
			out = append(out, *task)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (f *fakeTaskRepo) Transition(_ context.Context, id string, from, to domain.TaskState, data *domain.StateData) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !domain.CanTransition(from, to) {
		return false, fmt.Errorf("illegal transition %s -> %s", from, to)
	}
	task, ok := f.tasks[id]
	if !ok || task.State != from {
		return false, nil
	}
	task.State = to
	if data != nil {
		task.StateData = *data
	}
	return true, nil
}

func (f *fakeTaskRepo) IncrementRetry(_ context.Context, id, errMsg string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	task, ok := f.tasks[id]
	if !ok {
		return 0, domain.ErrNotFound
	}
	task.RetryCount++
	task.LastError = errMsg
	return task.RetryCount, nil
}

func (f *fakeTaskRepo) MarkFailed(_ context.Context, id, errMsg string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	task, ok := f.tasks[id]
	if !ok || task.State.Terminal() {
		return false, nil
	}
	task.State = domain.StateFailed
	task.LastError = errMsg
	return true, nil
}

func (f *fakeTaskRepo) MarkCancelled(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	task, ok := f.tasks[id]
	if !ok || task.State.Terminal() {
		return false, nil
	}
	task.State = domain.StateCancelled
	return true, nil
}

func (f *fakeTaskRepo) MarkRefunded(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	task, ok := f.tasks[id]
	if !ok || !task.CreditsDeducted || task.CreditsRefunded {
		return false, nil
	}
	task.CreditsRefunded = true
	return true, nil
}

func (f *fakeTaskRepo) CountActive(_ context.Context, userID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, task := range f.tasks {
		if task.UserID == userID && !task.State.Terminal() {
			count++
		}
	}
	return count, nil
}

type fakeResultRepo struct {
	mu      sync.Mutex
	byTask  map[string]*domain.Result
	deleted []string
}

func newFakeResultRepo() *fakeResultRepo {
	return &fakeResultRepo{byTask: make(map[string]*domain.Result)}
}

func (f *fakeResultRepo) add(res *domain.Result) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *res
	f.byTask[res.TaskID] = &cp
}

func (f *fakeResultRepo) get(taskID string) domain.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.byTask[taskID]
}

func (f *fakeResultRepo) GetByID(_ context.Context, id string) (*domain.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, res := range f.byTask {
		if res.ID == id {
			cp := *res
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (f *fakeResultRepo) GetByTaskID(_ context.Context, taskID string) (*domain.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	res, ok := f.byTask[taskID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *res
	return &cp, nil
}

func (f *fakeResultRepo) Complete(_ context.Context, taskID string, images []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	res, ok := f.byTask[taskID]
	if !ok {
		return domain.ErrNotFound
	}
	res.Status = domain.ResultStatusCompleted
	res.Images = images
	return nil
}

func (f *fakeResultRepo) MarkFailed(_ context.Context, taskID, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	res, ok := f.byTask[taskID]
	if !ok {
		return domain.ErrNotFound
	}
	res.Status = domain.ResultStatusFailed
	res.ErrorMessage = errMsg
	return nil
}

func (f *fakeResultRepo) ListByUser(_ context.Context, userID string, limit int) ([]domain.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Result
	for _, res := range f.byTask {
		if res.UserID == userID {
			out = append(out, *res)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (f *fakeResultRepo) Delete(_ context.Context, id, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for taskID, res := range f.byTask {
		if res.ID == id && res.UserID == userID {
			delete(f.byTask, taskID)
			f.deleted = append(f.deleted, id)
			return nil
		}
	}
	return domain.ErrNotFound
}

type fakeLedger struct {
	mu       sync.Mutex
	balances map[string]int
	log      []domain.CreditTransaction
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{balances: make(map[string]int)}
}

func (f *fakeLedger) Balance(_ context.Context, userID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	balance, ok := f.balances[userID]
	if !ok {
		return 0, domain.ErrNotFound
	}
	return balance, nil
}

func (f *fakeLedger) Credit(_ context.Context, userID string, amount int, reason, taskID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.balances[userID]; !ok {
		return 0, domain.ErrNotFound
	}
	f.balances[userID] += amount
	f.log = append(f.log, domain.CreditTransaction{
		UserID:        userID,
		Amount:        amount,
		Reason:        reason,
		RelatedTaskID: taskID,
		BalanceAfter:  f.balances[userID],
	})
	return f.balances[userID], nil
}

// fakeStore glues the fakes into a TaskStore with the same atomicity
// contract: an insufficient balance leaves nothing written.
type fakeStore struct {
	tasks   *fakeTaskRepo
	results *fakeResultRepo
	ledger  *fakeLedger
}

func (f *fakeStore) CreateWithDebit(_ context.Context, task *domain.Task, result *domain.Result) (int, error) {
	f.ledger.mu.Lock()
	balance, ok := f.ledger.balances[task.UserID]
	if !ok || balance < task.CreditsCost {
		f.ledger.mu.Unlock()
		return 0, domain.ErrInsufficientCredits
	}
	f.ledger.balances[task.UserID] = balance - task.CreditsCost
	after := f.ledger.balances[task.UserID]
	f.ledger.log = append(f.ledger.log, domain.CreditTransaction{
		UserID:        task.UserID,
		Amount:        -task.CreditsCost,
		Reason:        domain.CreditReasonGeneration,
		RelatedTaskID: task.ID,
		BalanceAfter:  after,
	})
	f.ledger.mu.Unlock()

	f.tasks.add(task)
	f.results.add(result)
	return after, nil
}

type fakeLauncher struct {
	mu        sync.Mutex
	err       error
	launched  []string
	withdrawn []string
}

func (f *fakeLauncher) Launch(_ context.Context, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.launched = append(f.launched, taskID)
	return nil
}

func (f *fakeLauncher) Withdraw(_ context.Context, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.withdrawn = append(f.withdrawn, taskID)
	return nil
}

type fakeFlags struct {
	mu  sync.Mutex
	set map[string]bool
}

func newFakeFlags() *fakeFlags {
	return &fakeFlags{set: make(map[string]bool)}
}

func (f *fakeFlags) Set(_ context.Context, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.set[taskID] = true
	return nil
}

func (f *fakeFlags) IsSet(_ context.Context, taskID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.set[taskID], nil
}

type fakeObjectStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	// downloadErr fails specific refs; failAll fails every download.
	downloadErr map[string]error
	failAll     error
	uploadErr   error
	uploads     []string
}

func newFakeObjectStore() *fakeObjectStore {
	return &fakeObjectStore{
		objects:     make(map[string][]byte),
		downloadErr: make(map[string]error),
	}
}

func (f *fakeObjectStore) Download(_ context.Context, ref string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll != nil {
		return nil, f.failAll
	}
	if err := f.downloadErr[ref]; err != nil {
		return nil, err
	}
	if data, ok := f.objects[ref]; ok {
		return data, nil
	}
	return []byte("img:" + ref), nil
}

func (f *fakeObjectStore) Upload(_ context.Context, data []byte, pathHint string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.uploadErr != nil {
		return "", f.uploadErr
	}
	f.objects[pathHint] = data
	f.uploads = append(f.uploads, pathHint)
	return pathHint, nil
}

type fakeInvoker struct {
	submitID  string
	submitErr error
	pollRes   *ai.PollResult
	pollErr   error
	invokeRes *ai.InvokeResult
	invokeErr error
}

func (f *fakeInvoker) Invoke(_ context.Context, _ ai.InvokeRequest) (*ai.InvokeResult, error) {
	return f.invokeRes, f.invokeErr
}

func (f *fakeInvoker) Submit(_ context.Context, _ ai.InvokeRequest) (string, error) {
	return f.submitID, f.submitErr
}

func (f *fakeInvoker) Poll(_ context.Context, _ string) (*ai.PollResult, error) {
	return f.pollRes, f.pollErr
}
