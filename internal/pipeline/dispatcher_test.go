package pipeline

import (
	"errors"
	"fmt"
	"testing"

	"github.com/rs/zerolog"

	"studio-server/internal/domain"
)

type dispatcherFixture struct {
	dispatcher *Dispatcher
	tasks      *fakeTaskRepo
	results    *fakeResultRepo
	ledger     *fakeLedger
	launcher   *fakeLauncher
	flags      *fakeFlags
}

func newDispatcherFixture(t *testing.T) *dispatcherFixture {
	t.Helper()
	f := &dispatcherFixture{
		tasks:    newFakeTaskRepo(),
		results:  newFakeResultRepo(),
		ledger:   newFakeLedger(),
		launcher: &fakeLauncher{},
		flags:    newFakeFlags(),
	}
	f.dispatcher = NewDispatcher(DispatcherConfig{
		Store:           &fakeStore{tasks: f.tasks, results: f.results, ledger: f.ledger},
		Tasks:           f.tasks,
		Results:         f.results,
		Ledger:          f.ledger,
		Launcher:        f.launcher,
		Flags:           f.flags,
		Reconciler:      NewReconciler(f.tasks, f.ledger, zerolog.Nop()),
		Logger:          zerolog.Nop(),
		MaxActiveTasks:  3,
		CreditsPerImage: 10,
	})
	// Launches run inline so the test observes their effects synchronously.
	f.dispatcher.detach = func(fn func()) { fn() }
	return f
}

func photographyRequest(userID string) CreateRequest {
	return CreateRequest{
		UserID:    userID,
		Type:      domain.TaskTypePhotography,
		SceneID:   "studio-white",
		Locale:    "en-US",
		InputRefs: []string{"uploads/a.png"},
		Quantity:  1,
	}
}

func TestCreateDebitsAndLaunches(t *testing.T) {
	f := newDispatcherFixture(t)
	f.ledger.balances["user-1"] = 50

	resp, err := f.dispatcher.Create(t.Context(), photographyRequest("user-1"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if resp.CreditsUsed != 10 || resp.CreditsRemaining != 40 {
		t.Fatalf("credits used=%d remaining=%d, want 10/40", resp.CreditsUsed, resp.CreditsRemaining)
	}

	task := f.tasks.get(resp.TaskID)
	if task.State != domain.StatePending {
		t.Fatalf("state = %s, want pending", task.State)
	}
	if !task.CreditsDeducted || task.CreditsRefunded {
		t.Fatalf("credit flags deducted=%v refunded=%v, want true/false", task.CreditsDeducted, task.CreditsRefunded)
	}
	res := f.results.get(resp.TaskID)
	if res.ID != resp.ResultID || res.Status != domain.ResultStatusPending {
		t.Fatalf("result placeholder = %+v", res)
	}
	if len(f.launcher.launched) != 1 || f.launcher.launched[0] != resp.TaskID {
		t.Fatalf("launched = %v, want [%s]", f.launcher.launched, resp.TaskID)
	}
	if len(f.ledger.log) != 1 || f.ledger.log[0].Amount != -10 {
		t.Fatalf("ledger = %+v, want one -10 debit", f.ledger.log)
	}
}

func TestCreateInsufficientCreditsWritesNothing(t *testing.T) {
	f := newDispatcherFixture(t)
	f.ledger.balances["user-1"] = 5

	_, err := f.dispatcher.Create(t.Context(), photographyRequest("user-1"))
	if !errors.Is(err, domain.ErrInsufficientCredits) {
		t.Fatalf("err = %v, want ErrInsufficientCredits", err)
	}
	if len(f.tasks.tasks) != 0 {
		t.Fatal("a rejected request must not create a task row")
	}
	if len(f.ledger.log) != 0 || f.ledger.balances["user-1"] != 5 {
		t.Fatalf("balance touched: %d, log %+v", f.ledger.balances["user-1"], f.ledger.log)
	}
	if len(f.launcher.launched) != 0 {
		t.Fatal("nothing should be launched")
	}
}

func TestCreateConcurrencyCap(t *testing.T) {
	f := newDispatcherFixture(t)
	f.ledger.balances["user-1"] = 500

	for i := 0; i < 3; i++ {
		if _, err := f.dispatcher.Create(t.Context(), photographyRequest("user-1")); err != nil {
			t.Fatalf("Create #%d: %v", i+1, err)
		}
	}

	_, err := f.dispatcher.Create(t.Context(), photographyRequest("user-1"))
	if !errors.Is(err, domain.ErrTooManyActiveTasks) {
		t.Fatalf("err = %v, want ErrTooManyActiveTasks", err)
	}
	if balance := f.ledger.balances["user-1"]; balance != 470 {
		t.Fatalf("balance = %d, cap rejection must not debit", balance)
	}

	// Completing one task frees a slot.
	for id := range f.tasks.tasks {
		f.tasks.tasks[id].State = domain.StateCompleted
		break
	}
	if _, err := f.dispatcher.Create(t.Context(), photographyRequest("user-1")); err != nil {
		t.Fatalf("Create after slot freed: %v", err)
	}
}

func TestCreateValidation(t *testing.T) {
	f := newDispatcherFixture(t)
	f.ledger.balances["user-1"] = 500

	cases := []struct {
		name string
		req  CreateRequest
	}{
		{"missing user", CreateRequest{Type: domain.TaskTypePhotography, InputRefs: []string{"a"}}},
		{"unknown type", CreateRequest{UserID: "user-1", Type: "sculpting", InputRefs: []string{"a"}}},
		{"no inputs", CreateRequest{UserID: "user-1", Type: domain.TaskTypePhotography}},
		{"fitting needs garment", CreateRequest{UserID: "user-1", Type: domain.TaskTypeFitting, InputRefs: []string{"person"}}},
		{"photography needs scene", CreateRequest{UserID: "user-1", Type: domain.TaskTypePhotography, InputRefs: []string{"a"}}},
		{"too many inputs", CreateRequest{UserID: "user-1", Type: domain.TaskTypePhotography, InputRefs: make([]string, 10)}},
		{"quantity out of range", CreateRequest{UserID: "user-1", Type: domain.TaskTypePhotography, InputRefs: []string{"a"}, Quantity: 5}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.dispatcher.Create(t.Context(), tc.req)
			if !errors.Is(err, domain.ErrInvalidRequest) {
				t.Fatalf("err = %v, want ErrInvalidRequest", err)
			}
		})
	}
}

func TestCreateLaunchRejectionFailsAndRefunds(t *testing.T) {
	f := newDispatcherFixture(t)
	f.ledger.balances["user-1"] = 50
	f.launcher.err = fmt.Errorf("queue full: %w", domain.ErrLaunchRejected)

	resp, err := f.dispatcher.Create(t.Context(), photographyRequest("user-1"))
	if err != nil {
		t.Fatalf("Create itself must succeed, launch is detached: %v", err)
	}

	task := f.tasks.get(resp.TaskID)
	if task.State != domain.StateFailed {
		t.Fatalf("state = %s, want failed after rejection", task.State)
	}
	if !task.CreditsRefunded {
		t.Fatal("credits not refunded")
	}
	if balance := f.ledger.balances["user-1"]; balance != 50 {
		t.Fatalf("balance = %d, want 50 restored", balance)
	}
	if res := f.results.get(resp.TaskID); res.Status != domain.ResultStatusFailed {
		t.Fatalf("result status = %s, want failed", res.Status)
	}
}

func TestCreateLaunchTimeoutLeavesTaskInPlace(t *testing.T) {
	f := newDispatcherFixture(t)
	f.ledger.balances["user-1"] = 50
	f.launcher.err = fmt.Errorf("enqueue: %w", domain.ErrLaunchTimeout)

	resp, err := f.dispatcher.Create(t.Context(), photographyRequest("user-1"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	task := f.tasks.get(resp.TaskID)
	if task.State != domain.StatePending {
		t.Fatalf("state = %s, a timed-out launch must leave the task for the worker or sweep", task.State)
	}
	if task.CreditsRefunded {
		t.Fatal("timeout must not trigger a refund, the worker may be running")
	}
	if balance := f.ledger.balances["user-1"]; balance != 40 {
		t.Fatalf("balance = %d, want 40 (debit stands)", balance)
	}
}

func TestCancelRefundsAndSignalsWorker(t *testing.T) {
	f := newDispatcherFixture(t)
	f.ledger.balances["user-1"] = 50

	resp, err := f.dispatcher.Create(t.Context(), photographyRequest("user-1"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := f.dispatcher.Cancel(t.Context(), resp.TaskID, "user-1"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	task := f.tasks.get(resp.TaskID)
	if task.State != domain.StateCancelled {
		t.Fatalf("state = %s, want cancelled", task.State)
	}
	if set, _ := f.flags.IsSet(t.Context(), resp.TaskID); !set {
		t.Fatal("cancel flag not raised for the worker")
	}
	if len(f.launcher.withdrawn) != 1 {
		t.Fatalf("withdrawn = %v, want the queued entry removed", f.launcher.withdrawn)
	}
	if balance := f.ledger.balances["user-1"]; balance != 50 {
		t.Fatalf("balance = %d, want 50 after refund", balance)
	}

	// A second cancel finds the task terminal.
	if err := f.dispatcher.Cancel(t.Context(), resp.TaskID, "user-1"); !errors.Is(err, domain.ErrNotCancelable) {
		t.Fatalf("second cancel err = %v, want ErrNotCancelable", err)
	}
	if len(f.ledger.log) != 2 {
		t.Fatalf("ledger rows = %d, want debit plus single refund", len(f.ledger.log))
	}
}

func TestCancelCompletedTask(t *testing.T) {
	f := newDispatcherFixture(t)
	task := newTask(domain.StateCompleted, domain.StateData{})
	f.tasks.add(task)

	if err := f.dispatcher.Cancel(t.Context(), task.ID, task.UserID); !errors.Is(err, domain.ErrNotCancelable) {
		t.Fatalf("err = %v, want ErrNotCancelable", err)
	}
}

func TestCancelForeignTask(t *testing.T) {
	f := newDispatcherFixture(t)
	task := newTask(domain.StatePending, domain.StateData{})
	f.tasks.add(task)

	if err := f.dispatcher.Cancel(t.Context(), task.ID, "someone-else"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
