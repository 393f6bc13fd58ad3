package domain

import "time"

// TaskType enumerates supported generation pipelines.
type TaskType string

const (
	TaskTypePhotography     TaskType = "photography"
	TaskTypeFitting         TaskType = "fitting"
	TaskTypePersonalFitting TaskType = "personal_fitting"
	TaskTypeTravel          TaskType = "travel"
)

// Valid reports whether t is a known task type.
func (t TaskType) Valid() bool {
	switch t {
	case TaskTypePhotography, TaskTypeFitting, TaskTypePersonalFitting, TaskTypeTravel:
		return true
	}
	return false
}

// TaskState is the fine-grained pipeline stage. It is the single source of
// truth for scheduling; TaskStatus is derived from it.
type TaskState string

const (
	StatePending      TaskState = "pending"
	StateDownloading  TaskState = "downloading"
	StateDownloaded   TaskState = "downloaded"
	StateAICalling    TaskState = "ai_calling"
	StateHandedOff    TaskState = "handed_off"
	StateAIProcessing TaskState = "ai_processing"
	StateAICompleted  TaskState = "ai_completed"
	StateWatermarking TaskState = "watermarking"
	StateUploading    TaskState = "uploading"
	StateCompleted    TaskState = "completed"
	StateFailed       TaskState = "failed"
	StateCancelled    TaskState = "cancelled"
)

// RetryCeiling is the number of handler failures after which a task is
// permanently failed.
const RetryCeiling = 3

// transitions is the authoritative edge set of the task state machine.
// pending has two outgoing edges: downloading when the scheduler drives the
// fine-grained chain, handed_off when a dispatcher-fired isolated worker
// claims the task directly. ai_calling likewise forks: handed_off when a
// worker takes over the remaining stages, ai_processing for the
// scheduler-driven fallback chain. failed and cancelled are reachable from
// every non-terminal state and are not listed per source state.
var transitions = map[TaskState][]TaskState{
	StatePending:      {StateDownloading, StateHandedOff},
	StateDownloading:  {StateDownloaded},
	StateDownloaded:   {StateAICalling},
	StateAICalling:    {StateHandedOff, StateAIProcessing},
	StateHandedOff:    {StateCompleted},
	StateAIProcessing: {StateAICompleted},
	StateAICompleted:  {StateWatermarking, StateUploading},
	StateWatermarking: {StateUploading},
	StateUploading:    {StateCompleted},
}

// Terminal reports whether no further transition can leave s.
func (s TaskState) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to TaskState) bool {
	if from.Terminal() {
		return false
	}
	if to == StateFailed || to == StateCancelled {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TaskStatus is the coarse business-visible projection of TaskState.
type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusProcessing TaskStatus = "processing"
	StatusCompleted  TaskStatus = "completed"
	StatusFailed     TaskStatus = "failed"
	StatusCancelled  TaskStatus = "cancelled"
)

// Status projects the pipeline state onto the user-facing status. handed_off
// maps to processing: the isolated worker still owns the task and only its own
// terminal write may surface completed or failed to the user.
func (s TaskState) Status() TaskStatus {
	switch s {
	case StatePending:
		return StatusPending
	case StateCompleted:
		return StatusCompleted
	case StateFailed:
		return StatusFailed
	case StateCancelled:
		return StatusCancelled
	default:
		return StatusProcessing
	}
}

// progressByState maps every state to a display percentage. The values are
// monotone along the pipeline and shared by all callers so the numbers cannot
// drift between endpoints.
var progressByState = map[TaskState]int{
	StatePending:      0,
	StateDownloading:  10,
	StateDownloaded:   20,
	StateAICalling:    30,
	StateHandedOff:    40,
	StateAIProcessing: 55,
	StateAICompleted:  70,
	StateWatermarking: 80,
	StateUploading:    90,
	StateCompleted:    100,
	StateFailed:       100,
	StateCancelled:    100,
}

// Progress returns the display percentage for s.
func (s TaskState) Progress() int {
	return progressByState[s]
}

// Task is one user-initiated generation request tracked through the state
// machine. Its ID doubles as the idempotency key for all derived side effects
// (storage paths, queue entries).
type Task struct {
	ID              string
	UserID          string
	Type            TaskType
	State           TaskState
	StateData       StateData
	RetryCount      int
	CreditsCost     int
	CreditsDeducted bool
	CreditsRefunded bool
	LastError       string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
	CancelledAt     *time.Time
}

// InputImage is one downloaded source image carried through stateData.
type InputImage struct {
	Ref  string `json:"ref"`
	MIME string `json:"mime"`
	Data string `json:"data,omitempty"` // base64 transport encoding
}

// StateData is the payload accumulated across transitions. Handlers read the
// keys written by earlier stages and replace the whole object on write;
// per-key patching is deliberately unsupported to avoid lost updates.
type StateData struct {
	SceneID       string       `json:"scene_id,omitempty"`
	Locale        string       `json:"locale,omitempty"`
	Quantity      int          `json:"quantity,omitempty"`
	InputRefs     []string     `json:"input_refs,omitempty"`
	Images        []InputImage `json:"images,omitempty"`
	Prompt        string       `json:"prompt,omitempty"`
	WorkerStarted bool         `json:"worker_started,omitempty"`
	AIStartedAt   *time.Time   `json:"ai_started_at,omitempty"`
	AIRequestID   string       `json:"ai_request_id,omitempty"`
	ResultImages  []string     `json:"result_images,omitempty"`
}
