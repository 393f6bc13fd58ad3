package domain

import "time"

// ResultStatus tracks the lifecycle of the user-visible artifact.
type ResultStatus string

const (
	ResultStatusPending   ResultStatus = "pending"
	ResultStatusCompleted ResultStatus = "completed"
	ResultStatusFailed    ResultStatus = "failed"
)

// Result is the user-visible output of a task, 1:1 via TaskID. It is created
// empty at dispatch time and populated by the terminal write. Type and UserID
// are denormalized so result listings never join the tasks table.
type Result struct {
	ID           string
	TaskID       string
	UserID       string
	Type         TaskType
	Status       ResultStatus
	Images       []string
	ErrorMessage string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
