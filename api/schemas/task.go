// api/schemas/task.go
package schemas

// TaskStatus tracks the lifecycle of a task or substep within a pipeline.
type TaskStatus string

const (
	TaskPending    TaskStatus = "PENDING"
	TaskInProgress TaskStatus = "IN_PROGRESS"
	TaskCompleted  TaskStatus = "COMPLETED"
	TaskFailed     TaskStatus = "FAILED"
)

// Done reports whether the status is terminal for the task.
func (s TaskStatus) Done() bool {
	return s == TaskCompleted || s == TaskFailed
}

// Substep is one unit of work inside a Task.
type Substep struct {
	ID     string     `json:"id"`
	Name   string     `json:"name"`
	Status TaskStatus `json:"status"`
}

// Task is a single named goal in the pipeline, possibly broken into substeps.
type Task struct {
	ID       string     `json:"id"`
	Name     string     `json:"name"`
	Goal     string     `json:"goal,omitempty"`
	Status   TaskStatus `json:"status"`
	Substeps []Substep  `json:"substeps,omitempty"`
}

// TaskState is an ordered task pipeline. At most one CurrentTaskID is set at
// a time, and it must reference a task that is not yet done.
type TaskState struct {
	PipelineID    string `json:"pipeline_id,omitempty"`
	PipelineName  string `json:"pipeline_name,omitempty"`
	CurrentTaskID string `json:"current_task_id,omitempty"`
	Tasks         []Task `json:"tasks,omitempty"`
}

// CurrentTask returns the task referenced by CurrentTaskID, or nil.
func (ts *TaskState) CurrentTask() *Task {
	if ts.CurrentTaskID == "" {
		return nil
	}
	for i := range ts.Tasks {
		if ts.Tasks[i].ID == ts.CurrentTaskID {
			return &ts.Tasks[i]
		}
	}
	return nil
}

// NextPending returns the first task after the current one whose status is
// PENDING, or nil when none remain.
func (ts *TaskState) NextPending() *Task {
	seenCurrent := ts.CurrentTaskID == ""
	for i := range ts.Tasks {
		t := &ts.Tasks[i]
		if !seenCurrent {
			if t.ID == ts.CurrentTaskID {
				seenCurrent = true
			}
			continue
		}
		if t.Status == TaskPending {
			return t
		}
	}
	return nil
}
