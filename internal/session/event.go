package session

import "github.com/alanbriolat/media-fetch/internal/model"

// Event is published for every task change. Tasks carried by events are snapshots and safe to keep.
type Event interface {
	// TaskID is the task this event relates to.
	TaskID() model.TaskID
}

type TaskAdded struct {
	Task model.Task
}

func (e TaskAdded) TaskID() model.TaskID {
	return e.Task.TaskID()
}

// TaskUpdated carries the task before and after a transition.
type TaskUpdated struct {
	Old model.Task
	New model.Task
}

func (e TaskUpdated) TaskID() model.TaskID {
	return e.New.TaskID()
}

type TaskRemoved struct {
	Task model.Task
}

func (e TaskRemoved) TaskID() model.TaskID {
	return e.Task.TaskID()
}
