// Package model holds the task records shared by the orchestrators, the task store and its backends.
package model

import (
	"time"

	"github.com/google/uuid"

	"github.com/alanbriolat/media-fetch/generic"
)

type TaskID string

func NewTaskID() TaskID {
	return TaskID(generic.Unwrap(uuid.NewRandom()).String())
}

type Kind string

const (
	KindFile      Kind = "file"
	KindSegmented Kind = "segmented"
)

// Task is the read-only view shared by both task types, used for rendering and events.
type Task interface {
	TaskID() TaskID
	TaskKind() Kind
	TaskStatus() string
	// Fraction is the progress in [0, 1].
	Fraction() float64
	Failure() string
	IsTerminal() bool
}

// FileTask is a whole-file download.
type FileTask struct {
	ID           TaskID     `json:"id"`
	URL          string     `json:"url"`
	FileName     string     `json:"file_name"`
	CreatedAt    time.Time  `json:"created_at"`
	Status       FileStatus `json:"status"`
	Progress     float64    `json:"progress"`
	BytesWritten int64      `json:"bytes_written"`
	// BytesTotal is -1 until the transfer reports a size.
	BytesTotal int64  `json:"bytes_total"`
	Error      string `json:"error,omitempty"`
	// ResumeTokenRef names the stored resumption token blob; only set while paused.
	ResumeTokenRef string `json:"resume_token_ref,omitempty"`
	OutputPath     string `json:"output_path,omitempty"`
}

func NewFileTask(url string, fileName string) *FileTask {
	return &FileTask{
		ID:         NewTaskID(),
		URL:        url,
		FileName:   fileName,
		CreatedAt:  time.Now(),
		Status:     FileWaiting,
		BytesTotal: -1,
	}
}

// UpdateProgress records a progress report. Progress only moves when the total is known.
func (t *FileTask) UpdateProgress(written, total int64) {
	t.BytesWritten = written
	if total >= 0 {
		t.BytesTotal = total
	}
	if t.BytesTotal > 0 {
		p := float64(t.BytesWritten) / float64(t.BytesTotal)
		if p > 1 {
			p = 1
		}
		t.Progress = p
	}
}

// ResetProgress forgets any transferred bytes, for when a transfer has to restart from zero.
func (t *FileTask) ResetProgress() {
	t.BytesWritten = 0
	t.BytesTotal = -1
	t.Progress = 0
}

func (t *FileTask) Clone() *FileTask {
	c := *t
	return &c
}

func (t *FileTask) TaskID() TaskID { return t.ID }
func (t *FileTask) TaskKind() Kind { return KindFile }
func (t *FileTask) TaskStatus() string { return string(t.Status) }
func (t *FileTask) Fraction() float64 { return t.Progress }
func (t *FileTask) Failure() string { return t.Error }
func (t *FileTask) IsTerminal() bool { return t.Status.IsTerminal() }

// SegmentDescriptor is one manifest entry. Index is the merge order.
type SegmentDescriptor struct {
	Index    int     `json:"index"`
	URL      string  `json:"url"`
	Duration float64 `json:"duration"`
}

// Segment is a descriptor plus its download state.
type Segment struct {
	SegmentDescriptor
	State   SegmentState `json:"state"`
	Retries int          `json:"retries"`
}

// SegmentedTask is a manifest-based download.
type SegmentedTask struct {
	ID         TaskID          `json:"id"`
	URL        string          `json:"url"`
	FileName   string          `json:"file_name"`
	CreatedAt  time.Time       `json:"created_at"`
	Status     SegmentedStatus `json:"status"`
	Segments   []Segment       `json:"segments"`
	Error      string          `json:"error,omitempty"`
	OutputPath string          `json:"output_path,omitempty"`
}

func NewSegmentedTask(url string, fileName string) *SegmentedTask {
	return &SegmentedTask{
		ID:        NewTaskID(),
		URL:       url,
		FileName:  fileName,
		CreatedAt: time.Now(),
		Status:    SegmentedParsing,
	}
}

// SetSegments replaces the segment list with fresh waiting records.
func (t *SegmentedTask) SetSegments(descriptors []SegmentDescriptor) {
	t.Segments = make([]Segment, len(descriptors))
	for i, d := range descriptors {
		t.Segments[i] = Segment{SegmentDescriptor: d, State: SegmentWaiting}
	}
}

// Count returns how many segments are in the given state.
func (t *SegmentedTask) Count(state SegmentState) int {
	n := 0
	for i := range t.Segments {
		if t.Segments[i].State == state {
			n++
		}
	}
	return n
}

func (t *SegmentedTask) AllCompleted() bool {
	return len(t.Segments) > 0 && t.Count(SegmentCompleted) == len(t.Segments)
}

func (t *SegmentedTask) Clone() *SegmentedTask {
	c := *t
	if t.Segments != nil {
		c.Segments = make([]Segment, len(t.Segments))
		copy(c.Segments, t.Segments)
	}
	return &c
}

func (t *SegmentedTask) TaskID() TaskID { return t.ID }
func (t *SegmentedTask) TaskKind() Kind { return KindSegmented }
func (t *SegmentedTask) TaskStatus() string { return string(t.Status) }
func (t *SegmentedTask) Failure() string { return t.Error }
func (t *SegmentedTask) IsTerminal() bool { return t.Status.IsTerminal() }

// Fraction is the share of completed segments; merge and conversion count as done downloading.
func (t *SegmentedTask) Fraction() float64 {
	if t.Status == SegmentedCompleted {
		return 1
	}
	if len(t.Segments) == 0 {
		return 0
	}
	return float64(t.Count(SegmentCompleted)) / float64(len(t.Segments))
}
