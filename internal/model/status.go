package model

import "github.com/alanbriolat/media-fetch/generic"

type FileStatus string

const (
	FileWaiting     FileStatus = "waiting"
	FileDownloading FileStatus = "downloading"
	FilePaused      FileStatus = "paused"
	FileCompleted   FileStatus = "completed"
	FileFailed      FileStatus = "failed"
)

var runningFileStatuses = generic.NewSet(
	FileWaiting,
	FileDownloading,
)

// IsRunning returns true if the status is one where a transfer is (or is about to be) updating the task.
func (s FileStatus) IsRunning() bool {
	return runningFileStatuses.Contains(s)
}

// NonRunning returns the status a task must take when no process is driving it any more, which may be the same
// status if IsRunning is already false.
func (s FileStatus) NonRunning() FileStatus {
	if s.IsRunning() {
		return FilePaused
	}
	return s
}

func (s FileStatus) IsTerminal() bool {
	return s == FileCompleted || s == FileFailed
}

type SegmentedStatus string

const (
	SegmentedParsing     SegmentedStatus = "parsing"
	SegmentedDownloading SegmentedStatus = "downloading"
	SegmentedPaused      SegmentedStatus = "paused"
	SegmentedMerging     SegmentedStatus = "merging"
	SegmentedConverting  SegmentedStatus = "converting"
	SegmentedCompleted   SegmentedStatus = "completed"
	SegmentedFailed      SegmentedStatus = "failed"
)

var runningSegmentedStatuses = generic.NewSet(
	SegmentedParsing,
	SegmentedDownloading,
	SegmentedMerging,
	SegmentedConverting,
)

func (s SegmentedStatus) IsRunning() bool {
	return runningSegmentedStatuses.Contains(s)
}

// NonRunning maps every running status to paused; resuming works out where to pick up from the segment states.
func (s SegmentedStatus) NonRunning() SegmentedStatus {
	if s.IsRunning() {
		return SegmentedPaused
	}
	return s
}

func (s SegmentedStatus) IsTerminal() bool {
	return s == SegmentedCompleted || s == SegmentedFailed
}

type SegmentState string

const (
	SegmentWaiting     SegmentState = "waiting"
	SegmentDownloading SegmentState = "downloading"
	SegmentCompleted   SegmentState = "completed"
	SegmentFailed      SegmentState = "failed"
)

// NonRunning turns an orphaned downloading segment back into a waiting one.
func (s SegmentState) NonRunning() SegmentState {
	if s == SegmentDownloading {
		return SegmentWaiting
	}
	return s
}
