package interpret

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/throw-if-null/snapdiff/internal/api"
	"github.com/throw-if-null/snapdiff/internal/orchestrator"
)

// Operation is the kind of user-triggered backend call.
type Operation int

const (
	OpSnapshot Operation = iota + 1
	OpDiff
	OpUpload
	OpList
)

func (op Operation) String() string {
	switch op {
	case OpSnapshot:
		return "snapshot"
	case OpDiff:
		return "diff"
	case OpUpload:
		return "upload"
	case OpList:
		return "list"
	default:
		return "unknown"
	}
}

// ConnectivityHint is shown when no response could be obtained.
const ConnectivityHint = "Could not reach the server. Check your connection and make sure the server is running."

const (
	snapshotFailedStatus = "Snapshot failed."
	diffFailedStatus     = "Diff failed."
	uploadFailedMessage  = "Snapshot failed"
)

// Result is what an operation shows once its outcome is known.
type Result struct {
	Status  string
	Message StatusMessage
	Diff    *DiffView
	Failed  bool
}

// DiffView is the display form of a diff response; lists are never nil.
type DiffView struct {
	Summary  api.DiffSummary
	Added    []string
	Deleted  []string
	Modified []string
}

// Lines renders the three summary lines.
func (v DiffView) Lines() []string {
	return []string{
		fmt.Sprintf("Added: %d", v.Summary.Added),
		fmt.Sprintf("Deleted: %d", v.Summary.Deleted),
		fmt.Sprintf("Modified: %d", v.Summary.Modified),
	}
}

// InFlightStatus is the status written as soon as an operation is triggered.
func InFlightStatus(op Operation, subject string) string {
	switch op {
	case OpSnapshot:
		return "Capturing snapshot for path: " + subject
	case OpDiff:
		return "Comparing snapshots " + subject + "..."
	case OpUpload:
		return "Uploading folder for snapshot " + subject + "..."
	case OpList:
		return "Listing snapshots..."
	default:
		return "Working..."
	}
}

// Interpret turns an orchestrator outcome into display content. It has no
// side effects.
func Interpret(op Operation, out orchestrator.Outcome) Result {
	if !out.OK() {
		return failure(op, out)
	}
	switch op {
	case OpSnapshot:
		var resp api.SnapshotResponse
		_ = out.Decode(&resp)
		return Result{
			Status:  fmt.Sprintf("Snapshot %s is ready. File Count: %d", resp.ID, resp.FileCount),
			Message: StatusMessage{Text: fmt.Sprintf("Snapshot %s captured (%d files).", resp.ID, resp.FileCount), Severity: SeveritySuccess},
		}
	case OpDiff:
		var resp api.DiffResponse
		_ = out.Decode(&resp)
		view := newDiffView(resp)
		return Result{
			Status:  strings.Join(view.Lines(), "\n"),
			Message: StatusMessage{Text: "Diff complete.", Severity: SeveritySuccess},
			Diff:    &view,
		}
	case OpUpload:
		var resp api.UploadResponse
		_ = out.Decode(&resp)
		return Result{
			Status:  fmt.Sprintf("Folder snapshot is ready. File Count: %d", resp.FileCount),
			Message: StatusMessage{Text: fmt.Sprintf("Folder uploaded (%d files).", resp.FileCount), Severity: SeveritySuccess},
		}
	case OpList:
		var list []api.SnapshotInfo
		_ = out.Decode(&list)
		lines := make([]string, 0, len(list))
		for _, info := range list {
			lines = append(lines, fmt.Sprintf("%s\t%d files\t%s\t%s", info.ID, info.FileCount, info.Source, info.CreatedAt))
		}
		if len(lines) == 0 {
			lines = append(lines, "No snapshots.")
		}
		return Result{
			Status:  strings.Join(lines, "\n"),
			Message: StatusMessage{Text: fmt.Sprintf("%d snapshots.", len(list)), Severity: SeverityInfo},
		}
	default:
		return Result{Status: "Done.", Message: StatusMessage{Text: "Done.", Severity: SeverityInfo}}
	}
}

func failure(op Operation, out orchestrator.Outcome) Result {
	res := Result{Failed: true, Message: StatusMessage{Text: ErrorMessage(op, out), Severity: SeverityError}}
	switch op {
	case OpDiff:
		res.Status = diffFailedStatus
	case OpList:
		res.Status = "Listing failed."
	default:
		res.Status = snapshotFailedStatus
	}
	return res
}

// ErrorMessage picks the notification text for a failed outcome: a
// structured body error first, then the terminal status, then the generic
// connectivity hint.
func ErrorMessage(op Operation, out orchestrator.Outcome) string {
	if msg := out.ErrorField(); msg != "" {
		return "Error: " + msg
	}
	switch out.Kind {
	case orchestrator.KindTerminalFailure:
		if op == OpUpload {
			return uploadFailedMessage
		}
		if out.Message != "" {
			return "Error: " + out.Message
		}
		if text := http.StatusText(out.StatusCode); text != "" {
			return "Error: " + text
		}
		return "Error: request failed"
	case orchestrator.KindNetworkFailure, orchestrator.KindRetriesExhausted:
		return ConnectivityHint
	default:
		if op == OpUpload {
			return uploadFailedMessage
		}
		return "Error: request failed"
	}
}

func newDiffView(resp api.DiffResponse) DiffView {
	return DiffView{
		Summary:  resp.Summary,
		Added:    nonNil(resp.DiffDetails.Added),
		Deleted:  nonNil(resp.DiffDetails.Deleted),
		Modified: nonNil(resp.DiffDetails.Modified),
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
