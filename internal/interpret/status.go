package interpret

// Severity of a user-facing notification.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeveritySuccess Severity = "success"
	SeverityError   Severity = "error"
)

type StatusMessage struct {
	Text     string
	Severity Severity
}

// StatusWriter replaces the text of the operation's status line.
type StatusWriter interface {
	SetStatus(text string)
}

// Notifier displays a transient message.
type Notifier interface {
	Notify(msg StatusMessage)
}

// Ports are the output capabilities an operation writes through.
type Ports struct {
	Status StatusWriter
	Notify Notifier
}
