package domain

// ProgressKind discriminates the ProgressEvent union.
type ProgressKind string

const (
	KindLog            ProgressKind = "log"
	KindSuccess        ProgressKind = "success"
	KindError          ProgressKind = "error"
	KindActionRequired ProgressKind = "action_required"
	KindUnknown        ProgressKind = ""
)

// ProgressEvent is one event of a verification session as carried on the
// wire. Log events set Type; terminal events set Status.
//
//	{"type":"log","message":"..."}
//	{"status":"success","message":"...","token":"...","info":{...}}
//	{"status":"error","message":"..."}
//	{"status":"action_required","reason":"...","info":{...}}
type ProgressEvent struct {
	Type    string    `json:"type,omitempty"`
	Status  string    `json:"status,omitempty"`
	Message string    `json:"message,omitempty"`
	Reason  string    `json:"reason,omitempty"`
	Token   string    `json:"token,omitempty"`
	Info    *Identity `json:"info,omitempty"`
}

// Kind returns which union member the event is.
func (e ProgressEvent) Kind() ProgressKind {
	if e.Type == string(KindLog) {
		return KindLog
	}
	switch ProgressKind(e.Status) {
	case KindSuccess, KindError, KindActionRequired:
		return ProgressKind(e.Status)
	}
	return KindUnknown
}

// Terminal reports whether the event ends a session.
func (e ProgressEvent) Terminal() bool {
	switch e.Kind() {
	case KindSuccess, KindError, KindActionRequired:
		return true
	}
	return false
}

// LogEvent builds a progress log line.
func LogEvent(message string) ProgressEvent {
	return ProgressEvent{Type: string(KindLog), Message: message}
}

// SuccessEvent builds a terminal success event.
func SuccessEvent(message string, info *Identity) ProgressEvent {
	return ProgressEvent{Status: string(KindSuccess), Message: message, Info: info}
}

// ErrorEvent builds a terminal error event.
func ErrorEvent(message string) ProgressEvent {
	return ProgressEvent{Status: string(KindError), Message: message}
}

// ActionRequiredEvent builds a terminal event asking for an operator.
func ActionRequiredEvent(reason string, info *Identity) ProgressEvent {
	return ProgressEvent{Status: string(KindActionRequired), Reason: reason, Info: info}
}
