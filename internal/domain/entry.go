package domain

// EntryStatus is the lifecycle state of one credential entry.
type EntryStatus string

const (
	StatusPending        EntryStatus = "pending"
	StatusProcessing     EntryStatus = "processing"
	StatusSuccess        EntryStatus = "success"
	StatusError          EntryStatus = "error"
	StatusActionRequired EntryStatus = "action_required"
)

// Terminal reports whether the status ends an entry's processing.
func (s EntryStatus) Terminal() bool {
	switch s {
	case StatusSuccess, StatusError, StatusActionRequired:
		return true
	}
	return false
}

// Identity is the account information recovered after a verified login.
type Identity struct {
	UserID        string `json:"id,omitempty"`
	Username      string `json:"username,omitempty"`
	Discriminator string `json:"discriminator,omitempty"`
}

// CredentialEntry is one line of bulk input together with its processing
// state. Entries are owned by the orchestrator.
type CredentialEntry struct {
	Index       int         `json:"index"`
	ProfileName string      `json:"profile_name,omitempty"`
	ProfileID   string      `json:"profile_id,omitempty"`
	Token       string      `json:"token"`
	Status      EntryStatus `json:"status"`
	Message     string      `json:"message,omitempty"`
	Info        *Identity   `json:"info,omitempty"`
	ResultToken string      `json:"result_token,omitempty"`
}

// DisplayLabel returns the profile name when known, else the token.
func (e CredentialEntry) DisplayLabel() string {
	if e.ProfileName != "" {
		return e.ProfileName
	}
	return e.Token
}

// Username returns the resolved username, or "" when none is known.
func (e CredentialEntry) Username() string {
	if e.Info == nil {
		return ""
	}
	return e.Info.Username
}

// StatusCounters aggregates entry statuses for a run.
type StatusCounters struct {
	Pending        int `json:"pending"`
	Processing     int `json:"processing"`
	Success        int `json:"success"`
	Error          int `json:"error"`
	ActionRequired int `json:"action_required"`
}

// Count tallies the statuses of entries.
func Count(entries []CredentialEntry) StatusCounters {
	var c StatusCounters
	for _, e := range entries {
		switch e.Status {
		case StatusPending:
			c.Pending++
		case StatusProcessing:
			c.Processing++
		case StatusSuccess:
			c.Success++
		case StatusError:
			c.Error++
		case StatusActionRequired:
			c.ActionRequired++
		}
	}
	return c
}
