package orchestrator

import "loginpilot/internal/domain"

// ExportHeader names the export columns.
var ExportHeader = []string{"name", "id", "token", "username", "status", "message"}

// ExportRow is one line of the results export.
type ExportRow struct {
	Name     string
	ID       string
	Token    string
	Username string
	Status   string
	Message  string
}

// Values returns the row in ExportHeader order.
func (r ExportRow) Values() []string {
	return []string{r.Name, r.ID, r.Token, r.Username, r.Status, r.Message}
}

// StatusLabel maps an entry status to its export label.
func StatusLabel(s domain.EntryStatus) string {
	switch s {
	case domain.StatusSuccess:
		return "success"
	case domain.StatusError:
		return "failed"
	case domain.StatusActionRequired:
		return "needs-attention"
	case domain.StatusPending:
		return "pending"
	case domain.StatusProcessing:
		return "in-progress"
	}
	return string(s)
}

// Rows converts entries to export rows. The token column prefers the token
// returned by a successful session over the input token.
func Rows(entries []domain.CredentialEntry) []ExportRow {
	rows := make([]ExportRow, len(entries))
	for i, e := range entries {
		token := e.ResultToken
		if token == "" {
			token = e.Token
		}
		rows[i] = ExportRow{
			Name:     e.ProfileName,
			ID:       e.ProfileID,
			Token:    token,
			Username: e.Username(),
			Status:   StatusLabel(e.Status),
			Message:  e.Message,
		}
	}
	return rows
}

// Rows returns the export rows of the current entry list.
func (o *Orchestrator) Rows() []ExportRow {
	return Rows(o.Entries())
}
