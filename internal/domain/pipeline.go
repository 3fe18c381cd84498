package domain

import "context"

// PipelineRequest asks for one login-and-verify attempt.
type PipelineRequest struct {
	Token             string `json:"token"`
	ProfileID         string `json:"profileId,omitempty"`
	APIURL            string `json:"apiUrl,omitempty"`
	AppID             string `json:"appId,omitempty"`
	SecretKey         string `json:"secretKey,omitempty"`
	AutoMatchProfile  bool   `json:"autoMatchProfile,omitempty"`
	ProfileSearchTerm string `json:"profileSearchTerm,omitempty"`
	CloseAfterLogin   bool   `json:"closeAfterLogin"`
}

// EventSink receives progress events in emission order.
type EventSink func(ProgressEvent)

// PipelineRunner executes one pipeline request and delivers its events to
// sink. It returns once the event stream has ended.
type PipelineRunner interface {
	Run(ctx context.Context, req PipelineRequest, sink EventSink) error
}
