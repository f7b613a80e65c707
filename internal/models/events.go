package models

// NavigationEvent is emitted by the navigation source when a context loads a document.
// ContextID is a pointer so a missing id is distinguishable from context 0.
type NavigationEvent struct {
	ContextID      *int64 `json:"context_id" validate:"required,gte=0"`
	URL            string `json:"url" validate:"required"`
	IsMainDocument bool   `json:"is_main_document"`
}

// NewNavigationEvent builds an event for contextID
func NewNavigationEvent(contextID int64, url string, isMainDocument bool) NavigationEvent {
	return NavigationEvent{ContextID: &contextID, URL: url, IsMainDocument: isMainDocument}
}

// Context returns the context id, or -1 when the event carries none
func (e NavigationEvent) Context() int64 {
	if e.ContextID == nil {
		return -1
	}
	return *e.ContextID
}

// TeardownEvent is emitted when a context is closed
type TeardownEvent struct {
	ContextID int64 `json:"context_id" validate:"gte=0"`
}
