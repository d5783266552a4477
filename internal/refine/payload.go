package refine

// Audit payload schemas. The rollback engine decodes these to reverse a
// session, so every mutating action records enough state to undo itself.

type memoryRef struct {
	ID      string `json:"id"`
	Content string `json:"content"`
}

type consolidatePayload struct {
	Merged []memoryRef `json:"merged"`
	Result memoryRef   `json:"result"`
}

type updatePayload struct {
	Before string `json:"before"`
	After  string `json:"after"`
}

type deletePayload struct {
	Before string  `json:"before"`
	After  *string `json:"after"`
}

type completePayload struct {
	Summary         string `json:"summary"`
	Stats           Stats  `json:"stats"`
	PreSessionMass  int    `json:"pre_session_mass"`
	PostSessionMass int    `json:"post_session_mass"`
}

type rollbackPayload struct {
	SessionID       string  `json:"session_id"`
	PreSessionMass  int     `json:"pre_session_mass"`
	PostSessionMass int     `json:"post_session_mass"`
	Threshold       float64 `json:"threshold"`
	Stats           Stats   `json:"stats"`
}
