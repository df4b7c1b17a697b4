package message

// StatusRequest is the payload of a TerminationStatusRequest.
type StatusRequest struct {
	Round string `json:"round"`
}

// Status is the payload of a TerminationStatus reply. The counters cover
// ApplicationData messages only.
type Status struct {
	Round         string `json:"round"`
	SentCount     uint64 `json:"sentCount"`
	ReceivedCount uint64 `json:"receivedCount"`
	Finished      bool   `json:"finished"`
}

func NewStatusRequest(sender, round string) (Message, error) {
	return New(TerminationStatusRequest, sender, StatusRequest{Round: round})
}

func NewStatus(sender string, s Status) (Message, error) {
	return New(TerminationStatus, sender, s)
}
