package meeting

import "context"

// ActionName is the marker the model embeds in a reply when the customer
// agreed to book a meeting.
const ActionName = "Time_to_121meet"

// Data is the structured payload the model embeds for a booking action.
type Data struct {
	Action       string   `json:"action"`
	Name         string   `json:"name"`
	Email        string   `json:"email"`
	Title        string   `json:"title"`
	Participants []string `json:"participants"`
	MeetingTime  string   `json:"meeting_time"`  // RFC3339 with offset
	FriendlyTime string   `json:"friendly_time"` // human-readable echo
}

// BookingResult is the outcome of a booking attempt. Booking is a soft
// side-effect: failure degrades the reply, never aborts it.
type BookingResult struct {
	Success     bool
	MeetLink    string
	EventID     string
	UserMessage string // substituted into the reply on soft failure
}

// IBookerUsecase books calendar meetings for detected actions.
type IBookerUsecase interface {
	BookFromModel(ctx context.Context, conversationID string, data *Data) BookingResult
}
