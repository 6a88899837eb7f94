package domain

// WarmupCounter is a per-sender per-calendar-date count of successful
// sends. Created on first send of a day; never decremented. The date is
// stored as a "YYYY-MM-DD" string so the (sender, date) pair maps
// directly onto the warmup_counts primary key.
type WarmupCounter struct {
	SenderEmail string `json:"sender_email" db:"sender_email"`
	Date        string `json:"date" db:"date"`
	Count       int    `json:"count" db:"count"`
}
