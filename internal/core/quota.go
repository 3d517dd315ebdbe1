package core

import "time"

// QuotaPolicy holds the daily SM-I3 request limits. The values are business
// rules carried from configuration; the attachment limit applies for the
// rest of the day once any request carried an attachment.
type QuotaPolicy struct {
	DailyLimit      int
	AttachmentLimit int
}

func (p QuotaPolicy) Limit(hasAttachment bool) int {
	if hasAttachment {
		return p.AttachmentLimit
	}
	return p.DailyLimit
}

// Today returns the usage tracker's date stamp for the current day.
func Today() string {
	return time.Now().Format("2006-01-02")
}
