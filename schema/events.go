package schema

import "time"

// ProcessEvent reports one supervisor state transition for a site.
type ProcessEvent struct {
	SiteID   SiteID          `json:"site_id"`
	From     ProcessState    `json:"from"`
	To       ProcessState    `json:"to"`
	Instance ProcessInstance `json:"instance"`
	At       time.Time       `json:"at"`
}
