package priority

import "time"

// Record is one allocated priority on a listener, as persisted by an
// allocation store. At most one Record exists per (ListenerID, Priority).
type Record struct {
	ListenerID  string    `json:"listenerId"`
	Priority    int       `json:"priority"`
	ServiceID   string    `json:"serviceId"`
	AllocatedAt time.Time `json:"allocatedAt"`
	Source      string    `json:"source"`
}
