package remote

import "time"

// Wire types for the biometric appliance API. The envelope always carries the
// total match count regardless of the requested page size, which is what makes
// the page-size-1 count trick work.

type authRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type authResponse struct {
	Token string `json:"token"`
}

type queryRequest struct {
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	Page     int       `json:"page"`
	PageSize int       `json:"pageSize"`
}

// Total is a pointer so an envelope that omits the field is distinguishable
// from a genuine count of zero; absence means the remote is misbehaving.
type queryResponse struct {
	Total *int          `json:"total"`
	Rows  []recordEntry `json:"rows"`
}

type recordEntry struct {
	ID           string    `json:"id"`
	EmployeeCode string    `json:"employeeCode"`
	PunchTime    time.Time `json:"punchTime"`
	Direction    string    `json:"direction"`
	DeviceID     string    `json:"deviceId"`
	Location     string    `json:"location"`
}
