package cachestatus

import "fmt"

// HeaderName is the response header the gateway sets on intercepted
// responses, in the shape RFC 9211 gives to the Cache-Status field.
const HeaderName = "Cache-Status"

type Status string

const (
	StatusHit = "hit"
	StatusFwd = "fwd"
)

type FwdReason string

const (
	// The partition did not contain a response for the request identity.
	FwdReasonUriMiss FwdReason = "uri-miss"

	// Cross-origin traffic is not intercepted at all.
	FwdReasonBypass FwdReason = "bypass"

	// Routing policy sends the request to the network before any cache
	// lookup.
	FwdReasonApi      FwdReason = "api"
	FwdReasonNavigate FwdReason = "navigate"
)

// CacheStatus accumulates the outcome of one intercepted request.
// The zero value is valid and means "no decision yet".
type CacheStatus struct {
	Status    Status
	FwdReason FwdReason
	Stored    bool
	detail    string
}

// Hit records that a stored response satisfied the request.
func (cs *CacheStatus) Hit() {
	cs.Status = StatusHit
	cs.FwdReason = ""
}

// Forward records that the request went to the network, and why.
func (cs *CacheStatus) Forward(reason FwdReason) {
	cs.Status = StatusFwd
	cs.FwdReason = reason
}

// Detail attaches a free-form detail token, e.g. which fallback served.
func (cs *CacheStatus) Detail(detail string) {
	cs.detail = detail
}

func (cs *CacheStatus) String() string {
	status := fmt.Sprintf("Offline-Cache; %s", cs.Status)
	if cs.Status == StatusFwd && cs.FwdReason != "" {
		status = fmt.Sprintf("%s=%s", status, cs.FwdReason)
	}
	if cs.Stored {
		status = status + "; stored"
	}
	if cs.detail != "" {
		status = status + "; detail=" + cs.detail
	}
	return status
}
