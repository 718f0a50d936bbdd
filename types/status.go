package types

// BulkStatus is the overall outcome of an operation over many independent units
type BulkStatus string

const (
	// StatusSuccess means no unit failed
	StatusSuccess BulkStatus = "success"
	// StatusPartialFailure means some units failed and some succeeded
	StatusPartialFailure BulkStatus = "partial_failure"
	// StatusFailure means every unit failed
	StatusFailure BulkStatus = "failure"
)

// BulkStatusFor returns the status of an operation given how many units
// succeeded and failed. An operation with nothing to do succeeds.
func BulkStatusFor(succeeded, failed int) BulkStatus {
	switch {
	case failed == 0:
		return StatusSuccess
	case succeeded == 0:
		return StatusFailure
	default:
		return StatusPartialFailure
	}
}

// UnitError is the failure of one unit of a bulk operation
type UnitError struct {
	RouteID string `json:"routeId,omitempty"`
	LineID  string `json:"lineId,omitempty"`
	Error   string `json:"error"`
}
