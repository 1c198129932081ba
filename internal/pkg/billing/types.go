package billing

import "errors"

var (
	ErrPlanNotFound   = errors.New("billing: plan not found")
	ErrMemberNotFound = errors.New("billing: member not found")
	ErrInvalidPlan    = errors.New("billing: invalid plan request")
)
