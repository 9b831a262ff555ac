package domain

import "errors"

var (
	ErrEsimNotFound       = errors.New("esim_not_found")
	ErrEsimAlreadyExists  = errors.New("esim_already_exists")
	ErrEsimCancelled      = errors.New("esim_cancelled")
	ErrInvalidStatus      = errors.New("invalid_esim_status")
	ErrEmployeeRequired   = errors.New("employee_id is required")
	ErrPlanRequired       = errors.New("plan_id is required")
	ErrRenewalLockHeld    = errors.New("renewal_lock_held")
	ErrRenewalNotEligible = errors.New("renewal_not_eligible")
)
