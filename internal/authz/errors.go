package authz

import "errors"

var (
	ErrPolicyNotFound = errors.New("policy not found")
	ErrInvalidPolicy  = errors.New("invalid policy")
	ErrAlertNotFound  = errors.New("alert not found")
)
