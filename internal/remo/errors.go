package remo

import (
	"fmt"
	"strings"
)

// AuthError means the access token was refused
type AuthError struct {
	Status int
	Body   string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("nature remo auth failed (%d): %s", e.Status, strings.TrimSpace(e.Body))
}

// NetworkError covers transport failures, throttling and server errors
type NetworkError struct {
	Op     string
	Status int
	Err    error
}

func (e *NetworkError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("nature remo %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("nature remo %s: status %d", e.Op, e.Status)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// RejectedByDeviceError means the cloud accepted the request but refused the operation
type RejectedByDeviceError struct {
	ApplianceID string
	Status      int
	Body        string
}

func (e *RejectedByDeviceError) Error() string {
	return fmt.Sprintf("appliance %s rejected command (%d): %s", e.ApplianceID, e.Status, strings.TrimSpace(e.Body))
}
