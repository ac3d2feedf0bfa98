// Package types provides common type definitions for the waitlist service.
package types

// EndpointClass names a group of endpoints that share one rate budget.
type EndpointClass string

const (
	// ClassUserSync covers identity-creation endpoints (strict budget)
	ClassUserSync EndpointClass = "userSync"
	// ClassReferralValidate covers referral code lookups (moderate budget)
	ClassReferralValidate EndpointClass = "referralValidate"
	// ClassDefault covers general reads
	ClassDefault EndpointClass = "default"
)

// AllEndpointClasses lists every known endpoint class.
var AllEndpointClasses = []EndpointClass{ClassUserSync, ClassReferralValidate, ClassDefault}

// Valid reports whether c is a known endpoint class.
func (c EndpointClass) Valid() bool {
	switch c {
	case ClassUserSync, ClassReferralValidate, ClassDefault:
		return true
	default:
		return false
	}
}

// SubmissionCategory tags the kind of social action a verification submission proves.
type SubmissionCategory string

const (
	// CategoryOnboardingPost is the post a participant publishes during onboarding
	CategoryOnboardingPost SubmissionCategory = "onboarding_post"
)

// SubmissionStatus represents the review state of a verification submission
type SubmissionStatus string

const (
	// SubmissionPending is the default status of a new submission
	SubmissionPending SubmissionStatus = "pending"
	// SubmissionApproved marks a reviewed and accepted submission
	SubmissionApproved SubmissionStatus = "approved"
	// SubmissionRejected marks a reviewed and refused submission
	SubmissionRejected SubmissionStatus = "rejected"
)

// ServiceError represents a structured error response
type ServiceError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *ServiceError) Error() string {
	return e.Message
}

// FieldError describes one invalid input field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}
