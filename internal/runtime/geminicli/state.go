// Package geminicli binds the Gemini CLI login to a Code Assist project, provisioning
// a managed free-tier project when the account has none.
package geminicli

// ProjectState is the lifecycle of the process-wide project binding.
type ProjectState int

const (
	StateUnresolved ProjectState = iota
	StateProvisioning
	StateBound
	StateFailed
)

func (s ProjectState) String() string {
	switch s {
	case StateProvisioning:
		return "provisioning"
	case StateBound:
		return "bound"
	case StateFailed:
		return "failed"
	default:
		return "unresolved"
	}
}

// ProjectBinding is a point-in-time view of the resolver state.
type ProjectBinding struct {
	ProjectID string
	State     ProjectState
	// Override is true when the project came from configuration.
	Override bool
	// LastError is the client-safe message of the last failed attempt.
	LastError string
}
