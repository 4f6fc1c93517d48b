package rbac

// Role names. Keep these stable; they are part of auth/RBAC contracts.
const (
	RoleDoctor  = "doctor"
	RolePatient = "patient"
	RoleAdmin   = "admin"
)

// IsAdmin reports whether role bypasses participant-scoped checks.
func IsAdmin(role string) bool { return role == RoleAdmin }

// IsParticipantRole reports whether role can take part in a call.
func IsParticipantRole(role string) bool { return role == RoleDoctor || role == RolePatient }

func Valid(role string) bool { return IsAdmin(role) || IsParticipantRole(role) }
