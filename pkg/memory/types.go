package memory

// Role values a stored Message may carry.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one entry of a conversation timeline. Order in the enclosing
// slice is the timeline order and is preserved by every backend.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func ValidRole(role string) bool {
	switch role {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// Result carries a read outcome. Degraded is set when the backend failed and
// Value holds the empty default instead of stored data.
type Result[T any] struct {
	Value    T
	Degraded bool
	Err      error
}

func (r Result[T]) OK() bool { return !r.Degraded }

func okResult[T any](v T) Result[T] { return Result[T]{Value: v} }

func degraded[T any](def T, err error) Result[T] {
	return Result[T]{Value: def, Degraded: true, Err: err}
}
