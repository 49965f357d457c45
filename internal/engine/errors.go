package engine

import "fmt"

// InvalidRequestError is a request-level failure surfaced as a
// 400-class response.
type InvalidRequestError struct {
	Msg string
}

func (e *InvalidRequestError) Error() string {
	return "engine: invalid request: " + e.Msg
}

// InvalidScopeError reports a requested scope referencing a key outside
// the handler's declared vocabulary, or an unknown key returned by
// resolveScopes. The pull request is rejected rather than partially
// served.
type InvalidScopeError struct {
	Table string
	Key   string
}

func (e *InvalidScopeError) Error() string {
	return fmt.Sprintf("engine: invalid subscription scope key %q for table %q", e.Key, e.Table)
}
