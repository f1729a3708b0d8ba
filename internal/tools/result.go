package tools

// Result is the structured outcome of a tool call. It is serialized
// into the function response sent back to the model.
type Result struct {
	Success bool
	Error   string
	Data    map[string]any
}

// Success wraps a handler payload.
func Success(data map[string]any) Result {
	return Result{Success: true, Data: data}
}

// Failure wraps a handler error.
func Failure(err error) Result {
	return Result{Success: false, Error: err.Error()}
}

// Map returns the wire payload: the data fields plus "success", and
// "error" on failure. Data keys never override the status fields.
func (r Result) Map() map[string]any {
	m := make(map[string]any, len(r.Data)+2)
	for k, v := range r.Data {
		m[k] = v
	}
	m["success"] = r.Success
	if !r.Success {
		m["error"] = r.Error
	}
	return m
}
