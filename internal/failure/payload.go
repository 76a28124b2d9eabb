package failure

// Payload is the structured error record handed to callers instead of a raw
// failure.
type Payload struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
	Trace string `json:"trace"`
}

func PayloadFor(err error) Payload {
	if err == nil {
		return Payload{}
	}
	return Payload{
		Error: err.Error(),
		Kind:  KindOf(err).String(),
		Trace: TraceOf(err),
	}
}
