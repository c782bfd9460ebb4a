package models

// JSON is an opaque structured blob carried on tasks, results, and dispatch
// payloads. The orchestrator never inspects its contents beyond passing it
// through; only the wire boundary serializes it.
type JSON map[string]any

// Clone returns a shallow copy so callers can extend a payload without
// mutating the original.
func (j JSON) Clone() JSON {
	if j == nil {
		return nil
	}
	out := make(JSON, len(j))
	for k, v := range j {
		out[k] = v
	}
	return out
}
