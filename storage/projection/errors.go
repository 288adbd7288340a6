package projection

// Err is a simple string error helper.
type Err string

func (e Err) Error() string { return string(e) }

var (
	ErrIDTaken     = Err("canonical id already indexed")
	ErrNotDegraded = Err("job does not carry a fallback id")
)
