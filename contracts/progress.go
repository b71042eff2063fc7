package contracts

// Progress is the progress payload published by the bundled commands.
// Total is zero when the amount of work is not known up front.
type Progress struct {
	Proceed int64  `json:"proceed"`
	Total   int64  `json:"total,omitempty"`
	Message string `json:"message,omitempty"`
}

// Fraction returns the completed share in [0, 1], or 0 without a known total
func (p Progress) Fraction() float64 {
	if p.Total <= 0 {
		return 0
	}
	f := float64(p.Proceed) / float64(p.Total)
	if f > 1 {
		return 1
	}
	if f < 0 {
		return 0
	}
	return f
}
