package neural

import "fmt"

// IODescriptor describes a controller input or output for the live feed.
type IODescriptor struct {
	ID          string  `json:"id"`
	Label       string  `json:"label"`
	Description string  `json:"description"`
	Min         float64 `json:"min"`
	Max         float64 `json:"max"`
	IsCentered  bool    `json:"is_centered"` // True for centered bar display (e.g., -1 to +1)
	Group       string  `json:"group"`
}

// InputDescriptors returns metadata for the controller inputs, one radar
// reading per angle (degrees) followed by the two gate inputs.
func InputDescriptors(anglesDeg []float64) []IODescriptor {
	out := make([]IODescriptor, 0, len(anglesDeg)+2)
	for _, a := range anglesDeg {
		out = append(out, IODescriptor{
			ID:          fmt.Sprintf("radar_%+.0f", a),
			Label:       fmt.Sprintf("Radar %+.0f", a),
			Description: "Wall distance over nominal range (1 = clear)",
			Min:         0,
			Max:         1,
			Group:       "radar",
		})
	}
	return append(out,
		IODescriptor{ID: "gate_heading", Label: "Gate Dir", Description: "Heading offset to the next gate over pi", Min: -1, Max: 1, IsCentered: true, Group: "gate"},
		IODescriptor{ID: "gate_distance", Label: "Gate Dist", Description: "Distance to the next gate, normalized", Min: 0, Max: 1, Group: "gate"},
	)
}

// OutputDescriptors returns metadata for the controller outputs.
func OutputDescriptors() []IODescriptor {
	return []IODescriptor{
		{ID: "steering", Label: "Steer", Description: "Positive turns counter-clockwise", Min: -1, Max: 1, IsCentered: true, Group: "control"},
		{ID: "throttle", Label: "Throttle", Description: "Negative reverses", Min: -1, Max: 1, IsCentered: true, Group: "control"},
	}
}

// OutputCount returns the number of controller outputs.
func OutputCount() int {
	return len(OutputDescriptors())
}
