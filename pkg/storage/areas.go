package storage

import "fmt"

// Area is a fixed namespace partitioning the key space. The same key may
// hold different values in different areas without collision.
type Area string

const (
	AreaTestCases Area = "testCases"
	AreaSteps     Area = "steps"
	AreaConfig    Area = "config"
	AreaState     Area = "state"
	AreaCache     Area = "cache"
	AreaMetadata  Area = "metadata"
)

// AllAreas returns every defined area in a stable order.
func AllAreas() []Area {
	return []Area{AreaTestCases, AreaSteps, AreaConfig, AreaState, AreaCache, AreaMetadata}
}

// Valid reports whether the area is one of the defined namespaces.
func (a Area) Valid() bool {
	switch a {
	case AreaTestCases, AreaSteps, AreaConfig, AreaState, AreaCache, AreaMetadata:
		return true
	}
	return false
}

// ParseArea converts a string into an Area, rejecting unknown namespaces.
func ParseArea(s string) (Area, error) {
	a := Area(s)
	if !a.Valid() {
		return "", fmt.Errorf("%w: unknown area %q", ErrValidationFailed, s)
	}
	return a, nil
}
