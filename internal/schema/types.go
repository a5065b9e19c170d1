package schema

import "fmt"

// ValueType is the type an attribute value must have once normalized.
type ValueType int

const (
	TypeString ValueType = iota
	TypeInt
	TypeBoolean
	// TypeList is a list of strings.
	TypeList
)

func (t ValueType) String() string {
	switch t {
	case TypeString:
		return "STRING"
	case TypeInt:
		return "INT"
	case TypeBoolean:
		return "BOOLEAN"
	case TypeList:
		return "LIST"
	default:
		return fmt.Sprintf("ValueType(%d)", int(t))
	}
}

// RestartLevel classifies how disruptive a change is to running services.
// Levels are ordered: NONE < RESOURCE_SERVICES < ALL_SERVICES.
type RestartLevel int

const (
	RestartNone RestartLevel = iota
	RestartResourceServices
	RestartAllServices
)

func (l RestartLevel) String() string {
	switch l {
	case RestartNone:
		return "NONE"
	case RestartResourceServices:
		return "RESOURCE_SERVICES"
	case RestartAllServices:
		return "ALL_SERVICES"
	default:
		return fmt.Sprintf("RestartLevel(%d)", int(l))
	}
}

// ParseRestartLevel is the inverse of RestartLevel.String.
func ParseRestartLevel(s string) (RestartLevel, error) {
	switch s {
	case "NONE":
		return RestartNone, nil
	case "RESOURCE_SERVICES":
		return RestartResourceServices, nil
	case "ALL_SERVICES":
		return RestartAllServices, nil
	}
	return RestartNone, fmt.Errorf("unknown restart level %q", s)
}

// Max returns the more disruptive of l and o.
func (l RestartLevel) Max(o RestartLevel) RestartLevel {
	if o > l {
		return o
	}
	return l
}
