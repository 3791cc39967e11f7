package fhir

import "strings"

// ChainedParam represents a parsed chained search parameter.
// Example: "subject:Patient.name" -> SourceParam="subject", TargetType="Patient", TargetParam="name"
type ChainedParam struct {
	SourceParam string // The reference search parameter on the source resource
	TargetType  string // Optional target resource type
	TargetParam string // The search parameter on the target resource
}

// HasParam represents a parsed _has (reverse chained) search parameter.
// Example: "_has:Procedure:subject:code" -> TargetType="Procedure", TargetParam="subject", SearchParam="code"
type HasParam struct {
	TargetType  string // The resource type that references the searched resource
	TargetParam string // The reference search parameter on the target resource
	SearchParam string // The search parameter to filter on the target resource, possibly another _has
}

// MaxChainDepth is the maximum number of chain levels most servers accept.
const MaxChainDepth = 3

// ParseChainedParam parses a chained search parameter name.
// Format: "param:ResourceType.targetParam" or "param.targetParam".
func ParseChainedParam(paramName string) (*ChainedParam, bool) {
	dotIdx := strings.Index(paramName, ".")
	if dotIdx < 0 {
		return nil, false
	}

	sourceAndType := paramName[:dotIdx]
	targetParam := paramName[dotIdx+1:]
	if sourceAndType == "" || targetParam == "" {
		return nil, false
	}

	parts := strings.SplitN(sourceAndType, ":", 2)
	result := &ChainedParam{
		SourceParam: parts[0],
		TargetParam: targetParam,
	}
	if len(parts) == 2 {
		if parts[1] == "" {
			return nil, false
		}
		result.TargetType = parts[1]
	}
	if result.SourceParam == "" {
		return nil, false
	}
	return result, true
}

// chainDepth counts the dotted links in a chained parameter name.
func chainDepth(paramName string) int {
	return strings.Count(paramName, ".")
}

// ParseHasParam parses a _has parameter name.
// Format: "_has:ResourceType:referenceParam:searchParam".
func ParseHasParam(paramName string) (*HasParam, bool) {
	if !strings.HasPrefix(paramName, "_has:") {
		return nil, false
	}

	rest := strings.TrimPrefix(paramName, "_has:")
	parts := strings.SplitN(rest, ":", 3)
	if len(parts) != 3 {
		return nil, false
	}
	for _, p := range parts {
		if p == "" {
			return nil, false
		}
	}

	return &HasParam{
		TargetType:  parts[0],
		TargetParam: parts[1],
		SearchParam: parts[2],
	}, true
}
