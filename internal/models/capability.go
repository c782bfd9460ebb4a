package models

import "fmt"

// Capability is a tag from the fixed vocabulary describing what a worker
// can do. Strings appear only at the wire boundary; code passes Capability
// values around.
type Capability string

const (
	CapabilityDataAnalysis       Capability = "data_analysis"
	CapabilityWebScraping        Capability = "web_scraping"
	CapabilityCodeGeneration     Capability = "code_generation"
	CapabilityFileProcessing     Capability = "file_processing"
	CapabilityDatabaseOperations Capability = "database_operations"
	CapabilityAPIIntegration     Capability = "api_integration"
)

// Capabilities returns the full capability vocabulary in declaration order.
func Capabilities() []Capability {
	return []Capability{
		CapabilityDataAnalysis,
		CapabilityWebScraping,
		CapabilityCodeGeneration,
		CapabilityFileProcessing,
		CapabilityDatabaseOperations,
		CapabilityAPIIntegration,
	}
}

// IsValid reports whether the capability is part of the vocabulary.
func (c Capability) IsValid() bool {
	switch c {
	case CapabilityDataAnalysis, CapabilityWebScraping, CapabilityCodeGeneration,
		CapabilityFileProcessing, CapabilityDatabaseOperations, CapabilityAPIIntegration:
		return true
	}
	return false
}

func (c Capability) String() string { return string(c) }

// ParseCapability converts a wire string into a Capability.
func ParseCapability(s string) (Capability, error) {
	c := Capability(s)
	if !c.IsValid() {
		return "", fmt.Errorf("unknown capability %q", s)
	}
	return c, nil
}

// CapabilityStrings converts a capability slice to its wire form.
func CapabilityStrings(caps []Capability) []string {
	out := make([]string, len(caps))
	for i, c := range caps {
		out[i] = string(c)
	}
	return out
}

// ParseCapabilities converts wire strings into capabilities, rejecting
// unknown values.
func ParseCapabilities(values []string) ([]Capability, error) {
	caps := make([]Capability, 0, len(values))
	for _, v := range values {
		c, err := ParseCapability(v)
		if err != nil {
			return nil, err
		}
		caps = append(caps, c)
	}
	return caps, nil
}
