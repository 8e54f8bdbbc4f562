package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseFeature turns the catalog string form into a typed declaration.
//
//	"productLimit:10"      numeric, limit 10
//	"premiumListing"       capability, enabled
//	"premiumListing:true"  capability, enabled
//	"premiumListing:false" capability, disabled
func ParseFeature(raw string) (FeatureDeclaration, error) {
	raw = strings.TrimSpace(raw)
	key, value, hasValue := strings.Cut(raw, ":")
	key = strings.TrimSpace(key)
	value = strings.TrimSpace(value)

	if key == "" || strings.ContainsAny(key, " \t") {
		return FeatureDeclaration{}, fmt.Errorf("%w: %q", ErrInvalidFeatureDeclaration, raw)
	}
	if !hasValue {
		return Capability(key), nil
	}

	switch strings.ToLower(value) {
	case "true":
		return Capability(key), nil
	case "false":
		return FeatureDeclaration{Key: key, Kind: FeatureKindCapability, Enabled: false}, nil
	}

	limit, err := strconv.ParseInt(value, 10, 64)
	if err != nil || limit < 0 {
		return FeatureDeclaration{}, fmt.Errorf("%w: %q", ErrInvalidFeatureDeclaration, raw)
	}
	return Numeric(key, limit), nil
}

// ParseFeatures parses every entry, failing on the first invalid one.
func ParseFeatures(raw []string) ([]FeatureDeclaration, error) {
	out := make([]FeatureDeclaration, 0, len(raw))
	for _, entry := range raw {
		f, err := ParseFeature(entry)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}
