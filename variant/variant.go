package variant

import (
	"encoding/json"
	"fmt"
	"regexp"
	"slices"
	"strings"
)

// A variant is one named set of MySQL parameter overrides to benchmark. The zero
// override set benchmarks the default RDS parameter group for the engine family.
type Variant struct {
	Name string

	// RDS instance class, e.g. db.t3.micro. Empty means the sweep default.
	InstanceClass string

	// Parameter name -> value applied to this variant's DB parameter group.
	Parameters map[string]string
}

type VariantFile []*Variant

var nameRe = regexp.MustCompile(`^[a-z][a-z0-9-]*$`)

// Variant names end up inside RDS resource identifiers, which only permit
// lowercase alphanumerics and hyphens.
func LoadVariantsFromBuf(buf []byte) ([]*Variant, error) {
	vf := VariantFile{}
	err := json.Unmarshal(buf, &vf)
	if err != nil {
		return nil, err
	}

	out := []*Variant{}
	for _, v := range vf {
		if !nameRe.MatchString(v.Name) {
			return nil, fmt.Errorf("invalid variant name: %q", v.Name)
		}
		if slices.ContainsFunc(out, func(it *Variant) bool {
			return it.Name == v.Name
		}) {
			return nil, fmt.Errorf("duplicate variant name: %s", v.Name)
		}
		if v.Parameters == nil {
			v.Parameters = map[string]string{}
		}
		out = append(out, v)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("variant file contains no variants")
	}
	return out, nil
}

var utf8Parameters = map[string]string{
	"character_set_server":     "utf8",
	"character_set_client":     "utf8",
	"character_set_connection": "utf8",
	"character_set_database":   "utf8",
	"character_set_results":    "utf8",
	"collation_server":         "utf8_general_ci",
	"collation_connection":     "utf8_general_ci",
}

// The default RDS parameter group uses latin1. AddUTF8Defaults fills in the
// standard utf8 settings without clobbering overrides the variant already sets.
func AddUTF8Defaults(v *Variant) {
	for param, val := range utf8Parameters {
		if _, ok := v.Parameters[param]; !ok {
			v.Parameters[param] = val
		}
	}
}

func ExplainVariants(variants []*Variant) string {
	names := make([]string, len(variants))
	for i, v := range variants {
		names[i] = v.Name
	}
	return strings.Join(names, ", ")
}
