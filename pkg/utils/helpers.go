package utils

import (
	"os"
	"strings"
)

// InstanceIndexEnv names the variable holding the index of this instance
// when several copies of the service run side by side.
const InstanceIndexEnv = "CF_INSTANCE_INDEX"

// ClientID appends "-suffix" to base when suffix is not blank.
func ClientID(base, suffix string) string {
	suffix = strings.TrimSpace(suffix)
	if suffix == "" {
		return base
	}
	return base + "-" + suffix
}

// InstanceClientID returns base suffixed with the instance index, if set.
func InstanceClientID(base string) string {
	return ClientID(base, os.Getenv(InstanceIndexEnv))
}

// SplitList splits a comma-separated value, trimming blanks and dropping
// empty entries.
func SplitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
