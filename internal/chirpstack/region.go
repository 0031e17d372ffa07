package chirpstack

import (
	"fmt"
	"strings"

	"github.com/chirpstack/chirpstack/api/go/v4/common"
)

// ParseRegion maps a region plan name (EU868, us915, AS923-2, ...) to the API enum.
func ParseRegion(s string) (common.Region, error) {
	name := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), "-", "_"))
	v, ok := common.Region_value[name]
	if !ok {
		return 0, fmt.Errorf("unknown region %q", s)
	}
	return common.Region(v), nil
}
