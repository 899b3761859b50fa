package frame

import "strings"

// AllPollutants selects every standard column instead of an explicit list.
const AllPollutants = "all"

var (
	idColumns  = []string{SiteColumn, CodeColumn, DateColumn}
	metColumns = []string{"ws", "wd", "temp"}

	// standardColumns is the non-hydrocarbon set kept when all pollutants are
	// requested without hydrocarbons.
	standardColumns = []string{
		SiteColumn, CodeColumn, DateColumn,
		"o3", "no", "no2", "nox", "so2", "co",
		"pm10", "nv10", "v10", "pm2.5", "nv2.5", "v2.5",
		"ws", "wd", "temp",
	}
)

// IsAllPollutants reports whether pollutants is empty or the "all" sentinel.
func IsAllPollutants(pollutants []string) bool {
	if len(pollutants) == 0 {
		return true
	}
	return len(pollutants) == 1 && strings.EqualFold(strings.TrimSpace(pollutants[0]), AllPollutants)
}

// PollutantColumns returns the ordered column list for an explicit pollutant
// request: site, code and date, then the pollutants, then ws, wd and temp.
func PollutantColumns(pollutants []string) []string {
	cols := make([]string, 0, len(idColumns)+len(pollutants)+len(metColumns))
	seen := make(map[string]bool)
	add := func(name string) {
		if name == "" || seen[name] {
			return
		}
		seen[name] = true
		cols = append(cols, name)
	}
	for _, c := range idColumns {
		add(c)
	}
	for _, p := range pollutants {
		p = strings.ToLower(strings.TrimSpace(p))
		if isMet(p) {
			continue
		}
		add(p)
	}
	for _, c := range metColumns {
		add(c)
	}
	return cols
}

// SelectPollutants shapes an imported series. With the "all" sentinel and hc
// set, every column is kept; without hc only the standard non-hydrocarbon
// columns the frame actually has are kept. An explicit list must be fully
// present or ErrMissingColumn is returned.
func SelectPollutants(f *Frame, pollutants []string, hc bool) (*Frame, error) {
	if IsAllPollutants(pollutants) {
		if hc {
			return f, nil
		}
		keep := make([]string, 0, len(standardColumns))
		for _, c := range standardColumns {
			if f.Has(c) {
				keep = append(keep, c)
			}
		}
		return f.Select(keep...)
	}
	return f.Select(PollutantColumns(pollutants)...)
}

func isMet(name string) bool {
	for _, m := range metColumns {
		if m == name {
			return true
		}
	}
	return false
}
