package outswitch

import (
	"sort"
	"strings"
)

// AliasTable maps logical device names used by remote callers ("headphones") onto the
// name substring that identifies the device locally ("headphone")
type AliasTable map[string]string

// NewAliasTable drops entries with a blank option or substring
func NewAliasTable(raw map[string]string) AliasTable {
	table := AliasTable{}

	for option, substring := range raw {
		if strings.TrimSpace(option) == "" || strings.TrimSpace(substring) == "" {
			continue
		}

		table[option] = substring
	}

	return table
}

// Resolve returns the substring registered for option. options match exactly
func (t AliasTable) Resolve(option string) (string, bool) {
	substring, ok := t[option]
	return substring, ok
}

// Aliases lets a static table stand in wherever a live alias source is expected
func (t AliasTable) Aliases() AliasTable {
	return t
}

// Options returns the known option names, sorted
func (t AliasTable) Options() []string {
	options := make([]string, 0, len(t))
	for option := range t {
		options = append(options, option)
	}

	sort.Strings(options)

	return options
}
