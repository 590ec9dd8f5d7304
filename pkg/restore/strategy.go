package restore

import (
	"encoding/json"
	"fmt"

	"github.com/cronos-project/cronos-backup/pkg/util"
)

// Strategy selects where and how a backup is put back on disk.
type Strategy string

const (
	// NewLocation extracts into a fresh directory, never touching the
	// original source tree.
	NewLocation Strategy = "new-location"
	// Overwrite extracts over the recorded source root of the backup.
	Overwrite Strategy = "overwrite"
)

var strategyToString = map[Strategy]string{
	NewLocation: "new-location",
	Overwrite:   "overwrite",
}

var stringToStrategy map[string]Strategy

func init() {
	stringToStrategy = util.InvertMap(strategyToString)
}

func (s Strategy) String() string {
	if str, ok := strategyToString[s]; ok {
		return str
	}
	return fmt.Sprintf("unknown_strategy(%s)", string(s))
}

// ParseStrategy parses a string into a restore Strategy.
// It defaults to NewLocation if the string is empty.
func ParseStrategy(s string) (Strategy, error) {
	if s == "" {
		return NewLocation, nil
	}
	if st, ok := stringToStrategy[s]; ok {
		return st, nil
	}
	return "", fmt.Errorf("invalid restore strategy: %q. Must be 'new-location' or 'overwrite'", s)
}

// MarshalJSON implements the json.Marshaler interface.
func (s Strategy) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface.
func (s *Strategy) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return fmt.Errorf("restore strategy should be a string, got %s", data)
	}
	strategy, err := ParseStrategy(str)
	if err != nil {
		return err
	}
	*s = strategy
	return nil
}
