package archive

import (
	"encoding/json"
	"fmt"

	"github.com/klauspost/compress/flate"

	"github.com/cronos-project/cronos-backup/pkg/util"
)

// Level represents the desired trade-off between speed and size of the compression.
type Level string

const (
	Default Level = "default"
	Store   Level = "store"
	Fastest Level = "fastest"
	Best    Level = "best"
)

var levelToString = map[Level]string{
	Default: "default",
	Store:   "store",
	Fastest: "fastest",
	Best:    "best",
}

var stringToLevel map[string]Level

func init() {
	stringToLevel = util.InvertMap(levelToString)
}

func (l Level) String() string {
	if str, ok := levelToString[l]; ok {
		return str
	}
	return string(Default)
}

// ParseLevel parses a string into a compression Level.
// It defaults to default level if the string is empty.
func ParseLevel(s string) (Level, error) {
	if s == "" {
		return Default, nil
	}
	if l, ok := stringToLevel[s]; ok {
		return l, nil
	}
	return "", fmt.Errorf("invalid compression level: %q. Must be 'default', 'store', 'fastest', or 'best'", s)
}

// flateLevel maps the Level onto the deflate implementation's numeric scale.
func (l Level) flateLevel() int {
	switch l {
	case Store:
		return flate.NoCompression
	case Fastest:
		return flate.BestSpeed
	case Best:
		return flate.BestCompression
	default:
		return flate.DefaultCompression
	}
}

// MarshalJSON implements the json.Marshaler interface.
func (l Level) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface.
func (l *Level) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("compression level should be a string, got %s", data)
	}
	level, err := ParseLevel(s)
	if err != nil {
		return err
	}
	*l = level
	return nil
}
