package gateway

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
)

// The gateway is loose about JSON types: numbers sometimes arrive as strings,
// feature lists as comma separated strings and flags as 0/1.

type flexFloat float64

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	s := unquote(b)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("invalid number %s", b)
	}
	*f = flexFloat(v)
	return nil
}

type flexInt int64

func (i *flexInt) UnmarshalJSON(b []byte) error {
	s := unquote(b)
	if s == "" || s == "null" {
		*i = 0
		return nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		f, ferr := strconv.ParseFloat(s, 64)
		if ferr != nil || f != float64(int64(f)) {
			return fmt.Errorf("invalid integer %s", b)
		}
		v = int64(f)
	}
	*i = flexInt(v)
	return nil
}

type flexBool bool

func (v *flexBool) UnmarshalJSON(b []byte) error {
	switch strings.ToLower(unquote(b)) {
	case "true", "1", "yes":
		*v = true
	case "false", "0", "no", "", "null":
		*v = false
	default:
		return fmt.Errorf("invalid boolean %s", b)
	}
	return nil
}

// flexString accepts strings and bare numbers
type flexString string

func (v *flexString) UnmarshalJSON(b []byte) error {
	trimmed := bytes.TrimSpace(b)
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') {
		return fmt.Errorf("expected string, got %s", b)
	}
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var s string
		if err := sonic.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		*v = flexString(s)
		return nil
	}
	*v = flexString(string(trimmed))
	return nil
}

func (v *flexString) ptr() *string {
	if v == nil {
		return nil
	}
	s := strings.TrimSpace(string(*v))
	if s == "" {
		return nil
	}
	return &s
}

// flexStrings accepts a JSON array of strings or one comma separated string
type flexStrings []string

func (v *flexStrings) UnmarshalJSON(b []byte) error {
	trimmed := bytes.TrimSpace(b)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		*v = nil
		return nil
	}

	var raw []string
	if trimmed[0] == '[' {
		if err := sonic.Unmarshal(trimmed, &raw); err != nil {
			return err
		}
	} else {
		var s string
		if err := sonic.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		raw = strings.Split(s, ",")
	}

	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	*v = out
	return nil
}

func unquote(b []byte) string {
	return strings.Trim(strings.TrimSpace(string(b)), `"`)
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// parseTime parses an optional gateway timestamp. Empty values yield nil.
func parseTime(s *string) (*time.Time, error) {
	if s == nil || strings.TrimSpace(*s) == "" {
		return nil, nil
	}
	value := strings.TrimSpace(*s)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			t = t.UTC()
			return &t, nil
		}
	}
	return nil, fmt.Errorf("invalid timestamp %q", value)
}

type airportEnvelope struct {
	Airport *airportWire `json:"airport"`
}

type airportWire struct {
	ICAO                 string           `json:"icao"`
	AirportName          string           `json:"airportName"`
	Name                 string           `json:"name"`
	Latitude             flexFloat        `json:"latitude"`
	Longitude            flexFloat        `json:"longitude"`
	Scenery              []sceneryRefWire `json:"scenery"`
	RecommendedSceneryID *flexInt         `json:"recommendedSceneryId"`
}

// sceneryRefWire is one entry of an airport's scenery list: either a bare ID or
// an object carrying the ID and its review dates
type sceneryRefWire struct {
	SceneryID    flexInt `json:"sceneryId"`
	DateApproved *string `json:"dateApproved"`
	DateAccepted *string `json:"dateAccepted"`
}

func (r *sceneryRefWire) UnmarshalJSON(b []byte) error {
	trimmed := bytes.TrimSpace(b)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		type plain sceneryRefWire
		var p plain
		if err := sonic.Unmarshal(trimmed, &p); err != nil {
			return err
		}
		*r = sceneryRefWire(p)
		return nil
	}
	return r.SceneryID.UnmarshalJSON(trimmed)
}

type sceneryEnvelope struct {
	Scenery *sceneryWire `json:"scenery"`
}

type sceneryWire struct {
	SceneryID         flexInt     `json:"sceneryId"`
	ICAO              string      `json:"icao"`
	UserName          string      `json:"userName"`
	ArtistName        string      `json:"artistName"`
	DateUploaded      *string     `json:"dateUploaded"`
	DateAccepted      *string     `json:"dateAccepted"`
	DateApproved      *string     `json:"dateApproved"`
	Type              string      `json:"type"`
	Status            string      `json:"Status"`
	MasterZipBlob     *string     `json:"masterZipBlob"`
	Features          flexStrings `json:"features"`
	WEDVersion        *flexString `json:"WEDVersion"`
	XPlaneVersion     *flexString `json:"XPlaneVersion"`
	ArtistComments    *flexString `json:"artistComments"`
	ModeratorComments *flexString `json:"moderatorComments"`
	ParentID          *flexInt    `json:"parentId"`
	ParentScenery     *flexInt    `json:"parentScenery"`
	EditorsChoice     flexBool    `json:"EditorsChoice"`
}
