// Package models defines the data structures used throughout the application
package models

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"
)

// Airport represents an airport listed by the scenery gateway
type Airport struct {
	icao                 string
	Name                 string     `json:"name"`
	Latitude             float64    `json:"latitude"`
	Longitude            float64    `json:"longitude"`
	SceneryIDs           []int64    `json:"scenery_ids"`
	RecommendedSceneryID *int64     `json:"recommended_scenery_id,omitempty"`
	LastUpdated          *time.Time `json:"last_updated,omitempty"`
}

// NormalizeICAO upper-cases and validates an airport identifier.
// Valid identifiers are 3-4 characters of A-Z or 0-9.
func NormalizeICAO(code string) (string, error) {
	icao := strings.ToUpper(strings.TrimSpace(code))
	if len(icao) < 3 || len(icao) > 4 {
		return "", fmt.Errorf("airport code %q must be 3-4 characters", code)
	}
	for _, r := range icao {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return "", fmt.Errorf("airport code %q must be alphanumeric", code)
		}
	}
	return icao, nil
}

// NewAirport creates an airport record. The identifier is normalized and
// fixed for the lifetime of the record; scenery IDs are de-duplicated and sorted.
func NewAirport(icao, name string, lat, lon float64, sceneryIDs []int64, recommended *int64, lastUpdated *time.Time) (*Airport, error) {
	code, err := NormalizeICAO(icao)
	if err != nil {
		return nil, err
	}

	ids := slices.Clone(sceneryIDs)
	slices.Sort(ids)
	ids = slices.Compact(ids)

	if lastUpdated != nil && len(ids) == 0 {
		return nil, fmt.Errorf("airport %s has an update date but no scenery packs", code)
	}

	return &Airport{
		icao:                 code,
		Name:                 name,
		Latitude:             lat,
		Longitude:            lon,
		SceneryIDs:           ids,
		RecommendedSceneryID: recommended,
		LastUpdated:          lastUpdated,
	}, nil
}

// ICAO returns the airport identifier
func (a *Airport) ICAO() string {
	return a.icao
}

// HasScenery reports whether the airport lists the given scenery pack
func (a *Airport) HasScenery(id int64) bool {
	_, found := slices.BinarySearch(a.SceneryIDs, id)
	return found
}

type airportJSON struct {
	ICAO                 string     `json:"icao"`
	Name                 string     `json:"name"`
	Latitude             float64    `json:"latitude"`
	Longitude            float64    `json:"longitude"`
	SceneryIDs           []int64    `json:"scenery_ids"`
	RecommendedSceneryID *int64     `json:"recommended_scenery_id,omitempty"`
	LastUpdated          *time.Time `json:"last_updated,omitempty"`
}

// MarshalJSON includes the read-only identifier
func (a *Airport) MarshalJSON() ([]byte, error) {
	return json.Marshal(airportJSON{
		ICAO:                 a.icao,
		Name:                 a.Name,
		Latitude:             a.Latitude,
		Longitude:            a.Longitude,
		SceneryIDs:           a.SceneryIDs,
		RecommendedSceneryID: a.RecommendedSceneryID,
		LastUpdated:          a.LastUpdated,
	})
}
