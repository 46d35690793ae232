package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SceneryType is the kind of scenery submission
type SceneryType string

const (
	SceneryType2D SceneryType = "2D"
	SceneryType3D SceneryType = "3D"
)

// ReviewStatus is the moderation state of a scenery submission
type ReviewStatus string

const (
	ReviewPending  ReviewStatus = "Pending"
	ReviewApproved ReviewStatus = "Approved"
	ReviewDeclined ReviewStatus = "Declined"
)

// ParseReviewStatus maps gateway status strings onto the three review states.
// Intermediate gateway states such as "Uploaded" or "Accepted" are still in review.
func ParseReviewStatus(s string) ReviewStatus {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "approved":
		return ReviewApproved
	case "declined", "rejected":
		return ReviewDeclined
	default:
		return ReviewPending
	}
}

// ParseSceneryType validates a scenery type string. An empty value defaults to 2D.
func ParseSceneryType(s string) (SceneryType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "2D":
		return SceneryType2D, nil
	case "3D":
		return SceneryType3D, nil
	default:
		return "", fmt.Errorf("unknown scenery type %q", s)
	}
}

// Scenery represents one versioned scenery submission for an airport
type Scenery struct {
	ID                int64        `json:"id"`
	AirportICAO       string       `json:"airport_icao"`
	Artist            string       `json:"artist"`
	DateUploaded      *time.Time   `json:"date_uploaded,omitempty"`
	DateAccepted      *time.Time   `json:"date_accepted,omitempty"`
	DateApproved      *time.Time   `json:"date_approved,omitempty"`
	Type              SceneryType  `json:"type"`
	Status            ReviewStatus `json:"status"`
	Archive           []byte       `json:"-"`
	Features          []string     `json:"features"`
	WEDVersion        *string      `json:"wed_version,omitempty"`
	XPlaneVersion     *string      `json:"xplane_version,omitempty"`
	ArtistComments    *string      `json:"artist_comments,omitempty"`
	ModeratorComments *string      `json:"moderator_comments,omitempty"`
	ParentID          *int64       `json:"parent_id,omitempty"`
	EditorsChoice     bool         `json:"editors_choice"`
}

// VersionMarker returns the timestamp that identifies this submission's version:
// approval, then acceptance, then upload
func (s *Scenery) VersionMarker() *time.Time {
	switch {
	case s.DateApproved != nil:
		return s.DateApproved
	case s.DateAccepted != nil:
		return s.DateAccepted
	default:
		return s.DateUploaded
	}
}

// Version renders the version marker as a string, falling back to the scenery ID
// because the gateway publishes no semantic version
func (s *Scenery) Version() string {
	if t := s.VersionMarker(); t != nil {
		return t.UTC().Format(time.RFC3339)
	}
	return "id-" + strconv.FormatInt(s.ID, 10)
}

// FolderName is the directory name used under Custom Scenery
func (s *Scenery) FolderName() string {
	return fmt.Sprintf("%s_%d", s.AirportICAO, s.ID)
}

// WithoutArchive returns a shallow copy with the payload dropped
func (s *Scenery) WithoutArchive() *Scenery {
	c := *s
	c.Archive = nil
	return &c
}
