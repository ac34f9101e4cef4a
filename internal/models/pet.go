package models

import "time"

// PetData is the trackable object's profile. Read-only, fetched per request.
type PetData struct {
	ID               string   `json:"id"`
	Name             string   `json:"name"`
	PetType          string   `json:"pet_type"`
	Gender           string   `json:"gender"`
	Breed            string   `json:"breed,omitempty"`
	BreedIDs         []string `json:"breed_ids,omitempty"`
	Neutered         bool     `json:"neutered"`
	ChipID           string   `json:"chip_id,omitempty"`
	Birthday         int64    `json:"birthday,omitempty"`
	Weight           float64  `json:"weight,omitempty"`
	ProfilePictureID string   `json:"profile_picture_id,omitempty"`
	CreatedAt        int64    `json:"created_at,omitempty"`
	UpdatedAt        int64    `json:"updated_at,omitempty"`
}

// BirthdayTime returns the birthday, zero when unknown.
func (p PetData) BirthdayTime() time.Time {
	if p.Birthday == 0 {
		return time.Time{}
	}
	return time.Unix(p.Birthday, 0)
}

// Share is a public location link for a tracker.
type Share struct {
	ID        string `json:"id"`
	Link      string `json:"share_link"`
	Message   string `json:"message"`
	CreatedAt int64  `json:"created_at"`
	Active    bool   `json:"active"`
}

// AgeHours returns hours since the share was created.
func (s Share) AgeHours(now time.Time) float64 {
	return now.Sub(time.Unix(s.CreatedAt, 0)).Hours()
}
