package domain

import "time"

// Project describes a deployable static site.
type Project struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	GitURL    string    `json:"gitUrl"`
	Slug      string    `json:"slug"`
	CreatedAt time.Time `json:"createdAt"`
}
