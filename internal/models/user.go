package models

import "github.com/orrn/printd/internal/quota"

type User struct {
	ID            string           `json:"id"`
	Role          quota.Role       `json:"role"`
	Groups        []string         `json:"groups"`
	Semesters     []quota.Semester `json:"semesters"`
	ColorPrinting bool             `json:"color_printing"`
	// TotalPrinted is the lifetime printed page weight, aggregated by the store.
	TotalPrinted int `json:"total_printed"`
}

func (u *User) Profile() quota.Profile {
	return quota.Profile{
		Role:      u.Role,
		Groups:    u.Groups,
		Semesters: u.Semesters,
	}
}
