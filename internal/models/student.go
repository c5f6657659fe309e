package models

import "time"

// Student represents a learner registered in the institution. TutorID
// references the staff user assigned to review this student's records;
// it may be unset for freshly imported rosters.
type Student struct {
	ID         string    `db:"id" json:"id"`
	RollNumber string    `db:"roll_number" json:"roll_number"`
	FullName   string    `db:"full_name" json:"full_name"`
	Email      string    `db:"email" json:"email"`
	Department string    `db:"department" json:"department"`
	Batch      string    `db:"batch" json:"batch"`
	TutorID    *string   `db:"tutor_id" json:"tutor_id,omitempty"`
	Active     bool      `db:"active" json:"active"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time `db:"updated_at" json:"updated_at"`
}

// StudentFilter encapsulates allowed search parameters for listing students.
type StudentFilter struct {
	Search     string
	Department string
	Batch      string
	TutorID    string
	Active     *bool
	Page       int
	PageSize   int
}
