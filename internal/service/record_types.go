package service

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/campus-arp/arp-api/internal/models"
	appErrors "github.com/campus-arp/arp-api/pkg/errors"
)

// RecordTypeDescriptor declares everything the lifecycle needs to know
// about one record type: a human label for notifications and the shape
// of its payload. Concrete types contribute nothing else; the lifecycle
// itself is identical for all of them.
type RecordTypeDescriptor struct {
	Type  models.RecordType
	Label string

	newPayload func() interface{}
	crossCheck func(interface{}) error
}

// RecordTypeRegistry resolves descriptors and validates payloads.
type RecordTypeRegistry struct {
	validate    *validator.Validate
	descriptors map[models.RecordType]*RecordTypeDescriptor
}

// CoursePayload documents a completed course (MOOC or elective).
type CoursePayload struct {
	Code      string `json:"code" validate:"required"`
	Title     string `json:"title" validate:"required"`
	Credit    int    `json:"credit" validate:"gte=1,lte=10"`
	Provider  string `json:"provider"`
	StartDate string `json:"start_date" validate:"omitempty,datetime=2006-01-02"`
	EndDate   string `json:"end_date" validate:"omitempty,datetime=2006-01-02"`
	Grade     string `json:"grade"`
}

// InternshipPayload documents an internship engagement.
type InternshipPayload struct {
	Company   string  `json:"company" validate:"required"`
	Role      string  `json:"role" validate:"required"`
	StartDate string  `json:"start_date" validate:"required,datetime=2006-01-02"`
	EndDate   string  `json:"end_date" validate:"required,datetime=2006-01-02"`
	Stipend   float64 `json:"stipend" validate:"gte=0"`
	Location  string  `json:"location"`
}

// HackathonPayload documents participation in a hackathon event.
type HackathonPayload struct {
	EventName string `json:"event_name" validate:"required"`
	Organizer string `json:"organizer"`
	HeldOn    string `json:"held_on" validate:"omitempty,datetime=2006-01-02"`
	TeamName  string `json:"team_name"`
	Position  string `json:"position"`
}

// CertificatePayload documents an earned certificate.
type CertificatePayload struct {
	Title      string `json:"title" validate:"required"`
	Issuer     string `json:"issuer" validate:"required"`
	IssuedOn   string `json:"issued_on" validate:"required,datetime=2006-01-02"`
	Credential string `json:"credential"`
}

// MarksheetPayload documents a semester marksheet upload.
type MarksheetPayload struct {
	Semester int     `json:"semester" validate:"required,gte=1,lte=10"`
	CGPA     float64 `json:"cgpa" validate:"gte=0,lte=10"`
	Backlogs int     `json:"backlogs" validate:"gte=0"`
}

// AchievementPayload documents a general achievement or award.
type AchievementPayload struct {
	Title     string `json:"title" validate:"required"`
	Category  string `json:"category"`
	AwardedOn string `json:"awarded_on" validate:"omitempty,datetime=2006-01-02"`
}

// ScholarshipPayload documents an awarded scholarship.
type ScholarshipPayload struct {
	Name      string  `json:"name" validate:"required"`
	Amount    float64 `json:"amount" validate:"gte=0"`
	AwardedOn string  `json:"awarded_on" validate:"omitempty,datetime=2006-01-02"`
}

// PlacementDrivePayload documents participation in a placement drive.
type PlacementDrivePayload struct {
	Company   string  `json:"company" validate:"required"`
	Role      string  `json:"role" validate:"required"`
	DriveDate string  `json:"drive_date" validate:"omitempty,datetime=2006-01-02"`
	Package   float64 `json:"package" validate:"gte=0"`
	Offered   bool    `json:"offered"`
}

// NewRecordTypeRegistry builds the registry with every supported type.
func NewRecordTypeRegistry(validate *validator.Validate) *RecordTypeRegistry {
	if validate == nil {
		validate = validator.New()
	}
	r := &RecordTypeRegistry{
		validate:    validate,
		descriptors: make(map[models.RecordType]*RecordTypeDescriptor),
	}

	r.register(&RecordTypeDescriptor{
		Type:       models.RecordTypeCourse,
		Label:      "Course",
		newPayload: func() interface{} { return &CoursePayload{} },
		crossCheck: func(p interface{}) error {
			c := p.(*CoursePayload)
			return checkDateOrder(c.StartDate, c.EndDate)
		},
	})
	r.register(&RecordTypeDescriptor{
		Type:       models.RecordTypeInternship,
		Label:      "Internship",
		newPayload: func() interface{} { return &InternshipPayload{} },
		crossCheck: func(p interface{}) error {
			i := p.(*InternshipPayload)
			return checkDateOrder(i.StartDate, i.EndDate)
		},
	})
	r.register(&RecordTypeDescriptor{
		Type:       models.RecordTypeHackathon,
		Label:      "Hackathon",
		newPayload: func() interface{} { return &HackathonPayload{} },
	})
	r.register(&RecordTypeDescriptor{
		Type:       models.RecordTypeCertificate,
		Label:      "Certificate",
		newPayload: func() interface{} { return &CertificatePayload{} },
	})
	r.register(&RecordTypeDescriptor{
		Type:       models.RecordTypeMarksheet,
		Label:      "Marksheet",
		newPayload: func() interface{} { return &MarksheetPayload{} },
	})
	r.register(&RecordTypeDescriptor{
		Type:       models.RecordTypeAchievement,
		Label:      "Achievement",
		newPayload: func() interface{} { return &AchievementPayload{} },
	})
	r.register(&RecordTypeDescriptor{
		Type:       models.RecordTypeScholarship,
		Label:      "Scholarship",
		newPayload: func() interface{} { return &ScholarshipPayload{} },
	})
	r.register(&RecordTypeDescriptor{
		Type:       models.RecordTypePlacementDrive,
		Label:      "Placement Drive",
		newPayload: func() interface{} { return &PlacementDrivePayload{} },
	})

	return r
}

func (r *RecordTypeRegistry) register(d *RecordTypeDescriptor) {
	r.descriptors[d.Type] = d
}

// Resolve returns the descriptor for a record type.
func (r *RecordTypeRegistry) Resolve(raw string) (*RecordTypeDescriptor, error) {
	t := models.RecordType(strings.ToLower(strings.TrimSpace(raw)))
	d, ok := r.descriptors[t]
	if !ok {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unsupported record type: %s", raw))
	}
	return d, nil
}

// ValidatePayload checks a raw payload document against the type's schema.
func (r *RecordTypeRegistry) ValidatePayload(d *RecordTypeDescriptor, raw []byte) error {
	if len(raw) == 0 || !json.Valid(raw) {
		return appErrors.Clone(appErrors.ErrValidation, "payload must be a valid JSON document")
	}
	target := d.newPayload()
	if err := json.Unmarshal(raw, target); err != nil {
		return appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "payload does not match the record type schema")
	}
	if err := r.validate.Struct(target); err != nil {
		return appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "payload failed validation")
	}
	if d.crossCheck != nil {
		if err := d.crossCheck(target); err != nil {
			return appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, err.Error())
		}
	}
	return nil
}

func checkDateOrder(start, end string) error {
	if start == "" || end == "" {
		return nil
	}
	from, err := time.Parse("2006-01-02", start)
	if err != nil {
		return fmt.Errorf("invalid start date")
	}
	to, err := time.Parse("2006-01-02", end)
	if err != nil {
		return fmt.Errorf("invalid end date")
	}
	if from.After(to) {
		return fmt.Errorf("start date must not be after end date")
	}
	return nil
}
