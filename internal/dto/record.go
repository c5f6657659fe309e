package dto

import (
	"github.com/campus-arp/arp-api/internal/models"
)

// JSONDocument is a raw JSON value that binds from a multipart form
// field as well as a JSON body. Gin's form mapper would otherwise walk
// a plain byte slice element by element.
type JSONDocument []byte

// UnmarshalParam binds the form field value verbatim.
func (d *JSONDocument) UnmarshalParam(param string) error {
	*d = JSONDocument(param)
	return nil
}

// MarshalJSON emits the document as-is.
func (d JSONDocument) MarshalJSON() ([]byte, error) {
	if len(d) == 0 {
		return []byte("null"), nil
	}
	return d, nil
}

// UnmarshalJSON stores the document as-is.
func (d *JSONDocument) UnmarshalJSON(data []byte) error {
	*d = append((*d)[:0], data...)
	return nil
}

// SubmitRecordRequest carries a new activity record submission. Payload
// is the raw type-specific JSON document; it travels as a form field so
// the attachment can ride the same multipart request.
type SubmitRecordRequest struct {
	Type    string       `json:"type" form:"type"`
	OwnerID string       `json:"owner_id" form:"owner_id"`
	Payload JSONDocument `json:"payload" form:"payload"`
}

// ResubmitRecordRequest carries owner edits. Payload fields are merged
// over the stored document; omitted fields keep their previous value.
type ResubmitRecordRequest struct {
	Payload JSONDocument `json:"payload" form:"payload"`
}

// DecideRecordRequest carries a reviewer verdict.
type DecideRecordRequest struct {
	Outcome  models.DecisionOutcome `json:"outcome" binding:"required"`
	Comments string                 `json:"comments"`
}

// RecordQuery filters record listings.
type RecordQuery struct {
	Status  []models.RecordStatus
	Type    models.RecordType
	OwnerID string
	Limit   int
	Offset  int
}
