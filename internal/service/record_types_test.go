package service

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/campus-arp/arp-api/internal/models"
	appErrors "github.com/campus-arp/arp-api/pkg/errors"
)

func TestRegistryResolveNormalizesType(t *testing.T) {
	registry := NewRecordTypeRegistry(nil)

	d, err := registry.Resolve(" Course ")
	require.NoError(t, err)
	require.Equal(t, models.RecordTypeCourse, d.Type)

	_, err = registry.Resolve("diploma")
	require.Error(t, err)
	require.Equal(t, "VALIDATION_ERROR", appErrors.FromError(err).Code)
}

func TestRegistryCoversAllTypes(t *testing.T) {
	registry := NewRecordTypeRegistry(nil)
	for _, typ := range []models.RecordType{
		models.RecordTypeCourse,
		models.RecordTypeInternship,
		models.RecordTypeHackathon,
		models.RecordTypeCertificate,
		models.RecordTypeMarksheet,
		models.RecordTypeAchievement,
		models.RecordTypeScholarship,
		models.RecordTypePlacementDrive,
	} {
		_, err := registry.Resolve(string(typ))
		require.NoError(t, err, "type %s", typ)
	}
}

func TestValidatePayloadRequiredFields(t *testing.T) {
	registry := NewRecordTypeRegistry(nil)
	d, err := registry.Resolve("internship")
	require.NoError(t, err)

	err = registry.ValidatePayload(d, []byte(`{"company":"Acme","role":"SRE","start_date":"2026-01-05","end_date":"2026-06-30"}`))
	require.NoError(t, err)

	err = registry.ValidatePayload(d, []byte(`{"company":"Acme"}`))
	require.Error(t, err)
	require.Equal(t, "VALIDATION_ERROR", appErrors.FromError(err).Code)
}

func TestValidatePayloadDateOrder(t *testing.T) {
	registry := NewRecordTypeRegistry(nil)
	d, err := registry.Resolve("internship")
	require.NoError(t, err)

	err = registry.ValidatePayload(d, []byte(`{"company":"Acme","role":"SRE","start_date":"2026-06-30","end_date":"2026-01-05"}`))
	require.Error(t, err)
	require.Equal(t, "VALIDATION_ERROR", appErrors.FromError(err).Code)
}

func TestValidatePayloadRejectsMalformedJSON(t *testing.T) {
	registry := NewRecordTypeRegistry(nil)
	d, err := registry.Resolve("course")
	require.NoError(t, err)

	err = registry.ValidatePayload(d, []byte(`{"code":`))
	require.Error(t, err)
	require.Equal(t, "VALIDATION_ERROR", appErrors.FromError(err).Code)

	err = registry.ValidatePayload(d, nil)
	require.Error(t, err)
}

func TestValidatePayloadRanges(t *testing.T) {
	registry := NewRecordTypeRegistry(nil)
	d, err := registry.Resolve("marksheet")
	require.NoError(t, err)

	err = registry.ValidatePayload(d, []byte(`{"semester":4,"cgpa":8.2,"backlogs":0}`))
	require.NoError(t, err)

	err = registry.ValidatePayload(d, []byte(`{"semester":11,"cgpa":8.2}`))
	require.Error(t, err)

	err = registry.ValidatePayload(d, []byte(`{"semester":4,"cgpa":10.5}`))
	require.Error(t, err)
}
