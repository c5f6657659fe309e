package export

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func sampleDataset() Dataset {
	return Dataset{
		Headers: []string{"ID", "Type", "Status"},
		Rows: []map[string]string{
			{"ID": "rec-1", "Type": "course", "Status": "APPROVED"},
			{"ID": "rec-2", "Type": "internship", "Status": "APPROVED"},
		},
	}
}

func TestCSVExporterRender(t *testing.T) {
	out, err := NewCSVExporter().Render(sampleDataset())
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	require.Len(t, lines, 3)
	require.Equal(t, "ID,Type,Status", lines[0])
	require.Contains(t, lines[1], "rec-1")
}

func TestCSVExporterRequiresHeaders(t *testing.T) {
	_, err := NewCSVExporter().Render(Dataset{})
	require.Error(t, err)
}

func TestPDFExporterRender(t *testing.T) {
	out, err := NewPDFExporter().Render(sampleDataset(), "approved records")
	require.NoError(t, err)
	require.NotEmpty(t, out)
	require.True(t, strings.HasPrefix(string(out), "%PDF"))
}
