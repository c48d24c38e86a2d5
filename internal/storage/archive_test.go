package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/timetable-refresher/internal/monitor"
)

func TestReportObjectName(t *testing.T) {
	t.Parallel()

	report := monitor.Report{
		RunID:     "abc",
		StartTime: time.Date(2026, 1, 31, 23, 0, 0, 0, time.FixedZone("minus2", -2*3600)),
	}
	require.Equal(t, "reports/2026/02/01/abc.json", ReportObjectName("/reports/", report))
	require.Equal(t, "2026/02/01/abc.json", ReportObjectName("", report))
}

func TestEncodeReportRequiresRunID(t *testing.T) {
	t.Parallel()

	_, err := EncodeReport(monitor.Report{})
	require.Error(t, err)

	body, err := EncodeReport(monitor.Report{RunID: "r1", TotalJobs: 3})
	require.NoError(t, err)
	require.Contains(t, string(body), `"total_jobs": 3`)
}
