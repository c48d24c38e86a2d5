// Package storage holds what the report archive backends share: the object
// layout and the encoding of archived reports.
package storage

import (
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/JakeFAU/timetable-refresher/internal/monitor"
)

// ReportContentType is the MIME type of an encoded report.
const ReportContentType = "application/json"

// ReportObjectName returns <prefix>/YYYY/MM/DD/<run id>.json, dated by the
// run start in UTC. An empty prefix yields a name rooted at the year.
func ReportObjectName(prefix string, report monitor.Report) string {
	started := report.StartTime.UTC()
	name := path.Join(started.Format("2006"), started.Format("01"), started.Format("02"), report.RunID+".json")
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return name
	}
	return path.Join(prefix, name)
}

// EncodeReport validates and marshals a report for archiving.
func EncodeReport(report monitor.Report) ([]byte, error) {
	if strings.TrimSpace(report.RunID) == "" {
		return nil, fmt.Errorf("report has no run id")
	}
	body, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal report: %w", err)
	}
	return body, nil
}
