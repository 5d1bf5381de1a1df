package region

import (
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strconv"
)

// WritePointsCSV writes every member of every analysed region as one row:
// dataset id, row index and group, then the row's fields, then the region's
// name and class. Field columns are the sorted union over all members.
func WritePointsCSV(w io.Writer, regions []*Region) error {
	fieldSet := make(map[string]struct{})
	for _, r := range regions {
		for _, m := range r.Members {
			for k := range m.Point.Fields {
				fieldSet[k] = struct{}{}
			}
		}
	}
	fields := make([]string, 0, len(fieldSet))
	for k := range fieldSet {
		fields = append(fields, k)
	}
	sort.Strings(fields)

	cw := csv.NewWriter(w)
	header := append([]string{"uid", "index", "group"}, fields...)
	header = append(header, "regionName", "regionClass")
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	record := make([]string, len(header))
	for _, r := range regions {
		for _, m := range r.Members {
			record[0] = string(m.Dataset)
			record[1] = strconv.Itoa(m.Point.Index)
			record[2] = m.Group
			for i, f := range fields {
				record[3+i] = m.Point.Fields[f]
			}
			record[len(record)-2] = r.Name
			record[len(record)-1] = r.Class
			if err := cw.Write(record); err != nil {
				return fmt.Errorf("write %s: %w", r.ID, err)
			}
		}
	}
	cw.Flush()
	return cw.Error()
}
