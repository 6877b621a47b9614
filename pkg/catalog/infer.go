package catalog

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/cuemby/fednode/pkg/types"
)

// datetimeLayouts are the accepted datetime formats; a value counts as a
// datetime when it parses under any one of them.
var datetimeLayouts = []string{
	time.RFC3339,
	"2006-01-02",
	"2006-01-02 15:04:05",
}

// maxInferenceRows bounds how many data rows are sampled to infer a
// column's type; the record count covers every data row of the file.
const maxInferenceRows = 100_000

// inferSchema reads a delimited file's header and a sample of its rows,
// inferring each column's type in the same precedence order as the
// Python prototype's dtype mapping: integer, then float, then boolean,
// then datetime, else string.
func inferSchema(path, kind string) ([]types.Column, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	if kind == "tsv" {
		r.Comma = '\t'
	}

	header, err := r.Read()
	if err != nil {
		return nil, 0, fmt.Errorf("read header of %s: %w", path, err)
	}

	samples := make([][]string, len(header))
	nullSeen := make([]bool, len(header))

	var rowCount int64
	for {
		rec, err := r.Read()
		if err != nil {
			break
		}
		rowCount++
		if rowCount > maxInferenceRows {
			continue
		}
		for i := range header {
			if i >= len(rec) {
				nullSeen[i] = true
				continue
			}
			v := rec[i]
			if v == "" {
				nullSeen[i] = true
				continue
			}
			samples[i] = append(samples[i], v)
		}
	}

	cols := make([]types.Column, len(header))
	for i, name := range header {
		cols[i] = types.Column{
			Name:     name,
			Type:     inferColumnType(samples[i]),
			Nullable: nullSeen[i],
		}
	}

	return cols, rowCount, nil
}

// inferColumnType classifies a column's sampled string values in the
// same order the original pandas-backed prototype checks dtypes:
// integer before float, then boolean, then datetime, else string.
func inferColumnType(values []string) types.ColumnType {
	if len(values) == 0 {
		return types.ColumnTypeString
	}

	allInt, allFloat, allBool, allTime := true, true, true, true

	for _, v := range values {
		if allInt {
			if _, err := strconv.ParseInt(v, 10, 64); err != nil {
				allInt = false
			}
		}
		if allFloat {
			if _, err := strconv.ParseFloat(v, 64); err != nil {
				allFloat = false
			}
		}
		if allBool {
			if !isBoolLiteral(v) {
				allBool = false
			}
		}
		if allTime {
			if !parsesAsTime(v) {
				allTime = false
			}
		}
	}

	switch {
	case allInt:
		return types.ColumnTypeInteger
	case allFloat:
		return types.ColumnTypeFloat
	case allBool:
		return types.ColumnTypeBoolean
	case allTime:
		return types.ColumnTypeDatetime
	default:
		return types.ColumnTypeString
	}
}

func isBoolLiteral(v string) bool {
	switch v {
	case "true", "false", "True", "False", "TRUE", "FALSE":
		return true
	default:
		return false
	}
}

func parsesAsTime(v string) bool {
	for _, layout := range datetimeLayouts {
		if _, err := time.Parse(layout, v); err == nil {
			return true
		}
	}
	return false
}
