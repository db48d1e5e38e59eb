package dataset

import (
	"fmt"
	"io"
	"strconv"

	"github.com/parquet-go/parquet-go"
)

// callRecord is the parquet layout of one call-center request.
type callRecord struct {
	RequestID      *int64  `parquet:"REQUESTID,optional"`
	DateTimeInit   *string `parquet:"DATETIMEINIT,optional"`
	Source         *string `parquet:"SOURCE,optional"`
	Description    *string `parquet:"DESCRIPTION,optional"`
	ReqCategory    *string `parquet:"REQCATEGORY,optional"`
	Status         *string `parquet:"STATUS,optional"`
	ReferredTo     *string `parquet:"REFERREDTO,optional"`
	DateTimeClosed *string `parquet:"DATETIMECLOSED,optional"`
	City           *string `parquet:"City,optional"`
	State          *string `parquet:"State,optional"`
	Ward           *string `parquet:"Ward,optional"`
	Postcode       *string `parquet:"Postcode,optional"`
}

// WriteParquet encodes the table as a parquet snapshot and returns the number
// of rows written. Columns outside the call-center layout are skipped and
// absent ones are written as nulls.
func WriteParquet(w io.Writer, table Table) (int64, error) {
	if len(table.Columns) == 0 {
		return 0, fmt.Errorf("table has no columns")
	}
	index := func(name string) int { return table.ColumnIndex(name) }
	var (
		requestID      = index("REQUESTID")
		dateTimeInit   = index("DATETIMEINIT")
		source         = index("SOURCE")
		description    = index("DESCRIPTION")
		reqCategory    = index("REQCATEGORY")
		status         = index("STATUS")
		referredTo     = index("REFERREDTO")
		dateTimeClosed = index("DATETIMECLOSED")
		city           = index("City")
		state          = index("State")
		ward           = index("Ward")
		postcode       = index("Postcode")
	)

	records := make([]callRecord, 0, len(table.Rows))
	for r, row := range table.Rows {
		id, err := int64Cell(row, requestID)
		if err != nil {
			return 0, fmt.Errorf("row %d: %w", r+1, err)
		}
		records = append(records, callRecord{
			RequestID:      id,
			DateTimeInit:   stringCell(row, dateTimeInit),
			Source:         stringCell(row, source),
			Description:    stringCell(row, description),
			ReqCategory:    stringCell(row, reqCategory),
			Status:         stringCell(row, status),
			ReferredTo:     stringCell(row, referredTo),
			DateTimeClosed: stringCell(row, dateTimeClosed),
			City:           stringCell(row, city),
			State:          stringCell(row, state),
			Ward:           stringCell(row, ward),
			Postcode:       stringCell(row, postcode),
		})
	}

	writer := parquet.NewGenericWriter[callRecord](w)
	written, err := writer.Write(records)
	if err != nil {
		return 0, fmt.Errorf("write parquet rows: %w", err)
	}
	if err := writer.Close(); err != nil {
		return 0, fmt.Errorf("close parquet writer: %w", err)
	}
	return int64(written), nil
}

func int64Cell(row []any, column int) (*int64, error) {
	if column < 0 || row[column] == nil {
		return nil, nil
	}
	switch value := row[column].(type) {
	case int64:
		return &value, nil
	case float64:
		converted := int64(value)
		return &converted, nil
	case string:
		parsed, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid REQUESTID %q", value)
		}
		return &parsed, nil
	default:
		return nil, fmt.Errorf("invalid REQUESTID %v", value)
	}
}

func stringCell(row []any, column int) *string {
	if column < 0 || row[column] == nil {
		return nil
	}
	var text string
	switch value := row[column].(type) {
	case string:
		text = value
	case int64:
		text = strconv.FormatInt(value, 10)
	case float64:
		text = strconv.FormatFloat(value, 'f', -1, 64)
	default:
		text = fmt.Sprint(value)
	}
	return &text
}
