// Package importer parses bulk question files. A batch is accepted only when
// every row is valid; otherwise all row errors are reported and nothing is returned.
package importer

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/pavelanni/skillcheck/internal/model"
)

// Header is the exact column layout of an import file.
var Header = []string{"text", "option1", "option2", "option3", "option4", "answer", "topic", "difficulty"}

// LineError describes one rejected row. Line is 1-based and counts the header.
type LineError struct {
	Line    int    `json:"line"`
	Message string `json:"message"`
}

func (e LineError) Error() string {
	return fmt.Sprintf("line %d: %s", e.Line, e.Message)
}

// BatchError rejects a whole import.
type BatchError struct {
	Lines []LineError
}

func (e *BatchError) Error() string {
	msgs := make([]string, len(e.Lines))
	for i, l := range e.Lines {
		msgs[i] = l.Error()
	}
	return fmt.Sprintf("import rejected with %d error(s): %s", len(e.Lines), strings.Join(msgs, "; "))
}

func (e *BatchError) Unwrap() error {
	return model.ErrValidation
}

// Format selects the file parser.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

// FormatFromName picks the format from a file name extension. CSV is the default.
func FormatFromName(name string) Format {
	if strings.EqualFold(filepath.Ext(name), ".xlsx") {
		return FormatXLSX
	}
	return FormatCSV
}

// Parse reads questions in the given format.
func Parse(r io.Reader, format Format) ([]model.Question, error) {
	switch format {
	case FormatXLSX:
		return ParseXLSX(r)
	default:
		return ParseCSV(r)
	}
}

// ParseCSV reads comma-separated questions.
func ParseCSV(r io.Reader) ([]model.Question, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	var rows []row
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var pe *csv.ParseError
			if errors.As(err, &pe) {
				return nil, &BatchError{Lines: []LineError{{Line: pe.Line, Message: pe.Err.Error()}}}
			}
			return nil, fmt.Errorf("read csv: %w", err)
		}
		line, _ := cr.FieldPos(0)
		rows = append(rows, row{line: line, fields: rec})
	}
	return parseRows(rows)
}

// ParseXLSX reads questions from the first sheet of a workbook.
func ParseXLSX(r io.Reader) ([]model.Question, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, &BatchError{Lines: []LineError{{Line: 1, Message: "workbook has no sheets"}}}
	}
	cells, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("read sheet %s: %w", sheets[0], err)
	}
	rows := make([]row, len(cells))
	for i, fields := range cells {
		// excelize drops trailing empty cells; topic and difficulty may be blank.
		if len(fields) >= 6 && len(fields) < len(Header) {
			fields = append(fields, make([]string, len(Header)-len(fields))...)
		}
		rows[i] = row{line: i + 1, fields: fields}
	}
	return parseRows(rows)
}

type row struct {
	line   int
	fields []string
}

func parseRows(rows []row) ([]model.Question, error) {
	if len(rows) == 0 {
		return nil, &BatchError{Lines: []LineError{{Line: 1, Message: "file is empty"}}}
	}
	if !headerMatches(rows[0].fields) {
		return nil, &BatchError{Lines: []LineError{{
			Line:    rows[0].line,
			Message: fmt.Sprintf("header must be exactly %q", strings.Join(Header, ",")),
		}}}
	}

	var questions []model.Question
	var errs []LineError
	for _, r := range rows[1:] {
		line, f := r.line, r.fields
		if isBlank(f) {
			continue
		}
		if len(f) != len(Header) {
			errs = append(errs, LineError{Line: line, Message: fmt.Sprintf("expected %d fields, got %d", len(Header), len(f))})
			continue
		}
		q := model.Question{
			Text:       strings.TrimSpace(f[0]),
			Options:    []string{strings.TrimSpace(f[1]), strings.TrimSpace(f[2]), strings.TrimSpace(f[3]), strings.TrimSpace(f[4])},
			Answer:     strings.TrimSpace(f[5]),
			Topic:      strings.TrimSpace(f[6]),
			Difficulty: strings.TrimSpace(f[7]),
		}
		if err := q.Validate(); err != nil {
			errs = append(errs, LineError{Line: line, Message: strings.TrimPrefix(err.Error(), model.ErrValidation.Error()+": ")})
			continue
		}
		questions = append(questions, q)
	}
	if len(errs) > 0 {
		return nil, &BatchError{Lines: errs}
	}
	if len(questions) == 0 {
		return nil, &BatchError{Lines: []LineError{{Line: rows[0].line + 1, Message: "no questions after header"}}}
	}
	return questions, nil
}

func headerMatches(fields []string) bool {
	if len(fields) != len(Header) {
		return false
	}
	for i, h := range Header {
		cell := strings.TrimSpace(fields[i])
		if i == 0 {
			cell = strings.TrimPrefix(cell, "\ufeff")
		}
		if cell != h {
			return false
		}
	}
	return true
}

func isBlank(fields []string) bool {
	for _, c := range fields {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

// ParseBytes is a convenience wrapper for uploaded payloads.
func ParseBytes(data []byte, format Format) ([]model.Question, error) {
	return Parse(bytes.NewReader(data), format)
}
