// Package gtfsload parses GTFS static CSV files into the domain types in
// business/data/gtfs, with required/optional field resolution, typed
// getters and delimiter sniffing among ',', ';', '|' and tab.
package gtfsload

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// rowReader reads rows from a csvParser and accumulates typed records.
type rowReader interface {
	addRow(p *csvParser) error
}

// csvParser holds a single open CSV file: its header row, the current
// record, and any errors accumulated while reading the current row.
type csvParser struct {
	Filename       string
	line           int
	reader         *csv.Reader
	headers        []string
	currentRecords []string
	errors         []error
}

// newCSVParser builds a csvParser from r, auto-sniffing the delimiter among
// ',', ';', '|', '\t' from the header line when delimiter is 0.
func newCSVParser(r io.Reader, filename string, delimiter rune) (*csvParser, error) {
	buffered := bufio.NewReader(r)
	headerLine, err := buffered.ReadString('\n')
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("unable to read header of %s: %w", filename, err)
	}
	headerLine = strings.TrimRight(headerLine, "\r\n")
	if delimiter == 0 {
		delimiter = sniffDelimiter(headerLine)
	}
	full := io.MultiReader(strings.NewReader(headerLine+"\n"), buffered)
	reader := csv.NewReader(full)
	reader.Comma = delimiter
	reader.FieldsPerRecord = -1

	headers, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("unable to load header in %s: %w", filename, err)
	}
	removeBOMIfPresent(headers)
	for i := range headers {
		headers[i] = strings.TrimSpace(headers[i])
	}

	return &csvParser{
		Filename:       filename,
		line:           1,
		reader:         reader,
		headers:        headers,
		currentRecords: headers,
	}, nil
}

func sniffDelimiter(headerLine string) rune {
	candidates := []rune{',', ';', '|', '\t'}
	best := ','
	bestCount := -1
	for _, c := range candidates {
		count := strings.Count(headerLine, string(c))
		if count > bestCount {
			best = c
			bestCount = count
		}
	}
	return best
}

func removeBOMIfPresent(headers []string) {
	if len(headers) == 0 || len(headers[0]) == 0 {
		return
	}
	runes := []rune(headers[0])
	if runes[0] == '\uFEFF' {
		headers[0] = string(runes[1:])
	}
}

// getString retrieves a string column; returns "" if missing and optional.
func (p *csvParser) getString(name string, optional bool) string {
	if v := p.getStringPointer(name, optional); v != nil {
		return *v
	}
	return ""
}

func (p *csvParser) getStringPointer(name string, optional bool) *string {
	v, err := findValue(name, p.currentRecords, p.headers, optional)
	if err != nil {
		p.errors = append(p.errors, err)
	}
	return v
}

func (p *csvParser) getFloat64Pointer(name string, optional bool) *float64 {
	v, err := getFloat64(name, p.currentRecords, p.headers, optional)
	if err != nil {
		p.errors = append(p.errors, err)
	}
	return v
}

func (p *csvParser) getFloat64(name string, optional bool) float64 {
	if v := p.getFloat64Pointer(name, optional); v != nil {
		return *v
	}
	return 0
}

func (p *csvParser) getIntPointer(name string, optional bool) *int {
	v, err := getInt(name, p.currentRecords, p.headers, optional)
	if err != nil {
		p.errors = append(p.errors, err)
	}
	return v
}

func (p *csvParser) getInt(name string, optional bool) int {
	if v := p.getIntPointer(name, optional); v != nil {
		return *v
	}
	return 0
}

func (p *csvParser) getGTFSTimePointer(name string, optional bool) *int {
	v, err := getGTFSTime(name, p.currentRecords, p.headers, optional)
	if err != nil {
		p.errors = append(p.errors, err)
	}
	return v
}

func (p *csvParser) getGTFSTime(name string, optional bool) int {
	if v := p.getGTFSTimePointer(name, optional); v != nil {
		return *v
	}
	return 0
}

func (p *csvParser) getError() error {
	if len(p.errors) > 0 {
		return fmt.Errorf("in file %s, line %d: %v", p.Filename, p.line, p.errors)
	}
	return nil
}

func (p *csvParser) addParseError(err error) {
	p.errors = append(p.errors, err)
}

func (p *csvParser) nextLine() error {
	var err error
	p.currentRecords, err = p.reader.Read()
	p.line++
	return err
}

func indexOf(name string, elements []string) int {
	for i, v := range elements {
		if v == name {
			return i
		}
	}
	return -1
}

// findValue is the single required/optional resolution point: a missing
// optional column degrades to a nil result (neutral default) rather than
// failing.
func findValue(name string, records, headers []string, optional bool) (*string, error) {
	index := indexOf(name, headers)
	if index < 0 {
		if optional {
			return nil, nil
		}
		return nil, fmt.Errorf("unable to find header: %s", name)
	}
	if len(records) <= index {
		return nil, fmt.Errorf("record too short to find header at %d named %s", index, name)
	}
	value := records[index]
	if len(value) == 0 && !optional {
		return nil, fmt.Errorf("missing required value in column %s", name)
	}
	if len(value) == 0 {
		return nil, nil
	}
	return &value, nil
}

func getInt(name string, records, headers []string, optional bool) (*int, error) {
	value, err := findValue(name, records, headers, optional)
	if err != nil || value == nil {
		return nil, err
	}
	trimmed := strings.TrimSpace(*value)
	if trimmed == "" {
		if optional {
			return nil, nil
		}
		return nil, fmt.Errorf("missing required value in column %s", name)
	}
	result, err := strconv.Atoi(trimmed)
	if err != nil {
		return nil, csvError(name, err)
	}
	return &result, nil
}

func getFloat64(name string, records, headers []string, optional bool) (*float64, error) {
	value, err := findValue(name, records, headers, optional)
	if err != nil || value == nil {
		return nil, err
	}
	trimmed := strings.TrimSpace(*value)
	if trimmed == "" {
		if optional {
			return nil, nil
		}
		return nil, fmt.Errorf("missing required value in column %s", name)
	}
	result, err := strconv.ParseFloat(trimmed, 64)
	if err != nil {
		return nil, csvError(name, err)
	}
	return &result, nil
}

func csvError(name string, err error) error {
	return fmt.Errorf("unable to parse column %s, error: %w", name, err)
}

// getGTFSTime parses "HH:MM:SS" into seconds since noon-minus-12h,
// accepting values beyond "24:00:00" for trips crossing midnight.
func getGTFSTime(name string, records, headers []string, optional bool) (*int, error) {
	value, err := findValue(name, records, headers, optional)
	if err != nil || value == nil {
		return nil, err
	}
	str := strings.TrimSpace(*value)
	if str == "" {
		if optional {
			return nil, nil
		}
		return nil, fmt.Errorf("missing required value in column %s", name)
	}
	result, err := secondsFromGTFSTime(str)
	if err != nil {
		return nil, csvError(name, err)
	}
	return result, nil
}

func secondsFromGTFSTime(gtfsTime string) (*int, error) {
	parts := strings.Split(gtfsTime, ":")
	if len(parts) != 3 {
		return nil, fmt.Errorf("expected HH:MM:SS time format: %s", gtfsTime)
	}
	hours, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return nil, err
	}
	minutes, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return nil, err
	}
	seconds, err := strconv.Atoi(strings.TrimSpace(parts[2]))
	if err != nil {
		return nil, err
	}
	result := hours*3600 + minutes*60 + seconds
	return &result, nil
}

// loadRows iterates every row in p, feeding it to reader, until EOF.
func loadRows(p *csvParser, reader rowReader) error {
	for {
		err := p.nextLine()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if err := reader.addRow(p); err != nil {
			p.addParseError(err)
			return p.getError()
		}
	}
	return nil
}
