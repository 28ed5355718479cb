package ingest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"
)

var ErrMalformed = errors.New("malformed input")

// Vertex is a station or place at one end of a movement.
type Vertex struct {
	ID        float32
	Name      string
	Latitude  float64
	Longitude float64
}

// Movement is a single trip between two vertices. Attributes hold the declared attribute
// values in schema order, normalized for loading; an empty string is NULL.
type Movement struct {
	From       float32
	To         float32
	Hour       int
	Minute     int
	Attributes []string
}

// File is the parsed content of one input file.
type File struct {
	Vertices  []Vertex
	Movements []Movement
}

var timestampLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	time.RFC3339Nano,
	"1/2/2006 15:04:05",
	"1/2/2006 15:04",
	"2006-01-02 15:04",
	"2006-01-02",
}

func parseTimestamp(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", v)
}

func parseID(v string) (float32, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 32)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("invalid id %q", v)
	}
	return float32(f), nil
}

func parseCoord(v string) (float64, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid coordinate %q", v)
	}
	return f, nil
}

func isNull(v string) bool {
	switch v {
	case "", `\N`, "NULL":
		return true
	}
	return false
}

// normalizeAttribute checks v against the declared SQL type and returns the text to load.
func normalizeAttribute(typ, v string) (string, error) {
	if isNull(v) {
		return "", nil
	}
	switch typ {
	case "BIGINT", "INTEGER":
		bits := 64
		if typ == "INTEGER" {
			bits = 32
		}
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, bits)
		if err != nil {
			// Integer columns exported as floats ("1985.0").
			f, ferr := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if ferr != nil || f != float64(int64(f)) {
				return "", fmt.Errorf("invalid %s value %q", typ, v)
			}
			n = int64(f)
			if bits == 32 && (n > math.MaxInt32 || n < math.MinInt32) {
				return "", fmt.Errorf("invalid %s value %q", typ, v)
			}
		}
		return strconv.FormatInt(n, 10), nil
	case "DOUBLE":
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return "", fmt.Errorf("invalid %s value %q", typ, v)
		}
		return strconv.FormatFloat(f, 'g', -1, 64), nil
	case "BOOLEAN":
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return "", fmt.Errorf("invalid %s value %q", typ, v)
		}
		return strconv.FormatBool(b), nil
	default:
		return v, nil
	}
}

type columnIndexes struct {
	origin, destination [4]int
	timestamp           int
	attributes          []int
}

func (s Schema) resolve() columnIndexes {
	ix := columnIndexes{timestamp: s.index(s.Timestamp)}
	for i, c := range s.Origin.columns() {
		ix.origin[i] = s.index(c)
	}
	for i, c := range s.Destination.columns() {
		ix.destination[i] = s.index(c)
	}
	for _, a := range s.Attributes {
		ix.attributes = append(ix.attributes, s.index(a.Name))
	}
	return ix
}

type endpointRow struct {
	id   float32
	vert Vertex
}

func parseEndpoint(record []string, ix [4]int) (endpointRow, error) {
	id, err := parseID(record[ix[0]])
	if err != nil {
		return endpointRow{}, err
	}
	lat, err := parseCoord(record[ix[2]])
	if err != nil {
		return endpointRow{}, err
	}
	lon, err := parseCoord(record[ix[3]])
	if err != nil {
		return endpointRow{}, err
	}
	return endpointRow{id: id, vert: Vertex{ID: id, Name: record[ix[1]], Latitude: lat, Longitude: lon}}, nil
}

// Parse reads a delimited file with a header row laid out as s. Columns are renamed by position,
// so header names are not compared. Any syntax, arity or value error yields ErrMalformed and no
// partial result. Failures of r itself are returned without ErrMalformed.
func Parse(r io.Reader, s Schema) (*File, error) {
	cr := csv.NewReader(r)
	cr.ReuseRecord = true

	header, err := cr.Read()
	if err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("%w: empty input", ErrMalformed)
		}
		return nil, readError(err)
	}
	if len(header) != len(s.Columns) {
		return nil, fmt.Errorf("%w: header has %d columns, want %d", ErrMalformed, len(header), len(s.Columns))
	}

	ix := s.resolve()
	origins := newVertexView()
	destinations := newVertexView()
	var movements []Movement

	for {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, readError(err)
		}
		line, _ := cr.FieldPos(0)

		from, err := parseEndpoint(record, ix.origin)
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %w", ErrMalformed, line, err)
		}
		to, err := parseEndpoint(record, ix.destination)
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %w", ErrMalformed, line, err)
		}
		ts, err := parseTimestamp(record[ix.timestamp])
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %w", ErrMalformed, line, err)
		}

		attrs := make([]string, len(ix.attributes))
		for i, col := range ix.attributes {
			v, err := normalizeAttribute(s.Attributes[i].Type, record[col])
			if err != nil {
				return nil, fmt.Errorf("%w: line %d: column %q: %w", ErrMalformed, line, s.Attributes[i].Name, err)
			}
			attrs[i] = v
		}

		origins.observe(from.id, from.vert)
		destinations.observe(to.id, to.vert)
		movements = append(movements, Movement{
			From:       from.id,
			To:         to.id,
			Hour:       ts.Hour(),
			Minute:     ts.Minute(),
			Attributes: attrs,
		})
	}

	return &File{
		Vertices:  dedupVertices(origins.sorted(), destinations.sorted()),
		Movements: movements,
	}, nil
}

// readError separates syntax errors in the content from failures of the underlying stream.
func readError(err error) error {
	var pe *csv.ParseError
	if errors.As(err, &pe) {
		return fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return fmt.Errorf("failed to read input: %w", err)
}
