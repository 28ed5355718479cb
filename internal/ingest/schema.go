package ingest

import (
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/malbeclabs/tripflow/internal/duck"
	"github.com/malbeclabs/tripflow/internal/project"
)

const (
	ColumnFrom   = "from"
	ColumnTo     = "to"
	ColumnHour   = "hour"
	ColumnMinute = "minute"
)

// Endpoint names the columns describing one end of a movement.
type Endpoint struct {
	ID        string `yaml:"id" validate:"required"`
	Name      string `yaml:"name" validate:"required"`
	Latitude  string `yaml:"latitude" validate:"required"`
	Longitude string `yaml:"longitude" validate:"required"`
}

func (e Endpoint) columns() []string {
	return []string{e.ID, e.Name, e.Latitude, e.Longitude}
}

// Attribute is a source column carried into the movements table unchanged.
type Attribute struct {
	Name string `yaml:"name" validate:"required"`
	Type string `yaml:"type" validate:"oneof=BIGINT INTEGER DOUBLE VARCHAR BOOLEAN"`
}

// Schema is the positional column layout of an input file and the role each column plays.
type Schema struct {
	Columns     []string    `yaml:"columns" validate:"required,unique,dive,required"`
	Origin      Endpoint    `yaml:"origin"`
	Destination Endpoint    `yaml:"destination"`
	Timestamp   string      `yaml:"timestamp" validate:"required"`
	Attributes  []Attribute `yaml:"attributes" validate:"unique=Name,dive"`
	Categorical []string    `yaml:"categorical" validate:"unique,dive,required"`
}

// CitibikeSchema is the layout of the public bike share trip exports.
func CitibikeSchema() Schema {
	return Schema{
		Columns: []string{
			"tripduration", "starttime", "stoptime",
			"start station id", "start station name", "start station latitude", "start station longitude",
			"end station id", "end station name", "end station latitude", "end station longitude",
			"bikeid", "usertype", "birth year", "gender",
		},
		Origin: Endpoint{
			ID:        "start station id",
			Name:      "start station name",
			Latitude:  "start station latitude",
			Longitude: "start station longitude",
		},
		Destination: Endpoint{
			ID:        "end station id",
			Name:      "end station name",
			Latitude:  "end station latitude",
			Longitude: "end station longitude",
		},
		Timestamp: "starttime",
		Attributes: []Attribute{
			{Name: "bikeid", Type: "BIGINT"},
			{Name: "usertype", Type: "VARCHAR"},
			{Name: "birth year", Type: "BIGINT"},
			{Name: "gender", Type: "BIGINT"},
		},
		Categorical: []string{"bikeid", "gender", "birth year"},
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterStructValidation(validateSchemaReferences, Schema{})
	return v
}

var reservedColumns = []string{ColumnFrom, ColumnTo, ColumnHour, ColumnMinute}

func validateSchemaReferences(sl validator.StructLevel) {
	s := sl.Current().Interface().(Schema)

	check := func(field, column string) {
		if column != "" && !slices.Contains(s.Columns, column) {
			sl.ReportError(column, field, field, "incolumns", column)
		}
	}
	for _, c := range s.Origin.columns() {
		check("Origin", c)
	}
	for _, c := range s.Destination.columns() {
		check("Destination", c)
	}
	check("Timestamp", s.Timestamp)
	for _, a := range s.Attributes {
		check("Attributes", a.Name)
		if slices.Contains(reservedColumns, a.Name) {
			sl.ReportError(a.Name, "Attributes", "Attributes", "notreserved", a.Name)
		}
	}
	for _, c := range s.Categorical {
		if !slices.ContainsFunc(s.Attributes, func(a Attribute) bool { return a.Name == c }) {
			sl.ReportError(c, "Categorical", "Categorical", "inattributes", c)
		}
	}
}

// Validate fills attribute type defaults and checks that every referenced column is declared.
func (s *Schema) Validate() error {
	for i := range s.Attributes {
		if s.Attributes[i].Type == "" {
			s.Attributes[i].Type = "VARCHAR"
		}
		s.Attributes[i].Type = strings.ToUpper(s.Attributes[i].Type)
	}
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("invalid schema: %w", err)
	}
	return nil
}

// LoadSchema reads a YAML layout file.
func LoadSchema(path string) (Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Schema{}, fmt.Errorf("failed to read schema file: %w", err)
	}
	var s Schema
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Schema{}, fmt.Errorf("failed to parse schema file %s: %w", path, err)
	}
	if err := s.Validate(); err != nil {
		return Schema{}, err
	}
	return s, nil
}

func (s Schema) index(column string) int {
	return slices.Index(s.Columns, column)
}

// VerticesTable is the table definition for vertex records.
func VerticesTable() duck.TableConfig {
	return duck.TableConfig{
		Name: project.VerticesTable,
		Columns: []duck.Column{
			{Name: "id", Type: "FLOAT"},
			{Name: "name", Type: "VARCHAR"},
			{Name: "latitude", Type: "DOUBLE"},
			{Name: "longitude", Type: "DOUBLE"},
		},
	}
}

// MovementsTable is the table definition for movement records under s.
func (s Schema) MovementsTable() duck.TableConfig {
	cols := []duck.Column{
		{Name: ColumnFrom, Type: "FLOAT"},
		{Name: ColumnTo, Type: "FLOAT"},
		{Name: ColumnHour, Type: "INTEGER"},
		{Name: ColumnMinute, Type: "INTEGER"},
	}
	for _, a := range s.Attributes {
		cols = append(cols, duck.Column{Name: a.Name, Type: a.Type})
	}
	return duck.TableConfig{Name: project.MovementsTable, Columns: cols}
}

// IndexColumns are the movement columns indexed after a batch.
func (s Schema) IndexColumns() []string {
	return append([]string{ColumnTo, ColumnFrom, ColumnHour}, s.Categorical...)
}
