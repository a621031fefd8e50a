package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/couchcryptid/forecast-ingest-service/internal/domain"
)

const (
	defaultRunInterval  = time.Hour
	defaultPollInterval = 10 * time.Minute
)

// Job is what the daemon ingests: one model, its fields, and where.
type Job struct {
	Model            domain.Model
	Fields           []string
	RunInterval      time.Duration
	PollInterval     time.Duration
	Geo              domain.GeoSelection       // nil is the whole grid
	Pressure         *domain.PressureSelection // nil is every fourth level
	CalculatedFields []domain.CalculatedField
}

type jobFile struct {
	Model            string        `yaml:"model"`
	BaseURL          string        `yaml:"baseurl"`
	Fields           []string      `yaml:"fields"`
	ModelInt         *duration     `yaml:"modelint"`
	Poll             *duration     `yaml:"poll"`
	Geos             yaml.Node     `yaml:"geos"`
	Pressure         *pressureFile `yaml:"pressure"`
	CalculatedFields calcEntries   `yaml:"calculatedfields"`
}

type pressureFile struct {
	Min    *float64 `yaml:"min"`
	Max    *float64 `yaml:"max"`
	Stride int      `yaml:"stride"`
}

type calcFile struct {
	Name        string   `yaml:"name"`
	Dependents  []string `yaml:"dependents"`
	Calculation string   `yaml:"calculation"`
}

// calcEntries accepts each list item either as {name, dependents,
// calculation} or keyed by field name: {wndprs: {dependents, calculation}}.
// A keyed item may declare several fields.
type calcEntries []calcFile

func (c *calcEntries) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.SequenceNode {
		return fmt.Errorf("line %d: calculatedfields must be a list", n.Line)
	}
	for _, item := range n.Content {
		if item.Kind != yaml.MappingNode {
			return fmt.Errorf("line %d: calculated field must be a mapping", item.Line)
		}
		if !nameKeyed(item) {
			var f calcFile
			if err := item.Decode(&f); err != nil {
				return err
			}
			*c = append(*c, f)
			continue
		}
		for i := 0; i+1 < len(item.Content); i += 2 {
			var f calcFile
			if err := item.Content[i+1].Decode(&f); err != nil {
				return fmt.Errorf("calculated field %s: %w", item.Content[i].Value, err)
			}
			f.Name = item.Content[i].Value
			*c = append(*c, f)
		}
	}
	return nil
}

func nameKeyed(n *yaml.Node) bool {
	for i := 0; i < len(n.Content); i += 2 {
		switch n.Content[i].Value {
		case "name", "dependents", "calculation":
			return false
		}
	}
	return true
}

// duration accepts integer seconds or a Go duration string.
type duration time.Duration

func (d *duration) UnmarshalYAML(n *yaml.Node) error {
	if n.Tag == "!!int" {
		var secs int64
		if err := n.Decode(&secs); err != nil {
			return err
		}
		*d = duration(time.Duration(secs) * time.Second)
		return nil
	}
	var s string
	if err := n.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", n.Line, err)
	}
	*d = duration(v)
	return nil
}

// LoadJob reads and parses a job file. baseURL overrides the file's baseurl
// when set.
func LoadJob(path, baseURL string) (*Job, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read job file: %w", domain.ErrConfiguration, err)
	}
	return ParseJob(data, baseURL)
}

// ParseJob parses a YAML job. baseURL overrides the file's baseurl when set.
func ParseJob(data []byte, baseURL string) (*Job, error) {
	var f jobFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: parse job: %w", domain.ErrConfiguration, err)
	}

	if f.Model == "" {
		return nil, fmt.Errorf("%w: job model is required", domain.ErrConfiguration)
	}
	if len(f.Fields) == 0 {
		return nil, fmt.Errorf("%w: job needs at least one field", domain.ErrConfiguration)
	}
	for _, name := range f.Fields {
		if !domain.ValidIdentifier(name) {
			return nil, fmt.Errorf("%w: invalid field name %q", domain.ErrConfiguration, name)
		}
	}
	if baseURL == "" {
		baseURL = f.BaseURL
	}

	job := &Job{
		Model:        domain.NewModel(f.Model, baseURL),
		Fields:       f.Fields,
		RunInterval:  defaultRunInterval,
		PollInterval: defaultPollInterval,
	}
	if f.ModelInt != nil {
		job.RunInterval = time.Duration(*f.ModelInt)
	}
	if f.Poll != nil {
		job.PollInterval = time.Duration(*f.Poll)
	}
	if job.RunInterval <= 0 || job.PollInterval <= 0 {
		return nil, fmt.Errorf("%w: modelint and poll must be positive", domain.ErrConfiguration)
	}

	geo, err := parseGeo(&f.Geos)
	if err != nil {
		return nil, err
	}
	job.Geo = geo

	if p := f.Pressure; p != nil {
		if p.Min == nil || p.Max == nil {
			return nil, fmt.Errorf("%w: pressure needs both min and max", domain.ErrConfiguration)
		}
		sel := &domain.PressureSelection{Min: *p.Min, Max: *p.Max, Stride: p.Stride}
		if err := sel.Validate(); err != nil {
			return nil, err
		}
		job.Pressure = sel
	}

	for _, c := range f.CalculatedFields {
		cf, err := domain.NewCalculatedField(c.Name, c.Dependents, c.Calculation)
		if err != nil {
			return nil, err
		}
		job.CalculatedFields = append(job.CalculatedFields, cf)
	}
	return job, nil
}

type geoFile struct {
	N      *float64 `yaml:"n"`
	S      *float64 `yaml:"s"`
	E      *float64 `yaml:"e"`
	W      *float64 `yaml:"w"`
	I      int      `yaml:"i"`
	North  *float64 `yaml:"north"`
	South  *float64 `yaml:"south"`
	East   *float64 `yaml:"east"`
	West   *float64 `yaml:"west"`
	Stride int      `yaml:"stride"`
	Lat    *float64 `yaml:"lat"`
	Lon    *float64 `yaml:"lon"`
	K      int      `yaml:"k"`
	Place  string   `yaml:"place"`
}

func first(a, b *float64) *float64 {
	if a != nil {
		return a
	}
	return b
}

// parseGeo turns a geos node into a selection. Lists nest.
func parseGeo(n *yaml.Node) (domain.GeoSelection, error) {
	switch n.Kind {
	case 0:
		return nil, nil
	case yaml.ScalarNode:
		if n.Tag == "!!null" {
			return nil, nil
		}
	case yaml.SequenceNode:
		comp := make(domain.Composite, 0, len(n.Content))
		for _, c := range n.Content {
			g, err := parseGeo(c)
			if err != nil {
				return nil, err
			}
			if g != nil {
				comp = append(comp, g)
			}
		}
		return comp, nil
	case yaml.MappingNode:
		var g geoFile
		if err := n.Decode(&g); err != nil {
			return nil, fmt.Errorf("%w: geos line %d: %w", domain.ErrConfiguration, n.Line, err)
		}
		north, south := first(g.N, g.North), first(g.S, g.South)
		east, west := first(g.E, g.East), first(g.W, g.West)
		isBox := north != nil && south != nil && east != nil && west != nil
		isPoint := g.Lat != nil && g.Lon != nil
		isPlace := g.Place != ""

		switch {
		case isBox && !isPoint && !isPlace:
			stride := g.I
			if stride == 0 {
				stride = g.Stride
			}
			box := domain.BoundingBox{North: *north, South: *south, East: *east, West: *west, Stride: stride}
			if box.North < box.South || box.Stride < 0 {
				return nil, fmt.Errorf("%w: geos line %d: invalid bounding box", domain.ErrConfiguration, n.Line)
			}
			return box, nil
		case isPoint && !isBox && !isPlace:
			if g.K < 0 {
				return nil, fmt.Errorf("%w: geos line %d: negative k", domain.ErrConfiguration, n.Line)
			}
			return domain.PointNeighbors{Lat: *g.Lat, Lon: *g.Lon, K: g.K}, nil
		case isPlace && !isBox && !isPoint:
			return domain.Place{Query: g.Place, K: g.K}, nil
		}
	}
	return nil, fmt.Errorf("%w: geos line %d: unrecognized selection; want {n,s,e,w,i}, {lat,lon,k}, {place,k} or a list",
		domain.ErrConfiguration, n.Line)
}
