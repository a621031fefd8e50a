package domain

import (
	"fmt"
	"strings"
	"time"
)

// DefaultBaseURL is the NOMADS OPeNDAP root.
const DefaultBaseURL = "https://nomads.ncep.noaa.gov/dods"

// Model is a numerical weather model source such as "rap" or "gfs".
type Model struct {
	Name    string
	BaseURL string
}

// NewModel returns a Model rooted at baseURL, or DefaultBaseURL when empty.
func NewModel(name, baseURL string) Model {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return Model{Name: name, BaseURL: strings.TrimRight(baseURL, "/")}
}

// IndexURL is the listing of all run days for the model.
func (m Model) IndexURL() string {
	return fmt.Sprintf("%s/%s", m.BaseURL, m.Name)
}

// RunURL is the dataset URL of the run issued at t (UTC, hourly).
func (m Model) RunURL(t time.Time) string {
	t = t.UTC()
	return fmt.Sprintf("%s/%s/%s%s/%s_%sz",
		m.BaseURL, m.Name, m.Name, t.Format("20060102"), m.Name, t.Format("15"))
}

// Axes are a model's coordinate vectors.
type Axes struct {
	Lat []float64
	Lon []float64
	Lev []float64 // empty for models without pressure levels
}

func (a Axes) NLat() int { return len(a.Lat) }
func (a Axes) NLon() int { return len(a.Lon) }
func (a Axes) NLev() int { return len(a.Lev) }

// GridSize is the number of grid points, nlat*nlon.
func (a Axes) GridSize() int { return len(a.Lat) * len(a.Lon) }

// Ord is the row-major ordinal of grid cell (ilat, ilon).
func Ord(ilat, ilon, nlon int) int {
	return ilat*nlon + ilon
}

// GridPoint is one (lat, lon) cell of a model grid.
type GridPoint struct {
	ID      int32
	ModelID int32
	Lat     float64
	Lon     float64
	Ord     int
}

// GridPoints enumerates the Cartesian product of the axes in ord order.
func GridPoints(modelID int32, axes Axes) []GridPoint {
	nlon := axes.NLon()
	points := make([]GridPoint, 0, axes.GridSize())
	for i, lat := range axes.Lat {
		for j, lon := range axes.Lon {
			points = append(points, GridPoint{
				ModelID: modelID,
				Lat:     lat,
				Lon:     lon,
				Ord:     Ord(i, j, nlon),
			})
		}
	}
	return points
}

// Forecast identifies one (field, issue time, valid time, level) instance.
type Forecast struct {
	FieldID          int32
	DataTime         time.Time
	DataTimeForecast time.Time
	Level            *float64 // millibars; nil for surface fields
}

// ForecastTime rounds a valid time to the minute: add 30 seconds, then truncate.
func ForecastTime(t time.Time) time.Time {
	return t.UTC().Add(30 * time.Second).Truncate(time.Minute)
}

// DataPoint is one value of a forecast at a grid point.
type DataPoint struct {
	ForecastID  int32
	GridPointID int32
	Value       float32
}

// CalculatedField is a field derived from other fields of the same model.
type CalculatedField struct {
	Name       string
	Dependents []string
	Expression *Expr
}

// NewCalculatedField parses calculation against the dependent field names.
func NewCalculatedField(name string, dependents []string, calculation string) (CalculatedField, error) {
	if !ValidIdentifier(name) {
		return CalculatedField{}, fmt.Errorf("%w: calculated field name %q", ErrConfiguration, name)
	}
	if len(dependents) == 0 {
		return CalculatedField{}, fmt.Errorf("%w: calculated field %q has no dependents", ErrConfiguration, name)
	}
	expr, err := ParseExpr(calculation, dependents)
	if err != nil {
		return CalculatedField{}, fmt.Errorf("calculated field %q: %w", name, err)
	}
	return CalculatedField{Name: name, Dependents: dependents, Expression: expr}, nil
}

// ForecastGroup is one (datatime, datatimeforecast, level) combination and the
// forecast id of each dependent field present for it.
type ForecastGroup struct {
	DataTime         time.Time
	DataTimeForecast time.Time
	Level            *float64
	ForecastIDs      map[string]int32
}

// Missing lists the names with no forecast in the group.
func (g ForecastGroup) Missing(names []string) []string {
	var missing []string
	for _, n := range names {
		if _, ok := g.ForecastIDs[n]; !ok {
			missing = append(missing, n)
		}
	}
	return missing
}

// DerivedInput binds an expression variable to the forecast supplying it.
type DerivedInput struct {
	Name       string
	ForecastID int32
}

// RunIngested is published after a run has been loaded.
type RunIngested struct {
	ID          string    `json:"id"`
	Model       string    `json:"model"`
	DataTime    time.Time `json:"datatime"`
	Fields      []string  `json:"fields"`
	Derived     []string  `json:"derived,omitempty"`
	Rows        int       `json:"rows"`
	CompletedAt time.Time `json:"completed_at"`
}

// Key is the message key for a run: model|datatime.
func (r RunIngested) Key() string {
	return r.Model + "|" + r.DataTime.UTC().Format(time.RFC3339)
}
