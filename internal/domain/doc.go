// Package domain models gridded numerical-weather-model output and the
// storage identities it is loaded into.
//
// # Data Source
//
// Model runs are served by the NOAA Operational Model Archive and
// Distribution System (NOMADS) over OPeNDAP, one dataset per run:
//
//	{base}/{model}/{model}{YYYYMMDD}/{model}_{HH}z
//	e.g. https://nomads.ncep.noaa.gov/dods/rap/rap20240426/rap_12z
//
// Each dataset exposes coordinate vectors (time, lev, lat, lon) and field
// arrays shaped either (time, lat, lon) for surface fields such as "tmp2m"
// or (time, lev, lat, lon) for pressure-level fields such as "tmpprs".
//
// # Grid Conventions
//
// A model grid is the Cartesian product of its latitude and longitude axes.
// Every cell has a row-major ordinal:
//
//	ord = ilat*nlon + ilon
//
// Longitude axes run 0–360. Selections written in −180–180 are shifted onto
// the axis convention by [NormalizeLon].
//
// Pressure levels are in millibars and ordered from the surface upward
// (1000, 975, ..., 100), so they decrease with index.
//
// # Time Conventions
//
// The run issue time ("datatime") is hourly. Valid times ("datatimeforecast")
// arrive as "days since 1-1-1" and are decoded by [DecodeTime]; they are
// stored rounded to the nearest minute by [ForecastTime].
//
// # Missing Values
//
// The source encodes missing cells as a large fill value (9.999e20). Any
// value at or above [SentinelThreshold], and NaN, is not an observation and
// never becomes a [DataPoint].
//
// # Calculated Fields
//
// Calculated fields are arithmetic formulas over other fields of the same
// model, e.g. wind speed from its components:
//
//	wndprs = sqrt(ugrdprs^2 + vgrdprs^2)
//
// Formulas are parsed into an [Expr] against an allow-list of operators and
// functions, so they can be rendered into server-side SQL without string
// interpolation of user text.
package domain
