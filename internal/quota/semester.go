package quota

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Season orders the terms of an academic year: Winter < Summer < Fall.
type Season int

const (
	SeasonWinter Season = iota
	SeasonSummer
	SeasonFall
)

var seasonCodes = map[Season]string{
	SeasonWinter: "W",
	SeasonSummer: "S",
	SeasonFall:   "F",
}

var seasonNames = map[Season]string{
	SeasonWinter: "winter",
	SeasonSummer: "summer",
	SeasonFall:   "fall",
}

func (s Season) String() string {
	if n, ok := seasonNames[s]; ok {
		return n
	}
	return "unknown"
}

type Semester struct {
	Season Season
	Year   int
}

func Fall(year int) Semester   { return Semester{Season: SeasonFall, Year: year} }
func Winter(year int) Semester { return Semester{Season: SeasonWinter, Year: year} }
func Summer(year int) Semester { return Semester{Season: SeasonSummer, Year: year} }

// Current returns the semester containing t. January through August belong to
// the Winter semester, September through December to Fall.
func Current(t time.Time) Semester {
	if t.Month() < time.September {
		return Winter(t.Year())
	}
	return Fall(t.Year())
}

// Compare returns -1, 0 or 1 as s is before, equal to or after o.
func (s Semester) Compare(o Semester) int {
	switch {
	case s.Year < o.Year:
		return -1
	case s.Year > o.Year:
		return 1
	case s.Season < o.Season:
		return -1
	case s.Season > o.Season:
		return 1
	default:
		return 0
	}
}

func (s Semester) Before(o Semester) bool { return s.Compare(o) < 0 }
func (s Semester) After(o Semester) bool  { return s.Compare(o) > 0 }

func (s Semester) String() string {
	return seasonCodes[s.Season] + strconv.Itoa(s.Year)
}

// ParseSemester accepts the compact form produced by String ("F2018") as well
// as "fall 2018".
func ParseSemester(v string) (Semester, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return Semester{}, fmt.Errorf("empty semester")
	}

	var season, year string
	if i := strings.IndexAny(v, " -"); i > 0 {
		season, year = strings.ToLower(v[:i]), strings.TrimSpace(v[i+1:])
	} else {
		season, year = strings.ToLower(v[:1]), v[1:]
	}

	var s Semester
	switch season {
	case "w", "winter":
		s.Season = SeasonWinter
	case "s", "summer":
		s.Season = SeasonSummer
	case "f", "fall":
		s.Season = SeasonFall
	default:
		return Semester{}, fmt.Errorf("invalid semester season in %q", v)
	}

	y, err := strconv.Atoi(year)
	if err != nil {
		return Semester{}, fmt.Errorf("invalid semester year in %q: %w", v, err)
	}
	s.Year = y
	return s, nil
}

func (s Semester) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Semester) UnmarshalText(b []byte) error {
	parsed, err := ParseSemester(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
