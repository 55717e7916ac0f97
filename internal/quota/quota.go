// Package quota computes page allowances from a user's semester enrollment.
// Everything here is a pure function of its inputs and safe for concurrent use.
package quota

import "slices"

type Role string

const (
	RoleNone  Role = "none"
	RoleUser  Role = "user"
	RoleCTFer Role = "ctfer"
	RoleElder Role = "elder"
)

// Profile is the subset of a user the policy looks at.
type Profile struct {
	Role      Role
	Groups    []string
	Semesters []Semester
}

func (p Profile) InGroup(group string) bool {
	return slices.Contains(p.Groups, group)
}

type Snapshot struct {
	Remaining    int `json:"quota"`
	Maximum      int `json:"max_quota"`
	TotalPrinted int `json:"total_printed"`
}

// Rule grants Pages for a semester when Applies matches. Rules are evaluated
// in order and the first match wins.
type Rule struct {
	Name    string
	Applies func(p Profile, s Semester) bool
	Pages   int
}

type Policy struct {
	// ProgramStart is the first semester that accrues quota.
	ProgramStart Semester
	Rules        []Rule
	// QuotaGroups grant standard users eligibility for the current semester.
	QuotaGroups []string
}

var (
	programStart     = Fall(2016)
	exceptionCutover = Fall(2018)
	reducedFrom      = Fall(2019)
)

// DefaultPolicy returns the production table. Members of exceptionGroup are on
// a separate contract granting 1000 pages per semester after Fall 2018.
func DefaultPolicy(exceptionGroup string, quotaGroups []string) Policy {
	return Policy{
		ProgramStart: programStart,
		QuotaGroups:  quotaGroups,
		Rules: []Rule{
			{
				Name: "exception-group",
				Applies: func(p Profile, s Semester) bool {
					return exceptionGroup != "" && p.InGroup(exceptionGroup) && s.After(exceptionCutover)
				},
				Pages: 1000,
			},
			{
				Name: "first-semester",
				Applies: func(_ Profile, s Semester) bool {
					return s == programStart
				},
				Pages: 500,
			},
			{
				Name: "legacy",
				Applies: func(_ Profile, s Semester) bool {
					return s.After(programStart) && s.Before(reducedFrom)
				},
				Pages: 1000,
			},
			{
				Name:    "standard",
				Applies: func(Profile, Semester) bool { return true },
				Pages:   250,
			},
		},
	}
}

// Contribution is the quota granted for a single semester.
func (p Policy) Contribution(prof Profile, s Semester) int {
	for _, r := range p.Rules {
		if r.Applies(prof, s) {
			return r.Pages
		}
	}
	return 0
}

// EligibleSemesters drops summer terms, terms before the program started and
// terms after current. Duplicates are collapsed.
func (p Policy) EligibleSemesters(prof Profile, current Semester) []Semester {
	seen := make(map[Semester]bool, len(prof.Semesters))
	out := make([]Semester, 0, len(prof.Semesters))
	for _, s := range prof.Semesters {
		if seen[s] {
			continue
		}
		seen[s] = true
		if s.Season == SeasonSummer || s.Before(p.ProgramStart) || s.After(current) {
			continue
		}
		out = append(out, s)
	}
	slices.SortFunc(out, Semester.Compare)
	return out
}

func (p Policy) Compute(prof Profile, totalPrinted int, current Semester) Snapshot {
	maximum := 0
	for _, s := range p.EligibleSemesters(prof, current) {
		maximum += p.Contribution(prof, s)
	}
	return Snapshot{
		Remaining:    max(maximum-totalPrinted, 0),
		Maximum:      maximum,
		TotalPrinted: totalPrinted,
	}
}

// Eligible reports whether the user accrues quota for the current semester.
// CTFers and elders always do; standard users only through a quota group.
func (p Policy) Eligible(prof Profile) bool {
	switch prof.Role {
	case RoleCTFer, RoleElder:
		return true
	case RoleUser:
		for _, g := range p.QuotaGroups {
			if prof.InGroup(g) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func (p Policy) WithCurrentSemesterIfEligible(prof Profile, current Semester) Profile {
	if !p.Eligible(prof) || slices.Contains(prof.Semesters, current) {
		return prof
	}
	out := prof
	out.Semesters = append(slices.Clone(prof.Semesters), current)
	return out
}
