package scheduler

import "strings"

// DefaultGroup is the group assigned to keys created without one.
const DefaultGroup = "DEFAULT"

// Key identifies a job or a trigger. Two records of the same kind with equal keys are
// the same record.
type Key struct {
	Name  string `bson:"name"`
	Group string `bson:"group"`
}

// NewKey returns a key, defaulting an empty group to DefaultGroup.
func NewKey(name, group string) Key {
	if group == "" {
		group = DefaultGroup
	}
	return Key{Name: name, Group: group}
}

// String returns the key in group.name form.
func (k Key) String() string {
	return k.Group + "." + k.Name
}

// IsZero reports whether the key has no name.
func (k Key) IsZero() bool {
	return k.Name == ""
}

// MatchOperator selects how a GroupMatcher compares group names.
type MatchOperator int

const (
	MatchEquals MatchOperator = iota
	MatchStartsWith
	MatchEndsWith
	MatchContains
	MatchAnything
)

// GroupMatcher selects jobs or triggers by group name.
type GroupMatcher struct {
	Operator MatchOperator
	Value    string
}

func GroupEquals(group string) GroupMatcher     { return GroupMatcher{Operator: MatchEquals, Value: group} }
func GroupStartsWith(prefix string) GroupMatcher { return GroupMatcher{Operator: MatchStartsWith, Value: prefix} }
func GroupEndsWith(suffix string) GroupMatcher   { return GroupMatcher{Operator: MatchEndsWith, Value: suffix} }
func GroupContains(part string) GroupMatcher     { return GroupMatcher{Operator: MatchContains, Value: part} }
func AnyGroup() GroupMatcher                     { return GroupMatcher{Operator: MatchAnything} }

// Matches reports whether group is selected by the matcher.
func (m GroupMatcher) Matches(group string) bool {
	switch m.Operator {
	case MatchEquals:
		return group == m.Value
	case MatchStartsWith:
		return strings.HasPrefix(group, m.Value)
	case MatchEndsWith:
		return strings.HasSuffix(group, m.Value)
	case MatchContains:
		return strings.Contains(group, m.Value)
	case MatchAnything:
		return true
	}
	return false
}
