package profiles

import (
	"time"

	"github.com/parahub/parahub/internal/users"
)

// Outcome is the result tag of an access evaluation.
type Outcome int

const (
	Denied Outcome = iota
	Allowed
)

// Decision is the result of evaluating one profile for one viewer.
type Decision struct {
	Outcome  Outcome
	Owner    bool
	Full     bool
	Sections []Section
}

// Allowed reports whether the viewer may see the profile.
func (d Decision) Allowed() bool { return d.Outcome == Allowed }

// IsOwner reports whether v owns the profile. Products have no owner and
// are reachable through grants only.
func IsOwner(p Profile, v users.Viewer) bool {
	if v.User == nil && p.EntityType != EntityResource {
		return false
	}
	switch p.EntityType {
	case EntityUser:
		return p.EntityID == v.UserID()
	case EntityGroup:
		return v.OwnsGroup(p.EntityID)
	case EntityProject:
		return v.HasProject(p.EntityID)
	case EntityArea:
		return v.HasArea(p.EntityID)
	case EntityResource:
		id, ok := p.ownerTelegramID()
		return ok && v.HasTelegramID(id)
	}
	return false
}

// Evaluate decides which sections of p the viewer may read. Grants that are
// expired at now are ignored. Section ids no longer on the profile are
// dropped.
func Evaluate(p Profile, grants []Grant, v users.Viewer, now time.Time) Decision {
	if owner := IsOwner(p, v); owner || v.IsAdmin {
		return Decision{Outcome: Allowed, Owner: owner, Full: true, Sections: p.Sections}
	}

	if p.EntityType == EntityUser {
		switch p.Visibility() {
		case VisibilityPublic:
			return full(p)
		case VisibilityAuthenticated:
			if v.Authenticated {
				return full(p)
			}
		}
	}

	matched := false
	wanted := make(map[string]struct{})
	for _, g := range grants {
		if g.Expired(now) || !matches(g, v) {
			continue
		}
		matched = true
		if g.Sections == nil {
			return full(p)
		}
		for _, id := range *g.Sections {
			wanted[id] = struct{}{}
		}
	}
	if !matched {
		return Decision{Outcome: Denied}
	}

	visible := make([]Section, 0, len(wanted))
	for _, s := range p.Sections {
		if _, ok := wanted[s.ID]; ok {
			visible = append(visible, s)
		}
	}
	if len(visible) == 0 {
		return Decision{Outcome: Denied}
	}
	return Decision{Outcome: Allowed, Sections: visible}
}

func full(p Profile) Decision {
	return Decision{Outcome: Allowed, Full: true, Sections: p.Sections}
}

func matches(g Grant, v users.Viewer) bool {
	switch g.Audience {
	case AudiencePublic:
		return true
	case AudienceAuthenticated:
		return v.Authenticated
	}
	if g.SubjectID == nil {
		return false
	}
	id := *g.SubjectID
	switch g.Audience {
	case AudienceUser:
		return v.User != nil && v.UserID() == id
	case AudienceGroup:
		return v.InGroup(id)
	case AudienceProject:
		return v.HasProject(id)
	case AudienceArea:
		return v.HasArea(id)
	}
	return false
}
