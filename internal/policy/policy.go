package policy

import (
	"fmt"
	"sort"

	"gateline/internal/config"
	"gateline/internal/domain"
)

// ConfigError reports an invalid ownership policy or command set. It is fatal:
// the core must not start (or swap in a reload) while one is outstanding.
type ConfigError struct {
	Reason string
}

func (e ConfigError) Error() string {
	return "invalid configuration: " + e.Reason
}

// Errorf builds a ConfigError.
func Errorf(format string, args ...any) ConfigError {
	return ConfigError{Reason: fmt.Sprintf(format, args...)}
}

// Policy is the compiled, immutable ownership table: domain -> owner roles and
// role -> readable domains. Safe for unbounded concurrent reads.
type Policy struct {
	roles    map[string]bool
	domains  map[string]bool
	owners   map[string]map[string]bool
	readable map[string]map[string]bool
}

// Compile validates the ownership record and builds an immutable Policy.
func Compile(rec config.PolicyRecord) (*Policy, error) {
	p := &Policy{
		roles:    map[string]bool{},
		domains:  map[string]bool{},
		owners:   map[string]map[string]bool{},
		readable: map[string]map[string]bool{},
	}
	for _, r := range rec.Roles {
		if p.roles[r.Name] {
			return nil, Errorf("role %s declared twice", r.Name)
		}
		p.roles[r.Name] = true
	}
	for _, d := range rec.Domains {
		if p.domains[d.Name] {
			return nil, Errorf("domain %s declared twice", d.Name)
		}
		p.domains[d.Name] = true
	}
	multi := map[string]bool{}
	for _, role := range rec.MultiDomainOwners {
		if !p.roles[role] {
			return nil, Errorf("multi_domain_owners references undefined role %s", role)
		}
		multi[role] = true
	}
	ownedCount := map[string]int{}
	for _, d := range rec.Domains {
		set := map[string]bool{}
		if d.Name == domain.SharedDomain {
			// shared is the fixed exception: every role owns it
			if len(d.Owners) > 0 {
				return nil, Errorf("domain %s must not declare owners; it is owned by all roles", domain.SharedDomain)
			}
			for role := range p.roles {
				set[role] = true
			}
			p.owners[d.Name] = set
			continue
		}
		if len(d.Owners) == 0 {
			return nil, Errorf("domain %s has zero owners", d.Name)
		}
		for _, role := range d.Owners {
			if !p.roles[role] {
				return nil, Errorf("domain %s owned by undefined role %s", d.Name, role)
			}
			if set[role] {
				return nil, Errorf("domain %s lists owner %s twice", d.Name, role)
			}
			set[role] = true
			ownedCount[role]++
		}
		p.owners[d.Name] = set
	}
	for role, n := range ownedCount {
		if n > 1 && !multi[role] {
			return nil, Errorf("role %s owns %d domains; list it under multi_domain_owners to make this explicit", role, n)
		}
	}
	for _, r := range rec.Roles {
		set := map[string]bool{}
		for _, d := range r.ReadableDomains {
			if !p.domains[d] {
				return nil, Errorf("role %s reads undefined domain %s", r.Name, d)
			}
			set[d] = true
		}
		p.readable[r.Name] = set
	}
	return p, nil
}

// HasRole reports whether the role is part of the closed role set.
func (p *Policy) HasRole(role string) bool {
	return p.roles[role]
}

// HasDomain reports whether the domain is declared.
func (p *Policy) HasDomain(name string) bool {
	return p.domains[name]
}

// IsOwner reports whether role is in the owner set of the domain.
func (p *Policy) IsOwner(role, name string) bool {
	return p.owners[name][role]
}

// OwnerOf returns the sorted owner set for a domain.
func (p *Policy) OwnerOf(name string) []string {
	set := p.owners[name]
	out := make([]string, 0, len(set))
	for role := range set {
		out = append(out, role)
	}
	sort.Strings(out)
	return out
}

// CanRead reports whether the role may read the domain. Owners implicitly
// read the domains they own; readability never implies ownership.
func (p *Policy) CanRead(role, name string) bool {
	if p.owners[name][role] {
		return true
	}
	return p.readable[role][name]
}

// Roles returns the sorted closed role set.
func (p *Policy) Roles() []string {
	out := make([]string, 0, len(p.roles))
	for role := range p.roles {
		out = append(out, role)
	}
	sort.Strings(out)
	return out
}

// Domains returns the sorted domain set.
func (p *Policy) Domains() []string {
	out := make([]string, 0, len(p.domains))
	for name := range p.domains {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
