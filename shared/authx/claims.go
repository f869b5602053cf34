package authx

import (
	"encoding/json"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// operatorClaims is the token body issued for back-office users. Identity
// providers disagree on list encodings, so list claims accept a JSON array
// or a space/comma separated string.
type operatorClaims struct {
	jwt.RegisteredClaims
	Email             string     `json:"email"`
	Name              string     `json:"name"`
	PreferredUsername string     `json:"preferred_username"`
	Roles             stringList `json:"roles"`
	Role              stringList `json:"role"`
	Scope             stringList `json:"scp"`
	BranchIDs         stringList `json:"branch_ids"`
	BranchID          stringList `json:"branch_id"`
}

func (c operatorClaims) authContext() AuthContext {
	name := strings.TrimSpace(c.Name)
	if name == "" {
		name = strings.TrimSpace(c.PreferredUsername)
	}
	return AuthContext{
		Subject:   strings.TrimSpace(c.Subject),
		Email:     strings.TrimSpace(c.Email),
		Name:      name,
		Roles:     merge(c.Roles, c.Role, c.Scope),
		BranchIDs: merge(c.BranchIDs, c.BranchID),
	}
}

type stringList []string

func (l *stringList) UnmarshalJSON(b []byte) error {
	var one string
	if err := json.Unmarshal(b, &one); err == nil {
		*l = strings.FieldsFunc(one, func(r rune) bool { return r == ' ' || r == ',' })
		return nil
	}
	var many []any
	if err := json.Unmarshal(b, &many); err != nil {
		// Unknown shapes are ignored rather than failing the whole token.
		*l = nil
		return nil
	}
	out := make([]string, 0, len(many))
	for _, v := range many {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	*l = out
	return nil
}

// merge trims, drops empties and de-duplicates while keeping first-seen
// order.
func merge(lists ...stringList) []string {
	var out []string
	seen := map[string]bool{}
	for _, list := range lists {
		for _, v := range list {
			v = strings.TrimSpace(v)
			if v == "" || seen[v] {
				continue
			}
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}
