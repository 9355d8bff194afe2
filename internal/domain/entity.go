package domain

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"
)

// Entity is a node of the entity/ownership graph.
type Entity struct {
	ID          string  `json:"id"`
	Name        string  `json:"name,omitempty"`
	Type        string  `json:"type,omitempty"`
	Description string  `json:"description,omitempty"`
	Profile     Profile `json:"profile"`
}

// Ref returns the short form of the entity used inside paths and layers.
func (e *Entity) Ref() EntityRef {
	return EntityRef{ID: e.ID, Name: e.Name, Type: e.Type}
}

// EntityRef is the {id, name, type} triple carried by traversal results.
type EntityRef struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	Type string `json:"type,omitempty"`
}

// Profile holds the extended profile sub-documents of an entity.
// Known sub-documents are decoded into typed fields; everything else is
// kept verbatim in Extra and never interpreted.
type Profile struct {
	BasicInfo    *BasicInfo
	IDInfo       map[string]string
	JobInfo      map[string]string
	BusinessInfo map[string]string
	KYC          *KYC
	RiskProfile  *RiskProfile
	GeoProfile   *GeoProfile
	Extra        map[string]json.RawMessage
}

// BasicInfo is the basic_info sub-document.
type BasicInfo struct {
	BirthDate          string `json:"birth_date,omitempty"`
	ResidentialAddress string `json:"residential_address,omitempty"`
	Nationality        string `json:"nationality,omitempty"`
	Gender             string `json:"gender,omitempty"`
}

// KYC is the kyc_info sub-document.
type KYC struct {
	Status    string `json:"status,omitempty"`
	Level     string `json:"level,omitempty"`
	UpdatedAt string `json:"updated_at,omitempty"`
}

// RiskProfile is the risk_profile sub-document.
type RiskProfile struct {
	Level string   `json:"level,omitempty"`
	Tags  []string `json:"tags,omitempty"`
}

// GeoProfile is the geo_profile sub-document.
type GeoProfile struct {
	CountriesRecent6M []string `json:"countries_recent_6m,omitempty"`
}

// Profile document keys.
const (
	keyBasicInfo    = "basic_info"
	keyIDInfo       = "id_info"
	keyJobInfo      = "job_info"
	keyBusinessInfo = "business_info"
	keyKYC          = "kyc_info"
	keyRiskProfile  = "risk_profile"
	keyGeoProfile   = "geo_profile"
)

// UnmarshalJSON decodes known sub-documents leniently. A sub-document with an
// unexpected shape is kept in Extra instead of failing the whole entity.
func (p *Profile) UnmarshalJSON(data []byte) error {
	*p = Profile{}
	if len(data) == 0 || string(data) == "null" {
		return nil
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	for key, value := range raw {
		var ok bool
		switch key {
		case keyBasicInfo:
			var fields map[string]any
			if ok = json.Unmarshal(value, &fields) == nil && fields != nil; ok {
				p.BasicInfo = &BasicInfo{
					BirthDate:          scalarString(fields["birth_date"]),
					ResidentialAddress: scalarString(fields["residential_address"]),
					Nationality:        scalarString(fields["nationality"]),
					Gender:             scalarString(fields["gender"]),
				}
			}
		case keyIDInfo:
			p.IDInfo, ok = stringFields(value)
		case keyJobInfo:
			p.JobInfo, ok = stringFields(value)
		case keyBusinessInfo:
			p.BusinessInfo, ok = stringFields(value)
		case keyKYC:
			var kyc KYC
			if ok = json.Unmarshal(value, &kyc) == nil; ok {
				p.KYC = &kyc
			}
		case keyRiskProfile:
			var rp RiskProfile
			if ok = json.Unmarshal(value, &rp) == nil; ok {
				p.RiskProfile = &rp
			}
		case keyGeoProfile:
			var fields map[string]any
			if ok = json.Unmarshal(value, &fields) == nil && fields != nil; ok {
				geo := &GeoProfile{}
				if list, isList := fields["countries_recent_6m"].([]any); isList {
					for _, c := range list {
						if s := scalarString(c); s != "" {
							geo.CountriesRecent6M = append(geo.CountriesRecent6M, s)
						}
					}
				}
				p.GeoProfile = geo
			}
		}

		if !ok {
			if p.Extra == nil {
				p.Extra = make(map[string]json.RawMessage)
			}
			p.Extra[key] = value
		}
	}
	return nil
}

// MarshalJSON writes the known sub-documents followed by the preserved extras.
func (p Profile) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(p.Extra)+7)
	for k, v := range p.Extra {
		out[k] = v
	}
	if p.BasicInfo != nil {
		out[keyBasicInfo] = p.BasicInfo
	}
	if p.IDInfo != nil {
		out[keyIDInfo] = p.IDInfo
	}
	if p.JobInfo != nil {
		out[keyJobInfo] = p.JobInfo
	}
	if p.BusinessInfo != nil {
		out[keyBusinessInfo] = p.BusinessInfo
	}
	if p.KYC != nil {
		out[keyKYC] = p.KYC
	}
	if p.RiskProfile != nil {
		out[keyRiskProfile] = p.RiskProfile
	}
	if p.GeoProfile != nil {
		out[keyGeoProfile] = p.GeoProfile
	}
	return json.Marshal(out)
}

// Text renders the identity-relevant parts of the profile as a flat
// "key: value" string. Keys are sorted so the output is stable.
func (p Profile) Text() string {
	var parts []string
	if p.BasicInfo != nil {
		for _, kv := range [][2]string{
			{"birth_date", p.BasicInfo.BirthDate},
			{"residential_address", p.BasicInfo.ResidentialAddress},
			{"nationality", p.BasicInfo.Nationality},
			{"gender", p.BasicInfo.Gender},
		} {
			if kv[1] != "" {
				parts = append(parts, kv[0]+": "+kv[1])
			}
		}
	}
	parts = append(parts, sortedPairs(p.IDInfo)...)
	parts = append(parts, sortedPairs(p.BusinessInfo)...)
	return strings.Join(parts, ", ")
}

func sortedPairs(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if m[k] != "" {
			out = append(out, k+": "+m[k])
		}
	}
	return out
}

func stringFields(data json.RawMessage) (map[string]string, bool) {
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil || fields == nil {
		return nil, false
	}
	out := make(map[string]string, len(fields))
	for k, v := range fields {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out, true
}

// scalarString renders JSON scalars as text and drops objects and arrays.
func scalarString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return ""
	}
}
