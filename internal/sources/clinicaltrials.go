package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/fyrsmithlabs/medagent/internal/retry"
)

// DefaultClinicalTrialsURL is the ClinicalTrials.gov v2 API base URL.
const DefaultClinicalTrialsURL = "https://clinicaltrials.gov/api/v2/"

// maxTrialPages bounds the pages read by one search.
const maxTrialPages = 10

// ClinicalTrialsConfig configures the ClinicalTrials.gov source.
type ClinicalTrialsConfig struct {
	BaseURL  string
	PageSize int
}

var validTrialStatuses = map[string]bool{
	"RECRUITING":              true,
	"NOT_YET_RECRUITING":      true,
	"ACTIVE_NOT_RECRUITING":   true,
	"COMPLETED":               true,
	"ENROLLING_BY_INVITATION": true,
	"SUSPENDED":               true,
	"TERMINATED":              true,
	"WITHDRAWN":               true,
}

var validTrialPhases = map[string]bool{
	"EARLY_PHASE1": true,
	"PHASE1":       true,
	"PHASE2":       true,
	"PHASE3":       true,
	"PHASE4":       true,
	"NA":           true,
}

// ClinicalTrialsSource queries the ClinicalTrials.gov studies endpoint,
// following page tokens until max_results studies are collected.
type ClinicalTrialsSource struct {
	cfg ClinicalTrialsConfig
}

// NewClinicalTrials creates the ClinicalTrials.gov source.
func NewClinicalTrials(cfg ClinicalTrialsConfig) *ClinicalTrialsSource {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultClinicalTrialsURL
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 20
	}
	return &ClinicalTrialsSource{cfg: cfg}
}

func (s *ClinicalTrialsSource) Name() string { return ClinicalTrials }

func (s *ClinicalTrialsSource) Operations() []string { return []string{OpSearch, OpFetch} }

// Search supports:
//   - search: query, condition, intervention, sponsor, country, status,
//     phase, max_results (default 20, max 100). At least one of query,
//     condition or intervention is expected; otherwise interventional
//     studies are listed.
//   - fetch: id (NCT identifier)
func (s *ClinicalTrialsSource) Search(ctx context.Context, f Fetcher, operation string, params Params) ([]Record, error) {
	switch operation {
	case OpSearch:
		return s.search(ctx, f, params)
	case OpFetch:
		id := params.Text("id", "")
		if id == "" {
			return nil, fmt.Errorf("%w: clinical_trials fetch requires id", ErrInvalidParams)
		}
		body, err := f.Get(ctx, joinURL(s.cfg.BaseURL, "studies/"+url.PathEscape(id)), url.Values{"format": {"json"}})
		if err != nil {
			return nil, fmt.Errorf("fetch study: %w", err)
		}
		var st study
		if err := json.Unmarshal(body, &st); err != nil {
			return nil, &retry.ParseError{What: "clinical trials study", Err: err}
		}
		return []Record{st.record()}, nil
	default:
		return nil, fmt.Errorf("%w: clinical_trials %q", ErrUnknownOperation, operation)
	}
}

// BuildTrialsTerm builds the query.term expression from search parameters.
func BuildTrialsTerm(params Params) string {
	var parts []string
	if v := params.Text("condition", ""); v != "" {
		parts = append(parts, "AREA[ConditionSearch]"+v)
	}
	if v := params.Text("intervention", ""); v != "" {
		parts = append(parts, "AREA[InterventionSearch]"+v)
	}
	if v := params.Text("sponsor", ""); v != "" {
		parts = append(parts, "AREA[LeadSponsorName]"+v)
	}
	if v := params.Text("country", ""); v != "" {
		parts = append(parts, "AREA[LocationCountry]"+v)
	}
	if len(parts) > 0 {
		if q := params.Text("query", ""); q != "" {
			parts = append([]string{q}, parts...)
		}
		return strings.Join(parts, " AND ")
	}
	if q := params.Text("query", ""); q != "" {
		return q
	}
	return "AREA[StudyType]INTERVENTIONAL"
}

type studiesResponse struct {
	Studies       []study `json:"studies"`
	NextPageToken string  `json:"nextPageToken"`
}

func (s *ClinicalTrialsSource) search(ctx context.Context, f Fetcher, params Params) ([]Record, error) {
	maxResults := clamp(params.Int("max_results", 20), 1, 100)

	q := url.Values{}
	q.Set("format", "json")
	q.Set("query.term", BuildTrialsTerm(params))
	if status := strings.ToUpper(params.Text("status", "")); validTrialStatuses[status] {
		q.Set("filter.overallStatus", status)
	}
	if phase := strings.ToUpper(params.Text("phase", "")); validTrialPhases[phase] {
		q.Set("filter.advanced", "AREA[Phase]"+phase)
	}
	q.Set("pageSize", strconv.Itoa(min(s.cfg.PageSize, maxResults)))

	records := make([]Record, 0, maxResults)
	endpoint := joinURL(s.cfg.BaseURL, "studies")
	seenTokens := make(map[string]bool)
	for pages := 0; len(records) < maxResults && pages < maxTrialPages; pages++ {
		body, err := f.Get(ctx, endpoint, q)
		if err != nil {
			return nil, fmt.Errorf("search studies: %w", err)
		}

		var page studiesResponse
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, &retry.ParseError{What: "clinical trials studies page", Err: err}
		}

		for _, st := range page.Studies {
			if len(records) == maxResults {
				break
			}
			if st.Protocol.Identification.NCTID == "" {
				continue
			}
			records = append(records, st.record())
		}

		if page.NextPageToken == "" || len(page.Studies) == 0 || seenTokens[page.NextPageToken] {
			break
		}
		seenTokens[page.NextPageToken] = true
		q.Set("pageToken", page.NextPageToken)
	}
	return records, nil
}

type study struct {
	Protocol struct {
		Identification struct {
			NCTID         string `json:"nctId"`
			BriefTitle    string `json:"briefTitle"`
			OfficialTitle string `json:"officialTitle"`
		} `json:"identificationModule"`
		Status struct {
			OverallStatus  string `json:"overallStatus"`
			StartDate      struct{ Date string } `json:"startDateStruct"`
			CompletionDate struct{ Date string } `json:"completionDateStruct"`
		} `json:"statusModule"`
		Sponsor struct {
			LeadSponsor struct {
				Name string `json:"name"`
			} `json:"leadSponsor"`
		} `json:"sponsorCollaboratorsModule"`
		Description struct {
			BriefSummary string `json:"briefSummary"`
		} `json:"descriptionModule"`
		Conditions struct {
			Conditions []string `json:"conditions"`
		} `json:"conditionsModule"`
		Design struct {
			Phases     []string `json:"phases"`
			Enrollment struct {
				Count *int `json:"count"`
			} `json:"enrollmentInfo"`
		} `json:"designModule"`
		Arms struct {
			Interventions []struct {
				Type        string `json:"type"`
				Name        string `json:"name"`
				Description string `json:"description"`
			} `json:"interventions"`
		} `json:"armsInterventionsModule"`
		Contacts struct {
			Locations []struct {
				Facility string `json:"facility"`
				City     string `json:"city"`
				Country  string `json:"country"`
			} `json:"locations"`
		} `json:"contactsLocationsModule"`
	} `json:"protocolSection"`
}

func (st study) record() Record {
	p := st.Protocol
	id := p.Identification.NCTID

	title := p.Identification.OfficialTitle
	if title == "" {
		title = p.Identification.BriefTitle
	}
	if title == "" {
		title = "No title"
	}

	phase := "N/A"
	if len(p.Design.Phases) > 0 {
		phase = strings.Join(p.Design.Phases, ", ")
	}

	interventions := make([]map[string]any, 0, len(p.Arms.Interventions))
	for _, iv := range p.Arms.Interventions {
		interventions = append(interventions, map[string]any{
			"type":        iv.Type,
			"name":        iv.Name,
			"description": iv.Description,
		})
	}

	locations := make([]string, 0, 10)
	for _, loc := range p.Contacts.Locations {
		if len(locations) == 10 {
			break
		}
		var parts []string
		for _, v := range []string{loc.Facility, loc.City, loc.Country} {
			if v != "" {
				parts = append(parts, v)
			}
		}
		if len(parts) > 0 {
			locations = append(locations, strings.Join(parts, ", "))
		}
	}

	var enrollment any = "N/A"
	if p.Design.Enrollment.Count != nil {
		enrollment = *p.Design.Enrollment.Count
	}

	summary := p.Description.BriefSummary
	if summary == "" {
		summary = "No summary available"
	}

	status := p.Status.OverallStatus
	if status == "" {
		status = "Unknown"
	}
	sponsor := p.Sponsor.LeadSponsor.Name
	if sponsor == "" {
		sponsor = "Unknown"
	}

	conditions := p.Conditions.Conditions
	if conditions == nil {
		conditions = []string{}
	}

	return Record{
		Source:  ClinicalTrials,
		ID:      id,
		Title:   title,
		Summary: truncate(summary, 500),
		URL:     "https://clinicaltrials.gov/study/" + id,
		Year:    parseYear(p.Status.StartDate.Date),
		Attributes: map[string]any{
			"nct_id":          id,
			"status":          status,
			"phase":           phase,
			"conditions":      conditions,
			"interventions":   interventions,
			"sponsor":         sponsor,
			"locations":       locations,
			"enrollment":      enrollment,
			"start_date":      orNA(p.Status.StartDate.Date),
			"completion_date": orNA(p.Status.CompletionDate.Date),
		},
	}
}

func orNA(s string) string {
	if s == "" {
		return "N/A"
	}
	return s
}
