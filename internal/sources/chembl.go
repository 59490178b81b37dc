package sources

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/fyrsmithlabs/medagent/internal/retry"
)

// DefaultChEMBLURL is the ChEMBL web services base URL.
const DefaultChEMBLURL = "https://www.ebi.ac.uk/chembl/api/data/"

// ChEMBL operations beyond search and fetch.
const (
	OpSearchByTarget     = "search_by_target"
	OpSearchByIndication = "search_by_indication"
)

// ChEMBLConfig configures the ChEMBL source.
type ChEMBLConfig struct {
	BaseURL string
}

var chemblPhases = map[int]string{
	0: "Preclinical",
	1: "Phase 1",
	2: "Phase 2",
	3: "Phase 3",
	4: "Approved",
}

// ChEMBLSource queries compounds by target, indication or name.
type ChEMBLSource struct {
	cfg ChEMBLConfig
}

// NewChEMBL creates the ChEMBL source.
func NewChEMBL(cfg ChEMBLConfig) *ChEMBLSource {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultChEMBLURL
	}
	return &ChEMBLSource{cfg: cfg}
}

func (s *ChEMBLSource) Name() string { return ChEMBL }

func (s *ChEMBLSource) Operations() []string {
	return []string{OpSearch, OpSearchByTarget, OpSearchByIndication, OpFetch}
}

// Search supports:
//   - search_by_target: query (target name), max_results
//   - search_by_indication: query (disease), max_results
//   - search: query, query_type (target | indication | molecule), max_results
//   - fetch: id (ChEMBL molecule id)
func (s *ChEMBLSource) Search(ctx context.Context, f Fetcher, operation string, params Params) ([]Record, error) {
	maxResults := clamp(params.Int("max_results", 20), 1, 100)

	if operation == OpFetch {
		id := params.Text("id", "")
		if id == "" {
			return nil, fmt.Errorf("%w: chembl fetch requires id", ErrInvalidParams)
		}
		return s.molecule(ctx, f, id)
	}

	query := params.Text("query", "")
	if query == "" {
		return nil, fmt.Errorf("%w: chembl %s requires query", ErrInvalidParams, operation)
	}

	switch operation {
	case OpSearchByTarget:
		return s.byTarget(ctx, f, query, maxResults)
	case OpSearchByIndication:
		return s.byIndication(ctx, f, query, maxResults)
	case OpSearch:
		switch strings.ToLower(params.Text("query_type", "target")) {
		case "indication", "disease":
			return s.byIndication(ctx, f, query, maxResults)
		case "molecule", "compound", "drug":
			return s.byName(ctx, f, query, maxResults)
		default:
			return s.byTarget(ctx, f, query, maxResults)
		}
	default:
		return nil, fmt.Errorf("%w: chembl %q", ErrUnknownOperation, operation)
	}
}

// flexString accepts JSON strings, numbers and null.
type flexString string

func (fs *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*fs = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*fs = flexString(s)
		return nil
	}
	*fs = flexString(b)
	return nil
}

// phase parses ChEMBL's max_phase, which is "4.0", 4 or null depending on
// API version.
func (fs flexString) phase() int {
	f, err := strconv.ParseFloat(string(fs), 64)
	if err != nil {
		return 0
	}
	return int(f)
}

type chemblTarget struct {
	TargetChEMBLID string `json:"target_chembl_id"`
	PrefName       string `json:"pref_name"`
	Organism       string `json:"organism"`
	TargetType     string `json:"target_type"`
}

type chemblMechanism struct {
	MoleculeChEMBLID  string `json:"molecule_chembl_id"`
	MechanismOfAction string `json:"mechanism_of_action"`
	ActionType        string `json:"action_type"`
	TargetChEMBLID    string `json:"target_chembl_id"`
}

type chemblMolecule struct {
	MoleculeChEMBLID string     `json:"molecule_chembl_id"`
	PrefName         string     `json:"pref_name"`
	MoleculeType     string     `json:"molecule_type"`
	MaxPhase         flexString `json:"max_phase"`
	FirstApproval    *int       `json:"first_approval"`
	Properties       *struct {
		FullMWT flexString `json:"full_mwt"`
		ALogP   flexString `json:"alogp"`
	} `json:"molecule_properties"`
}

type chemblIndication struct {
	MoleculeChEMBLID string     `json:"molecule_chembl_id"`
	MeshHeading      string     `json:"mesh_heading"`
	EFOTerm          string     `json:"efo_term"`
	MaxPhaseForInd   flexString `json:"max_phase_for_ind"`
}

func (s *ChEMBLSource) getJSON(ctx context.Context, f Fetcher, path string, q url.Values, what string, out any) error {
	if q == nil {
		q = url.Values{}
	}
	q.Set("format", "json")
	body, err := f.Get(ctx, joinURL(s.cfg.BaseURL, path), q)
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &retry.ParseError{What: "chembl " + what, Err: err}
	}
	return nil
}

// byTarget resolves the best matching target, then the molecules with a
// recorded mechanism against it.
func (s *ChEMBLSource) byTarget(ctx context.Context, f Fetcher, target string, maxResults int) ([]Record, error) {
	var targets struct {
		Targets []chemblTarget `json:"targets"`
	}
	if err := s.getJSON(ctx, f, "target/search.json", url.Values{"q": {target}, "limit": {"5"}}, "target search", &targets); err != nil {
		return nil, err
	}
	if len(targets.Targets) == 0 || targets.Targets[0].TargetChEMBLID == "" {
		return []Record{}, nil
	}
	tgt := targets.Targets[0]

	var mechs struct {
		Mechanisms []chemblMechanism `json:"mechanisms"`
	}
	q := url.Values{"target_chembl_id": {tgt.TargetChEMBLID}, "limit": {strconv.Itoa(maxResults)}}
	if err := s.getJSON(ctx, f, "mechanism.json", q, "mechanism search", &mechs); err != nil {
		return nil, err
	}

	moa := make(map[string]chemblMechanism, len(mechs.Mechanisms))
	ids := make([]string, 0, len(mechs.Mechanisms))
	for _, m := range mechs.Mechanisms {
		if m.MoleculeChEMBLID == "" {
			continue
		}
		if _, seen := moa[m.MoleculeChEMBLID]; seen {
			continue
		}
		moa[m.MoleculeChEMBLID] = m
		ids = append(ids, m.MoleculeChEMBLID)
	}
	if len(ids) == 0 {
		return []Record{}, nil
	}

	var mols struct {
		Molecules []chemblMolecule `json:"molecules"`
	}
	q = url.Values{"molecule_chembl_id__in": {strings.Join(ids, ",")}, "limit": {strconv.Itoa(maxResults)}}
	if err := s.getJSON(ctx, f, "molecule.json", q, "molecule search", &mols); err != nil {
		return nil, err
	}

	records := make([]Record, 0, len(mols.Molecules))
	for _, m := range mols.Molecules {
		rec := moleculeRecord(m)
		if mech, ok := moa[m.MoleculeChEMBLID]; ok {
			rec.Attributes["mechanism_of_action"] = mech.MechanismOfAction
			rec.Attributes["action_type"] = mech.ActionType
		}
		rec.Attributes["target_chembl_id"] = tgt.TargetChEMBLID
		rec.Attributes["target_name"] = tgt.PrefName
		records = append(records, rec)
	}
	return records, nil
}

func (s *ChEMBLSource) byIndication(ctx context.Context, f Fetcher, disease string, maxResults int) ([]Record, error) {
	var resp struct {
		Indications []chemblIndication `json:"drug_indications"`
	}
	q := url.Values{"mesh_heading__icontains": {disease}, "limit": {strconv.Itoa(maxResults)}}
	if err := s.getJSON(ctx, f, "drug_indication.json", q, "indication search", &resp); err != nil {
		return nil, err
	}

	records := make([]Record, 0, len(resp.Indications))
	for _, ind := range resp.Indications {
		if ind.MoleculeChEMBLID == "" {
			continue
		}
		phase := ind.MaxPhaseForInd.phase()
		records = append(records, Record{
			Source:  ChEMBL,
			ID:      ind.MoleculeChEMBLID,
			Title:   fmt.Sprintf("%s indicated for %s", ind.MoleculeChEMBLID, ind.MeshHeading),
			Summary: fmt.Sprintf("Maximum phase for indication: %s", phaseName(phase)),
			URL:     compoundURL(ind.MoleculeChEMBLID),
			Attributes: map[string]any{
				"chembl_id":         ind.MoleculeChEMBLID,
				"indication":        ind.MeshHeading,
				"efo_term":          ind.EFOTerm,
				"max_phase":         phase,
				"development_phase": phaseName(phase),
			},
		})
	}
	return records, nil
}

func (s *ChEMBLSource) byName(ctx context.Context, f Fetcher, name string, maxResults int) ([]Record, error) {
	var resp struct {
		Molecules []chemblMolecule `json:"molecules"`
	}
	q := url.Values{"pref_name__icontains": {name}, "limit": {strconv.Itoa(maxResults)}}
	if err := s.getJSON(ctx, f, "molecule.json", q, "molecule search", &resp); err != nil {
		return nil, err
	}

	records := make([]Record, 0, len(resp.Molecules))
	for _, m := range resp.Molecules {
		records = append(records, moleculeRecord(m))
	}
	return records, nil
}

func (s *ChEMBLSource) molecule(ctx context.Context, f Fetcher, id string) ([]Record, error) {
	var m chemblMolecule
	if err := s.getJSON(ctx, f, "molecule/"+url.PathEscape(id)+".json", nil, "molecule fetch", &m); err != nil {
		return nil, err
	}
	if m.MoleculeChEMBLID == "" {
		return []Record{}, nil
	}
	return []Record{moleculeRecord(m)}, nil
}

func moleculeRecord(m chemblMolecule) Record {
	name := m.PrefName
	if name == "" {
		name = m.MoleculeChEMBLID
	}
	phase := m.MaxPhase.phase()

	weight, alogp := "N/A", "N/A"
	if m.Properties != nil {
		if m.Properties.FullMWT != "" {
			weight = string(m.Properties.FullMWT)
		}
		if m.Properties.ALogP != "" {
			alogp = string(m.Properties.ALogP)
		}
	}

	year := 0
	if m.FirstApproval != nil {
		year = *m.FirstApproval
	}

	return Record{
		Source:  ChEMBL,
		ID:      m.MoleculeChEMBLID,
		Title:   name,
		Summary: fmt.Sprintf("%s, %s", nonEmpty(m.MoleculeType, "Unknown type"), phaseName(phase)),
		URL:     compoundURL(m.MoleculeChEMBLID),
		Year:    year,
		Attributes: map[string]any{
			"chembl_id":           m.MoleculeChEMBLID,
			"name":                name,
			"molecule_type":       m.MoleculeType,
			"molecular_weight":    weight,
			"alogp":               alogp,
			"max_phase":           phase,
			"development_phase":   phaseName(phase),
			"mechanism_of_action": "Not available",
		},
	}
}

func phaseName(phase int) string {
	if name, ok := chemblPhases[phase]; ok {
		return name
	}
	return "Unknown"
}

func compoundURL(id string) string {
	return "https://www.ebi.ac.uk/chembl/compound_report_card/" + id + "/"
}

func nonEmpty(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
