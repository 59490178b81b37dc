package sources

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/fyrsmithlabs/medagent/internal/retry"
)

// DefaultPubMedURL is the NCBI E-utilities base URL.
const DefaultPubMedURL = "https://eutils.ncbi.nlm.nih.gov/entrez/eutils/"

// PubMedConfig configures the PubMed source.
type PubMedConfig struct {
	BaseURL string
	APIKey  string
	Email   string
	Tool    string
}

// PubMedSource searches PubMed through E-utilities: esearch for PMIDs, then
// efetch for the article XML.
type PubMedSource struct {
	cfg PubMedConfig
	now func() time.Time
}

// NewPubMed creates the PubMed source.
func NewPubMed(cfg PubMedConfig) *PubMedSource {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultPubMedURL
	}
	if cfg.Tool == "" {
		cfg.Tool = "medagent"
	}
	return &PubMedSource{cfg: cfg, now: time.Now}
}

func (s *PubMedSource) Name() string { return PubMed }

func (s *PubMedSource) Operations() []string { return []string{OpSearch, OpFetch} }

// Search supports:
//   - search: query (required), max_results (default 20, max 100), years_back
//   - fetch: id (PMID, or comma separated PMIDs)
func (s *PubMedSource) Search(ctx context.Context, f Fetcher, operation string, params Params) ([]Record, error) {
	switch operation {
	case OpSearch:
		return s.search(ctx, f, params)
	case OpFetch:
		id := params.Text("id", "")
		if id == "" {
			return nil, fmt.Errorf("%w: pubmed fetch requires id", ErrInvalidParams)
		}
		return s.fetch(ctx, f, strings.Split(id, ","))
	default:
		return nil, fmt.Errorf("%w: pubmed %q", ErrUnknownOperation, operation)
	}
}

type esearchResponse struct {
	Result struct {
		Count  string   `json:"count"`
		IDList []string `json:"idlist"`
	} `json:"esearchresult"`
}

func (s *PubMedSource) search(ctx context.Context, f Fetcher, params Params) ([]Record, error) {
	term := params.Text("query", "")
	if term == "" {
		return nil, fmt.Errorf("%w: pubmed search requires query", ErrInvalidParams)
	}

	q := s.baseQuery()
	q.Set("term", term)
	q.Set("retmax", strconv.Itoa(clamp(params.Int("max_results", 20), 1, 100)))
	q.Set("retmode", "json")
	q.Set("sort", "relevance")

	if years := params.Int("years_back", 0); years > 0 {
		now := s.now()
		q.Set("datetype", "pdat")
		q.Set("mindate", now.AddDate(-years, 0, 0).Format("2006/01/02"))
		q.Set("maxdate", now.Format("2006/01/02"))
	}

	body, err := f.Get(ctx, joinURL(s.cfg.BaseURL, "esearch.fcgi"), q)
	if err != nil {
		return nil, fmt.Errorf("esearch: %w", err)
	}

	var resp esearchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &retry.ParseError{What: "pubmed esearch response", Err: err}
	}
	if len(resp.Result.IDList) == 0 {
		return []Record{}, nil
	}

	return s.fetch(ctx, f, resp.Result.IDList)
}

func (s *PubMedSource) fetch(ctx context.Context, f Fetcher, pmids []string) ([]Record, error) {
	ids := make([]string, 0, len(pmids))
	for _, id := range pmids {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return []Record{}, nil
	}

	q := s.baseQuery()
	q.Set("id", strings.Join(ids, ","))
	q.Set("retmode", "xml")
	q.Set("rettype", "abstract")

	body, err := f.Get(ctx, joinURL(s.cfg.BaseURL, "efetch.fcgi"), q)
	if err != nil {
		return nil, fmt.Errorf("efetch: %w", err)
	}
	return ParsePubMedXML(body)
}

func (s *PubMedSource) baseQuery() url.Values {
	q := url.Values{}
	q.Set("db", "pubmed")
	if s.cfg.APIKey != "" {
		q.Set("api_key", s.cfg.APIKey)
	}
	if s.cfg.Email != "" {
		q.Set("email", s.cfg.Email)
	}
	q.Set("tool", s.cfg.Tool)
	return q
}

// textContent collects all character data of an element, flattening inline
// markup such as <i> or <sup> in titles and abstracts.
type textContent string

func (t *textContent) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	var b strings.Builder
	for {
		tok, err := d.Token()
		if err != nil {
			return err
		}
		switch v := tok.(type) {
		case xml.CharData:
			b.Write(v)
		case xml.EndElement:
			if v.Name == start.Name {
				*t = textContent(strings.Join(strings.Fields(b.String()), " "))
				return nil
			}
		}
	}
}

type abstractText struct {
	Label string
	Text  textContent
}

func (a *abstractText) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	for _, attr := range start.Attr {
		if attr.Name.Local == "Label" {
			a.Label = attr.Value
		}
	}
	return a.Text.UnmarshalXML(d, start)
}

type pubmedArticleSet struct {
	Articles []pubmedArticle `xml:"PubmedArticle"`
}

type pubmedArticle struct {
	Citation struct {
		PMID    string `xml:"PMID"`
		Article struct {
			Title    textContent `xml:"ArticleTitle"`
			Abstract struct {
				Texts []abstractText `xml:"AbstractText"`
			} `xml:"Abstract"`
			Journal struct {
				Title string `xml:"Title"`
				Issue struct {
					PubDate struct {
						Year        string `xml:"Year"`
						Month       string `xml:"Month"`
						Day         string `xml:"Day"`
						MedlineDate string `xml:"MedlineDate"`
					} `xml:"PubDate"`
				} `xml:"JournalIssue"`
			} `xml:"Journal"`
			Authors []struct {
				LastName       string `xml:"LastName"`
				ForeName       string `xml:"ForeName"`
				CollectiveName string `xml:"CollectiveName"`
			} `xml:"AuthorList>Author"`
		} `xml:"Article"`
	} `xml:"MedlineCitation"`
	Data struct {
		IDs []struct {
			Type  string `xml:"IdType,attr"`
			Value string `xml:",chardata"`
		} `xml:"ArticleIdList>ArticleId"`
	} `xml:"PubmedData"`
}

// ParsePubMedXML converts an efetch PubmedArticleSet into records.
func ParsePubMedXML(body []byte) ([]Record, error) {
	var set pubmedArticleSet
	if err := xml.Unmarshal(body, &set); err != nil {
		return nil, &retry.ParseError{What: "pubmed efetch xml", Err: err}
	}

	records := make([]Record, 0, len(set.Articles))
	for _, a := range set.Articles {
		pmid := strings.TrimSpace(a.Citation.PMID)
		if pmid == "" {
			continue
		}
		art := a.Citation.Article

		var parts []string
		for _, t := range art.Abstract.Texts {
			if t.Text == "" {
				continue
			}
			if t.Label != "" {
				parts = append(parts, t.Label+": "+string(t.Text))
			} else {
				parts = append(parts, string(t.Text))
			}
		}
		abstract := strings.Join(parts, " ")

		authors := make([]string, 0, len(art.Authors))
		for _, au := range art.Authors {
			switch {
			case au.LastName != "" && au.ForeName != "":
				authors = append(authors, au.LastName+" "+au.ForeName)
			case au.LastName != "":
				authors = append(authors, au.LastName)
			case au.CollectiveName != "":
				authors = append(authors, au.CollectiveName)
			}
		}

		pd := art.Journal.Issue.PubDate
		pubDate := strings.TrimSpace(strings.Join([]string{pd.Year, pd.Month, pd.Day}, " "))
		if pubDate == "" {
			pubDate = pd.MedlineDate
		}
		year := parseYear(pd.Year)
		if year == 0 {
			year = parseYear(pd.MedlineDate)
		}

		var doi string
		for _, id := range a.Data.IDs {
			if id.Type == "doi" {
				doi = strings.TrimSpace(id.Value)
			}
		}

		title := string(art.Title)
		if title == "" {
			title = "No title"
		}

		records = append(records, Record{
			Source:  PubMed,
			ID:      pmid,
			Title:   title,
			Summary: abstract,
			URL:     "https://pubmed.ncbi.nlm.nih.gov/" + pmid + "/",
			Year:    year,
			Attributes: map[string]any{
				"pmid":     pmid,
				"authors":  authors,
				"journal":  art.Journal.Title,
				"pub_date": pubDate,
				"doi":      doi,
			},
		})
	}
	return records, nil
}

// parseYear reads a leading four digit year, e.g. "2021 Jan-Feb".
func parseYear(s string) int {
	s = strings.TrimSpace(s)
	if len(s) < 4 {
		return 0
	}
	y, err := strconv.Atoi(s[:4])
	if err != nil {
		return 0
	}
	return y
}
