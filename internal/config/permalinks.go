package config

// MaxPermalinks is the number of permalinks remembered.
const MaxPermalinks = 5

// Permalinks is the content of permalinks.json.
type Permalinks struct {
	Links   []string `json:"permalinks"`
	Current int      `json:"current_permalink_idx"`
}

// LoadPermalinks reads path. A missing file yields an empty list.
func LoadPermalinks(path string) (*Permalinks, error) {
	p := &Permalinks{Links: []string{}}
	if _, err := readJSON(path, p); err != nil {
		return nil, err
	}
	if p.Links == nil {
		p.Links = []string{}
	}
	if p.Current < 0 || p.Current >= len(p.Links) {
		p.Current = 0
	}
	return p, nil
}

// SavePermalinks writes p to path.
func SavePermalinks(path string, p *Permalinks) error {
	return writeJSON(path, p, 0o644)
}

// Use makes link the current permalink, appending it when new and
// dropping the oldest beyond MaxPermalinks.
func (p *Permalinks) Use(link string) {
	for i, l := range p.Links {
		if l == link {
			p.Current = i
			return
		}
	}
	if len(p.Links) >= MaxPermalinks {
		p.Links = p.Links[len(p.Links)-MaxPermalinks+1:]
	}
	p.Links = append(p.Links, link)
	p.Current = len(p.Links) - 1
}

// CurrentLink returns the current permalink, empty when there is none.
func (p *Permalinks) CurrentLink() string {
	if len(p.Links) == 0 {
		return ""
	}
	return p.Links[p.Current]
}
