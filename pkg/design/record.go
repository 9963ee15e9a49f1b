package design

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/dd0wney/cluso-riskcap/pkg/network"
)

// Record is the flat persisted form of a design:
//
//	{"links": [[i,j],...], "capacities": [...],
//	 "routes": [[i,j,s,d],...], "routeStatus": [0|1,...]}
//
// routes lists every (backup link, commodity) pair in link-major order, so
// the commodity order is recovered from the first link's entries. The
// remaining fields are optional metadata.
type Record struct {
	Links       [][2]int  `json:"links"`
	Capacities  []float64 `json:"capacities"`
	Routes      [][4]int  `json:"routes"`
	RouteStatus []uint8   `json:"routeStatus"`

	ID        string  `json:"id,omitempty"`
	Objective float64 `json:"objective,omitempty"`
	Status    string  `json:"status,omitempty"`
	Tolerance float64 `json:"tolerance,omitempty"`
}

// ToRecord flattens d.
func (d *Design) ToRecord() *Record {
	r := &Record{
		Links:      make([][2]int, len(d.Links)),
		Capacities: append([]float64(nil), d.Capacities...),
		ID:         d.ID,
		Objective:  d.Objective,
		Status:     d.Status,
		Tolerance:  d.Tolerance,
	}
	for i, l := range d.Links {
		r.Links[i] = [2]int{int(l.From), int(l.To)}
		for c, com := range d.Commodities {
			r.Routes = append(r.Routes, [4]int{int(l.From), int(l.To), int(com.Source), int(com.Destination)})
			r.RouteStatus = append(r.RouteStatus, d.Routes[i][c])
		}
	}
	return r
}

// FromRecord rebuilds a design. Route entries may come in any order; pairs
// that are absent read as 0.
func FromRecord(r *Record) (*Design, error) {
	if len(r.Capacities) != len(r.Links) {
		return nil, fmt.Errorf("%w: %d capacities for %d links", ErrInvalidDesign, len(r.Capacities), len(r.Links))
	}
	if len(r.RouteStatus) != len(r.Routes) {
		return nil, fmt.Errorf("%w: %d route statuses for %d routes", ErrInvalidDesign, len(r.RouteStatus), len(r.Routes))
	}

	links := make([]network.Link, len(r.Links))
	linkIndex := make(map[network.Link]int, len(r.Links))
	for i, l := range r.Links {
		links[i] = network.Link{From: network.NodeID(l[0]), To: network.NodeID(l[1])}
		if _, dup := linkIndex[links[i]]; dup {
			return nil, fmt.Errorf("%w: duplicate link %s", ErrInvalidDesign, links[i])
		}
		linkIndex[links[i]] = i
	}

	var commodities []network.Commodity
	comIndex := make(map[network.Commodity]int)
	for _, rt := range r.Routes {
		com := network.Commodity{Source: network.NodeID(rt[2]), Destination: network.NodeID(rt[3])}
		if _, ok := comIndex[com]; !ok {
			comIndex[com] = len(commodities)
			commodities = append(commodities, com)
		}
	}

	d := New(links, commodities)
	d.Capacities = append(d.Capacities[:0], r.Capacities...)
	d.ID = r.ID
	d.Objective = r.Objective
	d.Status = r.Status
	if r.Tolerance > 0 {
		d.Tolerance = r.Tolerance
	}
	for k, rt := range r.Routes {
		l := network.Link{From: network.NodeID(rt[0]), To: network.NodeID(rt[1])}
		i, ok := linkIndex[l]
		if !ok {
			return nil, fmt.Errorf("%w: route references unknown link %s", ErrInvalidDesign, l)
		}
		c := comIndex[network.Commodity{Source: network.NodeID(rt[2]), Destination: network.NodeID(rt[3])}]
		d.Routes[i][c] = r.RouteStatus[k]
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

// MarshalJSON encodes d as its flat record.
func (d *Design) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.ToRecord())
}

// UnmarshalJSON decodes a flat record into d.
func (d *Design) UnmarshalJSON(data []byte) error {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return err
	}
	decoded, err := FromRecord(&r)
	if err != nil {
		return err
	}
	*d = *decoded
	return nil
}

// Save writes d to w as an indented JSON record.
func Save(w io.Writer, d *Design) error {
	if err := d.Validate(); err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(d.ToRecord())
}

// Load reads a design written by Save.
func Load(r io.Reader) (*Design, error) {
	var rec Record
	if err := json.NewDecoder(r).Decode(&rec); err != nil {
		return nil, fmt.Errorf("decode design record: %w", err)
	}
	return FromRecord(&rec)
}
