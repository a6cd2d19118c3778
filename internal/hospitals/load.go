package hospitals

import (
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/example/emergency-dispatch/internal/apperr"
	"github.com/example/emergency-dispatch/internal/models"
)

type hospitalYAML struct {
	ID          string   `yaml:"id"`
	Name        string   `yaml:"name"`
	Address     string   `yaml:"address"`
	Contact     string   `yaml:"contact"`
	Lat         float64  `yaml:"lat"`
	Lng         float64  `yaml:"lng"`
	Specialties []string `yaml:"specialties"`
	Beds        int      `yaml:"beds_available"`
	Ambulances  int      `yaml:"ambulances_available"`
	Capacity    int      `yaml:"emergency_capacity"`
}

// LoadYAML reads a facility list of the form
//
//	hospitals:
//	  - id: h-1
//	    name: General
//	    lat: 40.71
//	    lng: -74.0
//	    beds_available: 12
//
// Every entry is validated; the first bad entry fails the whole file.
func LoadYAML(r io.Reader) ([]models.Hospital, error) {
	const op = "hospitals.LoadYAML"
	var doc struct {
		Hospitals []hospitalYAML `yaml:"hospitals"`
	}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, apperr.E(apperr.KindInvalidArgument, op, "file is empty")
		}
		return nil, apperr.Wrap(apperr.KindInvalidArgument, op, err)
	}
	out := make([]models.Hospital, 0, len(doc.Hospitals))
	seen := make(map[string]bool, len(doc.Hospitals))
	for i, y := range doc.Hospitals {
		h := models.Hospital{
			ID:                  y.ID,
			Name:                y.Name,
			Address:             y.Address,
			Contact:             y.Contact,
			Loc:                 models.Coord{Lat: y.Lat, Lng: y.Lng},
			Specialties:         y.Specialties,
			BedsAvailable:       y.Beds,
			AmbulancesAvailable: y.Ambulances,
			EmergencyCapacity:   y.Capacity,
		}
		if err := validateHospital(&h); err != nil {
			return nil, apperr.Wrap(apperr.KindInvalidArgument, op, fmt.Errorf("entry %d: %w", i, err))
		}
		if seen[h.ID] {
			return nil, apperr.E(apperr.KindInvalidArgument, op, "entry %d: duplicate id %q", i, h.ID)
		}
		seen[h.ID] = true
		out = append(out, h)
	}
	return out, nil
}
