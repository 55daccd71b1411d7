package visualizer

import (
	"fmt"
	"image/color"
	"strings"

	"github.com/lucasb-eyer/go-colorful"
)

// Bucket is a semantic color group for class names
type Bucket int

const (
	BucketPerson Bucket = iota
	BucketVehicle
	BucketAnimal
	BucketDefault
)

var (
	vehicleNames = []string{"car", "bus", "truck", "motorcycle"}
	animalNames  = []string{"dog", "cat", "bird", "horse"}
)

// Classify maps a class name to its bucket by substring match. Person is
// checked first, then vehicles, then animals.
func Classify(label string) Bucket {
	if strings.Contains(label, "person") {
		return BucketPerson
	}
	for _, v := range vehicleNames {
		if strings.Contains(label, v) {
			return BucketVehicle
		}
	}
	for _, a := range animalNames {
		if strings.Contains(label, a) {
			return BucketAnimal
		}
	}
	return BucketDefault
}

// Palette holds the box color of every bucket
type Palette struct {
	Person  color.NRGBA
	Vehicle color.NRGBA
	Animal  color.NRGBA
	Default color.NRGBA
}

// DefaultPalette returns blue people, green vehicles, red animals and cyan
// for everything else
func DefaultPalette() Palette {
	return Palette{
		Person:  color.NRGBA{0, 0, 255, 255},
		Vehicle: color.NRGBA{0, 255, 0, 255},
		Animal:  color.NRGBA{255, 0, 0, 255},
		Default: color.NRGBA{0, 255, 255, 255},
	}
}

// ParsePalette builds a palette from hex strings keyed by bucket name
// ("person", "vehicle", "animal", "default"). Missing keys keep their
// default color.
func ParsePalette(hex map[string]string) (Palette, error) {
	p := DefaultPalette()
	targets := map[string]*color.NRGBA{
		"person":  &p.Person,
		"vehicle": &p.Vehicle,
		"animal":  &p.Animal,
		"default": &p.Default,
	}
	for key, value := range hex {
		target, ok := targets[strings.ToLower(key)]
		if !ok {
			return p, fmt.Errorf("unknown palette bucket: %s", key)
		}
		c, err := colorful.Hex(value)
		if err != nil {
			return p, fmt.Errorf("invalid color for %s: %w", key, err)
		}
		r, g, b := c.RGB255()
		*target = color.NRGBA{r, g, b, 255}
	}
	return p, nil
}

// Color returns the palette color for a bucket
func (p Palette) Color(b Bucket) color.NRGBA {
	switch b {
	case BucketPerson:
		return p.Person
	case BucketVehicle:
		return p.Vehicle
	case BucketAnimal:
		return p.Animal
	default:
		return p.Default
	}
}
